package stompy

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Subscription is one active SUBSCRIBE on the connection. Messages are held
// in pending until acknowledged, but only for client and client-individual
// ack modes. Pending messages are ordered by arrival, since broker message
// ids carry no usable order.
type Subscription struct {
	ID            string
	Destination   string
	AckMode       AckMode
	Selector      string
	CustomHeaders map[string]string
	CreatedAt     time.Time

	pending      map[string]pendingMessage
	acknowledged map[string]struct{}
	arrivals     uint64
}

type pendingMessage struct {
	frame Frame
	seq   uint64
}

func newSubscription(id, destination string, mode AckMode, selector string, headers map[string]string, now time.Time) *Subscription {
	custom := make(map[string]string, len(headers))
	for k, v := range headers {
		custom[k] = v
	}
	return &Subscription{
		ID:            id,
		Destination:   destination,
		AckMode:       mode,
		Selector:      selector,
		CustomHeaders: custom,
		CreatedAt:     now,
		pending:       make(map[string]pendingMessage),
		acknowledged:  make(map[string]struct{}),
	}
}

//addMessage records an inbound MESSAGE. auto mode never tracks.
func (s *Subscription) addMessage(messageID string, f Frame) {
	if !s.AckMode.tracksMessages() {
		return
	}
	s.arrivals++
	s.pending[messageID] = pendingMessage{frame: f, seq: s.arrivals}
}

// acknowledge resolves messageID and returns the ids it removed from
// pending. In client mode every pending id delivered at or before messageID
// is resolved too.
func (s *Subscription) acknowledge(messageID string) []string {
	if _, ok := s.pending[messageID]; !ok {
		return nil
	}
	var acked []string
	if s.AckMode == AckClient {
		acked = s.messagesUpTo(messageID)
	} else {
		acked = []string{messageID}
	}
	for _, id := range acked {
		delete(s.pending, id)
		s.acknowledged[id] = struct{}{}
	}
	return acked
}

// negativeAcknowledge drops messageID from pending without marking it
// acknowledged. Redelivery is up to the broker.
func (s *Subscription) negativeAcknowledge(messageID string) bool {
	if _, ok := s.pending[messageID]; !ok {
		return false
	}
	delete(s.pending, messageID)
	return true
}

func (s *Subscription) messagesUpTo(messageID string) []string {
	limit := s.pending[messageID].seq
	var ids []string
	for id, p := range s.pending {
		if p.seq <= limit {
			ids = append(ids, id)
		}
	}
	s.byArrival(ids)
	return ids
}

// PendingMessageIDs returns the unacknowledged ids in arrival order.
func (s *Subscription) PendingMessageIDs() []string {
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	s.byArrival(ids)
	return ids
}

func (s *Subscription) byArrival(ids []string) {
	sort.Slice(ids, func(i, j int) bool { return s.pending[ids[i]].seq < s.pending[ids[j]].seq })
}

func (s *Subscription) PendingMessage(messageID string) (Frame, bool) {
	p, ok := s.pending[messageID]
	return p.frame, ok
}

func (s *Subscription) HasPendingMessages() bool {
	return len(s.pending) > 0
}

func (s *Subscription) IsMessagePending(messageID string) bool {
	_, ok := s.pending[messageID]
	return ok
}

func (s *Subscription) IsMessageAcknowledged(messageID string) bool {
	_, ok := s.acknowledged[messageID]
	return ok
}

// snapshot copies the subscription so callers outside the client lock never
// share its maps.
func (s *Subscription) snapshot() Subscription {
	c := *s
	c.CustomHeaders = make(map[string]string, len(s.CustomHeaders))
	for k, v := range s.CustomHeaders {
		c.CustomHeaders[k] = v
	}
	c.pending = make(map[string]pendingMessage, len(s.pending))
	for k, v := range s.pending {
		c.pending[k] = pendingMessage{frame: v.frame.Clone(), seq: v.seq}
	}
	c.acknowledged = make(map[string]struct{}, len(s.acknowledged))
	for k := range s.acknowledged {
		c.acknowledged[k] = struct{}{}
	}
	return c
}

//lockable struct for mapping subscription ids to their subscription
type subscriptions struct {
	sync.Mutex
	subs map[string]*Subscription
}

func newSubscriptions() *subscriptions {
	return &subscriptions{subs: make(map[string]*Subscription)}
}

func (s *subscriptions) addSubscription(sub *Subscription) error {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.subs[sub.ID]; ok {
		return errors.Wrapf(ErrSubscriptionExists, "%q", sub.ID)
	}
	s.subs[sub.ID] = sub
	return nil
}

func (s *subscriptions) removeSubscription(subID string) (*Subscription, bool) {
	s.Lock()
	defer s.Unlock()
	sub, ok := s.subs[subID]
	if ok {
		delete(s.subs, subID)
	}
	return sub, ok
}

func (s *subscriptions) get(subID string) (*Subscription, bool) {
	s.Lock()
	defer s.Unlock()
	sub, ok := s.subs[subID]
	return sub, ok
}

// holding finds the subscription with messageID pending.
func (s *subscriptions) holding(messageID string) (*Subscription, bool) {
	s.Lock()
	defer s.Unlock()
	for _, sub := range s.subs {
		if sub.IsMessagePending(messageID) {
			return sub, true
		}
	}
	return nil, false
}

func (s *subscriptions) clear() {
	s.Lock()
	defer s.Unlock()
	s.subs = make(map[string]*Subscription)
}

// snapshots returns copies of every subscription ordered by id.
func (s *subscriptions) snapshots() []Subscription {
	s.Lock()
	defer s.Unlock()
	out := make([]Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
