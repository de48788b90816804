package stompy

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/pkg/errors"
)

// Recognised header names
const (
	HdrContentLength = frame.ContentLength
	HdrContentType   = frame.ContentType
	HdrAcceptVersion = frame.AcceptVersion
	HdrHost          = frame.Host
	HdrLogin         = frame.Login
	HdrPasscode      = frame.Passcode
	HdrHeartBeat     = frame.HeartBeat
	HdrVersion       = frame.Version
	HdrSession       = frame.Session
	HdrServer        = frame.Server
	HdrDestination   = frame.Destination
	HdrID            = frame.Id
	HdrAck           = frame.Ack
	HdrTransaction   = frame.Transaction
	HdrReceipt       = frame.Receipt
	HdrMessageID     = frame.MessageId
	HdrSubscription  = frame.Subscription
	HdrReceiptID     = frame.ReceiptId
	HdrMessage       = frame.Message
	HdrSelector      = "selector"
)

// Headers is the header block of a frame, kept in a go-stomp frame.Header.
// Entries keep the order they were first set and a key appears at most
// once. A nil *Headers reads as empty.
type Headers struct {
	h *frame.Header
}

func NewHeaders(entries ...string) *Headers {
	h := &Headers{}
	for i := 0; i+1 < len(entries); i += 2 {
		h.Set(entries[i], entries[i+1])
	}
	return h
}

// HeadersFromMap builds Headers from a map with keys in sorted order so the
// wire form is stable.
func HeadersFromMap(m map[string]string) *Headers {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := &Headers{}
	for _, k := range keys {
		h.Set(k, m[k])
	}
	return h
}

func (h *Headers) header() *frame.Header {
	if h.h == nil {
		h.h = frame.NewHeader()
	}
	return h.h
}

// Set replaces the value of an existing entry or appends a new one.
func (h *Headers) Set(key, value string) {
	h.header().Set(key, value)
}

// setIfAbsent keeps the first value seen for a key.
func (h *Headers) setIfAbsent(key, value string) {
	if _, ok := h.Contains(key); !ok {
		h.header().Add(key, value)
	}
}

func (h *Headers) Get(key string) string {
	v, _ := h.Contains(key)
	return v
}

func (h *Headers) Contains(key string) (string, bool) {
	if h == nil || h.h == nil {
		return "", false
	}
	return h.h.Contains(key)
}

func (h *Headers) Del(key string) {
	if h != nil && h.h != nil {
		h.h.Del(key)
	}
}

func (h *Headers) Len() int {
	if h == nil || h.h == nil {
		return 0
	}
	return h.h.Len()
}

// GetAt returns the entry at index, 0 <= index < Len().
func (h *Headers) GetAt(index int) (key, value string) {
	return h.h.GetAt(index)
}

func (h *Headers) Clone() *Headers {
	hc := &Headers{}
	if h.Len() > 0 {
		hc.h = h.h.Clone()
	}
	return hc
}

// Map copies the entries into a plain map.
func (h *Headers) Map() map[string]string {
	m := make(map[string]string, h.Len())
	for i := 0; i < h.Len(); i++ {
		k, v := h.GetAt(i)
		m[k] = v
	}
	return m
}

// StompHeader returns a copy of the entries as a go-stomp frame.Header, for
// handing frames to code built on go-stomp.
func (h *Headers) StompHeader() *frame.Header {
	if h.Len() == 0 {
		return frame.NewHeader()
	}
	return h.h.Clone()
}

// AckMode is the acknowledgment mode of a subscription.
type AckMode string

const (
	AckAuto             AckMode = "auto"
	AckClient           AckMode = "client"
	AckClientIndividual AckMode = "client-individual"
)

func ParseAckMode(s string) (AckMode, error) {
	switch AckMode(s) {
	case AckAuto, AckClient, AckClientIndividual:
		return AckMode(s), nil
	}
	return "", errors.Wrapf(ErrInvalidACK, "%q", s)
}

// tracksMessages reports whether MESSAGE frames must be held until ACK/NACK.
func (m AckMode) tracksMessages() bool {
	return m == AckClient || m == AckClientIndividual
}

// HeartBeat holds the two heart-beat values in milliseconds: how often the
// sender can send heartbeats and how often it wants to receive them.
type HeartBeat struct {
	Send    int
	Receive int
}

func (hb HeartBeat) String() string {
	return strconv.Itoa(hb.Send) + "," + strconv.Itoa(hb.Receive)
}

func (hb HeartBeat) IsZero() bool {
	return hb.Send == 0 && hb.Receive == 0
}

// SendInterval and ReceiveInterval convert the values to durations.
func (hb HeartBeat) SendInterval() time.Duration {
	return time.Duration(hb.Send) * time.Millisecond
}

func (hb HeartBeat) ReceiveInterval() time.Duration {
	return time.Duration(hb.Receive) * time.Millisecond
}

// Negotiate combines the client's own settings with the server's CONNECTED
// heart-beat header. Each direction is disabled when either side declines
// it, otherwise the slower of the two rates wins.
func (hb HeartBeat) Negotiate(server HeartBeat) HeartBeat {
	return HeartBeat{
		Send:    negotiated(hb.Send, server.Receive),
		Receive: negotiated(hb.Receive, server.Send),
	}
}

func negotiated(local, remote int) int {
	if local == 0 || remote == 0 {
		return 0
	}
	if local > remote {
		return local
	}
	return remote
}

// ParseHeartBeat parses "send,receive". Whitespace around either value is
// tolerated.
func ParseHeartBeat(value string) (HeartBeat, error) {
	compact := strings.ReplaceAll(value, " ", "")
	send, receive, err := frame.ParseHeartBeat(compact)
	if err != nil {
		return HeartBeat{}, errors.Wrapf(ErrInvalidHeartBeat, "%q", value)
	}
	return HeartBeat{
		Send:    int(send / time.Millisecond),
		Receive: int(receive / time.Millisecond),
	}, nil
}
