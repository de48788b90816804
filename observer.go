package stompy

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Message is an inbound MESSAGE frame as delivered to an Observer.
type Message struct {
	ID           string
	Destination  string
	Subscription string
	ContentType  string
	Body         *Body
	Headers      map[string]string
	ReceivedAt   time.Time
}

func newMessage(f Frame, at time.Time) Message {
	return Message{
		ID:           f.Header(HdrMessageID),
		Destination:  f.Header(HdrDestination),
		Subscription: f.Header(HdrSubscription),
		ContentType:  f.Header(HdrContentType),
		Body:         f.Body,
		Headers:      f.Headers.Map(),
		ReceivedAt:   at,
	}
}

func (m Message) BodyString() string {
	return m.Body.String()
}

func (m Message) BodyBytes() []byte {
	return m.Body.Bytes()
}

// Observer is notified of connection events. Calls are made without any
// client lock held, so an Observer may call back into the client.
type Observer interface {
	OnConnected(info ConnectionInfo)
	OnDisconnected()
	OnError(err error)
	OnMessageReceived(msg Message)
	OnReceiptReceived(receiptID string)
}

// NoopObserver ignores every notification.
type NoopObserver struct{}

func (NoopObserver) OnConnected(ConnectionInfo) {}
func (NoopObserver) OnDisconnected() {}
func (NoopObserver) OnError(error) {}
func (NoopObserver) OnMessageReceived(Message) {}
func (NoopObserver) OnReceiptReceived(string) {}

// LoggingObserver logs every notification.
type LoggingObserver struct {
	log *logrus.Entry
}

func NewLoggingObserver(log *logrus.Entry) *LoggingObserver {
	return &LoggingObserver{log: log}
}

func (o *LoggingObserver) OnConnected(info ConnectionInfo) {
	o.log.WithFields(logrus.Fields{
		"session": info.SessionID,
		"version": info.ServerVersion,
		"server":  info.ServerName,
	}).Info("connected")
}

func (o *LoggingObserver) OnDisconnected() {
	o.log.Info("disconnected")
}

func (o *LoggingObserver) OnError(err error) {
	o.log.WithError(err).Error("connection error")
}

func (o *LoggingObserver) OnMessageReceived(msg Message) {
	o.log.WithFields(logrus.Fields{
		"message-id":   msg.ID,
		"destination":  msg.Destination,
		"subscription": msg.Subscription,
	}).Debugf("message received (%d bytes)", msg.Body.Len())
}

func (o *LoggingObserver) OnReceiptReceived(receiptID string) {
	o.log.WithField("receipt-id", receiptID).Debug("receipt received")
}
