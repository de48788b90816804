package stompy

import (
	"github.com/pkg/errors"
)

// Command is a STOMP frame command.
type Command string

const (
	CONNECT     Command = "CONNECT"
	CONNECTED   Command = "CONNECTED"
	SEND        Command = "SEND"
	SUBSCRIBE   Command = "SUBSCRIBE"
	UNSUBSCRIBE Command = "UNSUBSCRIBE"
	BEGIN       Command = "BEGIN"
	COMMIT      Command = "COMMIT"
	ABORT       Command = "ABORT"
	ACK         Command = "ACK"
	NACK        Command = "NACK"
	DISCONNECT  Command = "DISCONNECT"
	MESSAGE     Command = "MESSAGE"
	RECEIPT     Command = "RECEIPT"
	ERROR       Command = "ERROR"
)

var commands = map[Command]struct{}{
	CONNECT: {}, CONNECTED: {}, SEND: {}, SUBSCRIBE: {}, UNSUBSCRIBE: {},
	BEGIN: {}, COMMIT: {}, ABORT: {}, ACK: {}, NACK: {}, DISCONNECT: {},
	MESSAGE: {}, RECEIPT: {}, ERROR: {},
}

// ParseCommand maps a wire token to its Command.
func ParseCommand(token string) (Command, error) {
	if _, ok := commands[Command(token)]; !ok {
		return "", errors.Wrapf(ErrInvalidCommand, "%q", token)
	}
	return Command(token), nil
}

func (c Command) String() string {
	return string(c)
}

// BodyKind tells the encoder how to put a body on the wire.
type BodyKind int

const (
	TextBody BodyKind = iota
	BinaryBody
)

// Body is a frame payload. Text is written verbatim, binary as base64.
type Body struct {
	Kind BodyKind
	Text string
	Data []byte
}

func NewTextBody(s string) *Body {
	return &Body{Kind: TextBody, Text: s}
}

func NewBinaryBody(b []byte) *Body {
	return &Body{Kind: BinaryBody, Data: b}
}

// Bytes returns the payload as raw bytes.
func (b *Body) Bytes() []byte {
	if b == nil {
		return nil
	}
	if b.Kind == BinaryBody {
		return b.Data
	}
	return []byte(b.Text)
}

// String returns the payload as text.
func (b *Body) String() string {
	if b == nil {
		return ""
	}
	if b.Kind == BinaryBody {
		return string(b.Data)
	}
	return b.Text
}

func (b *Body) Len() int {
	return len(b.Bytes())
}

// HeaderConfig carries the typed header values a frame is built from. Empty
// strings mean unset.
type HeaderConfig struct {
	ContentLength string
	ContentType   string
	AcceptVersion string
	Host          string
	Login         string
	Passcode      string
	HeartBeat     *HeartBeat
	Version       string
	Session       string
	Server        string
	Destination   string
	ID            string
	Ack           AckMode
	Transaction   string
	Receipt       string
	MessageID     string
	Subscription  string
	ReceiptID     string
	Message       string
	Custom        *Headers
}

func (c HeaderConfig) ackMode() AckMode {
	if c.Ack == "" {
		return AckAuto
	}
	return c.Ack
}

func (c HeaderConfig) heartBeat() string {
	if c.HeartBeat == nil {
		return ""
	}
	return c.HeartBeat.String()
}

// Frame is one protocol unit.
type Frame struct {
	Command Command
	Headers *Headers
	Body    *Body
}

// NewFrame builds a frame for command from cfg, populating the headers that
// command takes. A required header left unset is rejected with
// ErrMissingRequiredHeader; unset optional headers are omitted.
func NewFrame(command Command, cfg HeaderConfig, body *Body) (Frame, error) {
	b := frameBuilder{headers: cfg.Custom.Clone()}

	switch command {
	case CONNECT:
		b.required(HdrAcceptVersion, cfg.AcceptVersion)
		b.required(HdrHost, cfg.Host)
		b.optional(HdrLogin, cfg.Login)
		b.optional(HdrPasscode, cfg.Passcode)
		b.optional(HdrHeartBeat, cfg.heartBeat())
	case CONNECTED:
		b.optional(HdrVersion, cfg.Version)
		b.optional(HdrSession, cfg.Session)
		b.optional(HdrServer, cfg.Server)
		b.optional(HdrHeartBeat, cfg.heartBeat())
	case SEND:
		b.required(HdrDestination, cfg.Destination)
		if body != nil {
			b.required(HdrContentLength, cfg.ContentLength)
			b.required(HdrContentType, cfg.ContentType)
		}
		b.optional(HdrTransaction, cfg.Transaction)
	case SUBSCRIBE:
		b.required(HdrDestination, cfg.Destination)
		b.required(HdrID, cfg.ID)
		b.optional(HdrAck, string(cfg.ackMode()))
	case UNSUBSCRIBE:
		b.required(HdrID, cfg.ID)
	case BEGIN, COMMIT, ABORT:
		b.required(HdrTransaction, cfg.Transaction)
	case ACK, NACK:
		b.required(HdrID, cfg.ID)
		b.optional(HdrTransaction, cfg.Transaction)
	case DISCONNECT:
		b.optional(HdrReceipt, cfg.Receipt)
	case MESSAGE:
		b.required(HdrDestination, cfg.Destination)
		b.required(HdrMessageID, cfg.MessageID)
		b.required(HdrSubscription, cfg.Subscription)
		b.optional(HdrAck, string(cfg.ackMode()))
		b.optional(HdrContentLength, cfg.ContentLength)
		b.optional(HdrContentType, cfg.ContentType)
	case RECEIPT:
		b.required(HdrReceiptID, cfg.ReceiptID)
	case ERROR:
		b.optional(HdrVersion, cfg.Version)
		b.optional(HdrContentType, cfg.ContentType)
		b.optional(HdrContentLength, cfg.ContentLength)
		b.optional(HdrMessage, cfg.Message)
	default:
		return Frame{}, errors.Wrapf(ErrInvalidCommand, "%q", string(command))
	}
	if b.err != nil {
		return Frame{}, errors.Wrapf(b.err, "%s frame", command)
	}

	// content-length, content-type and receipt follow the frame whenever it
	// already carries other headers. CONNECT never takes a receipt.
	b.backfill(HdrContentLength, cfg.ContentLength)
	b.backfill(HdrContentType, cfg.ContentType)
	if command != CONNECT {
		b.backfill(HdrReceipt, cfg.Receipt)
	}

	return Frame{Command: command, Headers: b.headers, Body: body}, nil
}

type frameBuilder struct {
	headers *Headers
	err     error
}

func (b *frameBuilder) required(key, value string) {
	if value == "" {
		b.fail(errors.Wrap(ErrMissingRequiredHeader, key))
		return
	}
	b.put(key, value)
}

func (b *frameBuilder) optional(key, value string) {
	if value != "" {
		b.put(key, value)
	}
}

// put sets a typed header. A custom header already holding a different
// value for the same key is an error rather than being overwritten.
func (b *frameBuilder) put(key, value string) {
	if prev, ok := b.headers.Contains(key); ok && prev != value {
		b.fail(errors.Wrapf(ErrConflictingHeader, "%s: %q vs %q", key, prev, value))
		return
	}
	b.headers.Set(key, value)
}

func (b *frameBuilder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

func (b *frameBuilder) backfill(key, value string) {
	if value == "" {
		return
	}
	for i := 0; i < b.headers.Len(); i++ {
		if k, _ := b.headers.GetAt(i); k != key {
			b.headers.Set(key, value)
			return
		}
	}
}

// Header is a shortcut for f.Headers.Get.
func (f Frame) Header(key string) string {
	return f.Headers.Get(key)
}

// Clone returns a deep copy of the frame.
func (f Frame) Clone() Frame {
	c := Frame{Command: f.Command, Headers: f.Headers.Clone()}
	if f.Body != nil {
		b := *f.Body
		if f.Body.Data != nil {
			b.Data = append([]byte(nil), f.Body.Data...)
		}
		c.Body = &b
	}
	return c
}
