package stompy

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func GenerateClientOpts(host, user, pass, vers string) ClientOpts {
	opts := DefaultClientOpts(host)
	opts.Timeout = 2 * time.Second
	opts.ReceiptTimeout = time.Second
	opts.User = user
	opts.PassCode = pass
	opts.Version = vers
	return opts
}

// recordingTransport keeps every frame the client writes. respond, when
// set, is run on its own goroutine for each frame, standing in for the
// broker.
type recordingTransport struct {
	mu       sync.Mutex
	frames   []string
	closed   bool
	sendErr  error
	closeErr error
	respond  func(frame string)
}

func (rt *recordingTransport) SendEncodedFrame(ctx context.Context, frame string) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.sendErr != nil {
		return rt.sendErr
	}
	rt.frames = append(rt.frames, frame)
	if rt.respond != nil {
		go rt.respond(frame)
	}
	return nil
}

func (rt *recordingTransport) Close(ctx context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.closed = true
	return rt.closeErr
}

func (rt *recordingTransport) setSendErr(err error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.sendErr = err
}

func (rt *recordingTransport) isClosed() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.closed
}

func (rt *recordingTransport) sent() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]string(nil), rt.frames...)
}

// commands lists the command of every frame written, heartbeats excluded.
func (rt *recordingTransport) commands() []Command {
	var cmds []Command
	for _, f := range rt.sent() {
		if f == "\n" {
			continue
		}
		cmds = append(cmds, Command(strings.SplitN(f, "\n", 2)[0]))
	}
	return cmds
}

func (rt *recordingTransport) heartbeats() int {
	n := 0
	for _, f := range rt.sent() {
		if f == "\n" {
			n++
		}
	}
	return n
}

// last decodes the most recent non heartbeat frame.
func (rt *recordingTransport) last(t *testing.T) Frame {
	frames := rt.sent()
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i] == "\n" {
			continue
		}
		f, err := Decode(frames[i])
		require.NoError(t, err, "did not expect an error decoding a sent frame")
		return f
	}
	require.Fail(t, "no frame sent")
	return Frame{}
}

// broker answers CONNECT with connected and DISCONNECT with its receipt.
func broker(c *Client, connected string) func(string) {
	return func(frame string) {
		f, err := Decode(frame)
		if err != nil {
			return
		}
		switch f.Command {
		case CONNECT:
			c.ProcessIncomingFrame(connected)
		case DISCONNECT:
			c.ProcessIncomingFrame("RECEIPT\nreceipt-id:" + f.Header(HdrReceipt) + "\n\n")
		}
	}
}

const connectedFrame = "CONNECTED\nversion:1.2\nsession:session-1\nserver:test-broker/1.0\n\n"

type recordingObserver struct {
	mu           sync.Mutex
	connected    []ConnectionInfo
	disconnected int
	errs         []error
	messages     []Message
	receipts     []string
}

func (o *recordingObserver) OnConnected(info ConnectionInfo) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.connected = append(o.connected, info)
}

func (o *recordingObserver) OnDisconnected() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.disconnected++
}

func (o *recordingObserver) OnError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs = append(o.errs, err)
}

func (o *recordingObserver) OnMessageReceived(msg Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = append(o.messages, msg)
}

func (o *recordingObserver) OnReceiptReceived(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.receipts = append(o.receipts, id)
}

func (o *recordingObserver) connections() []ConnectionInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]ConnectionInfo(nil), o.connected...)
}

func (o *recordingObserver) errors() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]error(nil), o.errs...)
}

func (o *recordingObserver) received() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Message(nil), o.messages...)
}

// newTestClient builds a client with a recording observer and a broker
// stand in that answers with connected.
func newTestClient(t *testing.T, opts ClientOpts, connected string, options ...Option) (*Client, *recordingTransport, *recordingObserver) {
	obs := &recordingObserver{}
	client, err := NewClient(opts, append([]Option{WithObserver(obs)}, options...)...)
	require.NoError(t, err, "did not expect an error creating the client")
	rt := &recordingTransport{}
	rt.respond = broker(client, connected)
	return client, rt, obs
}

// connectedClient returns a client that has completed its handshake.
func connectedClient(t *testing.T, options ...Option) (*Client, *recordingTransport, *recordingObserver) {
	client, rt, obs := newTestClient(t, GenerateClientOpts("localhost", "user", "pass", STOMP_1_2), connectedFrame, options...)
	require.NoError(t, client.Connect(context.Background(), rt), "did not expect an error connecting")
	return client, rt, obs
}

func messageFrame(subscription, id, body string) string {
	return "MESSAGE\ndestination:/queue/test\nmessage-id:" + id + "\nsubscription:" + subscription + "\n\n" + body + "\x00"
}
