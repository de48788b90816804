package stompy

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onsi/gomega"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maleck13/stompy/v2/internal/transport"
)

var (
	SKIP_INTEGRATION   = os.Getenv("TEST_SKIP_INTEGRATION")
	INTEGRATION_SERVER = os.Getenv("INTEGRATION_SERVER")
)

var ctx = context.Background()

func TestConnect_handshake(t *testing.T) {
	client, rt, obs := connectedClient(t)

	require.NotEmpty(t, rt.sent())
	assert.Equal(t, "CONNECT\naccept-version:1.2\nhost:localhost\nlogin:user\npasscode:pass\n\n", rt.sent()[0])
	assert.True(t, client.IsConnected())

	info, ok := client.ConnectionInfo()
	require.True(t, ok, "expected connection info once connected")
	assert.Equal(t, "session-1", info.SessionID)
	assert.Equal(t, "1.2", info.ServerVersion)
	assert.Equal(t, "test-broker/1.0", info.ServerName)
	assert.Nil(t, info.HeartBeat)
	assert.True(t, info.Negotiated.IsZero())
	assert.Len(t, obs.connections(), 1, "observer is told before Connect returns")
}

func TestConnect_customHeadersAndHeartBeat(t *testing.T) {
	opts := GenerateClientOpts("localhost", "", "", STOMP_1_1)
	opts.Headers = map[string]string{"client-id": "tests"}
	opts.HeartBeatSend = 5 * time.Second
	opts.HeartBeatReceive = 10 * time.Second
	client, rt, _ := newTestClient(t, opts, "CONNECTED\nversion:1.1\n\n")
	require.NoError(t, client.Connect(ctx, rt))
	assert.Equal(t, "CONNECT\nclient-id:tests\naccept-version:1.1\nhost:localhost\nheart-beat:5000,10000\n\n", rt.sent()[0])
}

func TestConnect_alreadyConnected(t *testing.T) {
	client, rt, _ := connectedClient(t)
	err := client.Connect(ctx, rt)
	assert.True(t, errors.Is(err, ErrAlreadyConnected))
	assert.Len(t, rt.commands(), 1, "no second CONNECT")
}

func TestConnect_noTransport(t *testing.T) {
	client, _, obs := newTestClient(t, GenerateClientOpts("localhost", "", "", STOMP_1_2), connectedFrame)
	err := client.Connect(ctx, nil)
	assert.True(t, errors.Is(err, ErrTransportUnavailable))
	assert.Equal(t, Errored, client.State().Kind)
	assert.True(t, IsTransportFailure(err))
	assert.Len(t, obs.errors(), 1)
}

func TestConnect_sendFails(t *testing.T) {
	client, rt, _ := newTestClient(t, GenerateClientOpts("localhost", "", "", STOMP_1_2), connectedFrame)
	rt.setSendErr(io.ErrClosedPipe)
	err := client.Connect(ctx, rt)
	var te *TransportError
	require.True(t, errors.As(err, &te), "expected a transport error, got %v", err)
	assert.Equal(t, "CONNECT", te.Op)
	assert.Equal(t, Errored, client.State().Kind)
}

func TestConnect_serverError(t *testing.T) {
	client, rt, obs := newTestClient(t, GenerateClientOpts("localhost", "user", "wrong", STOMP_1_2),
		"ERROR\nmessage:bad credentials\n\n")
	err := client.Connect(ctx, rt)
	var se ServerError
	require.True(t, errors.As(err, &se), "expected a server error, got %v", err)
	assert.Equal(t, ServerError("bad credentials"), se)
	state := client.State()
	assert.Equal(t, Errored, state.Kind)
	assert.Equal(t, err, state.Err)
	assert.Len(t, obs.errors(), 1)
	_, ok := client.ConnectionInfo()
	assert.False(t, ok)
}

func TestConnect_unsupportedVersion(t *testing.T) {
	client, rt, _ := newTestClient(t, GenerateClientOpts("localhost", "", "", STOMP_1_2), "CONNECTED\nversion:1.0\n\n")
	err := client.Connect(ctx, rt)
	var ve VersionError
	assert.True(t, errors.As(err, &ve), "expected a version error, got %v", err)
	assert.Equal(t, Errored, client.State().Kind)
}

func TestConnect_missingVersionAccepted(t *testing.T) {
	client, rt, _ := newTestClient(t, GenerateClientOpts("localhost", "", "", STOMP_1_2), "CONNECTED\n\n")
	assert.NoError(t, client.Connect(ctx, rt))
	assert.True(t, client.IsConnected())
}

func TestConnect_timeout(t *testing.T) {
	opts := GenerateClientOpts("localhost", "", "", STOMP_1_2)
	opts.Timeout = 30 * time.Millisecond
	client, rt, _ := newTestClient(t, opts, connectedFrame)
	rt.respond = nil

	err := client.Connect(ctx, rt)
	assert.True(t, errors.Is(err, ErrConnectTimeout), "expected a connect timeout, got %v", err)
	assert.Equal(t, Errored, client.State().Kind)

	// a late CONNECTED is ignored
	client.ProcessIncomingFrame(connectedFrame)
	assert.Equal(t, Errored, client.State().Kind)
}

func TestConnect_contextCancelled(t *testing.T) {
	client, rt, _ := newTestClient(t, GenerateClientOpts("localhost", "", "", STOMP_1_2), connectedFrame)
	rt.respond = nil
	cctx, cancel := context.WithCancel(ctx)
	time.AfterFunc(10*time.Millisecond, cancel)
	err := client.Connect(cctx, rt)
	assert.True(t, errors.Is(err, ErrConnectTimeout))
}

func TestOperations_requireConnection(t *testing.T) {
	client, rt, _ := connectedClient(t)
	client.TransportClosed(io.EOF)
	require.Equal(t, Errored, client.State().Kind)
	before := len(rt.sent())

	ops := map[string]func() error{
		"subscribe":   func() error { return client.Subscribe(ctx, "/queue/a", "sub-1", AckAuto, "", nil) },
		"unsubscribe": func() error { return client.Unsubscribe(ctx, "sub-1") },
		"send":        func() error { return client.Send(ctx, "/queue/a", NewTextBody("Hello, STOMP!"), "", "", nil) },
		"ack":         func() error { return client.Acknowledge(ctx, "1", "") },
		"nack":        func() error { return client.NegativeAcknowledge(ctx, "1", "") },
		"begin": func() error {
			_, err := client.BeginTransaction(ctx, "tx-1", 0)
			return err
		},
		"commit":     func() error { return client.CommitTransaction(ctx, "tx-1") },
		"abort":      func() error { return client.AbortTransaction(ctx, "tx-1") },
		"disconnect": func() error { return client.Disconnect(ctx) },
	}
	for name, op := range ops {
		err := op()
		assert.True(t, errors.Is(err, ErrNotConnected), "%s: expected not connected, got %v", name, err)
	}
	assert.Len(t, rt.sent(), before, "nothing should reach the transport")
}

func TestOperations_neverConnected(t *testing.T) {
	client, rt, _ := newTestClient(t, GenerateClientOpts("localhost", "", "", STOMP_1_2), connectedFrame)
	err := client.Send(ctx, "/queue/a", nil, "", "", nil)
	assert.True(t, errors.Is(err, ErrNotConnected))
	var se StateError
	assert.True(t, errors.As(err, &se))
	assert.Empty(t, rt.sent())
}

func TestSubscribe(t *testing.T) {
	client, rt, _ := connectedClient(t)
	require.NoError(t, client.Subscribe(ctx, "/queue/a", "sub-1", AckClient, "", nil))
	assert.Equal(t, "SUBSCRIBE\ndestination:/queue/a\nid:sub-1\nack:client\n\n", rt.sent()[1])

	subs := client.ActiveSubscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, "sub-1", subs[0].ID)
	assert.Equal(t, "/queue/a", subs[0].Destination)
	assert.Equal(t, AckClient, subs[0].AckMode)

	err := client.Subscribe(ctx, "/queue/b", "sub-1", AckAuto, "", nil)
	assert.True(t, errors.Is(err, ErrSubscriptionExists), "expected duplicate ids to be rejected")
	assert.Len(t, rt.sent(), 2, "rejected subscribe should not be sent")
	sub, ok := client.Subscription("sub-1")
	require.True(t, ok)
	assert.Equal(t, "/queue/a", sub.Destination, "first subscription should be kept")
}

func TestSubscribe_selectorAndHeaders(t *testing.T) {
	client, rt, _ := connectedClient(t)
	require.NoError(t, client.Subscribe(ctx, "/topic/a", "sub-2", "", "color = 'red'", map[string]string{"x-priority": "9"}))
	assert.Equal(t, "SUBSCRIBE\nx-priority:9\nselector:color = 'red'\ndestination:/topic/a\nid:sub-2\nack:auto\n\n", rt.sent()[1])

	sub, ok := client.Subscription("sub-2")
	require.True(t, ok)
	assert.Equal(t, AckAuto, sub.AckMode)
	assert.Equal(t, "color = 'red'", sub.Selector)
	assert.Equal(t, map[string]string{"x-priority": "9"}, sub.CustomHeaders)
}

func TestSubscribe_transportFailure(t *testing.T) {
	client, rt, _ := connectedClient(t)
	rt.setSendErr(io.ErrClosedPipe)
	err := client.Subscribe(ctx, "/queue/a", "sub-1", AckAuto, "", nil)
	assert.True(t, IsTransportFailure(err))
	assert.Empty(t, client.ActiveSubscriptions(), "failed subscribe should not be registered")
}

func TestSubscribe_concurrent(t *testing.T) {
	client, _, _ := connectedClient(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, client.Subscribe(ctx, "/queue/a", fmt.Sprintf("sub-%02d", i), AckAuto, "", nil))
		}(i)
	}
	wg.Wait()
	assert.Len(t, client.ActiveSubscriptions(), 20)

	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if client.Subscribe(ctx, "/queue/b", "same", AckAuto, "", nil) == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, succeeded, "exactly one subscribe with a shared id should win")
}

func TestMessages_clientAck(t *testing.T) {
	client, rt, obs := connectedClient(t)
	require.NoError(t, client.Subscribe(ctx, "/queue/test", "sub-1", AckClient, "", nil))
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, client.ProcessIncomingFrame(messageFrame("sub-1", id, "Hello, STOMP!")))
	}
	require.Len(t, obs.received(), 3)
	assert.Equal(t, "Hello, STOMP!", obs.received()[0].BodyString())

	sub, _ := client.Subscription("sub-1")
	assert.Equal(t, []string{"1", "2", "3"}, sub.PendingMessageIDs())

	require.NoError(t, client.Acknowledge(ctx, "2", ""))
	last := rt.last(t)
	assert.Equal(t, ACK, last.Command)
	assert.Equal(t, "2", last.Header(HdrID))

	sub, _ = client.Subscription("sub-1")
	assert.Equal(t, []string{"3"}, sub.PendingMessageIDs(), "client acks are cumulative")
}

func TestMessages_clientIndividualAck(t *testing.T) {
	client, _, _ := connectedClient(t)
	require.NoError(t, client.Subscribe(ctx, "/queue/test", "sub-1", AckClientIndividual, "", nil))
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, client.ProcessIncomingFrame(messageFrame("sub-1", id, "Hello, STOMP!")))
	}
	require.NoError(t, client.Acknowledge(ctx, "2", ""))
	sub, _ := client.Subscription("sub-1")
	assert.Equal(t, []string{"1", "3"}, sub.PendingMessageIDs())
	assert.True(t, sub.IsMessageAcknowledged("2"))
}

func TestMessages_nack(t *testing.T) {
	client, rt, _ := connectedClient(t)
	require.NoError(t, client.Subscribe(ctx, "/queue/test", "sub-1", AckClient, "", nil))
	require.NoError(t, client.ProcessIncomingFrame(messageFrame("sub-1", "1", "Hello, STOMP!")))
	require.NoError(t, client.ProcessIncomingFrame(messageFrame("sub-1", "2", "Hello, STOMP!")))

	require.NoError(t, client.NegativeAcknowledge(ctx, "2", ""))
	last := rt.last(t)
	assert.Equal(t, NACK, last.Command)
	assert.Equal(t, "2", last.Header(HdrID))

	sub, _ := client.Subscription("sub-1")
	assert.Equal(t, []string{"1"}, sub.PendingMessageIDs())
	assert.False(t, sub.IsMessageAcknowledged("2"))
}

func TestMessages_ackUnknown(t *testing.T) {
	client, rt, _ := connectedClient(t)
	require.NoError(t, client.Subscribe(ctx, "/queue/test", "sub-1", AckAuto, "", nil))
	require.NoError(t, client.ProcessIncomingFrame(messageFrame("sub-1", "1", "Hello, STOMP!")))
	before := len(rt.sent())

	err := client.Acknowledge(ctx, "1", "")
	assert.True(t, errors.Is(err, ErrSubscriptionNotFound), "auto mode holds nothing to ack")
	err = client.NegativeAcknowledge(ctx, "404", "")
	assert.True(t, errors.Is(err, ErrSubscriptionNotFound))
	assert.Len(t, rt.sent(), before)
}

func TestMessages_unknownSubscriptionDropped(t *testing.T) {
	client, _, obs := connectedClient(t)
	require.NoError(t, client.ProcessIncomingFrame(messageFrame("nobody", "1", "Hello, STOMP!")))
	assert.Empty(t, obs.received())
}

func TestUnsubscribe(t *testing.T) {
	client, rt, _ := connectedClient(t)
	require.NoError(t, client.Subscribe(ctx, "/queue/test", "sub-1", AckClient, "", nil))
	require.NoError(t, client.ProcessIncomingFrame(messageFrame("sub-1", "1", "Hello, STOMP!")))

	require.NoError(t, client.Unsubscribe(ctx, "sub-1"))
	assert.Equal(t, "UNSUBSCRIBE\nid:sub-1\n\n", rt.sent()[len(rt.sent())-1])
	assert.Equal(t, []Command{CONNECT, SUBSCRIBE, UNSUBSCRIBE}, rt.commands(), "pending messages are dropped without a NACK")
	assert.Empty(t, client.ActiveSubscriptions())

	err := client.Unsubscribe(ctx, "sub-1")
	assert.True(t, errors.Is(err, ErrSubscriptionNotFound))
}

func TestSend(t *testing.T) {
	client, rt, _ := connectedClient(t)
	require.NoError(t, client.Send(ctx, "/queue/a", NewTextBody("Hello, STOMP!"), "", "", nil))
	assert.Equal(t, "SEND\ndestination:/queue/a\ncontent-length:13\ncontent-type:text/plain\n\nHello, STOMP!", rt.sent()[1])

	require.NoError(t, client.Send(ctx, "/queue/a", nil, "", "", map[string]string{"x-id": "7"}))
	assert.Equal(t, "SEND\nx-id:7\ndestination:/queue/a\n\n", rt.sent()[2])

	require.NoError(t, client.Send(ctx, "/queue/a", NewBinaryBody([]byte{0xde, 0xad, 0xbe, 0xef}), "application/octet-stream", "", nil))
	assert.Equal(t, "SEND\ndestination:/queue/a\ncontent-length:4\ncontent-type:application/octet-stream\n\n3q2+7w==", rt.sent()[3])
}

func TestSend_conflictingCustomHeader(t *testing.T) {
	client, rt, _ := connectedClient(t)
	err := client.Send(ctx, "/queue/a", NewTextBody("Hello, STOMP!"), "", "",
		map[string]string{"content-type": "application/json", "receipt": "r-1"})
	assert.True(t, errors.Is(err, ErrConflictingHeader), "expected the clash with the default content type, got %v", err)
	assert.Len(t, rt.sent(), 1)
	assert.Equal(t, 0, client.PendingReceipts(), "the receipt of a rejected frame is dropped")

	require.NoError(t, client.Send(ctx, "/queue/a", NewTextBody("{}"), "application/json", "",
		map[string]string{"content-type": "application/json"}))
}

func TestSend_tooLarge(t *testing.T) {
	opts := GenerateClientOpts("localhost", "", "", STOMP_1_2)
	opts.MaxMessageSize = 4
	client, rt, _ := newTestClient(t, opts, connectedFrame)
	require.NoError(t, client.Connect(ctx, rt))

	err := client.Send(ctx, "/queue/a", NewTextBody("Hello, STOMP!"), "", "", nil)
	assert.True(t, errors.Is(err, ErrMessageTooLarge))
	assert.Len(t, rt.sent(), 1)
}

func TestSend_receipt(t *testing.T) {
	client, _, obs := connectedClient(t)
	require.NoError(t, client.Send(ctx, "/queue/a", NewTextBody("Hello, STOMP!"), "", "", map[string]string{"receipt": "r-1"}))
	assert.Equal(t, 1, client.PendingReceipts())

	err := client.Send(ctx, "/queue/a", nil, "", "", map[string]string{"receipt": "r-1"})
	assert.True(t, errors.Is(err, ErrDuplicateReceipt))

	require.NoError(t, client.ProcessIncomingFrame("RECEIPT\nreceipt-id:r-1\n\n"))
	assert.Equal(t, 0, client.PendingReceipts())
	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []string{"r-1"}, obs.receipts)
}

func TestTransactions(t *testing.T) {
	client, rt, _ := connectedClient(t)
	tx, err := client.BeginTransaction(ctx, "tx-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, TransactionActive, tx.State)
	assert.Equal(t, "BEGIN\ntransaction:tx-1\n\n", rt.sent()[1])

	require.NoError(t, client.Send(ctx, "/queue/a", NewTextBody("Hello, STOMP!"), "", "tx-1", nil))
	assert.Equal(t, "tx-1", rt.last(t).Header(HdrTransaction))

	require.NoError(t, client.Subscribe(ctx, "/queue/test", "sub-1", AckClientIndividual, "", nil))
	require.NoError(t, client.ProcessIncomingFrame(messageFrame("sub-1", "m-1", "Hello, STOMP!")))
	require.NoError(t, client.Acknowledge(ctx, "m-1", "tx-1"))
	assert.Equal(t, "ACK\nid:m-1\ntransaction:tx-1\n\n", rt.sent()[len(rt.sent())-1])

	tx, ok := client.Transaction("tx-1")
	require.True(t, ok)
	assert.Len(t, tx.PendingMessages(), 1)
	assert.Equal(t, []string{"m-1"}, tx.PendingAcknowledgments())
	assert.Len(t, client.ActiveTransactions(), 1)

	require.NoError(t, client.CommitTransaction(ctx, "tx-1"))
	assert.Equal(t, "COMMIT\ntransaction:tx-1\n\n", rt.sent()[len(rt.sent())-1])
	assert.Empty(t, client.ActiveTransactions())
	require.Len(t, client.CommittedTransactions(), 1)
	assert.Equal(t, "tx-1", client.CommittedTransactions()[0].ID)
}

func TestTransactions_inactive(t *testing.T) {
	client, rt, _ := connectedClient(t)
	_, err := client.BeginTransaction(ctx, "tx-1", 0)
	require.NoError(t, err)
	require.NoError(t, client.AbortTransaction(ctx, "tx-1"))
	assert.Equal(t, "ABORT\ntransaction:tx-1\n\n", rt.sent()[len(rt.sent())-1])
	before := len(rt.sent())

	assert.True(t, errors.Is(client.CommitTransaction(ctx, "tx-1"), ErrTransactionInactive))
	assert.True(t, errors.Is(client.AbortTransaction(ctx, "unknown"), ErrTransactionInactive))
	err = client.Send(ctx, "/queue/a", nil, "", "tx-1", nil)
	assert.True(t, errors.Is(err, ErrTransactionInactive))
	var te TransactionError
	assert.True(t, errors.As(err, &te))
	assert.Len(t, rt.sent(), before, "nothing sent for inactive transactions")

	tx, _ := client.Transaction("tx-1")
	assert.Equal(t, TransactionAborted, tx.State)
	assert.True(t, client.RemoveTransaction("tx-1"))
}

func TestTransactions_expiry(t *testing.T) {
	clock := newFakeClock()
	client, _, _ := connectedClient(t, WithClock(clock.Now))
	_, err := client.BeginTransaction(ctx, "tx-1", time.Second)
	require.NoError(t, err)
	clock.Advance(2 * time.Second)
	assert.Equal(t, []string{"tx-1"}, client.CleanupExpiredTransactions())

	err = client.CommitTransaction(ctx, "tx-1")
	assert.True(t, errors.Is(err, ErrTransactionInactive))
	tx, ok := client.Transaction("tx-1")
	require.True(t, ok)
	assert.Equal(t, TransactionTimedOut, tx.State)
}

func TestDisconnect(t *testing.T) {
	client, rt, obs := connectedClient(t)
	require.NoError(t, client.Subscribe(ctx, "/queue/a", "sub-1", AckAuto, "", nil))

	require.NoError(t, client.Disconnect(ctx))
	last := rt.last(t)
	assert.Equal(t, DISCONNECT, last.Command)
	assert.True(t, strings.HasPrefix(last.Header(HdrReceipt), "disconnect-"))

	assert.Equal(t, Disconnected, client.State().Kind)
	assert.True(t, rt.isClosed(), "transport should be closed")
	_, ok := client.ConnectionInfo()
	assert.False(t, ok, "connection info is cleared")
	assert.Empty(t, client.ActiveSubscriptions())
	assert.Equal(t, 0, client.PendingReceipts())
	obs.mu.Lock()
	assert.Equal(t, 1, obs.disconnected)
	obs.mu.Unlock()

	assert.True(t, errors.Is(client.Disconnect(ctx), ErrNotConnected))
}

func TestDisconnect_receiptTimeout(t *testing.T) {
	opts := GenerateClientOpts("localhost", "", "", STOMP_1_2)
	opts.ReceiptTimeout = 30 * time.Millisecond
	client, rt, _ := newTestClient(t, opts, connectedFrame)
	require.NoError(t, client.Connect(ctx, rt))
	rt.mu.Lock()
	rt.respond = nil
	rt.mu.Unlock()

	err := client.Disconnect(ctx)
	assert.True(t, errors.Is(err, ErrReceiptTimeout), "expected a receipt timeout, got %v", err)
	assert.Equal(t, Disconnected, client.State().Kind, "disconnect completes without the receipt")
	assert.True(t, rt.isClosed())
}

func TestDisconnect_transportClosedWhileWaiting(t *testing.T) {
	g := gomega.NewWithT(t)
	client, rt, _ := connectedClient(t)
	rt.mu.Lock()
	rt.respond = nil
	rt.mu.Unlock()

	result := make(chan error, 1)
	go func() { result <- client.Disconnect(ctx) }()
	g.Eventually(func() StateKind { return client.State().Kind }).Should(gomega.Equal(Disconnecting))

	client.TransportClosed(io.EOF)
	var err error
	g.Eventually(result).Should(gomega.Receive(&err))
	assert.True(t, errors.Is(err, ErrReceiptCancelled), "expected the receipt wait to be cancelled, got %v", err)
	assert.Equal(t, Disconnected, client.State().Kind)
}

func TestServerErrorWhileConnected(t *testing.T) {
	client, _, obs := connectedClient(t)
	require.NoError(t, client.Subscribe(ctx, "/queue/a", "sub-1", AckAuto, "", nil))

	require.NoError(t, client.ProcessIncomingFrame("ERROR\ncontent-type:text/plain\n\nqueue deleted\x00"))
	state := client.State()
	assert.Equal(t, Errored, state.Kind)
	assert.Equal(t, ServerError("queue deleted"), state.Err, "body is used when there is no message header")
	assert.Empty(t, client.ActiveSubscriptions(), "subscriptions are destroyed with the connection")
	require.Len(t, obs.errors(), 1)
}

func TestTransportClosed(t *testing.T) {
	client, _, obs := connectedClient(t)
	client.TransportClosed(io.EOF)
	state := client.State()
	assert.Equal(t, Errored, state.Kind)
	assert.True(t, IsTransportFailure(state.Err))
	assert.True(t, errors.Is(state.Err, io.EOF))
	assert.Len(t, obs.errors(), 1)

	client.TransportClosed(io.EOF)
	assert.Len(t, obs.errors(), 1, "a second close is not reported again")
}

func TestProcessIncomingFrame_bad(t *testing.T) {
	client, _, _ := connectedClient(t)
	err := client.ProcessIncomingFrame("MESSAGE\nno-colon\n\n")
	assert.True(t, errors.Is(err, ErrInvalidFrame))
	assert.True(t, client.IsConnected(), "a bad frame does not end the connection")
	assert.NoError(t, client.ProcessIncomingFrame("\r\n"), "EOLs are heartbeats")
}

func TestReconnect(t *testing.T) {
	client, _, obs := connectedClient(t)
	err := client.Reconnect(ctx, &recordingTransport{})
	assert.True(t, errors.Is(err, ErrCannotReconnect), "cannot reconnect a live connection")

	client.TransportClosed(io.EOF)
	assert.Equal(t, time.Second, client.NextReconnectDelay())

	rt := &recordingTransport{}
	rt.respond = broker(client, connectedFrame)
	require.NoError(t, client.Reconnect(ctx, rt))
	assert.True(t, client.IsConnected())
	assert.Equal(t, 0, client.ReconnectAttempts(), "attempts reset once connected")
	assert.Equal(t, []Command{CONNECT}, rt.commands())
	assert.Len(t, obs.connections(), 2)
}

func TestReconnect_exhausted(t *testing.T) {
	opts := GenerateClientOpts("localhost", "", "", STOMP_1_2)
	opts.Reconnect.MaxAttempts = 2
	client, rt, _ := newTestClient(t, opts, connectedFrame)
	require.NoError(t, client.Connect(ctx, rt))
	client.TransportClosed(io.EOF)

	assert.True(t, errors.Is(client.Reconnect(ctx, nil), ErrTransportUnavailable))
	assert.Equal(t, 2*time.Second, client.NextReconnectDelay())
	assert.True(t, errors.Is(client.Reconnect(ctx, nil), ErrTransportUnavailable))
	assert.Equal(t, 2, client.ReconnectAttempts())
	assert.Equal(t, 4*time.Second, client.NextReconnectDelay())

	err := client.Reconnect(ctx, rt)
	assert.True(t, errors.Is(err, ErrReconnectExhausted))
	assert.Equal(t, Errored, client.State().Kind)
}

func TestHeartbeats(t *testing.T) {
	ls := &loopers{}
	clock := newFakeClock()
	opts := GenerateClientOpts("localhost", "", "", STOMP_1_2)
	opts.HeartBeatSend = 50 * time.Millisecond
	opts.HeartBeatReceive = 50 * time.Millisecond
	opts.HeartBeatTimeout = 150 * time.Millisecond
	client, rt, obs := newTestClient(t, opts, "CONNECTED\nversion:1.2\nheart-beat:100,100\n\n",
		WithLooperFactory(ls.factory), WithClock(clock.Now))
	require.NoError(t, client.Connect(ctx, rt))

	info, _ := client.ConnectionInfo()
	require.NotNil(t, info.HeartBeat)
	assert.Equal(t, HeartBeat{Send: 100, Receive: 100}, *info.HeartBeat)
	assert.Equal(t, HeartBeat{Send: 100, Receive: 100}, info.Negotiated)

	ls.lastSend().tick()
	ls.lastSend().tick()
	assert.Equal(t, 2, rt.heartbeats())

	receive := ls.lastReceive()
	clock.Advance(100 * time.Millisecond)
	client.HeartbeatReceived()
	clock.Advance(100 * time.Millisecond)
	require.NoError(t, client.ProcessIncomingFrame(messageFrame("nobody", "1", "Hello, STOMP!")))
	clock.Advance(100 * time.Millisecond)
	receive.tick()
	assert.True(t, client.IsConnected(), "inbound traffic keeps the connection alive")

	clock.Advance(200 * time.Millisecond)
	receive.tick()
	state := client.State()
	assert.Equal(t, Errored, state.Kind)
	assert.True(t, errors.Is(state.Err, ErrHeartbeatTimeout))
	require.Len(t, obs.errors(), 1)

	ls.lastSend().tick()
	assert.Equal(t, 2, rt.heartbeats(), "heartbeats stop with the connection")
}

func TestConnectionOk(t *testing.T) {
	if "" != SKIP_INTEGRATION || "" == INTEGRATION_SERVER {
		t.Skip("INTEGRATION DISABLED")
	}
	opts := GenerateClientOpts("localhost", "admin", "admin", STOMP_1_2)
	opts.Timeout = 20 * time.Second
	client, err := NewClient(opts)
	require.NoError(t, err)
	conn, err := transport.Dial(ctx, INTEGRATION_SERVER, opts.Timeout)
	require.NoError(t, err, "did not expect a connection error")
	go conn.ReadLoop(client)

	require.NoError(t, client.Connect(ctx, conn), "did not expect a connection error ")
	require.NoError(t, client.Send(ctx, "/queue/stompy-test", NewTextBody("Hello, STOMP!"), "", "", nil))
	assert.NoError(t, client.Disconnect(ctx))
}

func TestConnectionNotOkBadAuth(t *testing.T) {
	if "" != SKIP_INTEGRATION || "" == INTEGRATION_SERVER {
		t.Skip("INTEGRATION DISABLED")
	}
	opts := GenerateClientOpts("localhost", "nobody", "wrong", STOMP_1_2)
	client, err := NewClient(opts)
	require.NoError(t, err)
	conn, err := transport.Dial(ctx, INTEGRATION_SERVER, opts.Timeout)
	require.NoError(t, err)
	go conn.ReadLoop(client)

	err = client.Connect(ctx, conn)
	assert.Error(t, err, "expected bad credentials to be rejected")
	conn.Close(ctx)
}
