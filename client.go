package stompy

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nu7hatch/gouuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

//responsible for defining the how the connection to the server should be handled
type StompConnector interface {
	Connect(ctx context.Context, t Transport) error
	Reconnect(ctx context.Context, t Transport) error
	Disconnect(ctx context.Context) error
}

//responsible for defining how a subscription should be handled
type StompSubscriber interface {
	Subscribe(ctx context.Context, destination, id string, mode AckMode, selector string, headers map[string]string) error
	Unsubscribe(ctx context.Context, id string) error
	Acknowledge(ctx context.Context, messageID, transaction string) error
	NegativeAcknowledge(ctx context.Context, messageID, transaction string) error
}

//responsible for defining how a publish should happen
type StompPublisher interface {
	Send(ctx context.Context, destination string, body *Body, contentType, transaction string, headers map[string]string) error
}

//defines how transactions are done
type StompTransactor interface {
	BeginTransaction(ctx context.Context, id string, timeout time.Duration) (Transaction, error)
	CommitTransaction(ctx context.Context, id string) error
	AbortTransaction(ctx context.Context, id string) error
}

//A stomp client is a combination of all of these things
type StompClient interface {
	StompConnector
	StompSubscriber
	StompPublisher
	StompTransactor
}

type messageStats struct {
	sync.Mutex
	count int
}

func (s *messageStats) Increment() int {
	s.Lock()
	defer s.Unlock()
	s.count++
	return s.count
}

// Client is the protocol engine for one STOMP connection. It never reads
// from the network itself: the transport feeds it through
// ProcessIncomingFrame, HeartbeatReceived and TransportClosed.
//
// All state sits behind one mutex. Observer callbacks run after it is
// released.
type Client struct {
	mu      sync.Mutex
	writeMu sync.Mutex

	opts      ClientOpts
	state     ConnectionState
	info      *ConnectionInfo
	transport Transport

	subscriptions *subscriptions
	transactions  *TransactionManager
	receipts      *receipts
	monitor       *HeartbeatMonitor
	sent          *messageStats

	connectWaiter     chan error
	reconnectAttempts int

	observer Observer
	log      *logrus.Entry
	metrics  *Metrics
	looper   LooperFactory
	now      func() time.Time

	// work deferred until the mutex is released, run by unlock in this order
	stopping      []*HeartbeatMonitor
	notifications []func(Observer)
	wakeups       []func()
}

var _ StompClient = (*Client)(nil)

//Create a new stomp client based on a set of options
func NewClient(opts ClientOpts, options ...Option) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		opts:          opts,
		subscriptions: newSubscriptions(),
		receipts:      newReceipts(),
		sent:          &messageStats{},
		observer:      NoopObserver{},
		log:           logrus.WithField("pkg", "stompy"),
		looper:        DefaultLooperFactory,
		now:           time.Now,
	}
	for _, o := range options {
		if err := o(c); err != nil {
			return nil, errors.Wrap(err, "unable to apply client option")
		}
	}
	c.transactions = newTransactionManager(func() time.Time { return c.now() })
	c.metrics.setState(Disconnected)
	return c, nil
}

func (c *Client) lock() {
	c.mu.Lock()
}

// unlock releases the client, waits for halted heartbeat monitors, delivers
// queued notifications and only then wakes a waiting Connect.
func (c *Client) unlock() {
	stopping, pending, wakeups := c.stopping, c.notifications, c.wakeups
	c.stopping, c.notifications, c.wakeups = nil, nil, nil
	obs := c.observer
	c.mu.Unlock()
	for _, m := range stopping {
		m.wait()
	}
	for _, fn := range pending {
		fn(obs)
	}
	for _, fn := range wakeups {
		fn()
	}
}

func (c *Client) notify(fn func(Observer)) {
	c.notifications = append(c.notifications, fn)
}

// resolveConnect hands the handshake outcome to the waiting Connect.
func (c *Client) resolveConnect(err error) {
	if c.connectWaiter == nil {
		return
	}
	w := c.connectWaiter
	c.connectWaiter = nil
	c.wakeups = append(c.wakeups, func() { w <- err })
}

func (c *Client) setState(s ConnectionState) {
	if s.Kind != c.state.Kind {
		c.log.Debugf("state %s -> %s", c.state, s)
	}
	c.state = s
	c.metrics.setState(s.Kind)
}

// move applies ev to the state machine.
func (c *Client) move(ev stateEvent, cause error) error {
	next, err := transition(c.state, ev, cause)
	if err != nil {
		return err
	}
	c.setState(next)
	return nil
}

func (c *Client) requireConnected(op string) error {
	if !c.state.IsConnected() {
		return errors.Wrapf(ErrNotConnected, "%s while %s", op, c.state)
	}
	return nil
}

// write encodes f and hands it to the transport. Callers hold c.mu.
func (c *Client) write(ctx context.Context, f Frame) error {
	if c.transport == nil {
		return ErrTransportUnavailable
	}
	text := Encode(f)
	c.writeMu.Lock()
	err := c.transport.SendEncodedFrame(ctx, text)
	c.writeMu.Unlock()
	if err != nil {
		return transportError(string(f.Command), err)
	}
	c.metrics.frameSent(f.Command)
	c.log.Debugf("sent %s frame", f.Command)
	return nil
}

// customHeaders builds the custom header set and registers any receipt the
// caller asked for.
func (c *Client) customHeaders(m map[string]string) (*Headers, error) {
	h := HeadersFromMap(m)
	if id, ok := h.Contains(HdrReceipt); ok {
		if _, err := c.receipts.Add(id); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (c *Client) dropReceipt(h *Headers) {
	if id, ok := h.Contains(HdrReceipt); ok {
		c.receipts.Remove(id)
	}
}

// fail moves the connection to the error state and tears down everything
// bound to the session. Callers hold c.mu.
func (c *Client) fail(cause error) {
	c.resolveConnect(cause)
	if err := c.move(evFailed, cause); err != nil {
		return
	}
	c.stopMonitor()
	c.subscriptions.clear()
	c.receipts.CancelAll()
	c.info = nil
	c.log.WithError(cause).Error("connection failed")
	c.notify(func(o Observer) { o.OnError(cause) })
}

// stopMonitor halts the monitor now and leaves waiting for its loops to
// unlock, since a timeout in flight needs c.mu to finish.
func (c *Client) stopMonitor() {
	if c.monitor != nil {
		c.monitor.halt()
		c.stopping = append(c.stopping, c.monitor)
		c.monitor = nil
	}
}

//StompConnector.Connect sends CONNECT over t and waits for CONNECTED, ERROR,
//ctx or opts.Timeout, whichever comes first
func (c *Client) Connect(ctx context.Context, t Transport) error {
	c.lock()
	if err := c.move(evConnect, nil); err != nil {
		c.unlock()
		return err
	}
	return c.handshake(ctx, t)
}

// Reconnect runs a fresh handshake from the error or disconnected state,
// counting the attempt against the reconnect policy. Waiting between
// attempts is left to the caller; see NextReconnectDelay.
func (c *Client) Reconnect(ctx context.Context, t Transport) error {
	c.lock()
	next, err := transition(c.state, evReconnect, nil)
	if err != nil {
		c.unlock()
		return err
	}
	if !c.opts.Reconnect.CanRetry(c.reconnectAttempts) {
		c.unlock()
		return errors.Wrapf(ErrReconnectExhausted, "after %d attempts", c.reconnectAttempts)
	}
	c.setState(next)
	c.reconnectAttempts++
	c.log.Infof("reconnect attempt %d of %d", c.reconnectAttempts, c.opts.Reconnect.MaxAttempts)
	return c.handshake(ctx, t)
}

// handshake is entered with c.mu held and a connecting state.
func (c *Client) handshake(ctx context.Context, t Transport) error {
	if t == nil {
		c.fail(ErrTransportUnavailable)
		c.unlock()
		return ErrTransportUnavailable
	}
	c.transport = t

	cfg := HeaderConfig{
		AcceptVersion: c.opts.Version,
		Host:          c.opts.Vhost,
		Login:         c.opts.User,
		Passcode:      c.opts.PassCode,
		Custom:        HeadersFromMap(c.opts.Headers),
	}
	if hb := c.opts.heartBeat(); !hb.IsZero() {
		cfg.HeartBeat = &hb
	}
	f, err := NewFrame(CONNECT, cfg, nil)
	if err == nil {
		err = c.write(ctx, f)
	}
	if err != nil {
		c.fail(err)
		c.unlock()
		return err
	}
	waiter := make(chan error, 1)
	c.connectWaiter = waiter
	c.unlock()

	var expired <-chan time.Time
	if c.opts.Timeout > 0 {
		timer := time.NewTimer(c.opts.Timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case err := <-waiter:
		return err
	case <-expired:
		return c.abandonConnect(waiter, ErrConnectTimeout)
	case <-ctx.Done():
		return c.abandonConnect(waiter, errors.Wrap(ErrConnectTimeout, ctx.Err().Error()))
	}
}

// abandonConnect fails a handshake that is still waiting. If the outcome
// arrived meanwhile it wins.
func (c *Client) abandonConnect(waiter chan error, cause error) error {
	c.lock()
	if c.connectWaiter != waiter {
		c.unlock()
		return <-waiter
	}
	c.fail(cause)
	c.unlock()
	return <-waiter
}

//StompConnector.Disconnect sends DISCONNECT with a receipt, waits for it, then
//closes the transport. The client ends up disconnected even if the receipt
//never arrives; the wait error is returned in that case
func (c *Client) Disconnect(ctx context.Context) error {
	c.lock()
	if err := c.move(evDisconnect, nil); err != nil {
		c.unlock()
		return err
	}
	c.stopMonitor()

	var (
		waitErr error
		receipt <-chan error
	)
	id, err := uuid.NewV4()
	if err != nil {
		waitErr = errors.Wrap(err, "unable to generate disconnect receipt")
	} else {
		receiptID := "disconnect-" + id.String()
		if receipt, waitErr = c.receipts.Add(receiptID); waitErr == nil {
			f, _ := NewFrame(DISCONNECT, HeaderConfig{Receipt: receiptID}, nil)
			if waitErr = c.write(ctx, f); waitErr != nil {
				c.receipts.Remove(receiptID)
				receipt = nil
			}
		}
	}
	c.unlock()

	if receipt != nil {
		waitErr = awaitReceipt(ctx, receipt, c.opts.ReceiptTimeout)
	}

	c.lock()
	c.move(evDisconnected, nil)
	t := c.transport
	c.transport = nil
	c.info = nil
	c.subscriptions.clear()
	c.receipts.CancelAll()
	c.notify(func(o Observer) { o.OnDisconnected() })
	c.unlock()

	if t != nil {
		if err := t.Close(ctx); err != nil && waitErr == nil {
			waitErr = transportError("close", err)
		}
	}
	return waitErr
}

// ProcessIncomingFrame is the single entry point for raw frames read by the
// transport. Every call counts as proof of life for the heartbeat monitor;
// a frame that is only EOLs is a heartbeat and nothing more.
func (c *Client) ProcessIncomingFrame(text string) error {
	c.lock()
	defer c.unlock()

	if c.monitor != nil {
		c.monitor.OnHeartbeatReceived()
	}
	if strings.Trim(text, "\r\n\x00") == "" {
		return nil
	}
	f, err := Decode(text)
	if err != nil {
		c.metrics.decodeError()
		c.log.WithError(err).Warn("unable to decode inbound frame")
		return err
	}
	c.metrics.frameReceived(f.Command)
	c.log.Debugf("received %s frame", f.Command)

	switch f.Command {
	case CONNECTED:
		c.handleConnected(f)
	case MESSAGE:
		c.handleMessage(f)
	case RECEIPT:
		c.handleReceipt(f)
	case ERROR:
		c.handleError(f)
	default:
		c.log.Warnf("ignoring unexpected %s frame from server", f.Command)
	}
	return nil
}

func (c *Client) handleConnected(f Frame) {
	if !c.state.IsConnecting() {
		c.log.Warnf("ignoring CONNECTED while %s", c.state)
		return
	}
	if err := versionCheck(f); err != nil {
		c.fail(err)
		return
	}

	info := ConnectionInfo{
		SessionID:     f.Header(HdrSession),
		ServerVersion: f.Header(HdrVersion),
		ServerName:    f.Header(HdrServer),
		ConnectedAt:   c.now(),
	}
	if v, ok := f.Headers.Contains(HdrHeartBeat); ok {
		// the decoder has already validated it
		server, _ := ParseHeartBeat(v)
		info.HeartBeat = &server
		info.Negotiated = c.opts.heartBeat().Negotiate(server)
	}

	c.move(evConnected, nil)
	c.info = &info
	c.reconnectAttempts = 0
	c.startMonitor(info.Negotiated)
	c.notify(func(o Observer) { o.OnConnected(info) })
	c.resolveConnect(nil)
}

func (c *Client) startMonitor(hb HeartBeat) {
	if hb.IsZero() {
		return
	}
	t := c.transport
	m := NewHeartbeatMonitor(HeartbeatConfig{
		Send:    hb.SendInterval(),
		Receive: hb.ReceiveInterval(),
		Timeout: c.opts.HeartBeatTimeout,
	}, func() error {
		return c.sendHeartbeat(t)
	}, nil)
	m.onTimeout = func(elapsed time.Duration) { c.heartbeatTimedOut(m, elapsed) }
	m.looper = c.looper
	m.now = c.now
	m.log = c.log.WithField("component", "heartbeat")
	c.monitor = m
	m.Start()
}

// sendHeartbeat runs on the monitor's loop without c.mu.
func (c *Client) sendHeartbeat(t Transport) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return t.SendEncodedFrame(context.Background(), "\n")
}

func (c *Client) heartbeatTimedOut(m *HeartbeatMonitor, elapsed time.Duration) {
	c.lock()
	defer c.unlock()
	if c.monitor != m || !c.state.IsConnected() {
		return
	}
	//called from m's own loop, so m is halted here and never waited on
	m.halt()
	c.monitor = nil
	c.metrics.heartbeatTimeout()
	c.fail(errors.Wrapf(ErrHeartbeatTimeout, "silent for %s", elapsed))
}

func (c *Client) handleMessage(f Frame) {
	subID := f.Header(HdrSubscription)
	sub, ok := c.subscriptions.get(subID)
	if !ok {
		c.log.Warnf("dropping message %s for unknown subscription %q", f.Header(HdrMessageID), subID)
		return
	}
	sub.addMessage(f.Header(HdrMessageID), f)
	msg := newMessage(f, c.now())
	c.notify(func(o Observer) { o.OnMessageReceived(msg) })
}

func (c *Client) handleReceipt(f Frame) {
	id := f.Header(HdrReceiptID)
	if !c.receipts.Resolve(id) {
		c.log.Debugf("receipt %q was not awaited", id)
	}
	c.notify(func(o Observer) { o.OnReceiptReceived(id) })
}

func (c *Client) handleError(f Frame) {
	msg := f.Header(HdrMessage)
	if msg == "" {
		msg = f.Body.String()
	}
	if c.state.IsDisconnected() {
		c.log.Warnf("ERROR frame while disconnected: %s", msg)
		return
	}
	c.fail(ServerError(msg))
}

// HeartbeatReceived records a bare EOL from the server.
func (c *Client) HeartbeatReceived() {
	c.lock()
	defer c.unlock()
	if c.monitor != nil {
		c.monitor.OnHeartbeatReceived()
	}
}

// TransportClosed tells the client the transport has gone. A live
// connection moves to the error state; a disconnect in progress just stops
// waiting for its receipt.
func (c *Client) TransportClosed(cause error) {
	c.lock()
	defer c.unlock()
	var err error = ErrTransportUnavailable
	if cause != nil {
		err = transportError("read", cause)
	}
	switch c.state.Kind {
	case Connected, Connecting, Reconnecting:
		c.fail(err)
	default:
		c.receipts.CancelAll()
	}
}

//subscribe to messages sent to the destination. id must be unique on the
//connection. An empty mode means auto
func (c *Client) Subscribe(ctx context.Context, destination, id string, mode AckMode, selector string, headers map[string]string) error {
	c.lock()
	defer c.unlock()
	if err := c.requireConnected("subscribe"); err != nil {
		return err
	}
	if mode == "" {
		mode = AckAuto
	}
	if _, ok := c.subscriptions.get(id); ok {
		return errors.Wrapf(ErrSubscriptionExists, "%q", id)
	}
	custom, err := c.customHeaders(headers)
	if err != nil {
		return err
	}
	if selector != "" {
		custom.Set(HdrSelector, selector)
	}
	f, err := NewFrame(SUBSCRIBE, HeaderConfig{Destination: destination, ID: id, Ack: mode, Custom: custom}, nil)
	if err == nil {
		err = c.write(ctx, f)
	}
	if err != nil {
		c.dropReceipt(custom)
		return err
	}
	return c.subscriptions.addSubscription(newSubscription(id, destination, mode, selector, headers, c.now()))
}

//Unsubscribe takes the id of a subscription and removes it along with any
//messages still pending on it
func (c *Client) Unsubscribe(ctx context.Context, id string) error {
	c.lock()
	defer c.unlock()
	if err := c.requireConnected("unsubscribe"); err != nil {
		return err
	}
	if _, ok := c.subscriptions.get(id); !ok {
		return errors.Wrapf(ErrSubscriptionNotFound, "%q", id)
	}
	f, err := NewFrame(UNSUBSCRIBE, HeaderConfig{ID: id}, nil)
	if err == nil {
		err = c.write(ctx, f)
	}
	if err != nil {
		return err
	}
	c.subscriptions.removeSubscription(id)
	return nil
}

//StompPublisher.Send publish a message to the server. An empty contentType
//falls back to opts.DefaultContentType
func (c *Client) Send(ctx context.Context, destination string, body *Body, contentType, transaction string, headers map[string]string) error {
	c.lock()
	defer c.unlock()
	if err := c.requireConnected("send"); err != nil {
		return err
	}
	if err := c.requireTransaction(transaction); err != nil {
		return err
	}
	if c.opts.MaxMessageSize > 0 && body.Len() > c.opts.MaxMessageSize {
		return errors.Wrapf(ErrMessageTooLarge, "%d > %d bytes", body.Len(), c.opts.MaxMessageSize)
	}
	custom, err := c.customHeaders(headers)
	if err != nil {
		return err
	}
	cfg := HeaderConfig{Destination: destination, Transaction: transaction, Custom: custom}
	if body != nil {
		cfg.ContentLength = strconv.Itoa(body.Len())
		cfg.ContentType = contentType
		if cfg.ContentType == "" {
			cfg.ContentType = c.opts.DefaultContentType
		}
	}
	f, err := NewFrame(SEND, cfg, body)
	if err == nil {
		err = c.write(ctx, f)
	}
	if err != nil {
		c.dropReceipt(custom)
		return err
	}
	if transaction != "" {
		c.transactions.AddMessage(transaction, "msg-"+strconv.Itoa(c.sent.Increment()))
	}
	return nil
}

func (c *Client) requireTransaction(id string) error {
	if id != "" && !c.transactions.IsActive(id) {
		return errors.Wrapf(ErrTransactionInactive, "%q", id)
	}
	return nil
}

//Acknowledge consumption of a pending message. Under client ack mode every
//earlier pending message on the same subscription is acknowledged with it
func (c *Client) Acknowledge(ctx context.Context, messageID, transaction string) error {
	return c.ack(ctx, ACK, messageID, transaction)
}

//Dont acknowledge the message and let the server know so it can decide what to do with it
func (c *Client) NegativeAcknowledge(ctx context.Context, messageID, transaction string) error {
	return c.ack(ctx, NACK, messageID, transaction)
}

func (c *Client) ack(ctx context.Context, command Command, messageID, transaction string) error {
	c.lock()
	defer c.unlock()
	if err := c.requireConnected(strings.ToLower(string(command))); err != nil {
		return err
	}
	if err := c.requireTransaction(transaction); err != nil {
		return err
	}
	sub, ok := c.subscriptions.holding(messageID)
	if !ok {
		return errors.Wrapf(ErrSubscriptionNotFound, "no subscription holds message %q", messageID)
	}
	f, err := NewFrame(command, HeaderConfig{ID: messageID, Transaction: transaction}, nil)
	if err == nil {
		err = c.write(ctx, f)
	}
	if err != nil {
		return err
	}
	if command == ACK {
		sub.acknowledge(messageID)
	} else {
		sub.negativeAcknowledge(messageID)
	}
	if transaction != "" {
		c.transactions.AddAcknowledgment(transaction, messageID)
	}
	return nil
}

//Begin a transaction with the stomp server. An existing transaction with the
//same id is replaced
func (c *Client) BeginTransaction(ctx context.Context, id string, timeout time.Duration) (Transaction, error) {
	c.lock()
	defer c.unlock()
	if err := c.requireConnected("begin"); err != nil {
		return Transaction{}, err
	}
	if err := c.writeTransaction(ctx, BEGIN, id); err != nil {
		return Transaction{}, err
	}
	return c.transactions.Begin(id, timeout), nil
}

//Commit a transaction with the stomp server
func (c *Client) CommitTransaction(ctx context.Context, id string) error {
	return c.endTransaction(ctx, COMMIT, id)
}

//Abort a transaction with the stomp server
func (c *Client) AbortTransaction(ctx context.Context, id string) error {
	return c.endTransaction(ctx, ABORT, id)
}

func (c *Client) endTransaction(ctx context.Context, command Command, id string) error {
	c.lock()
	defer c.unlock()
	if err := c.requireConnected(strings.ToLower(string(command))); err != nil {
		return err
	}
	if err := c.requireTransaction(id); err != nil {
		return err
	}
	if err := c.writeTransaction(ctx, command, id); err != nil {
		return err
	}
	if command == COMMIT {
		c.transactions.Commit(id)
	} else {
		c.transactions.Abort(id)
	}
	return nil
}

func (c *Client) writeTransaction(ctx context.Context, command Command, id string) error {
	f, err := NewFrame(command, HeaderConfig{Transaction: id}, nil)
	if err != nil {
		return err
	}
	return c.write(ctx, f)
}

// CleanupExpiredTransactions marks active transactions past their timeout
// as timed out and returns their ids.
func (c *Client) CleanupExpiredTransactions() []string {
	return c.transactions.CleanupExpired()
}

func (c *Client) RemoveTransaction(id string) bool {
	return c.transactions.Remove(id)
}

func (c *Client) Transaction(id string) (Transaction, bool) {
	return c.transactions.Get(id)
}

func (c *Client) ActiveTransactions() []Transaction {
	return c.transactions.Active()
}

func (c *Client) CommittedTransactions() []Transaction {
	return c.transactions.Committed()
}

func (c *Client) State() ConnectionState {
	c.lock()
	defer c.unlock()
	return c.state
}

func (c *Client) IsConnected() bool {
	return c.State().IsConnected()
}

// ConnectionInfo is only available while a session is established.
func (c *Client) ConnectionInfo() (ConnectionInfo, bool) {
	c.lock()
	defer c.unlock()
	if c.info == nil {
		return ConnectionInfo{}, false
	}
	return *c.info, true
}

// ActiveSubscriptions returns copies ordered by id.
func (c *Client) ActiveSubscriptions() []Subscription {
	c.lock()
	defer c.unlock()
	return c.subscriptions.snapshots()
}

func (c *Client) Subscription(id string) (Subscription, bool) {
	c.lock()
	defer c.unlock()
	sub, ok := c.subscriptions.get(id)
	if !ok {
		return Subscription{}, false
	}
	return sub.snapshot(), true
}

func (c *Client) PendingReceipts() int {
	return c.receipts.Count()
}

func (c *Client) ReconnectAttempts() int {
	c.lock()
	defer c.unlock()
	return c.reconnectAttempts
}

// NextReconnectDelay is how long a driver should wait before the next
// Reconnect under the configured policy.
func (c *Client) NextReconnectDelay() time.Duration {
	c.lock()
	defer c.unlock()
	return c.opts.Reconnect.DelayFor(c.reconnectAttempts)
}

// versionCheck rejects a CONNECTED that names a version this client does
// not speak. A missing version header is accepted.
func versionCheck(f Frame) error {
	version := f.Header(HdrVersion)
	if version == "" {
		return nil
	}
	for _, v := range Supported {
		if v == version {
			return nil
		}
	}
	return errors.Wrapf(ErrUnsupportedVersion, "%q", version)
}
