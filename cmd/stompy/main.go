package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"
	"github.com/nu7hatch/gouuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/maleck13/stompy/v2"
	"github.com/maleck13/stompy/v2/internal/transport"
)

type Globals struct {
	Host        string        `help:"Broker host" default:"localhost" env:"STOMPY_HOST"`
	Port        int           `help:"Broker port" default:"61613" env:"STOMPY_PORT"`
	Vhost       string        `help:"Virtual host sent in CONNECT (defaults to host)" env:"STOMPY_VHOST"`
	User        string        `help:"Login" env:"STOMPY_USER"`
	Pass        string        `help:"Passcode" env:"STOMPY_PASS"`
	HeartBeat   time.Duration `help:"Heartbeat interval offered in both directions (0 disables)" default:"0s"`
	Timeout     time.Duration `help:"Connect timeout" default:"30s"`
	Debug       bool          `help:"Enable debug logging"`
	MetricsAddr string        `help:"Serve prometheus metrics on this address" env:"STOMPY_METRICS_ADDR"`
}

type CLI struct {
	Globals

	Send      SendCmd      `cmd:"" help:"Send a message to a destination"`
	Subscribe SubscribeCmd `cmd:"" help:"Print messages from a destination until interrupted"`
}

type SendCmd struct {
	Destination string            `arg:"" help:"Destination, e.g. /queue/test"`
	Body        string            `arg:"" help:"Message body"`
	ContentType string            `help:"Content type" default:"text/plain"`
	Header      map[string]string `help:"Extra headers (key=value)"`
}

type SubscribeCmd struct {
	Destination string `arg:"" help:"Destination, e.g. /queue/test"`
	Ack         string `help:"Ack mode" enum:"auto,client,client-individual" default:"auto"`
	Selector    string `help:"Message selector"`
}

func main() {
	cli := &CLI{}
	kctx := kong.Parse(cli,
		kong.Name("stompy"),
		kong.Description("STOMP command line client"),
		kong.ShortUsageOnError(),
	)

	if cli.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if cli.Vhost == "" {
		cli.Vhost = cli.Host
	}

	kctx.FatalIfErrorf(kctx.Run(&cli.Globals))
}

func (g *Globals) clientOpts() stompy.ClientOpts {
	opts := stompy.DefaultClientOpts(g.Host)
	opts.HostAndPort = net.JoinHostPort(g.Host, strconv.Itoa(g.Port))
	opts.Vhost = g.Vhost
	opts.User = g.User
	opts.PassCode = g.Pass
	opts.Timeout = g.Timeout
	opts.HeartBeatSend = g.HeartBeat
	opts.HeartBeatReceive = g.HeartBeat
	return opts
}

func (g *Globals) metrics() *stompy.Metrics {
	if g.MetricsAddr == "" {
		return nil
	}
	m := stompy.NewMetrics(prometheus.DefaultRegisterer)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(g.MetricsAddr, mux); err != nil {
			logrus.WithError(err).Error("metrics server stopped")
		}
	}()
	return m
}

// printer pushes notifications to the command loop.
type printer struct {
	stompy.NoopObserver
	messages chan stompy.Message
	errs     chan error
}

func newPrinter() *printer {
	return &printer{messages: make(chan stompy.Message, 64), errs: make(chan error, 1)}
}

func (p *printer) OnMessageReceived(msg stompy.Message) {
	p.messages <- msg
}

func (p *printer) OnError(err error) {
	select {
	case p.errs <- err:
	default:
	}
}

// connect dials and runs the handshake. reconnect counts the attempt
// against the client's policy, including a failed dial.
func connect(ctx context.Context, client *stompy.Client, opts stompy.ClientOpts, reconnect bool) error {
	conn, err := transport.Dial(ctx, opts.HostAndPort, opts.Timeout)
	if err != nil {
		if reconnect {
			if rerr := client.Reconnect(ctx, nil); errors.Is(rerr, stompy.ErrReconnectExhausted) {
				return rerr
			}
		}
		return err
	}
	go conn.ReadLoop(client)
	if reconnect {
		err = client.Reconnect(ctx, conn)
	} else {
		err = client.Connect(ctx, conn)
	}
	if err != nil {
		conn.Close(ctx)
		return err
	}
	return nil
}

func (s *SendCmd) Run(g *Globals) error {
	ctx := context.Background()
	opts := g.clientOpts()
	client, err := stompy.NewClient(opts,
		stompy.WithObserver(stompy.NewLoggingObserver(logrus.WithField("cmd", "send"))),
		stompy.WithMetrics(g.metrics()),
	)
	if err != nil {
		return err
	}
	if err := connect(ctx, client, opts, false); err != nil {
		return errors.Wrap(err, "unable to connect")
	}
	defer client.Disconnect(ctx)

	err = client.Send(ctx, s.Destination, stompy.NewTextBody(s.Body), s.ContentType, "", s.Header)
	if err != nil {
		return errors.Wrap(err, "unable to send")
	}
	color.Green("sent %d bytes to %s", len(s.Body), s.Destination)
	return nil
}

func (s *SubscribeCmd) Run(g *Globals) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := g.clientOpts()
	p := newPrinter()
	client, err := stompy.NewClient(opts, stompy.WithObserver(p), stompy.WithMetrics(g.metrics()))
	if err != nil {
		return err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return errors.Wrap(err, "unable to generate subscription id")
	}
	subID := id.String()
	mode := stompy.AckMode(s.Ack)

	subscribe := func(reconnect bool) error {
		if err := connect(ctx, client, opts, reconnect); err != nil {
			return err
		}
		return client.Subscribe(ctx, s.Destination, subID, mode, s.Selector, nil)
	}
	if err := subscribe(false); err != nil {
		return errors.Wrap(err, "unable to subscribe")
	}
	color.Cyan("subscribed to %s (%s)", s.Destination, subID)

	for {
		select {
		case <-ctx.Done():
			return client.Disconnect(context.Background())
		case msg := <-p.messages:
			color.New(color.FgYellow).Printf("[%s] ", msg.ID)
			color.White("%s", msg.BodyString())
			if mode != stompy.AckAuto {
				if err := client.Acknowledge(ctx, msg.ID, ""); err != nil {
					logrus.WithError(err).Warn("unable to ack")
				}
			}
		case err := <-p.errs:
			color.Red("connection lost: %s", err)
			if err := reconnect(ctx, client, p.errs, subscribe); err != nil {
				return err
			}
			color.Cyan("resubscribed to %s", s.Destination)
		}
	}
}

// reconnect retries with the client's backoff until it succeeds or the
// policy runs out.
func reconnect(ctx context.Context, client *stompy.Client, errs chan error, subscribe func(bool) error) error {
	for {
		delay := client.NextReconnectDelay()
		logrus.Infof("reconnecting in %s", delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		err := subscribe(true)
		if err == nil {
			drain(errs)
			return nil
		}
		if errors.Is(err, stompy.ErrReconnectExhausted) {
			return err
		}
		logrus.WithError(err).Warn("reconnect failed")
	}
}

// drain discards errors reported by failed attempts.
func drain(errs chan error) {
	for {
		select {
		case <-errs:
		default:
			return
		}
	}
}
