package stompy

import (
	"math"
	"net"
	"strconv"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

//Supported Versions of stomp protocol
const (
	STOMP_1_1 string = "1.1"
	STOMP_1_2 string = "1.2"

	DefaultPort = 61613
)

var Supported = []string{STOMP_1_1, STOMP_1_2}

// ReconnectPolicy is the backoff a driver should follow between reconnect
// attempts. The client only counts attempts and computes delays.
type ReconnectPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DelayFor returns min(Delay * Multiplier^attempt, MaxDelay) for a zero
// based attempt number.
func (p ReconnectPolicy) DelayFor(attempt int) time.Duration {
	if attempt <= 0 {
		return p.Delay
	}
	delay := float64(p.Delay) * math.Pow(p.Multiplier, float64(attempt))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// CanRetry reports whether another attempt is allowed after attempts.
func (p ReconnectPolicy) CanRetry(attempts int) bool {
	return attempts < p.MaxAttempts
}

//Available connection and auth params
type ClientOpts struct {
	Vhost       string
	HostAndPort string
	// Timeout bounds the wait for CONNECTED.
	Timeout  time.Duration
	User     string
	PassCode string
	Version  string

	// HeartBeatSend and HeartBeatReceive are what the client offers in the
	// CONNECT heart-beat header. Zero disables that direction.
	HeartBeatSend    time.Duration
	HeartBeatReceive time.Duration
	HeartBeatTimeout time.Duration

	// ReceiptTimeout bounds the wait for the DISCONNECT receipt.
	ReceiptTimeout     time.Duration
	DefaultContentType string
	MaxMessageSize     int
	// Headers are added to every CONNECT frame.
	Headers   map[string]string
	Reconnect ReconnectPolicy
}

// DefaultClientOpts returns options for host with the default port, STOMP
// 1.2 and heartbeats off.
func DefaultClientOpts(host string) ClientOpts {
	return ClientOpts{
		Vhost:              host,
		HostAndPort:        net.JoinHostPort(host, strconv.Itoa(DefaultPort)),
		Timeout:            30 * time.Second,
		Version:            STOMP_1_2,
		HeartBeatTimeout:   30 * time.Second,
		ReceiptTimeout:     10 * time.Second,
		DefaultContentType: "text/plain",
		MaxMessageSize:     1024 * 1024,
		Reconnect: ReconnectPolicy{
			MaxAttempts: 5,
			Delay:       time.Second,
			MaxDelay:    60 * time.Second,
			Multiplier:  2.0,
		},
	}
}

func (o ClientOpts) Validate() error {
	err := validation.ValidateStruct(&o,
		validation.Field(&o.Vhost, validation.Required),
		validation.Field(&o.Version, validation.Required, validation.In(STOMP_1_1, STOMP_1_2)),
		validation.Field(&o.Timeout, validation.Min(time.Duration(0))),
		validation.Field(&o.HeartBeatSend, validation.Min(time.Duration(0))),
		validation.Field(&o.HeartBeatReceive, validation.Min(time.Duration(0))),
		validation.Field(&o.HeartBeatTimeout, validation.Min(time.Duration(0))),
		validation.Field(&o.ReceiptTimeout, validation.Min(time.Duration(0))),
		validation.Field(&o.MaxMessageSize, validation.Min(0)),
	)
	if err != nil {
		return errors.Wrap(ClientError("invalid options"), err.Error())
	}
	p := o.Reconnect
	err = validation.ValidateStruct(&p,
		validation.Field(&p.MaxAttempts, validation.Min(0)),
		validation.Field(&p.Delay, validation.Min(time.Duration(0))),
		validation.Field(&p.MaxDelay, validation.Min(time.Duration(0))),
		validation.Field(&p.Multiplier, validation.Min(1.0)),
	)
	if err != nil {
		return errors.Wrap(ClientError("invalid reconnect policy"), err.Error())
	}
	return nil
}

// heartBeat is the CONNECT heart-beat offer in milliseconds.
func (o ClientOpts) heartBeat() HeartBeat {
	return HeartBeat{
		Send:    int(o.HeartBeatSend / time.Millisecond),
		Receive: int(o.HeartBeatReceive / time.Millisecond),
	}
}

// Option configures a Client at construction.
type Option func(*Client) error

func WithObserver(o Observer) Option {
	return func(c *Client) error {
		if o == nil {
			return ClientError("observer cannot be nil")
		}
		c.observer = o
		return nil
	}
}

func WithLogger(log *logrus.Entry) Option {
	return func(c *Client) error {
		if log == nil {
			return ClientError("logger cannot be nil")
		}
		c.log = log
		return nil
	}
}

// WithMetrics records client activity on m.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) error {
		c.metrics = m
		return nil
	}
}

// WithLooperFactory replaces the loopers driving heartbeat loops.
func WithLooperFactory(f LooperFactory) Option {
	return func(c *Client) error {
		if f == nil {
			return ClientError("looper factory cannot be nil")
		}
		c.looper = f
		return nil
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) error {
		if now == nil {
			return ClientError("clock cannot be nil")
		}
		c.now = now
		return nil
	}
}
