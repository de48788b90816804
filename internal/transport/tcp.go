// Package transport is a TCP implementation of stompy.Transport.
package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Receiver is the side of the client the read loop feeds.
type Receiver interface {
	ProcessIncomingFrame(text string) error
	HeartbeatReceived()
	TransportClosed(err error)
}

type stompWriter interface {
	Write(p []byte) (int, error)
	WriteByte(c byte) error
	Flush() error
}

type stompReader interface {
	ReadByte() (byte, error)
	UnreadByte() error
	ReadString(delim byte) (string, error)
}

// Conn carries frames over one TCP connection.
type Conn struct {
	conn   net.Conn
	reader stompReader

	mu     sync.Mutex
	writer stompWriter
	closed bool

	log *logrus.Entry
}

// Dial connects to addr, giving up after timeout or when ctx is done.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Conn, error) {
	d := net.Dialer{Timeout: timeout}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to dial %s", addr)
	}
	return New(c), nil
}

// New wraps an established connection.
func New(c net.Conn) *Conn {
	return &Conn{
		conn:   c,
		reader: bufio.NewReader(c),
		writer: bufio.NewWriter(c),
		log:    logrus.WithField("pkg", "transport").WithField("remote", c.RemoteAddr().String()),
	}
}

// SendEncodedFrame writes frame followed by the NUL terminator. A bare EOL
// is a heartbeat and goes out as is.
func (c *Conn) SendEncodedFrame(ctx context.Context, frame string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return writeFrame(c.writer, frame)
}

func writeFrame(writer stompWriter, frame string) error {
	if _, err := writer.Write([]byte(frame)); err != nil {
		return errors.Wrap(err, "unable to write frame")
	}
	//stomp protocol want a null byte at the end of the frame
	if frame != "\n" {
		if err := writer.WriteByte('\x00'); err != nil {
			return errors.Wrap(err, "unable to write frame terminator")
		}
	}
	if err := writer.Flush(); err != nil {
		return errors.Wrap(err, "unable to flush frame")
	}
	return nil
}

func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ReadLoop reads frames until the connection fails and hands each one to r.
// EOLs between frames are reported as heartbeats. A failure not caused by
// Close is passed to r.TransportClosed. It blocks, so run it on its own
// goroutine.
func (c *Conn) ReadLoop(r Receiver) {
	for {
		text, heartbeat, err := readFrame(c.reader)
		if err != nil {
			if c.isClosed() {
				return
			}
			if err == io.EOF {
				c.log.Info("server closed the connection")
			} else {
				c.log.WithError(err).Error("read failed")
			}
			r.TransportClosed(err)
			return
		}
		if heartbeat {
			r.HeartbeatReceived()
			continue
		}
		if err := r.ProcessIncomingFrame(text); err != nil {
			c.log.WithError(err).Warn("dropped inbound frame")
		}
	}
}

//reads a single frame of the wire, or a single heartbeat EOL
func readFrame(reader stompReader) (string, bool, error) {
	b, err := reader.ReadByte()
	if err != nil {
		return "", false, err
	}
	switch b {
	case '\n':
		return "", true, nil
	case '\r':
		// CRLF heartbeat; the LF follows
		if next, err := reader.ReadByte(); err == nil && next != '\n' {
			reader.UnreadByte()
		}
		return "", true, nil
	}
	if err := reader.UnreadByte(); err != nil {
		return "", false, err
	}
	frame, err := reader.ReadString('\x00')
	if err != nil {
		return "", false, err
	}
	return frame[:len(frame)-1], false, nil
}
