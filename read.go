package stompy

import (
	"encoding/base64"
	"strings"

	"github.com/pkg/errors"
)

// Decode parses one raw frame:
//
//	COMMAND
//	header1:value1
//	header2:value2
//
//	body^@
//
// Leading blank lines (heartbeat EOLs) are skipped. Recognised headers are
// validated and routed into their typed slot; anything else is kept as a
// custom header. When a key repeats, the first value wins.
func Decode(text string) (Frame, error) {
	lines := strings.Split(text, "\n")

	start := 0
	for start < len(lines) && trimCR(lines[start]) == "" {
		start++
	}
	if start == len(lines) {
		return Frame{}, ErrInvalidFirstLine
	}
	command, err := ParseCommand(trimCR(lines[start]))
	if err != nil {
		return Frame{}, err
	}

	sep := -1
	for i := start + 1; i < len(lines); i++ {
		if trimCR(lines[i]) == "" {
			sep = i
			break
		}
	}
	if sep < 0 {
		return Frame{}, errors.Wrapf(ErrMissingSeparator, "%s frame", command)
	}

	cfg := HeaderConfig{Custom: &Headers{}}
	raw := &Headers{}
	for _, line := range lines[start+1 : sep] {
		line = trimCR(line)
		parsed := strings.SplitN(line, ":", 2)
		if len(parsed) != 2 {
			return Frame{}, errors.Wrapf(ErrInvalidFrame, "%q", line)
		}
		key, value := parsed[0], parsed[1]
		if _, seen := raw.Contains(key); seen {
			continue
		}
		raw.Set(key, value)
		if err := cfg.route(key, value); err != nil {
			return Frame{}, err
		}
	}

	f, err := NewFrame(command, cfg, decodeBody(strings.Join(lines[sep+1:], "\n")))
	if err != nil {
		return Frame{}, err
	}
	// recognised headers the command's table does not emit are still kept
	for i := 0; i < raw.Len(); i++ {
		k, v := raw.GetAt(i)
		f.Headers.setIfAbsent(k, v)
	}
	return f, nil
}

// route stores a header in its typed slot.
func (c *HeaderConfig) route(key, value string) error {
	switch key {
	case HdrContentLength:
		c.ContentLength = value
	case HdrContentType:
		c.ContentType = value
	case HdrAcceptVersion:
		c.AcceptVersion = value
	case HdrHost:
		c.Host = value
	case HdrLogin:
		c.Login = value
	case HdrPasscode:
		c.Passcode = value
	case HdrHeartBeat:
		hb, err := ParseHeartBeat(value)
		if err != nil {
			return err
		}
		c.HeartBeat = &hb
	case HdrVersion:
		c.Version = value
	case HdrSession:
		c.Session = value
	case HdrServer:
		c.Server = value
	case HdrDestination:
		c.Destination = value
	case HdrID:
		c.ID = value
	case HdrAck:
		mode, err := ParseAckMode(value)
		if err != nil {
			return err
		}
		c.Ack = mode
	case HdrTransaction:
		c.Transaction = value
	case HdrReceipt:
		c.Receipt = value
	case HdrMessageID:
		c.MessageID = value
	case HdrSubscription:
		c.Subscription = value
	case HdrReceiptID:
		c.ReceiptID = value
	case HdrMessage:
		c.Message = value
	default:
		c.Custom.Set(key, value)
	}
	return nil
}

// decodeBody strips the NUL terminator and classifies what remains: a body
// that is valid base64 is taken as binary, anything else as text. NULs inside
// the body are kept.
func decodeBody(s string) *Body {
	if i := strings.LastIndexByte(s, 0); i >= 0 && strings.Trim(s[i+1:], "\r\n") == "" {
		s = s[:i]
	}
	if s == "" {
		return nil
	}
	if data, err := base64.StdEncoding.Strict().DecodeString(s); err == nil {
		return NewBinaryBody(data)
	}
	return NewTextBody(s)
}

func trimCR(line string) string {
	return strings.TrimSuffix(line, "\r")
}
