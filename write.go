package stompy

import (
	"encoding/base64"
	"strings"
)

// Encode renders a frame as wire text: the command line, one key:value line
// per header in stored order, a blank line, then the body. Text bodies are
// written verbatim and binary bodies as base64. No NUL terminator and no
// header escaping is applied; terminating the frame on the wire is the
// transport's job.
func Encode(frame Frame) string {
	var sb strings.Builder
	sb.WriteString(string(frame.Command))
	sb.WriteByte('\n')

	for i := 0; i < frame.Headers.Len(); i++ {
		k, v := frame.Headers.GetAt(i)
		sb.WriteString(k)
		sb.WriteByte(':')
		sb.WriteString(v)
		sb.WriteByte('\n')
	}
	sb.WriteByte('\n')

	if frame.Body != nil {
		switch frame.Body.Kind {
		case BinaryBody:
			sb.WriteString(base64.StdEncoding.EncodeToString(frame.Body.Data))
		default:
			sb.WriteString(frame.Body.Text)
		}
	}
	return sb.String()
}
