package stompy

import "context"

// Transport carries encoded frames to the server. It is borrowed by the
// client: the client never owns its lifetime beyond calling Close on
// disconnect.
//
// Frames arrive as text without a NUL terminator; adding it is the
// transport's job. A heartbeat is the single EOL "\n".
//
// SendEncodedFrame is called with the client lock held. Implementations
// must not call back into the Client synchronously from it; inbound frames
// go to ProcessIncomingFrame from the transport's own read loop.
type Transport interface {
	SendEncodedFrame(ctx context.Context, frame string) error
	Close(ctx context.Context) error
}
