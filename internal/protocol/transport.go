package protocol

import (
	"context"
	"encoding/json"
	"iter"
)

// ServerTransport provides the server-side communication layer.
type ServerTransport interface {
	// Sessions returns an iterator that yields new client sessions as
	// they are initiated. Each yielded Session represents a unique
	// client connection. The implementation must guarantee that each
	// session ID is unique across all active connections, and should
	// exit the iteration when Shutdown is called.
	Sessions() iter.Seq[Session]

	// Shutdown gracefully shuts down the transport to clean up
	// resources. The implementation should not close the Sessions it
	// produced; the caller does that. The caller is guaranteed to call
	// this method only once.
	Shutdown(ctx context.Context) error
}

// Session represents one bidirectional connection to a client.
type Session interface {
	// ID returns the unique identifier for this session.
	ID() string

	// Send transmits a message to the client. It fails once the session
	// is closed.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator that yields raw message frames
	// received from the client. Frames are surfaced undecoded so the
	// router can answer malformed ones with a parse error instead of
	// silently dropping them. The iteration exits when the session is
	// closed.
	Messages() iter.Seq[[]byte]

	// Stop stops the session. The caller is guaranteed to call this
	// method at most once.
	Stop()
}

// ToolHandler executes a registered capability with the raw JSON
// arguments from a tools/call request. The returned value is normalized
// by the router into protocol content items: a map becomes a single
// item, a slice becomes one item per element, and anything else becomes
// a single text item. A returned error marks a capability-level failure
// and is reported to the client inside the tool result, not as a
// protocol error.
type ToolHandler func(ctx context.Context, args json.RawMessage) (any, error)

// ResourceHandler reads a registered resource. The uri argument is the
// registered URI the client asked for.
type ResourceHandler func(ctx context.Context, uri string) (ReadResourceResult, error)
