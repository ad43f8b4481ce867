// Package transport provides the two-channel transport layer: a primary
// websocket streaming connection and a secondary HTTP polling channel, with
// a fallback controller that degrades to polling when the primary is
// unavailable and recovers when it returns.
package transport

import (
	"context"
)

// Channel identifies which transport channel is active.
type Channel int

const (
	ChannelDisconnected Channel = iota // no channel usable
	ChannelPrimary                     // websocket streaming
	ChannelSecondary                   // HTTP polling
)

// String returns a human-readable channel name.
func (c Channel) String() string {
	switch c {
	case ChannelPrimary:
		return "primary"
	case ChannelSecondary:
		return "secondary"
	default:
		return "disconnected"
	}
}

// Stream is the controller's handle on an established streaming connection.
type Stream interface {
	Send(data []byte) error
	Close() error
}

// DialFunc establishes the primary streaming channel. onMessage receives each
// inbound frame; onClose fires at most once, when the connection drops on its
// own (never after an explicit Close).
type DialFunc func(ctx context.Context, onMessage func([]byte), onClose func(error)) (Stream, error)

// Poller is the controller's view of the secondary HTTP channel.
type Poller interface {
	// Call posts one request frame. The returned bytes, when non-empty,
	// are an immediate response frame.
	Call(ctx context.Context, frame []byte) ([]byte, error)
	// Poll fetches queued inbound frames, oldest first.
	Poll(ctx context.Context) ([][]byte, error)
}
