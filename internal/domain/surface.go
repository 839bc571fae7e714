package domain

import (
	"context"
	"time"
)

// Cursor marks the newest message already observed for one contact, so the
// same message is never emitted twice.
type Cursor struct {
	LastID   string    // surface-specific id of the last observed message
	LastSeen time.Time // timestamp of the last observed message
}

// ChatSurface is the capability interface over the desktop chat session.
// Implementations wrap a stateful external automation mechanism; the
// monitor's scheduling logic only depends on this interface.
type ChatSurface interface {
	// Ready reports whether the chat session is reachable and logged in.
	Ready(ctx context.Context) error

	// Poll returns messages from contact newer than the cursor, in
	// chronological order, together with the advanced cursor.
	Poll(ctx context.Context, contact Contact, since Cursor) ([]RawMessage, Cursor, error)

	// Send delivers the segments to contact, one surface send per segment,
	// in order. The effect is external and not idempotent.
	Send(ctx context.Context, contact Contact, segs []OutSegment) error
}
