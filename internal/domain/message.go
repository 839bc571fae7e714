package domain

import (
	"fmt"
	"time"
)

// MessageKind classifies the payload of a chat message.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindFile  MessageKind = "file"
)

// Contact is a monitored chat participant. Nickname is the display name
// shown in the chat client; UserID is the stable numeric identifier the
// wire protocol requires on outbound events.
type Contact struct {
	Nickname string `json:"nickname" yaml:"nickname"`
	UserID   string `json:"userId" yaml:"user_id"`
}

// Validate checks that the contact has a nickname and that UserID, when
// present, is all digits.
func (c Contact) Validate() error {
	if c.Nickname == "" {
		return fmt.Errorf("contact nickname is empty: %w", ErrValidation)
	}
	for _, r := range c.UserID {
		if r < '0' || r > '9' {
			return fmt.Errorf("contact %q has non-numeric user id %q: %w", c.Nickname, c.UserID, ErrValidation)
		}
	}
	return nil
}

// RawMessage is one message observed on the chat surface, before protocol
// normalization. Immutable once produced; consumed exactly once.
type RawMessage struct {
	Contact   Contact
	Kind      MessageKind
	Text      string // KindText
	Path      string // KindImage | KindFile: local filesystem reference
	Timestamp time.Time
}

// OutSegment is one typed unit of an outgoing send, in delivery order.
type OutSegment struct {
	Kind MessageKind
	Text string
	Path string // local path, base64:// blob or http(s) URI for media kinds
}
