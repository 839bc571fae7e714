package onebot

import (
	"fmt"
	"hash/fnv"
	"sync/atomic"
	"time"

	"wxbridge/internal/domain"
)

// Resolver maps an action's target identity to a live monitored contact.
// Matching is case-sensitive and exact, on nickname or numeric id.
type Resolver interface {
	Resolve(target string) (domain.Contact, bool)
}

// Converter translates between native chat values and OneBot frames. It is
// stateless apart from the self identity and the event id counter, and it
// performs no I/O.
type Converter struct {
	selfID  string
	idSeed  int64
	counter atomic.Int64
}

// NewConverter creates a Converter for the given self identity. Event ids
// combine a seed derived from the self id with a monotonic counter, so ids
// never collide within a process lifetime.
func NewConverter(selfID string) *Converter {
	h := fnv.New32a()
	h.Write([]byte(selfID))
	return &Converter{
		selfID: selfID,
		idSeed: int64(h.Sum32()&0x7FF) << 48,
	}
}

// SelfID returns the configured self identity.
func (c *Converter) SelfID() string { return c.selfID }

// NextID returns the next event id.
func (c *Converter) NextID() int64 {
	return c.idSeed | c.counter.Add(1)
}

// MessageEvent maps one observed chat message to exactly one message event.
// A contact without a numeric id cannot be represented on the wire; the
// caller drops the message with a logged warning.
func (c *Converter) MessageEvent(msg domain.RawMessage) (Event, error) {
	if msg.Contact.UserID == "" {
		return Event{}, fmt.Errorf("contact %q has no numeric id: %w", msg.Contact.Nickname, domain.ErrMapping)
	}

	var seg Segment
	switch msg.Kind {
	case domain.KindText:
		seg = Text(msg.Text)
	case domain.KindImage:
		seg = Image(msg.Path)
	case domain.KindFile:
		seg = File(msg.Path)
	default:
		return Event{}, fmt.Errorf("unknown message kind %q: %w", msg.Kind, domain.ErrMapping)
	}
	segs := []Segment{seg}

	font := 0
	return Event{
		Time:        msg.Timestamp.Unix(),
		SelfID:      FlexID(c.selfID),
		PostType:    PostMessage,
		MessageType: "private",
		SubType:     "friend",
		MessageID:   c.NextID(),
		UserID:      FlexID(msg.Contact.UserID),
		Message:     segs,
		RawMessage:  RenderCQ(segs),
		Font:        &font,
		Sender: &Sender{
			UserID:   FlexID(msg.Contact.UserID),
			Nickname: msg.Contact.Nickname,
			Sex:      "unknown",
			Level:    "1",
			Role:     "member",
		},
	}, nil
}

// SendArgs validates an inbound send action and translates its segments to
// native send arguments. Unsupported segment kinds are dropped individually
// while supported ones proceed; partial reports whether anything was
// dropped. An unknown target or an empty usable payload fails validation.
func (c *Converter) SendArgs(req APIRequest, res Resolver) (domain.Contact, []domain.OutSegment, bool, error) {
	target := req.Params.UserID.String()
	if target == "" {
		return domain.Contact{}, nil, false, fmt.Errorf("send action without user_id: %w", domain.ErrValidation)
	}
	contact, ok := res.Resolve(target)
	if !ok {
		return domain.Contact{}, nil, false, fmt.Errorf("target %q is not a monitored contact: %w", target, domain.ErrValidation)
	}

	segs, err := req.Params.Segments()
	if err != nil {
		return domain.Contact{}, nil, false, fmt.Errorf("undecodable message payload: %w", domain.ErrValidation)
	}

	var out []domain.OutSegment
	partial := false
	for _, seg := range segs {
		switch seg.Type {
		case SegText:
			out = append(out, domain.OutSegment{Kind: domain.KindText, Text: seg.DataString("text")})
		case SegImage:
			out = append(out, domain.OutSegment{Kind: domain.KindImage, Path: seg.DataString("file")})
		case SegFile:
			out = append(out, domain.OutSegment{Kind: domain.KindFile, Path: seg.DataString("file")})
		case SegAt:
			// Mentions have no native equivalent; render a text placeholder.
			out = append(out, domain.OutSegment{Kind: domain.KindText, Text: "@" + seg.DataString("qq")})
		default:
			partial = true
		}
	}
	if len(out) == 0 {
		return domain.Contact{}, nil, partial, fmt.Errorf("no supported segments in action for %q: %w", target, domain.ErrValidation)
	}
	return contact, out, partial, nil
}

// LifecycleEvent builds a lifecycle meta event.
func (c *Converter) LifecycleEvent(subType string) Event {
	return Event{
		Time:          time.Now().Unix(),
		SelfID:        FlexID(c.selfID),
		PostType:      PostMetaEvent,
		MetaEventType: MetaLifecycle,
		SubType:       subType,
	}
}

// HeartbeatEvent builds a heartbeat meta event advertising the send
// interval.
func (c *Converter) HeartbeatEvent(interval time.Duration) Event {
	return Event{
		Time:          time.Now().Unix(),
		SelfID:        FlexID(c.selfID),
		PostType:      PostMetaEvent,
		MetaEventType: MetaHeartbeat,
		Status:        &Status{Online: true, Good: true},
		Interval:      interval.Milliseconds(),
	}
}
