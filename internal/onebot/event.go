package onebot

// Event is an outbound OneBot V11 event frame. Message events and
// meta events share the envelope; unset sections are omitted from JSON.
type Event struct {
	Time     int64  `json:"time"`
	SelfID   FlexID `json:"self_id"`
	PostType string `json:"post_type"`

	// post_type == "message"
	MessageType string    `json:"message_type,omitempty"`
	SubType     string    `json:"sub_type,omitempty"`
	MessageID   int64     `json:"message_id,omitempty"`
	UserID      FlexID    `json:"user_id,omitempty"`
	Message     []Segment `json:"message,omitempty"`
	RawMessage  string    `json:"raw_message,omitempty"`
	Font        *int      `json:"font,omitempty"`
	Sender      *Sender   `json:"sender,omitempty"`

	// post_type == "meta_event"
	MetaEventType string  `json:"meta_event_type,omitempty"`
	Status        *Status `json:"status,omitempty"`
	Interval      int64   `json:"interval,omitempty"`
}

// Sender identifies the originating contact on a message event.
type Sender struct {
	UserID   FlexID `json:"user_id"`
	Nickname string `json:"nickname"`
	Card     string `json:"card"`
	Sex      string `json:"sex"`
	Age      int    `json:"age"`
	Area     string `json:"area"`
	Level    string `json:"level"`
	Role     string `json:"role"`
	Title    string `json:"title"`
}

// Status is the payload of a heartbeat meta event and of get_status
// responses.
type Status struct {
	Online bool `json:"online"`
	Good   bool `json:"good"`
}

// Event post types and meta event subtypes.
const (
	PostMessage   = "message"
	PostMetaEvent = "meta_event"

	MetaLifecycle = "lifecycle"
	MetaHeartbeat = "heartbeat"

	LifecycleConnect = "connect"
	LifecycleEnable  = "enable"
	LifecycleDisable = "disable"
)
