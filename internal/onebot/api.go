package onebot

import (
	"encoding/json"
	"strconv"
)

// API actions the relay handles.
const (
	ActionSendPrivateMsg = "send_private_msg"
	ActionSendMsg        = "send_msg"
	ActionGetLoginInfo   = "get_login_info"
	ActionGetStatus      = "get_status"
)

// Response retcodes, matching the upstream implementations this relay
// interoperates with.
const (
	RetOK         = 0
	RetBadRequest = 1400
	RetNotFound   = 1404
	RetFailed     = 1500
)

// APIRequest is an inbound action frame from the remote endpoint.
type APIRequest struct {
	Action string          `json:"action"`
	Params APIParams       `json:"params"`
	Echo   json.RawMessage `json:"echo,omitempty"`
}

// APIParams carries the parameters of a send action. Message may be either
// a segment array or a CQ-code string on the wire.
type APIParams struct {
	MessageType string          `json:"message_type,omitempty"`
	UserID      FlexID          `json:"user_id,omitempty"`
	GroupID     FlexID          `json:"group_id,omitempty"`
	Message     json.RawMessage `json:"message,omitempty"`
	AutoEscape  bool            `json:"auto_escape,omitempty"`
}

// Segments decodes the message payload into a segment array, accepting
// both array form and CQ string form.
func (p APIParams) Segments() ([]Segment, error) {
	if len(p.Message) == 0 {
		return nil, nil
	}
	var segs []Segment
	if err := json.Unmarshal(p.Message, &segs); err == nil {
		return segs, nil
	}
	var raw string
	if err := json.Unmarshal(p.Message, &raw); err != nil {
		return nil, err
	}
	if p.AutoEscape {
		return []Segment{Text(raw)}, nil
	}
	return ParseCQ(raw), nil
}

// FlexID is an identity field that remote peers send either as a JSON
// string or as a number. Numeric values marshal as numbers, which is what
// the protocol's reference implementations emit.
type FlexID string

func (f FlexID) MarshalJSON() ([]byte, error) {
	if f != "" && isDigits(string(f)) {
		return []byte(f), nil
	}
	return json.Marshal(string(f))
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (f *FlexID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexID(n.String())
	return nil
}

func (f FlexID) String() string { return string(f) }

// APIResponse answers an APIRequest, echoing the request's correlation
// token.
type APIResponse struct {
	Status  string          `json:"status"`
	Retcode int             `json:"retcode"`
	Data    any             `json:"data"`
	Message string          `json:"message,omitempty"`
	Echo    json.RawMessage `json:"echo,omitempty"`
}

// OKResponse builds a success response.
func OKResponse(echo json.RawMessage, data any) APIResponse {
	return APIResponse{Status: "ok", Retcode: RetOK, Data: data, Echo: echo}
}

// FailedResponse builds a failure response with the given retcode.
func FailedResponse(echo json.RawMessage, retcode int, msg string) APIResponse {
	return APIResponse{Status: "failed", Retcode: retcode, Message: msg, Echo: echo}
}

// MessageIDData is the data payload of a successful send response.
type MessageIDData struct {
	MessageID int64 `json:"message_id"`
}

// LoginInfoData is the data payload of a get_login_info response.
type LoginInfoData struct {
	UserID   FlexID `json:"user_id"`
	Nickname string `json:"nickname"`
}

// ParseRetcode is a helper for logs: it renders a retcode with its meaning.
func ParseRetcode(code int) string {
	switch code {
	case RetOK:
		return "ok"
	case RetBadRequest:
		return "bad request"
	case RetNotFound:
		return "not found"
	case RetFailed:
		return "failed"
	}
	return strconv.Itoa(code)
}
