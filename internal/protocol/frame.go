// Package protocol defines the wire protocol exchanged over the persistent
// upgraded connection: length-delimited JSON frames with an exhaustive set
// of typed kinds (spec.md §6). The envelope shape and the "unknown kind
// rejected with a System frame" validation policy are new to this domain;
// the JSON-over-websocket transport idiom itself is grounded on the
// teacher's internal/terminal/websocket.go, which frames terminal I/O the
// same way over github.com/coder/websocket.
package protocol

import "time"

// Kind identifies the shape of a frame's kind-specific fields.
type Kind string

const (
	KindChat            Kind = "Chat"
	KindTyping          Kind = "Typing"
	KindHeartbeat       Kind = "Heartbeat"
	KindHistoryRequest  Kind = "HistoryRequest"
	KindHistory         Kind = "History"
	KindGetOnlineUsers  Kind = "GetOnlineUsers"
	KindOnlineUsers     Kind = "OnlineUsers"
	KindHtmlTemplate    Kind = "HtmlTemplate"
	KindHtmlCallback    Kind = "HtmlCallback"
	KindVoice           Kind = "Voice"
	KindSystem          Kind = "System"
	KindStatusAck       Kind = "StatusAck"
)

// ContentType enumerates the payload shapes a Chat frame can carry, mirrored
// from domain.ContentKind for the wire representation.
type ContentType string

const (
	ContentText  ContentType = "Text"
	ContentImage ContentType = "Image"
	ContentFile  ContentType = "File"
	ContentVoice ContentType = "Voice"
	ContentVideo ContentType = "Video"
	ContentHTML  ContentType = "Html"
)

// SystemLevel grades a System frame's severity.
type SystemLevel string

const (
	LevelInfo    SystemLevel = "Info"
	LevelWarning SystemLevel = "Warning"
	LevelError   SystemLevel = "Error"
)

// AckState reports a Chat message's delivery state to its sender.
type AckState string

const (
	AckDelivered AckState = "Delivered"
	AckBuffered  AckState = "Buffered"
	AckRead      AckState = "Read"
)

// User is the REST/OnlineUsers-facing summary of a connected participant.
type User struct {
	UserID string `json:"user_id"`
	Kind   string `json:"kind"`
	Name   string `json:"name,omitempty"`
}

// Message mirrors domain.Message for wire transmission (History frames).
type Message struct {
	MessageID   string    `json:"message_id"`
	From        string    `json:"from"`
	To          string    `json:"to,omitempty"`
	Content     string    `json:"content"`
	ContentType string    `json:"content_type"`
	Filename    string    `json:"filename,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Frame is the envelope every wire message shares. Exactly one of the
// kind-specific pointer fields is populated, selected by Type.
type Frame struct {
	Type      Kind      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Chat           *ChatFrame           `json:"chat,omitempty"`
	Typing         *TypingFrame         `json:"typing,omitempty"`
	Heartbeat      *HeartbeatFrame      `json:"heartbeat,omitempty"`
	HistoryRequest *HistoryRequestFrame `json:"history_request,omitempty"`
	History        *HistoryFrame        `json:"history,omitempty"`
	OnlineUsers    *OnlineUsersFrame    `json:"online_users,omitempty"`
	HtmlTemplate   *HtmlTemplateFrame   `json:"html_template,omitempty"`
	HtmlCallback   *HtmlCallbackFrame   `json:"html_callback,omitempty"`
	Voice          *VoiceFrame          `json:"voice,omitempty"`
	System         *SystemFrame         `json:"system,omitempty"`
	StatusAck      *StatusAckFrame      `json:"status_ack,omitempty"`
}

// ChatFrame carries a peer-to-peer message; id, if present, is echoed back
// in the StatusAck.
type ChatFrame struct {
	ID          string      `json:"id,omitempty"`
	From        string      `json:"from"`
	To          string      `json:"to,omitempty"`
	Content     string      `json:"content"`
	ContentType ContentType `json:"content_type"`
	Filename    string      `json:"filename,omitempty"`
}

// TypingFrame relays a transient typing indicator; never persisted.
type TypingFrame struct {
	From     string `json:"from"`
	To       string `json:"to,omitempty"`
	IsTyping bool   `json:"is_typing"`
}

// HeartbeatFrame refreshes presence; UserID is optional on the wire since
// the connection's identity is already known server-side.
type HeartbeatFrame struct {
	UserID string `json:"user_id,omitempty"`
}

// HistoryRequestFrame asks for recent messages; Limit defaults to 50,
// capped at 500.
type HistoryRequestFrame struct {
	CustomerID string `json:"customer_id,omitempty"`
	Limit      int    `json:"limit"`
}

// HistoryFrame answers a HistoryRequestFrame.
type HistoryFrame struct {
	Messages []Message `json:"messages"`
}

// OnlineUsersFrame answers GetOnlineUsers; agent-only.
type OnlineUsersFrame struct {
	Agents    []User `json:"agents"`
	Customers []User `json:"customers"`
}

// HtmlTemplateFrame carries a pre-rendered HTML payload plus the template
// id and the variables used to render it.
type HtmlTemplateFrame struct {
	TemplateID   string            `json:"template_id"`
	TemplateName string            `json:"template_name"`
	From         string            `json:"from"`
	To           string            `json:"to,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
	RenderedHTML string            `json:"rendered_html,omitempty"`
	CallbackURL  string            `json:"callback_url,omitempty"`
}

// HtmlCallbackFrame records a user interaction with a previously-delivered
// template message; persisted, never relayed.
type HtmlCallbackFrame struct {
	MessageID    string                 `json:"message_id"`
	TemplateID   string                 `json:"template_id"`
	Action       string                 `json:"action"`
	ElementID    string                 `json:"element_id,omitempty"`
	CallbackData map[string]interface{} `json:"callback_data,omitempty"`
	UserID       string                 `json:"user_id"`
}

// VoiceFrame carries a reference to a previously-uploaded voice blob.
type VoiceFrame struct {
	From       string `json:"from"`
	To         string `json:"to,omitempty"`
	URL        string `json:"url"`
	DurationMs int    `json:"duration_ms,omitempty"`
}

// SystemFrame is an out-of-band server notification. The relay does not
// persist System frames; Persistent is carried on the wire only.
type SystemFrame struct {
	Level      SystemLevel `json:"level"`
	Code       string      `json:"code,omitempty"`
	Message    string      `json:"message"`
	Persistent bool        `json:"persistent,omitempty"`
}

// StatusAckFrame reports a Chat message's delivery state to its sender.
type StatusAckFrame struct {
	MessageID string   `json:"message_id"`
	State     AckState `json:"state"`
}

// NewSystem builds a System frame envelope, the standard way the router
// reports inline per-frame errors without tearing down the connection.
func NewSystem(level SystemLevel, code, message string) Frame {
	return Frame{
		Type:      KindSystem,
		Timestamp: time.Now(),
		System:    &SystemFrame{Level: level, Code: code, Message: message},
	}
}

// NewStatusAck builds a StatusAck frame envelope.
func NewStatusAck(messageID string, state AckState) Frame {
	return Frame{
		Type:      KindStatusAck,
		Timestamp: time.Now(),
		StatusAck: &StatusAckFrame{MessageID: messageID, State: state},
	}
}
