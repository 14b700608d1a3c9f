package session

import (
	"time"

	"github.com/google/uuid"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Part kinds.
const (
	PartText             = "text"
	PartMedia            = "media"
	PartFunctionCall     = "function_call"
	PartFunctionResponse = "function_response"
)

// Session is one persisted conversation, keyed by the transport-level
// chat identifier (for Telegram, "tg:<chatID>").
type Session struct {
	ID        uuid.UUID
	ChatKey   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one turn entry in a session.
type Message struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	Role      string
	Parts     []Part
	Metadata  map[string]any
	Sequence  int64
	CreatedAt time.Time
}

// Part is one content element of a message. Text turns carry a single text
// part; attachment turns carry a media part alongside the instruction text.
type Part struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	MediaType string         `json:"media_type,omitempty"`
	Data      []byte         `json:"data,omitempty"`
	Name      string         `json:"name,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	Response  map[string]any `json:"response,omitempty"`
}

// TextMessage builds a single-part text message.
func TextMessage(role, text string) Message {
	return Message{Role: role, Parts: []Part{{Type: PartText, Text: text}}}
}

// Text returns the concatenated text parts of the message.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}
