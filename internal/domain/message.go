package domain

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// MessageKind tags assistant messages the client renders specially.
type MessageKind string

const (
	KindText                MessageKind = ""
	KindConfirmationRequest MessageKind = "confirmation_request"
)

// Message is a single entry of the append-only session log.
type Message struct {
	Role          Role        `json:"role"`
	Content       string      `json:"content"`
	Kind          MessageKind `json:"kind,omitempty"`
	ToolCallID    string      `json:"toolCallId,omitempty"`
	ToolName      string      `json:"toolName,omitempty"`
	ToolArguments string      `json:"toolArguments,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
}
