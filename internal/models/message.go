package models

import (
	"time"

	"github.com/google/uuid"
)

// Message represents an individual entry within a notebook transcript. Content is mutable while
// IsStreaming is true; the synchronizer replaces the trailing message with an extended copy for every
// token it receives.
type Message struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	Kind        Kind      `json:"kind"`
	Content     string    `json:"content"`
	IsStreaming bool      `json:"is_streaming"`
	CreatedAt   time.Time `json:"created_at"`
}

// Role represents the role of a message participant.
type Role string

// Kind separates regular transcript text from transient agent status lines.
type Kind string

const (
	// RoleUser represents a message typed by the local user.
	RoleUser Role = "user"
	// RoleAssistant represents a message produced by the backend AI service.
	RoleAssistant Role = "assistant"
	// RoleSystem represents a locally generated notice, usually an error.
	RoleSystem Role = "system"

	// KindText is a regular transcript entry.
	KindText Kind = "text"
	// KindProgress is a status line reported by a backend worker agent. At most one exists in a
	// transcript and it is replaced by the next progress, token, complete or error event.
	KindProgress Kind = "progress"
)

// NewMessage creates a text message with a fresh ID and the current time.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      role,
		Kind:      KindText,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// NewProgress creates a progress message for the given agent status.
func NewProgress(agent, status string) Message {
	m := NewMessage(RoleSystem, ProgressText(agent, status))
	m.Kind = KindProgress
	return m
}

// ProgressText formats an agent status line.
func ProgressText(agent, status string) string {
	switch {
	case agent == "":
		return status
	case status == "":
		return agent
	default:
		return agent + ": " + status
	}
}

// ParseRole maps both the canonical role names and the legacy sender names to a Role. Unknown values
// are reported as system messages.
func ParseRole(s string) Role {
	switch s {
	case "user", "User":
		return RoleUser
	case "assistant", "AI", "ai", "Assistant":
		return RoleAssistant
	default:
		return RoleSystem
	}
}
