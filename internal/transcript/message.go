// Package transcript holds the conversation messages shown to the user and
// the bounded window of them handed to each turn.
package transcript

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Label returns the capitalized role name used in prompts and display.
func (r Role) Label() string {
	if r == "" {
		return ""
	}
	s := string(r)
	return strings.ToUpper(s[:1]) + s[1:]
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// MetaPersonaName is the metadata key carrying the persona display name on
// assistant messages.
const MetaPersonaName = "persona_name"

// MetaPersonaID is the metadata key carrying the persona id.
const MetaPersonaID = "persona_id"

// Message is one entry of the conversation. Content may be empty only while
// an assistant reply is streaming.
type Message struct {
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// New creates a message stamped with the current time.
func New(role Role, content string) Message {
	return Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
		Metadata:  map[string]string{},
	}
}

// Sender returns the display name: the persona name for assistant messages
// when known, otherwise the capitalized role.
func (m Message) Sender() string {
	if m.Role == RoleAssistant {
		if name := m.Metadata[MetaPersonaName]; name != "" {
			return name
		}
	}
	return m.Role.Label()
}

// Display formats the message as "[HH:MM] Sender: content".
func (m Message) Display() string {
	return fmt.Sprintf("[%s] %s: %s", m.Timestamp.Format("15:04"), m.Sender(), m.Content)
}
