package chat

import (
	"time"

	"github.com/vetosce/osce-tavern/backend/internal/model/persona"
)

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// DeliveryStatus tracks whether a user turn reached the reply pipeline.
type DeliveryStatus string

const (
	StatusPending DeliveryStatus = "pending"
	StatusFailed  DeliveryStatus = "failed"
	StatusSent    DeliveryStatus = "sent"
)

// Message is a single turn in a conversation.
type Message struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"sessionId"`
	Role        Role            `json:"role"`
	Content     string          `json:"content"`
	Timestamp   time.Time       `json:"timestamp"`
	StageIndex  *int            `json:"stageIndex,omitempty"`
	Persona     persona.RoleKey `json:"personaRoleKey,omitzero"`
	DisplayName string          `json:"displayName,omitempty"`
	PortraitURL string          `json:"portraitUrl,omitempty"`
	VoiceID     string          `json:"voiceId,omitempty"`
	Status      DeliveryStatus  `json:"status,omitempty"`
}

// StageAt returns a pointer suitable for Message.StageIndex.
func StageAt(index int) *int {
	return &index
}
