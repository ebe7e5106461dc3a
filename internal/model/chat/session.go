package chat

import (
	"time"

	"github.com/vetosce/osce-tavern/backend/internal/model/persona"
)

// Session captures one student's run through a case.
type Session struct {
	ID            string          `json:"id"`
	CaseID        string          `json:"caseId"`
	StageIndex    int             `json:"stageIndex"`
	ActivePersona persona.RoleKey `json:"activePersona,omitzero"`
	LastSent      persona.RoleKey `json:"lastSentPersona,omitzero"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// LastUserText returns the content of the most recent user message, or "".
func LastUserText(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
