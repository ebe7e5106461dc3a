package routing

import "github.com/vetosce/osce-tavern/backend/internal/model/persona"

// Signals carries every hint available when deciding who answers a turn. Values are
// raw client or server strings; anything that is not a canonical key is ignored.
type Signals struct {
	UserPersonaKey        string `json:"userPersonaKey,omitempty"`
	SelectedPersonaAtSend string `json:"selectedPersonaAtSend,omitempty"`
	LastSentPersona       string `json:"lastSentPersona,omitempty"`
	ResponsePersonaKey    string `json:"responsePersonaKey,omitempty"`
	ActivePersona         string `json:"activePersona,omitempty"`
	StageRole             string `json:"stageRole,omitempty"`
	RoleName              string `json:"roleName,omitempty"`
}

// Source names which signal decided the persona.
type Source string

const (
	SourceUserTag        Source = "user-tag"
	SourceSelectedAtSend Source = "selected-at-send"
	SourceLastSent       Source = "last-sent"
	SourceResponse       Source = "response"
	SourceActive         Source = "active"
	SourceStage          Source = "stage"
)

// ChooseSafe picks the persona for a turn. The freshest local signal wins so that a
// student's explicit choice is never overridden by a stale server echo.
func ChooseSafe(s Signals) persona.RoleKey {
	key, _ := ChooseSafeWithSource(s)
	return key
}

// ChooseSafeWithSource is ChooseSafe that also reports the deciding signal.
func ChooseSafeWithSource(s Signals) (persona.RoleKey, Source) {
	ordered := []struct {
		raw    string
		source Source
	}{
		{s.UserPersonaKey, SourceUserTag},
		{s.SelectedPersonaAtSend, SourceSelectedAtSend},
		{s.LastSentPersona, SourceLastSent},
		{s.ResponsePersonaKey, SourceResponse},
		{s.ActivePersona, SourceActive},
	}
	for _, candidate := range ordered {
		if key, ok := persona.ParseRoleKey(candidate.raw); ok {
			return key, candidate.source
		}
	}
	return FromStage(s.StageRole, s.RoleName), SourceStage
}
