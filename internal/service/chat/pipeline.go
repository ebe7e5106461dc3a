package chat

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vetosce/osce-tavern/backend/internal/analysis/findings"
	"github.com/vetosce/osce-tavern/backend/internal/analysis/routing"
	"github.com/vetosce/osce-tavern/backend/internal/model/chat"
	"github.com/vetosce/osce-tavern/backend/internal/model/persona"
	"github.com/vetosce/osce-tavern/backend/internal/model/scenario"
	"github.com/vetosce/osce-tavern/backend/internal/store"
	"github.com/vetosce/osce-tavern/backend/internal/telemetry"
)

// UserTurn is one submission from the student together with the client's persona hints.
type UserTurn struct {
	Content               string `json:"content"`
	UserPersonaKey        string `json:"userPersonaKey,omitempty"`
	SelectedPersonaAtSend string `json:"selectedPersonaAtSend,omitempty"`
	ActivePersona         string `json:"activePersona,omitempty"`
}

// TurnResult reports what the pipeline did with a user turn.
type TurnResult struct {
	Session    chat.Session    `json:"session"`
	Message    chat.Message    `json:"message"`
	Persona    persona.RoleKey `json:"persona"`
	Source     routing.Source  `json:"source"`
	Switched   bool            `json:"switched"`
	LabRequest bool            `json:"labRequest"`
	Coalesced  bool            `json:"coalesced"`
	Duplicate  bool            `json:"duplicate"`
}

// AssistantReply is a generated reply before the findings guardrail runs.
type AssistantReply struct {
	Content     string `json:"content"`
	PersonaKey  string `json:"personaKey,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// ReplyResult is the stored reply and whether the client may speak it.
type ReplyResult struct {
	Message  chat.Message     `json:"message"`
	AllowTTS bool             `json:"allowTts"`
	Outcome  findings.Outcome `json:"outcome"`
	Persona  persona.RoleKey  `json:"persona"`
	Source   routing.Source   `json:"source"`
}

// SubmitUserText runs switch detection, the duplicate guard, coalescing and persona
// selection for one user turn, then persists it.
func (s *Service) SubmitUserText(ctx context.Context, sessionID string, turn UserTurn) (TurnResult, error) {
	content, err := trimContent(turn.Content)
	if err != nil {
		return TurnResult{}, err
	}

	switchKey, switched := routing.DetectSwitch(content)
	labRequest := routing.LooksLikeLabRequest(content)

	var result TurnResult
	rec, err := s.mutate(ctx, sessionID, func(rec *store.Record, c scenario.Case) error {
		stage, _ := c.Stage(rec.Session.StageIndex)
		signals := s.turnSignals(rec, stage, turn)
		if switched {
			signals.SelectedPersonaAtSend = switchKey.String()
		} else if labRequest && biasTowardNurse(signals, stage) {
			signals.SelectedPersonaAtSend = persona.VeterinaryNurse.String()
		}
		key, source := routing.ChooseSafeWithSource(signals)

		result = TurnResult{
			Persona:    key,
			Source:     source,
			Switched:   switched,
			LabRequest: labRequest,
		}

		var last *chat.Message
		if n := len(rec.Messages); n > 0 {
			last = &rec.Messages[n-1]
		}
		if s.coalescer.IsDuplicate(last, key, content) {
			result.Message = *last
			result.Duplicate = true
			return nil
		}

		merged := s.coalescer.Coalesce(rec.Messages, content, key)
		if merged.Merged != nil {
			rec.Messages = merged.Messages
			result.Message = *merged.Merged
			result.Coalesced = true
		} else {
			msg := chat.Message{
				ID:         uuid.NewString(),
				SessionID:  sessionID,
				Role:       chat.RoleUser,
				Content:    content,
				Timestamp:  s.now().UTC(),
				StageIndex: chat.StageAt(rec.Session.StageIndex),
				Persona:    key,
				Status:     chat.StatusPending,
			}
			rec.Messages = append(rec.Messages, msg)
			result.Message = msg
		}

		rec.Session.ActivePersona = key
		rec.Session.LastSent = key
		return nil
	})
	if err != nil {
		return TurnResult{}, err
	}
	result.Session = rec.Session

	s.reportTurn(sessionID, result)
	return result, nil
}

// ApplyAssistantReply resolves the persona of a generated reply, applies the findings
// guardrail and appends the result to the transcript. Pending user messages are marked sent.
func (s *Service) ApplyAssistantReply(ctx context.Context, sessionID string, reply AssistantReply) (ReplyResult, error) {
	content, err := trimContent(reply.Content)
	if err != nil {
		return ReplyResult{}, err
	}

	var result ReplyResult
	var stage scenario.Stage
	_, err = s.mutate(ctx, sessionID, func(rec *store.Record, c scenario.Case) error {
		stage, _ = c.Stage(rec.Session.StageIndex)
		key, source := routing.ChooseSafeWithSource(routing.Signals{
			LastSentPersona:    rec.Session.LastSent.String(),
			ResponsePersonaKey: reply.PersonaKey,
			ActivePersona:      rec.Session.ActivePersona.String(),
			StageRole:          stage.Title,
			RoleName:           stage.Role,
		})

		msg := chat.Message{
			ID:          uuid.NewString(),
			SessionID:   sessionID,
			Role:        chat.RoleAssistant,
			Content:     content,
			Timestamp:   s.now().UTC(),
			StageIndex:  chat.StageAt(rec.Session.StageIndex),
			Persona:     key,
			DisplayName: reply.DisplayName,
			Status:      chat.StatusSent,
		}
		if profile, ok := s.personas.Find(key); ok {
			msg.DisplayName = profile.DisplayName
			msg.PortraitURL = profile.PortraitURL
			msg.VoiceID = profile.VoiceID
		}

		out := s.transformer.Transform(msg, stage, chat.LastUserText(rec.Messages), rec.Messages)
		for i := range rec.Messages {
			if rec.Messages[i].Role == chat.RoleUser && rec.Messages[i].Status == chat.StatusPending {
				rec.Messages[i].Status = chat.StatusSent
			}
		}
		rec.Messages = append(rec.Messages, out.Message)

		result = ReplyResult{
			Message:  out.Message,
			AllowTTS: out.AllowTTS,
			Outcome:  out.Outcome,
			Persona:  key,
			Source:   source,
		}
		return nil
	})
	if err != nil {
		return ReplyResult{}, err
	}

	s.reportReply(sessionID, stage, result)
	return result, nil
}

// turnSignals collects the hints for a new user turn. Only values sent with this
// turn and the current active persona count; the last-sent marker and earlier
// replies describe previous turns and are left for ApplyAssistantReply.
func (s *Service) turnSignals(rec *store.Record, stage scenario.Stage, turn UserTurn) routing.Signals {
	active := turn.ActivePersona
	if _, ok := persona.ParseRoleKey(active); !ok {
		active = rec.Session.ActivePersona.String()
	}
	return routing.Signals{
		UserPersonaKey:        turn.UserPersonaKey,
		SelectedPersonaAtSend: turn.SelectedPersonaAtSend,
		ActivePersona:         active,
		StageRole:             stage.Title,
		RoleName:              stage.Role,
	}
}

// biasTowardNurse holds when nothing explicit was chosen and the stage belongs to the nurse.
func biasTowardNurse(signals routing.Signals, stage scenario.Stage) bool {
	if _, ok := persona.ParseRoleKey(signals.UserPersonaKey); ok {
		return false
	}
	if _, ok := persona.ParseRoleKey(signals.SelectedPersonaAtSend); ok {
		return false
	}
	return routing.ForStage(stage) == persona.VeterinaryNurse
}

func (s *Service) reportTurn(sessionID string, r TurnResult) {
	if r.Switched {
		s.emit(sessionID, telemetry.KindPersonaSwitch, map[string]any{"persona": r.Persona.String()})
	}
	if r.LabRequest {
		s.emit(sessionID, telemetry.KindLabRequest, map[string]any{
			"persona": r.Persona.String(),
			"source":  string(r.Source),
		})
	}
	switch {
	case r.Duplicate:
		s.emit(sessionID, telemetry.KindDuplicate, map[string]any{"messageId": r.Message.ID})
	case r.Coalesced:
		s.emit(sessionID, telemetry.KindCoalesced, map[string]any{
			"messageId": r.Message.ID,
			"content":   r.Message.Content,
		})
	}
	s.emit(sessionID, telemetry.KindPersonaResolved, map[string]any{
		"persona": r.Persona.String(),
		"source":  string(r.Source),
		"role":    string(chat.RoleUser),
	})

	s.logger.Debug("user turn",
		zap.String("session", sessionID),
		zap.Stringer("persona", r.Persona),
		zap.String("source", string(r.Source)),
		zap.Bool("switched", r.Switched),
		zap.Bool("coalesced", r.Coalesced),
		zap.Bool("duplicate", r.Duplicate))
}

func (s *Service) reportReply(sessionID string, stage scenario.Stage, r ReplyResult) {
	s.emit(sessionID, telemetry.KindPersonaResolved, map[string]any{
		"persona": r.Persona.String(),
		"source":  string(r.Source),
		"role":    string(chat.RoleAssistant),
	})
	if r.Outcome == findings.OutcomeNotDocumented || r.Outcome == findings.OutcomeSuppressed {
		s.emit(sessionID, telemetry.KindFindingsFiltered, map[string]any{
			"outcome": string(r.Outcome),
			"stage":   stage.Title,
		})
	}
	kind := telemetry.KindTTSAllowed
	if !r.AllowTTS {
		kind = telemetry.KindTTSSuppressed
	}
	s.emit(sessionID, kind, map[string]any{
		"messageId": r.Message.ID,
		"voiceId":   r.Message.VoiceID,
	})
}
