package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vetosce/osce-tavern/backend/internal/analysis/coalesce"
	"github.com/vetosce/osce-tavern/backend/internal/analysis/findings"
	"github.com/vetosce/osce-tavern/backend/internal/analysis/routing"
	"github.com/vetosce/osce-tavern/backend/internal/model/chat"
	"github.com/vetosce/osce-tavern/backend/internal/model/persona"
	"github.com/vetosce/osce-tavern/backend/internal/model/scenario"
	"github.com/vetosce/osce-tavern/backend/internal/store"
	"github.com/vetosce/osce-tavern/backend/internal/telemetry"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrEmptyMessage    = errors.New("message content is required")
	ErrMessageNotFound = errors.New("message not found")
)

const maxUpdateAttempts = 3

// Service runs the persona pipeline for each turn and persists the transcript.
type Service struct {
	store       store.Store
	cases       *scenario.Catalog
	personas    persona.Store
	coalescer   coalesce.Coalescer
	transformer findings.Transformer
	events      telemetry.Emitter
	logger      *zap.Logger
	now         func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithCoalesceWindow overrides the merge window for rapid follow-up messages.
func WithCoalesceWindow(window time.Duration) Option {
	return func(s *Service) {
		s.coalescer.Window = window
	}
}

// WithTransformer sets the findings guardrail thresholds.
func WithTransformer(t findings.Transformer) Option {
	return func(s *Service) {
		s.transformer = t
	}
}

// WithEmitter routes pipeline decisions to an event sink.
func WithEmitter(e telemetry.Emitter) Option {
	return func(s *Service) {
		if e != nil {
			s.events = e
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService wires the pipeline over a session store.
func NewService(st store.Store, cases *scenario.Catalog, personas persona.Store, opts ...Option) *Service {
	s := &Service{
		store:     st,
		cases:     cases,
		personas:  personas,
		coalescer: coalesce.New(coalesce.DefaultWindow),
		events:    telemetry.Nop{},
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.coalescer.Now = s.now
	s.logger = s.logger.Named("chat")
	return s
}

// Snapshot is a session together with the case context needed to voice a reply.
type Snapshot struct {
	Session  chat.Session
	Case     scenario.Case
	Stage    scenario.Stage
	Messages []chat.Message
}

// CreateSession starts a case at the given stage. The stage's default persona becomes active.
func (s *Service) CreateSession(ctx context.Context, caseID string, stageIndex int) (chat.Session, error) {
	c, err := s.cases.Find(caseID)
	if err != nil {
		return chat.Session{}, err
	}
	stage, ok := c.Stage(stageIndex)
	if !ok {
		return chat.Session{}, fmt.Errorf("%w: %d", scenario.ErrStageOutOfRange, stageIndex)
	}

	session := chat.Session{
		ID:            uuid.NewString(),
		CaseID:        c.ID,
		StageIndex:    stageIndex,
		ActivePersona: routing.ForStage(stage),
		CreatedAt:     s.now().UTC(),
	}

	rec := &store.Record{Session: session, Messages: make([]chat.Message, 0, 16)}
	if err := s.store.Create(ctx, rec); err != nil {
		return chat.Session{}, fmt.Errorf("create session: %w", err)
	}

	s.logger.Info("session created",
		zap.String("session", session.ID),
		zap.String("case", c.ID),
		zap.Int("stage", stageIndex),
		zap.Stringer("persona", session.ActivePersona))
	return session, nil
}

// GetSession retrieves a session by identifier.
func (s *Service) GetSession(ctx context.Context, sessionID string) (chat.Session, error) {
	rec, err := s.load(ctx, sessionID)
	if err != nil {
		return chat.Session{}, err
	}
	return rec.Session, nil
}

// LoadTranscript returns stored messages for the session.
func (s *Service) LoadTranscript(ctx context.Context, sessionID string) ([]chat.Message, error) {
	rec, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return rec.Messages, nil
}

// Snapshot loads the session, its case, its current stage and the transcript.
func (s *Service) Snapshot(ctx context.Context, sessionID string) (Snapshot, error) {
	rec, err := s.load(ctx, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	c, err := s.cases.Find(rec.Session.CaseID)
	if err != nil {
		return Snapshot{}, err
	}
	stage, _ := c.Stage(rec.Session.StageIndex)
	return Snapshot{Session: rec.Session, Case: c, Stage: stage, Messages: rec.Messages}, nil
}

// SetStage moves the session to another stage of its case and makes that stage's
// default persona active.
func (s *Service) SetStage(ctx context.Context, sessionID string, index int) (chat.Session, error) {
	var from int
	rec, err := s.mutate(ctx, sessionID, func(rec *store.Record, c scenario.Case) error {
		stage, ok := c.Stage(index)
		if !ok {
			return fmt.Errorf("%w: %d", scenario.ErrStageOutOfRange, index)
		}
		from = rec.Session.StageIndex
		rec.Session.StageIndex = index
		rec.Session.ActivePersona = routing.ForStage(stage)
		rec.Session.LastSent = persona.RoleKey{}
		return nil
	})
	if err != nil {
		return chat.Session{}, err
	}

	s.emit(sessionID, telemetry.KindStageChanged, map[string]any{
		"from":    from,
		"to":      index,
		"persona": rec.Session.ActivePersona.String(),
	})
	return rec.Session, nil
}

// Reset clears the transcript while keeping the session and its stage.
func (s *Service) Reset(ctx context.Context, sessionID string) error {
	var cleared int
	_, err := s.mutate(ctx, sessionID, func(rec *store.Record, _ scenario.Case) error {
		cleared = len(rec.Messages)
		rec.Messages = rec.Messages[:0]
		rec.Session.LastSent = persona.RoleKey{}
		return nil
	})
	if err != nil {
		return err
	}
	s.emit(sessionID, telemetry.KindTranscriptCleared, map[string]any{"messages": cleared})
	return nil
}

// DeleteSession removes the session and its transcript.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.load(ctx, sessionID); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// MarkFailed flags a user message whose reply could not be produced.
func (s *Service) MarkFailed(ctx context.Context, sessionID, messageID string) error {
	_, err := s.mutate(ctx, sessionID, func(rec *store.Record, _ scenario.Case) error {
		for i := range rec.Messages {
			if rec.Messages[i].ID == messageID {
				rec.Messages[i].Status = chat.StatusFailed
				return nil
			}
		}
		return ErrMessageNotFound
	})
	return err
}

func (s *Service) load(ctx context.Context, sessionID string) (*store.Record, error) {
	rec, err := s.store.Get(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return rec, nil
}

// mutate applies fn to a fresh copy of the record and saves it, retrying on
// version conflicts. fn may run more than once.
func (s *Service) mutate(ctx context.Context, sessionID string, fn func(*store.Record, scenario.Case) error) (*store.Record, error) {
	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		rec, err := s.load(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		c, err := s.cases.Find(rec.Session.CaseID)
		if err != nil {
			return nil, err
		}
		if err := fn(rec, c); err != nil {
			return nil, err
		}

		err = s.store.Update(ctx, rec)
		switch {
		case err == nil:
			return rec, nil
		case errors.Is(err, store.ErrNotFound):
			return nil, ErrSessionNotFound
		case errors.Is(err, store.ErrVersionConflict):
			s.logger.Debug("version conflict",
				zap.String("session", sessionID),
				zap.Int("attempt", attempt))
		default:
			return nil, fmt.Errorf("save session: %w", err)
		}
	}
	return nil, fmt.Errorf("save session %s: %w", sessionID, store.ErrVersionConflict)
}

func (s *Service) emit(sessionID string, kind telemetry.Kind, data map[string]any) {
	s.events.Emit(telemetry.Event{
		SessionID: sessionID,
		Kind:      kind,
		At:        s.now().UTC(),
		Data:      data,
	})
}

func trimContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyMessage
	}
	return content, nil
}
