package chat_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vetosce/osce-tavern/backend/internal/analysis/findings"
	"github.com/vetosce/osce-tavern/backend/internal/analysis/routing"
	chatModel "github.com/vetosce/osce-tavern/backend/internal/model/chat"
	"github.com/vetosce/osce-tavern/backend/internal/model/persona"
	"github.com/vetosce/osce-tavern/backend/internal/model/scenario"
	chat "github.com/vetosce/osce-tavern/backend/internal/service/chat"
	"github.com/vetosce/osce-tavern/backend/internal/store"
	"github.com/vetosce/osce-tavern/backend/internal/telemetry"
)

const bovineCase = "bovine-ketosis"

// Stage indexes of the bundled bovine case.
const (
	stageHistory  = 0
	stagePhysical = 1
	stageLab      = 3
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (r *recorder) Emit(e telemetry.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) Kinds() []telemetry.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]telemetry.Kind, len(r.events))
	for i, e := range r.events {
		kinds[i] = e.Kind
	}
	return kinds
}

type harness struct {
	svc    *chat.Service
	clock  *clock
	events *recorder
}

func newHarness(t *testing.T, st store.Store) harness {
	t.Helper()
	catalog, err := scenario.Default()
	require.NoError(t, err)

	if st == nil {
		st = store.NewMemoryStore()
	}
	clk := &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	rec := &recorder{}
	svc := chat.NewService(st, catalog, persona.NewMemoryStore(persona.Seed()),
		chat.WithClock(clk.Now),
		chat.WithEmitter(rec))
	return harness{svc: svc, clock: clk, events: rec}
}

func (h harness) session(t *testing.T, stage int) chatModel.Session {
	t.Helper()
	session, err := h.svc.CreateSession(context.Background(), bovineCase, stage)
	require.NoError(t, err)
	return session
}

func TestCreateSessionUsesStagePersona(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	assert.Equal(t, persona.Owner, h.session(t, stageHistory).ActivePersona)
	assert.Equal(t, persona.VeterinaryNurse, h.session(t, stagePhysical).ActivePersona)
	assert.Equal(t, persona.VeterinaryNurse, h.session(t, stageLab).ActivePersona)

	_, err := h.svc.CreateSession(ctx, "missing-case", 0)
	assert.ErrorIs(t, err, scenario.ErrCaseNotFound)

	_, err = h.svc.CreateSession(ctx, bovineCase, 42)
	assert.ErrorIs(t, err, scenario.ErrStageOutOfRange)
}

func TestServiceGetSessionNotFound(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.svc.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, chat.ErrSessionNotFound)

	_, err = h.svc.SubmitUserText(ctx, "missing", chat.UserTurn{Content: "hello"})
	assert.ErrorIs(t, err, chat.ErrSessionNotFound)
}

func TestSubmitUserTextRejectsEmpty(t *testing.T) {
	h := newHarness(t, nil)
	session := h.session(t, stageHistory)

	_, err := h.svc.SubmitUserText(context.Background(), session.ID, chat.UserTurn{Content: "   "})
	assert.ErrorIs(t, err, chat.ErrEmptyMessage)
}

func TestSubmitUserTextFollowsActivePersona(t *testing.T) {
	h := newHarness(t, nil)
	session := h.session(t, stageHistory)

	res, err := h.svc.SubmitUserText(context.Background(), session.ID, chat.UserTurn{Content: "How long has she been off her feed?"})
	require.NoError(t, err)

	assert.Equal(t, persona.Owner, res.Persona)
	assert.Equal(t, routing.SourceActive, res.Source)
	assert.False(t, res.Switched)
	assert.Equal(t, chatModel.StatusPending, res.Message.Status)
	assert.Equal(t, persona.Owner, res.Session.LastSent)
	require.NotNil(t, res.Message.StageIndex)
	assert.Equal(t, stageHistory, *res.Message.StageIndex)
}

func TestSubmitUserTextSwitchIntent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	session := h.session(t, stageHistory)

	res, err := h.svc.SubmitUserText(ctx, session.ID, chat.UserTurn{Content: "Can I talk with the nurse please"})
	require.NoError(t, err)

	assert.True(t, res.Switched)
	assert.Equal(t, persona.VeterinaryNurse, res.Persona)
	assert.Equal(t, routing.SourceSelectedAtSend, res.Source)

	got, err := h.svc.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, persona.VeterinaryNurse, got.ActivePersona)
	assert.Contains(t, h.events.Kinds(), telemetry.KindPersonaSwitch)
}

func TestSubmitUserTextUserTagWins(t *testing.T) {
	h := newHarness(t, nil)
	session := h.session(t, stagePhysical)

	res, err := h.svc.SubmitUserText(context.Background(), session.ID, chat.UserTurn{
		Content:               "Did she eat this morning?",
		UserPersonaKey:        "owner",
		SelectedPersonaAtSend: "veterinary-nurse",
	})
	require.NoError(t, err)
	assert.Equal(t, persona.Owner, res.Persona)
	assert.Equal(t, routing.SourceUserTag, res.Source)
}

func TestSubmitUserTextCoalescesFragments(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	session := h.session(t, stageHistory)

	first, err := h.svc.SubmitUserText(ctx, session.ID, chat.UserTurn{Content: "She stopped eating"})
	require.NoError(t, err)

	h.clock.Advance(time.Second)
	second, err := h.svc.SubmitUserText(ctx, session.ID, chat.UserTurn{Content: "eating two days ago"})
	require.NoError(t, err)

	assert.True(t, second.Coalesced)
	assert.Equal(t, first.Message.ID, second.Message.ID)
	assert.Equal(t, "She stopped eating two days ago", second.Message.Content)
	assert.Equal(t, h.clock.Now(), second.Message.Timestamp)

	transcript, err := h.svc.LoadTranscript(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, transcript, 1)
	assert.Equal(t, "She stopped eating two days ago", transcript[0].Content)
	assert.Contains(t, h.events.Kinds(), telemetry.KindCoalesced)
}

func TestSubmitUserTextOutsideWindowAppends(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	session := h.session(t, stageHistory)

	_, err := h.svc.SubmitUserText(ctx, session.ID, chat.UserTurn{Content: "She stopped eating"})
	require.NoError(t, err)

	h.clock.Advance(3 * time.Second)
	res, err := h.svc.SubmitUserText(ctx, session.ID, chat.UserTurn{Content: "Is she drinking?"})
	require.NoError(t, err)
	assert.False(t, res.Coalesced)

	transcript, err := h.svc.LoadTranscript(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, transcript, 2)
}

func TestSubmitUserTextDuplicateGuard(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	session := h.session(t, stageHistory)

	first, err := h.svc.SubmitUserText(ctx, session.ID, chat.UserTurn{Content: "Is she drinking?"})
	require.NoError(t, err)

	h.clock.Advance(500 * time.Millisecond)
	again, err := h.svc.SubmitUserText(ctx, session.ID, chat.UserTurn{Content: "is she drinking"})
	require.NoError(t, err)

	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Message, again.Message)

	transcript, err := h.svc.LoadTranscript(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, transcript, 1)
	assert.Contains(t, h.events.Kinds(), telemetry.KindDuplicate)
}

func TestSubmitUserTextLabRequestBias(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	session := h.session(t, stageLab)

	_, err := h.svc.SubmitUserText(ctx, session.ID, chat.UserTurn{Content: "Has she had any treatment?", UserPersonaKey: "owner"})
	require.NoError(t, err)

	h.clock.Advance(5 * time.Second)
	res, err := h.svc.SubmitUserText(ctx, session.ID, chat.UserTurn{Content: "Can I see the CBC results"})
	require.NoError(t, err)

	assert.True(t, res.LabRequest)
	assert.Equal(t, persona.VeterinaryNurse, res.Persona)
	assert.Equal(t, routing.SourceSelectedAtSend, res.Source)
}

func TestSubmitUserTextLabRequestOutsideNurseStage(t *testing.T) {
	h := newHarness(t, nil)
	session := h.session(t, stageHistory)

	res, err := h.svc.SubmitUserText(context.Background(), session.ID, chat.UserTurn{Content: "Have you had any blood tests done before?"})
	require.NoError(t, err)

	assert.True(t, res.LabRequest)
	assert.Equal(t, persona.Owner, res.Persona)
	assert.Contains(t, h.events.Kinds(), telemetry.KindLabRequest)
}

func TestApplyAssistantReplyRequestedFinding(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	session := h.session(t, stagePhysical)

	_, err := h.svc.SubmitUserText(ctx, session.ID, chat.UserTurn{Content: "What's her temperature?"})
	require.NoError(t, err)

	res, err := h.svc.ApplyAssistantReply(ctx, session.ID, chat.AssistantReply{Content: "Temperature is 38.6 C.", PersonaKey: "veterinary-nurse"})
	require.NoError(t, err)

	assert.True(t, res.AllowTTS)
	assert.Equal(t, findings.OutcomeRequested, res.Outcome)
	assert.Equal(t, "Temperature is 38.6 C.", res.Message.Content)
	assert.Equal(t, "nurse-default", res.Message.VoiceID)
	assert.Equal(t, "Veterinary Nurse", res.Message.DisplayName)

	transcript, err := h.svc.LoadTranscript(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, transcript, 2)
	assert.Equal(t, chatModel.StatusSent, transcript[0].Status)
	assert.Equal(t, chatModel.RoleAssistant, transcript[1].Role)
}

func TestApplyAssistantReplySuppressesDump(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	session := h.session(t, stagePhysical)

	_, err := h.svc.SubmitUserText(ctx, session.ID, chat.UserTurn{Content: "Hi there, shall we start?"})
	require.NoError(t, err)

	res, err := h.svc.ApplyAssistantReply(ctx, session.ID, chat.AssistantReply{Content: "HR 76 | RR 24 | Temp 38.6", PersonaKey: "veterinary-nurse"})
	require.NoError(t, err)

	assert.False(t, res.AllowTTS)
	assert.Equal(t, findings.ClarifyingReply, res.Message.Content)
	assert.Equal(t, persona.VeterinaryNurse, res.Persona)

	kinds := h.events.Kinds()
	assert.Contains(t, kinds, telemetry.KindFindingsFiltered)
	assert.Contains(t, kinds, telemetry.KindTTSSuppressed)
}

func TestApplyAssistantReplyLastSentBeatsServerEcho(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	session := h.session(t, stagePhysical)

	_, err := h.svc.SubmitUserText(ctx, session.ID, chat.UserTurn{Content: "Did she calve easily?", UserPersonaKey: "owner"})
	require.NoError(t, err)

	res, err := h.svc.ApplyAssistantReply(ctx, session.ID, chat.AssistantReply{Content: "HR 76 | RR 24 | Temp 38.6", PersonaKey: "veterinary-nurse"})
	require.NoError(t, err)

	assert.Equal(t, persona.Owner, res.Persona)
	assert.Equal(t, routing.SourceLastSent, res.Source)
	assert.True(t, res.AllowTTS)
	assert.Equal(t, "HR 76 | RR 24 | Temp 38.6", res.Message.Content)
}

func TestApplyAssistantReplyNotDocumented(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	session := h.session(t, stageLab)

	_, err := h.svc.SubmitUserText(ctx, session.ID, chat.UserTurn{Content: "Anything else come back?"})
	require.NoError(t, err)

	res, err := h.svc.ApplyAssistantReply(ctx, session.ID, chat.AssistantReply{Content: "Not documented."})
	require.NoError(t, err)

	assert.True(t, res.AllowTTS)
	assert.Equal(t, findings.NotDocumentedReply, res.Message.Content)
}

func TestSetStage(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	session := h.session(t, stageHistory)

	updated, err := h.svc.SetStage(ctx, session.ID, stagePhysical)
	require.NoError(t, err)
	assert.Equal(t, stagePhysical, updated.StageIndex)
	assert.Equal(t, persona.VeterinaryNurse, updated.ActivePersona)
	assert.Contains(t, h.events.Kinds(), telemetry.KindStageChanged)

	_, err = h.svc.SetStage(ctx, session.ID, -1)
	assert.ErrorIs(t, err, scenario.ErrStageOutOfRange)
}

func TestSubmitAfterSetStageUsesNewStagePersona(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	session := h.session(t, stageHistory)

	first, err := h.svc.SubmitUserText(ctx, session.ID, chat.UserTurn{Content: "hello there"})
	require.NoError(t, err)
	require.Equal(t, persona.Owner, first.Persona)

	moved, err := h.svc.SetStage(ctx, session.ID, stagePhysical)
	require.NoError(t, err)
	assert.True(t, moved.LastSent.IsZero())

	h.clock.Advance(10 * time.Second)
	res, err := h.svc.SubmitUserText(ctx, session.ID, chat.UserTurn{Content: "How is she breathing?"})
	require.NoError(t, err)
	assert.Equal(t, persona.VeterinaryNurse, res.Persona)
	assert.Equal(t, routing.SourceActive, res.Source)
}

func TestSubmitFollowsTabSwitch(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	session := h.session(t, stageHistory)

	_, err := h.svc.SubmitUserText(ctx, session.ID, chat.UserTurn{Content: "hello there"})
	require.NoError(t, err)
	_, err = h.svc.ApplyAssistantReply(ctx, session.ID, chat.AssistantReply{Content: "Hi, thanks for coming out.", PersonaKey: "owner"})
	require.NoError(t, err)

	h.clock.Advance(10 * time.Second)
	res, err := h.svc.SubmitUserText(ctx, session.ID, chat.UserTurn{Content: "Is she eating?", ActivePersona: "veterinary-nurse"})
	require.NoError(t, err)
	assert.Equal(t, persona.VeterinaryNurse, res.Persona)
	assert.Equal(t, routing.SourceActive, res.Source)

	got, err := h.svc.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, persona.VeterinaryNurse, got.LastSent)
}

func TestReset(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	session := h.session(t, stageHistory)

	_, err := h.svc.SubmitUserText(ctx, session.ID, chat.UserTurn{Content: "Hello"})
	require.NoError(t, err)
	require.NoError(t, h.svc.Reset(ctx, session.ID))

	transcript, err := h.svc.LoadTranscript(ctx, session.ID)
	require.NoError(t, err)
	assert.Empty(t, transcript)

	got, err := h.svc.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, got.LastSent.IsZero())
}

func TestMarkFailed(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	session := h.session(t, stageHistory)

	res, err := h.svc.SubmitUserText(ctx, session.ID, chat.UserTurn{Content: "Hello"})
	require.NoError(t, err)
	require.NoError(t, h.svc.MarkFailed(ctx, session.ID, res.Message.ID))

	transcript, err := h.svc.LoadTranscript(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, chatModel.StatusFailed, transcript[0].Status)

	assert.ErrorIs(t, h.svc.MarkFailed(ctx, session.ID, "nope"), chat.ErrMessageNotFound)
}

// conflictStore fails the first n updates with a version conflict.
type conflictStore struct {
	store.Store
	mu        sync.Mutex
	conflicts int
}

func (s *conflictStore) Update(ctx context.Context, rec *store.Record) error {
	s.mu.Lock()
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return store.ErrVersionConflict
	}
	s.mu.Unlock()
	return s.Store.Update(ctx, rec)
}

func TestUpdateRetriesVersionConflicts(t *testing.T) {
	st := &conflictStore{Store: store.NewMemoryStore()}
	h := newHarness(t, st)
	ctx := context.Background()
	session := h.session(t, stageHistory)

	st.conflicts = 2
	_, err := h.svc.SubmitUserText(ctx, session.ID, chat.UserTurn{Content: "Hello"})
	require.NoError(t, err)

	st.conflicts = 3
	h.clock.Advance(time.Minute)
	_, err = h.svc.SubmitUserText(ctx, session.ID, chat.UserTurn{Content: "Anyone there?"})
	assert.ErrorIs(t, err, store.ErrVersionConflict)

	transcript, err := h.svc.LoadTranscript(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, transcript, 1)
}
