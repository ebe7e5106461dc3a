package stream

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vetosce/osce-tavern/backend/internal/analysis/findings"
	"github.com/vetosce/osce-tavern/backend/internal/model/chat"
	"github.com/vetosce/osce-tavern/backend/internal/model/persona"
	aiService "github.com/vetosce/osce-tavern/backend/internal/service/ai"
	chatService "github.com/vetosce/osce-tavern/backend/internal/service/chat"
	"github.com/vetosce/osce-tavern/backend/pkg/utils"
)

// Responder generates persona replies.
type Responder interface {
	StreamingEnabled() bool
	GenerateResponse(ctx context.Context, sessionID string, req aiService.Request) (*schema.Message, error)
	StreamResponse(ctx context.Context, req aiService.Request) (*schema.StreamReader[*schema.Message], error)
}

// Handler answers a user turn over Server-Sent Events.
type Handler struct {
	ai       Responder
	chatSvc  *chatService.Service
	personas persona.Store
	logger   *zap.Logger
}

// New creates a stream handler.
func New(ai Responder, chatSvc *chatService.Service, personas persona.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		ai:       ai,
		chatSvc:  chatSvc,
		personas: personas,
		logger:   logger.Named("stream"),
	}
}

// StreamResponse is the payload of every SSE event.
type StreamResponse struct {
	Event       string           `json:"event"`
	Content     string           `json:"content,omitempty"`
	SessionID   string           `json:"sessionId,omitempty"`
	MessageID   string           `json:"messageId,omitempty"`
	Persona     persona.RoleKey  `json:"persona,omitzero"`
	DisplayName string           `json:"displayName,omitempty"`
	VoiceID     string           `json:"voiceId,omitempty"`
	AllowTTS    *bool            `json:"allowTts,omitempty"`
	Outcome     findings.Outcome `json:"outcome,omitempty"`
	Finished    bool             `json:"finished,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// HandleStream serves GET /stream/{sessionID}?message=...
// Optional query params userPersonaKey, selectedPersonaAtSend and activePersona carry
// the client's persona hints.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	query := r.URL.Query()
	if query.Get("message") == "" {
		utils.RespondError(w, http.StatusBadRequest, "message query parameter is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx := r.Context()
	turn, err := h.chatSvc.SubmitUserText(ctx, sessionID, chatService.UserTurn{
		Content:               query.Get("message"),
		UserPersonaKey:        query.Get("userPersonaKey"),
		SelectedPersonaAtSend: query.Get("selectedPersonaAtSend"),
		ActivePersona:         query.Get("activePersona"),
	})
	switch {
	case errors.Is(err, chatService.ErrSessionNotFound):
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	case err != nil:
		h.logger.Error("submit failed", zap.String("session", sessionID), zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "failed to record message")
		return
	}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	if turn.Duplicate {
		h.send(w, flusher, StreamResponse{Event: "duplicate", SessionID: sessionID, MessageID: turn.Message.ID})
		h.send(w, flusher, StreamResponse{Event: "end", SessionID: sessionID, Finished: true})
		return
	}

	if err := h.respond(ctx, w, flusher, sessionID, turn); err != nil {
		h.logger.Warn("reply failed", zap.String("session", sessionID), zap.Error(err))
		if markErr := h.chatSvc.MarkFailed(context.WithoutCancel(ctx), sessionID, turn.Message.ID); markErr != nil {
			h.logger.Warn("mark failed", zap.String("session", sessionID), zap.Error(markErr))
		}
		h.send(w, flusher, StreamResponse{Event: "error", SessionID: sessionID, Error: "reply generation failed"})
		return
	}

	h.send(w, flusher, StreamResponse{Event: "end", SessionID: sessionID, Finished: true})
}

func (h *Handler) respond(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, sessionID string, turn chatService.TurnResult) error {
	snapshot, err := h.chatSvc.Snapshot(ctx, sessionID)
	if err != nil {
		return err
	}

	profile, ok := h.personas.Find(turn.Persona)
	if !ok {
		return errors.New("no profile for persona " + turn.Persona.String())
	}

	req := aiService.Request{
		Profile: profile,
		Case:    snapshot.Case,
		Stage:   snapshot.Stage,
		History: historyBefore(snapshot.Messages, turn.Message.ID),
		Query:   turn.Message.Content,
	}

	h.send(w, flusher, StreamResponse{
		Event:       "start",
		SessionID:   sessionID,
		Persona:     profile.Key,
		DisplayName: profile.DisplayName,
	})

	// Nurse replies in sensitive stages are held back until the guardrail has run.
	live := !(findings.IsSensitiveStage(snapshot.Stage) && profile.Key == persona.VeterinaryNurse)

	response, err := h.generate(ctx, w, flusher, sessionID, req, live)
	if err != nil {
		return err
	}

	reply, err := h.chatSvc.ApplyAssistantReply(ctx, sessionID, chatService.AssistantReply{
		Content:    response.Content,
		PersonaKey: profile.Key.String(),
	})
	if err != nil {
		return err
	}

	allowTTS := reply.AllowTTS
	h.send(w, flusher, StreamResponse{
		Event:       "message",
		SessionID:   sessionID,
		MessageID:   reply.Message.ID,
		Content:     reply.Message.Content,
		Persona:     reply.Persona,
		DisplayName: reply.Message.DisplayName,
		VoiceID:     reply.Message.VoiceID,
		AllowTTS:    &allowTTS,
		Outcome:     reply.Outcome,
	})

	h.logger.Info("completed response",
		zap.String("session", sessionID),
		zap.Stringer("persona", reply.Persona),
		zap.String("outcome", string(reply.Outcome)))
	return nil
}

func (h *Handler) generate(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, sessionID string, req aiService.Request, live bool) (*schema.Message, error) {
	if !h.ai.StreamingEnabled() {
		return h.ai.GenerateResponse(ctx, sessionID, req)
	}

	stream, err := h.ai.StreamResponse(ctx, req)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	chunks := make([]*schema.Message, 0, 8)
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return nil, recvErr
		}
		if chunk == nil {
			continue
		}

		chunks = append(chunks, chunk)
		if live && chunk.Content != "" {
			h.send(w, flusher, StreamResponse{
				Event:     "delta",
				SessionID: sessionID,
				Content:   chunk.Content,
			})
		}
	}

	return schema.ConcatMessages(chunks)
}

// historyBefore returns the transcript preceding the message being answered.
func historyBefore(messages []chat.Message, messageID string) []chat.Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].ID == messageID {
			return messages[:i]
		}
	}
	return messages
}

func (h *Handler) send(w http.ResponseWriter, flusher http.Flusher, response StreamResponse) {
	if err := utils.SendSSEEvent(w, flusher, response.Event, response); err != nil {
		h.logger.Debug("sse write failed", zap.Error(err))
	}
}
