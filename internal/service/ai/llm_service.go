package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/vetosce/osce-tavern/backend/internal/config"
	"github.com/vetosce/osce-tavern/backend/internal/model/chat"
	"github.com/vetosce/osce-tavern/backend/internal/model/persona"
	"github.com/vetosce/osce-tavern/backend/internal/model/scenario"
)

// ErrStreamingDisabled is returned by StreamResponse when ARK_STREAM is off.
var ErrStreamingDisabled = errors.New("streaming disabled in configuration")

const defaultHistoryLimit = 10

// Request is everything needed to voice one persona reply.
type Request struct {
	Profile persona.Profile
	Case    scenario.Case
	Stage   scenario.Stage
	History []chat.Message
	Query   string
}

// Service generates persona replies through an eino chain.
type Service struct {
	chain        compose.Runnable[map[string]any, *schema.Message]
	prompts      *PromptBuilder
	historyLimit int
	stream       bool
	logger       *zap.Logger
}

// NewService builds the Ark chat model from cfg and compiles the chain.
func NewService(ctx context.Context, cfg config.AIConfig, logger *zap.Logger) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewServiceWithModel(ctx, chatModel, cfg.HistoryLimit, cfg.StreamResponse, logger)
}

// NewServiceWithModel compiles the chain around an existing chat model.
func NewServiceWithModel(ctx context.Context, chatModel model.ChatModel, historyLimit int, stream bool, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		chain:        runnable,
		prompts:      NewPromptBuilder(),
		historyLimit: historyLimit,
		stream:       stream,
		logger:       logger.Named("ai"),
	}, nil
}

// StreamingEnabled reports whether replies should be streamed over SSE.
func (s *Service) StreamingEnabled() bool {
	return s.stream
}

// GenerateResponse produces one complete reply.
func (s *Service) GenerateResponse(ctx context.Context, sessionID string, req Request) (*schema.Message, error) {
	response, err := s.chain.Invoke(ctx, s.buildChainInput(req))
	if err != nil {
		return nil, fmt.Errorf("failed to run AI chain: %w", err)
	}

	s.logger.Info("generated response",
		zap.String("session", sessionID),
		zap.Stringer("persona", req.Profile.Key),
		zap.Int("length", len(response.Content)))
	return response, nil
}

// StreamResponse streams reply chunks. The caller must close the reader.
func (s *Service) StreamResponse(ctx context.Context, req Request) (*schema.StreamReader[*schema.Message], error) {
	if !s.StreamingEnabled() {
		return nil, ErrStreamingDisabled
	}

	stream, err := s.chain.Stream(ctx, s.buildChainInput(req))
	if err != nil {
		return nil, fmt.Errorf("failed to stream AI chain output: %w", err)
	}
	return stream, nil
}

func (s *Service) buildChainInput(req Request) map[string]any {
	return map[string]any{
		"system":  s.prompts.BuildSystemPrompt(req.Profile, req.Case, req.Stage),
		"history": s.buildHistoryMessages(req.History),
		"query":   req.Query,
	}
}

func (s *Service) buildHistoryMessages(messages []chat.Message) []*schema.Message {
	if len(messages) == 0 {
		return nil
	}

	startIdx := max(len(messages)-s.historyLimit, 0)
	history := make([]*schema.Message, 0, len(messages)-startIdx)
	for _, msg := range messages[startIdx:] {
		switch msg.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(msg.Content))
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return history
}
