// Package telemetry fans pipeline decisions out to per-session subscribers.
// Publishing never blocks and never fails the caller: slow subscribers lose events.
package telemetry

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind names a pipeline decision.
type Kind string

const (
	KindPersonaSwitch     Kind = "persona-switch"
	KindLabRequest        Kind = "lab-request"
	KindCoalesced         Kind = "message-coalesced"
	KindDuplicate         Kind = "duplicate-submission"
	KindPersonaResolved   Kind = "persona-resolved"
	KindStageChanged      Kind = "stage-changed"
	KindFindingsFiltered  Kind = "findings-filtered"
	KindTTSAllowed        Kind = "tts-allowed"
	KindTTSSuppressed     Kind = "tts-suppressed"
	KindTranscriptCleared Kind = "transcript-cleared"
)

const defaultBuffer = 32

// Event is a best-effort notification about one decision in a session.
type Event struct {
	SessionID string         `json:"sessionId"`
	Kind      Kind           `json:"kind"`
	At        time.Time      `json:"at"`
	Data      map[string]any `json:"data,omitempty"`
}

// Emitter is what the chat pipeline depends on.
type Emitter interface {
	Emit(Event)
}

// Hub delivers events to subscribers of the event's session.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	logger *zap.Logger
	buffer int
}

type subscriber struct {
	ch chan Event
}

// NewHub creates a hub. A nil logger disables event logging.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subs:   make(map[string]map[*subscriber]struct{}),
		logger: logger.Named("telemetry"),
		buffer: defaultBuffer,
	}
}

// Emit publishes an event. It recovers from any panic so telemetry cannot break a turn.
func (h *Hub) Emit(event Event) {
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			h.logger.Warn("telemetry emit recovered", zap.Any("panic", r))
		}
	}()

	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	h.logger.Debug("event",
		zap.String("session", event.SessionID),
		zap.String("kind", string(event.Kind)),
		zap.Any("data", event.Data))

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[event.SessionID] {
		select {
		case sub.ch <- event:
		default:
			h.logger.Debug("dropping event for slow subscriber",
				zap.String("session", event.SessionID),
				zap.String("kind", string(event.Kind)))
		}
	}
}

// Subscribe returns a channel of events for one session and a cancel func that
// unregisters and closes it. Cancel is safe to call more than once.
func (h *Hub) Subscribe(sessionID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, h.buffer)}

	h.mu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[*subscriber]struct{})
	}
	h.subs[sessionID][sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[sessionID], sub)
			if len(h.subs[sessionID]) == 0 {
				delete(h.subs, sessionID)
			}
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Subscribers reports how many listeners a session has.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

// Nop discards events.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}

var (
	_ Emitter = (*Hub)(nil)
	_ Emitter = Nop{}
)
