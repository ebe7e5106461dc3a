// Package coalesce merges rapid-fire fragments a student sends to the same persona
// into one logical turn before it reaches the reply pipeline.
package coalesce

import (
	"regexp"
	"strings"
	"time"

	"github.com/vetosce/osce-tavern/backend/internal/model/chat"
	"github.com/vetosce/osce-tavern/backend/internal/model/persona"
)

// DefaultWindow bounds how far apart two fragments may arrive and still be merged.
const DefaultWindow = 2500 * time.Millisecond

var (
	punctuation = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)
	whitespace  = regexp.MustCompile(`\s+`)
)

// Coalescer holds the merge window and clock. The zero value uses DefaultWindow and time.Now.
type Coalescer struct {
	Window time.Duration
	Now    func() time.Time
}

// Result is the outcome of Coalesce. Merged is nil when the new text must become a
// new message; Messages is then the input slice unchanged.
type Result struct {
	Messages []chat.Message
	Merged   *chat.Message
}

// New returns a Coalescer with the given window; non-positive windows fall back to DefaultWindow.
func New(window time.Duration) Coalescer {
	if window <= 0 {
		window = DefaultWindow
	}
	return Coalescer{Window: window, Now: time.Now}
}

func (c Coalescer) window() time.Duration {
	if c.Window <= 0 {
		return DefaultWindow
	}
	return c.Window
}

func (c Coalescer) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

// Normalize lowercases, strips punctuation and collapses whitespace.
func Normalize(text string) string {
	lowered := strings.ToLower(text)
	stripped := punctuation.ReplaceAllString(lowered, "")
	return strings.TrimSpace(whitespace.ReplaceAllString(stripped, " "))
}

// ShouldCoalesce reports whether newText continues last rather than starting a new turn.
func (c Coalescer) ShouldCoalesce(last *chat.Message, current persona.RoleKey, newText string) bool {
	if last == nil || last.Role != chat.RoleUser {
		return false
	}
	if last.Persona != current {
		return false
	}
	if c.now().Sub(last.Timestamp) >= c.window() {
		return false
	}
	return Normalize(last.Content) != Normalize(newText)
}

// IsDuplicate reports an identical resubmission of the last user message inside the window.
func (c Coalescer) IsDuplicate(last *chat.Message, current persona.RoleKey, newText string) bool {
	if last == nil || last.Role != chat.RoleUser || last.Persona != current {
		return false
	}
	if c.now().Sub(last.Timestamp) >= c.window() {
		return false
	}
	normalized := Normalize(newText)
	return normalized != "" && Normalize(last.Content) == normalized
}

// Coalesce folds newText into the last message when ShouldCoalesce holds. The input
// slice is never modified.
func (c Coalescer) Coalesce(messages []chat.Message, newText string, current persona.RoleKey) Result {
	if len(messages) == 0 {
		return Result{Messages: messages}
	}

	last := messages[len(messages)-1]
	if !c.ShouldCoalesce(&last, current, newText) {
		return Result{Messages: messages}
	}

	merged := last
	merged.Content = MergeStringsNoDup(last.Content, newText)
	merged.Timestamp = c.now()
	merged.Status = chat.StatusPending
	if merged.Persona.IsZero() {
		merged.Persona = current
	}

	out := make([]chat.Message, len(messages))
	copy(out, messages)
	out[len(out)-1] = merged

	return Result{Messages: out, Merged: &out[len(out)-1]}
}

// MergeStringsNoDup joins base and addition, dropping the longest run of words that
// ends base and also starts addition.
func MergeStringsNoDup(base, addition string) string {
	baseTrimmed := strings.TrimSpace(base)
	addWords := strings.Fields(addition)
	if baseTrimmed == "" {
		return strings.Join(addWords, " ")
	}
	if len(addWords) == 0 {
		return baseTrimmed
	}

	baseWords := strings.Fields(baseTrimmed)
	maxOverlap := min(len(baseWords), len(addWords))

	overlap := 0
	for size := maxOverlap; size > 0; size-- {
		if wordsEqual(baseWords[len(baseWords)-size:], addWords[:size]) {
			overlap = size
			break
		}
	}

	rest := addWords[overlap:]
	if len(rest) == 0 {
		return baseTrimmed
	}
	return baseTrimmed + " " + strings.Join(rest, " ")
}

func wordsEqual(a, b []string) bool {
	for i := range a {
		if Normalize(a[i]) != Normalize(b[i]) {
			return false
		}
	}
	return true
}
