// Package findings keeps the nurse and laboratory personas from volunteering
// examination results the student has not asked for.
package findings

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/vetosce/osce-tavern/backend/internal/analysis/routing"
	"github.com/vetosce/osce-tavern/backend/internal/model/chat"
	"github.com/vetosce/osce-tavern/backend/internal/model/persona"
	"github.com/vetosce/osce-tavern/backend/internal/model/scenario"
)

const (
	// DefaultDumpLengthThreshold separates short answers from candidate findings dumps.
	DefaultDumpLengthThreshold = 180
	// DefaultMinDumpPipes is the pipe count that marks a tabulated findings dump.
	DefaultMinDumpPipes = 2

	NotDocumentedReply = "I don't see that recorded; it may be pending or not yet run. I can request the test and you'll see results in the Lab stage."
	ClarifyingReply    = "I can provide specific physical findings if you request them. Which parameters would you like me to check?"
)

// Outcome describes what the transformer did to a reply.
type Outcome string

const (
	OutcomePassThrough   Outcome = "pass-through"
	OutcomeRequested     Outcome = "explicit-request"
	OutcomeNotDocumented Outcome = "not-documented-rewritten"
	OutcomeSuppressed    Outcome = "findings-dump-suppressed"
)

var (
	sensitiveStage  = regexp.MustCompile(`physical|laboratory|lab|treatment`)
	notDocumented   = regexp.MustCompile(`(?i)^not documented\.?$`)
	vitalVocabulary = regexp.MustCompile(`(?i)\b(?:temperature|heart rate|pulse|respiratory rate|blood pressure|vitals|respirations)\b`)
)

// Transformer post-processes assistant replies. The zero value uses the defaults.
type Transformer struct {
	DumpLengthThreshold int
	MinDumpPipes        int
}

// Result carries the possibly rewritten message and whether it may be spoken aloud.
type Result struct {
	Message  chat.Message
	AllowTTS bool
	Outcome  Outcome
	Keys     []Key
}

func (t Transformer) threshold() int {
	if t.DumpLengthThreshold <= 0 {
		return DefaultDumpLengthThreshold
	}
	return t.DumpLengthThreshold
}

func (t Transformer) minPipes() int {
	if t.MinDumpPipes <= 0 {
		return DefaultMinDumpPipes
	}
	return t.MinDumpPipes
}

// IsSensitiveStage reports whether withholding findings is meaningful at this stage.
func IsSensitiveStage(stage scenario.Stage) bool {
	return sensitiveStage.MatchString(strings.ToLower(stage.Title)) ||
		sensitiveStage.MatchString(strings.ToLower(stage.Role))
}

// IsNurseFlavored reports whether a reply comes from the nurse or lab side.
func IsNurseFlavored(msg chat.Message) bool {
	if !msg.Persona.IsZero() {
		return msg.Persona == persona.VeterinaryNurse
	}
	key, ok := routing.Classify(msg.DisplayName)
	return ok && key == persona.VeterinaryNurse
}

// IsNotDocumented matches terse "not documented" replies.
func IsNotDocumented(content string) bool {
	trimmed := strings.TrimSpace(content)
	if notDocumented.MatchString(trimmed) {
		return true
	}
	lowered := strings.TrimSuffix(strings.ToLower(trimmed), ".")
	return strings.HasSuffix(lowered, ": not documented")
}

// Transform applies the guardrail to one assistant message. Owner replies and
// non-sensitive stages always pass through with TTS allowed.
func (t Transformer) Transform(msg chat.Message, stage scenario.Stage, lastUserText string, prior []chat.Message) Result {
	pass := Result{Message: msg, AllowTTS: true, Outcome: OutcomePassThrough}

	if !IsSensitiveStage(stage) || !IsNurseFlavored(msg) {
		return pass
	}

	content := strings.TrimSpace(msg.Content)
	switch content {
	case ClarifyingReply:
		pass.AllowTTS = false
		pass.Outcome = OutcomeSuppressed
		return pass
	case NotDocumentedReply:
		return pass
	}

	if strings.TrimSpace(lastUserText) == "" {
		lastUserText = chat.LastUserText(prior)
	}
	if keys := ParseRequestedKeys(lastUserText); len(keys) > 0 {
		pass.Outcome = OutcomeRequested
		pass.Keys = keys
		return pass
	}

	if IsNotDocumented(content) {
		rewritten := msg
		rewritten.Content = NotDocumentedReply
		return Result{Message: rewritten, AllowTTS: true, Outcome: OutcomeNotDocumented}
	}

	if t.looksLikeDump(content) {
		rewritten := msg
		rewritten.Content = ClarifyingReply
		return Result{Message: rewritten, AllowTTS: false, Outcome: OutcomeSuppressed}
	}

	return pass
}

func (t Transformer) looksLikeDump(content string) bool {
	if strings.Count(content, "|") >= t.minPipes() {
		return true
	}
	if utf8.RuneCountInString(content) < t.threshold() {
		return false
	}
	return vitalVocabulary.MatchString(content)
}
