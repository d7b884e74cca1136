// Package summarize condenses memory resources and conversations with the
// chat model.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kalambet/mnemo/internal/engine"
)

// CharsPerToken is the ratio used to turn a token budget into a character
// budget. It matches tokens.Approx.
const CharsPerToken = 4

// ErrGeneration is matched by every summarization failure.
var ErrGeneration = errors.New("summary generation failed")

var errNoBudget = errors.New("no token budget left")

// GenerationError reports a failed summarization. It matches ErrGeneration
// and the underlying cause via errors.Is.
type GenerationError struct {
	Op  string
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrGeneration, e.Err)
}

func (e *GenerationError) Unwrap() []error {
	return []error{ErrGeneration, e.Err}
}

// Audience selects who a rolling summary is written for.
type Audience string

const (
	// AudienceUser summaries keep personal details and stay in the owner's partition.
	AudienceUser Audience = "user"
	// AudienceGeneral summaries are PII-scrubbed and may be shared.
	AudienceGeneral Audience = "general"
)

// ParseAudience validates an audience name.
func ParseAudience(s string) (Audience, error) {
	switch Audience(s) {
	case AudienceUser, AudienceGeneral:
		return Audience(s), nil
	}
	return "", fmt.Errorf("unknown audience %q (want user or general)", s)
}

// Exchange is one completed question/answer pair plus the latest summary of
// the same audience, if any.
type Exchange struct {
	Owner    string
	Question string
	Answer   string
	Previous string
}

// Summarizer produces summaries with a chat model.
type Summarizer struct {
	engine engine.Engine
	model  string
	logger *slog.Logger
}

// New creates a Summarizer that calls model through e.
func New(e engine.Engine, model string) *Summarizer {
	return &Summarizer{engine: e, model: model, logger: slog.Default()}
}

// WithinBudget condenses items into text that fits in remaining tokens,
// keeping what is relevant to question. The result never exceeds
// remaining*CharsPerToken bytes. On failure the original items are never
// returned.
func (s *Summarizer) WithinBudget(ctx context.Context, items []string, remaining int, question string) (string, error) {
	if remaining <= 0 {
		return "", &GenerationError{Op: "summarize within budget", Err: errNoBudget}
	}

	prompt := budgetPrompt(strings.Join(items, "\n"), remaining, question)
	out, err := s.engine.Chat(ctx, s.model, engine.Prompt(prompt, question))
	if err != nil {
		return "", &GenerationError{Op: "summarize within budget", Err: err}
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", &GenerationError{Op: "summarize within budget", Err: errors.New("model returned an empty summary")}
	}

	limit := remaining * CharsPerToken
	if len(out) > limit {
		s.logger.Debug("summary exceeded budget, truncating", "chars", len(out), "limit", limit)
		out = Clamp(out, limit)
	}
	return out, nil
}

// Rolling writes the per-exchange summary for one audience. General summaries
// are built from a prompt that never contains the owner identifier or common
// PII patterns.
func (s *Summarizer) Rolling(ctx context.Context, ex Exchange, audience Audience) (string, error) {
	var prompt string
	switch audience {
	case AudienceUser:
		prompt = rollingPrompt(ex, userInstruction)
	case AudienceGeneral:
		prompt = rollingPrompt(scrubExchange(ex), generalInstruction)
	default:
		return "", fmt.Errorf("rolling summary: unknown audience %q", audience)
	}

	out, err := s.engine.Chat(ctx, s.model, engine.Prompt(prompt, ""))
	if err != nil {
		return "", &GenerationError{Op: "rolling " + string(audience) + " summary", Err: err}
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", &GenerationError{Op: "rolling " + string(audience) + " summary", Err: errors.New("model returned an empty summary")}
	}
	return out, nil
}

// Clamp cuts text to at most limit bytes, preferring the last word boundary
// and never splitting a UTF-8 sequence.
func Clamp(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	head := text[:cut]
	if i := strings.LastIndexFunc(head, unicode.IsSpace); i > 0 {
		head = head[:i]
	}
	return strings.TrimRightFunc(head, unicode.IsSpace)
}
