package composer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/mnemo/internal/engine"
	"github.com/kalambet/mnemo/internal/summarize"
	"github.com/kalambet/mnemo/internal/tokens"
)

// Summarizer condenses items to fit a token budget.
type Summarizer interface {
	WithinBudget(ctx context.Context, items []string, remaining int, question string) (string, error)
}

// Observer is notified of injector decisions. Implementations must be safe
// for concurrent use.
type Observer interface {
	ObserveSummarization(resource string, err error)
	ObserveFlush(resource string)
}

// Config holds the injector settings.
type Config struct {
	// Model is the chat model prompts are budgeted for and answered by.
	Model string

	// MaxIterations bounds overflow-recovery cycles per resource.
	MaxIterations int

	// UnknownWindow is the hard cap applied when the model's window is unknown.
	UnknownWindow int

	Observer Observer
}

// Injector adds one memory resource at a time to a growing system prompt,
// summarizing or flushing when the context window would overflow.
type Injector struct {
	engine     engine.Engine
	estimator  tokens.Estimator
	summarizer Summarizer
	cfg        Config
	logger     *slog.Logger
}

// NewInjector creates an Injector.
func NewInjector(e engine.Engine, est tokens.Estimator, s Summarizer, cfg Config) *Injector {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.UnknownWindow <= 0 {
		cfg.UnknownWindow = 4096
	}
	return &Injector{
		engine:     e,
		estimator:  est,
		summarizer: s,
		cfg:        cfg,
		logger:     slog.Default(),
	}
}

// Budget estimates the window usage of prompt sent with question. Unknown
// windows are resolved against the configured hard cap.
func (in *Injector) Budget(prompt, question string) tokens.Budget {
	b := in.estimator.Estimate(in.cfg.Model, engine.Prompt(prompt, question))
	if !b.Known() {
		b = b.WithCap(in.cfg.UnknownWindow)
	}
	return b
}

// Inject returns prompt extended with r. When the raw items do not fit they
// are summarized once per attempt into the room left after the intro label,
// and the summary is trimmed until the combination fits; when even the combination overflows, an
// intermediate answer is generated from the prompt so far and accumulation
// restarts from the base prompt. After MaxIterations such cycles the best
// prompt built so far is returned.
//
// A summarization failure aborts this resource: the prompt as it stood is
// returned together with an error matching summarize.ErrGeneration.
func (in *Injector) Inject(ctx context.Context, prompt string, r Resource, question string) (string, error) {
	items := usable(r.Items)
	if len(items) == 0 {
		in.logger.Debug("no data for resource, skipping", "resource", r.Name)
		return prompt, nil
	}

	needed := 0
	for _, it := range items {
		needed += tokens.Approx(it)
	}

	current := prompt
	for iter := 0; iter < in.cfg.MaxIterations; iter++ {
		b := in.Budget(current, question)
		in.logger.Debug("injecting resource", "resource", r.Name, "used", b.Used, "remaining", b.Remaining, "needed", needed)

		if b.Remaining > 0 {
			text := strings.Join(items, "\n")
			if b.Remaining < needed {
				text = ""
				// The intro label is charged before the summary gets its share.
				room := in.Budget(combine(current, r.Intro, ""), question).Remaining
				if room > 0 {
					summary, err := in.summarizer.WithinBudget(ctx, items, room, question)
					in.observeSummarization(r.Name, err)
					if err != nil {
						return current, fmt.Errorf("summarizing %s: %w", r.Name, err)
					}
					text = in.fit(current, r.Intro, summary, question)
				}
			}

			if text != "" {
				candidate := combine(current, r.Intro, text)
				after := in.Budget(candidate, question)
				if after.Remaining > 0 {
					in.logger.Debug("resource injected", "resource", r.Name, "used", after.Used, "remaining", after.Remaining)
					return candidate, nil
				}
			}
		}

		in.logger.Debug("context window exceeded, generating intermediate response", "resource", r.Name, "iteration", iter+1)
		interim, err := in.engine.Chat(ctx, in.cfg.Model, engine.Prompt(current, question))
		if err != nil {
			return current, fmt.Errorf("intermediate response for %s: %w", r.Name, err)
		}
		if in.cfg.Observer != nil {
			in.cfg.Observer.ObserveFlush(r.Name)
		}
		current = restart(strings.TrimSpace(interim))
	}

	in.logger.Warn("overflow recovery exhausted, continuing with current prompt",
		"resource", r.Name, "iterations", in.cfg.MaxIterations)
	return current, nil
}

// fit returns the longest word-boundary prefix of text that still leaves room
// in the window once appended to prompt under intro. Counting uses the
// configured estimator.
func (in *Injector) fit(prompt, intro, text, question string) string {
	if in.Budget(combine(prompt, intro, text), question).Remaining > 0 {
		return text
	}
	lo, hi := 0, len(text)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if in.Budget(combine(prompt, intro, summarize.Clamp(text, mid)), question).Remaining > 0 {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	out := summarize.Clamp(text, lo)
	in.logger.Debug("summary exceeded window, trimming", "chars", len(text), "kept", len(out))
	return out
}

func (in *Injector) observeSummarization(resource string, err error) {
	if in.cfg.Observer != nil {
		in.cfg.Observer.ObserveSummarization(resource, err)
	}
}
