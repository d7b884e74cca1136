package composer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/mnemo/internal/engine"
	"github.com/kalambet/mnemo/internal/summarize"
)

// Assembler threads the base prompt through every resource and asks the
// model for the final answer.
type Assembler struct {
	injector *Injector
	logger   *slog.Logger
}

// NewAssembler creates an Assembler using inj.
func NewAssembler(inj *Injector) *Assembler {
	return &Assembler{injector: inj, logger: slog.Default()}
}

// Assemble builds the final system prompt for question. Resources whose
// summarization fails are skipped; any other model error aborts assembly.
func (a *Assembler) Assemble(ctx context.Context, question string, res Resources) (string, error) {
	prompt := BasePrompt
	for _, r := range res.Ordered() {
		next, err := a.injector.Inject(ctx, prompt, r, question)
		if err != nil {
			if errors.Is(err, summarize.ErrGeneration) {
				a.logger.Warn("skipping resource after summarization failure", "resource", r.Name, "error", err)
				prompt = next
				continue
			}
			return "", fmt.Errorf("injecting %s: %w", r.Name, err)
		}
		prompt = next
	}
	return prompt, nil
}

// AssembleAndAnswer assembles the prompt and returns the model's answer to
// question. Model failures surface as errors; no partial answer is returned.
func (a *Assembler) AssembleAndAnswer(ctx context.Context, question string, res Resources) (string, error) {
	prompt, err := a.Assemble(ctx, question, res)
	if err != nil {
		return "", err
	}

	in := a.injector
	b := in.Budget(prompt, question)
	a.logger.Debug("generating final answer", "used", b.Used, "remaining", b.Remaining)

	answer, err := in.engine.Chat(ctx, in.cfg.Model, engine.Prompt(prompt, question))
	if err != nil {
		return "", fmt.Errorf("generating answer: %w", err)
	}
	return strings.TrimSpace(answer), nil
}
