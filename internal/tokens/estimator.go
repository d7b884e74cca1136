// Package tokens estimates how much of a model's context window a prompt uses.
package tokens

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/kalambet/mnemo/internal/engine"
)

// Unknown is the Remaining value reported when the model's context window is
// not known. It is distinct from zero.
const Unknown = -1

// ErrBudgetUnknown is logged when a budget has to be resolved against the
// configured hard cap because the model's window is unknown.
var ErrBudgetUnknown = errors.New("context window unknown")

// Budget describes how much of a context window a message list consumes.
type Budget struct {
	Used      int
	Remaining int
	Window    int
}

// Known reports whether the window size was known when the budget was computed.
func (b Budget) Known() bool {
	return b.Remaining != Unknown
}

// WithCap resolves an unknown budget against a hard window cap. Known budgets
// are returned unchanged.
func (b Budget) WithCap(window int) Budget {
	if b.Known() {
		return b
	}
	return Budget{Used: b.Used, Remaining: max(window-b.Used, 0), Window: window}
}

// Estimator estimates token usage of a message list for a model.
// Implementations are deterministic and monotonic in text length.
type Estimator interface {
	Estimate(model string, messages []engine.Message) Budget
}

// New returns the estimator named by kind: "heuristic" or "tiktoken".
func New(kind string, windows *Registry) (Estimator, error) {
	switch strings.ToLower(kind) {
	case "", "heuristic":
		return NewHeuristic(windows), nil
	case "tiktoken":
		return NewTiktoken(windows)
	}
	return nil, fmt.Errorf("unknown token estimator %q (want heuristic or tiktoken)", kind)
}

// Render flattens messages the way they are counted: each message becomes
// "<|role|>\ncontent\n".
func Render(messages []engine.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString("<|")
		sb.WriteString(m.Role)
		sb.WriteString("|>\n")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

// budgeter turns a token count into a Budget using the window registry and
// warns once per model whose window is unknown.
type budgeter struct {
	windows *Registry
	warned  sync.Map
	logger  *slog.Logger
}

func newBudgeter(windows *Registry) *budgeter {
	if windows == nil {
		windows = NewRegistry(nil)
	}
	return &budgeter{windows: windows, logger: slog.Default()}
}

func (b *budgeter) budget(model string, used int) Budget {
	window, ok := b.windows.Window(model)
	if !ok {
		if _, seen := b.warned.LoadOrStore(model, struct{}{}); !seen {
			b.logger.Warn("context window not known for model", "model", model, "error", ErrBudgetUnknown)
		}
		return Budget{Used: used, Remaining: Unknown}
	}
	return Budget{Used: used, Remaining: max(window-used, 0), Window: window}
}
