package tokens

import "github.com/kalambet/mnemo/internal/engine"

// Approx is the four-characters-per-token heuristic, rounded up.
func Approx(text string) int {
	return (len(text) + 3) / 4
}

// Heuristic estimates tokens as rendered characters divided by four.
type Heuristic struct {
	*budgeter
}

// NewHeuristic creates a Heuristic estimator using the given window registry.
func NewHeuristic(windows *Registry) *Heuristic {
	return &Heuristic{budgeter: newBudgeter(windows)}
}

// Estimate implements Estimator.
func (h *Heuristic) Estimate(model string, messages []engine.Message) Budget {
	return h.budget(model, Approx(Render(messages)))
}
