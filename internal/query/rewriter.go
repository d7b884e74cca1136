// Package query rewrites questions into retrieval queries.
package query

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/mnemo/internal/engine"
)

// DefaultTimeout bounds a rewrite. Retrieval must not wait on a slow model.
const DefaultTimeout = 3 * time.Second

// maxGrowth caps how much longer than the question a rewrite may be before it
// is treated as a rambling answer and discarded.
const maxGrowth = 4

// Chatter is the part of engine.Engine the Rewriter needs.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message) (string, error)
}

// Rewriter turns a question into a retrieval query using a fast local model.
type Rewriter struct {
	client  Chatter
	model   string
	timeout time.Duration
}

// NewRewriter creates a Rewriter. A zero timeout uses DefaultTimeout.
func NewRewriter(client Chatter, model string, timeout time.Duration) *Rewriter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Rewriter{client: client, model: model, timeout: timeout}
}

// Rewrite returns the retrieval query for question. On any failure (timeout,
// model error, empty or runaway output) it returns the question unchanged;
// search must not block on the rewrite.
func (r *Rewriter) Rewrite(ctx context.Context, question string) string {
	if strings.TrimSpace(question) == "" {
		return question
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	raw, err := r.client.Chat(ctx, r.model, BuildPrompt(question))
	if err != nil {
		slog.Warn("query rewrite failed", "error", err)
		return question
	}

	out := strings.TrimSpace(raw)
	out = strings.Trim(out, "\"'`")
	if out == "" || len(out) > maxGrowth*len(question)+64 {
		slog.Debug("query rewrite discarded", "response", raw)
		return question
	}
	return out
}
