// Package enginetest provides a scriptable engine.Engine for tests.
package enginetest

import (
	"context"
	"errors"
	"sync"

	"github.com/kalambet/mnemo/internal/engine"
)

// Call records one Chat invocation.
type Call struct {
	Model    string
	Messages []engine.Message
}

// Fake is an in-memory engine.Engine. ChatFunc and EmbedFunc default to
// echoing the last message and a fixed vector. It is safe for concurrent use.
type Fake struct {
	ChatFunc  func(ctx context.Context, model string, messages []engine.Message) (string, error)
	EmbedFunc func(ctx context.Context, model, text string) ([]float32, error)
	Running   bool
	Models    []string

	mu     sync.Mutex
	calls  []Call
	embeds []string
}

// Echo returns the content of the first message, so prompt contents can be
// inspected through the model's output.
func Echo(_ context.Context, _ string, messages []engine.Message) (string, error) {
	if len(messages) == 0 {
		return "", errors.New("no messages")
	}
	return messages[0].Content, nil
}

// Chat implements engine.Engine.
func (f *Fake) Chat(ctx context.Context, model string, messages []engine.Message) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Model: model, Messages: append([]engine.Message(nil), messages...)})
	fn := f.ChatFunc
	f.mu.Unlock()

	if fn == nil {
		return messages[len(messages)-1].Content, nil
	}
	return fn(ctx, model, messages)
}

// Embed implements engine.Engine.
func (f *Fake) Embed(ctx context.Context, model, text string) ([]float32, error) {
	f.mu.Lock()
	f.embeds = append(f.embeds, text)
	fn := f.EmbedFunc
	f.mu.Unlock()

	if fn == nil {
		return []float32{1, 0, 0}, nil
	}
	return fn(ctx, model, text)
}

// IsRunning implements engine.Engine.
func (f *Fake) IsRunning(context.Context) bool { return f.Running }

// ListModels implements engine.Engine.
func (f *Fake) ListModels(context.Context) ([]string, error) { return f.Models, nil }

// HasModel implements engine.Engine.
func (f *Fake) HasModel(_ context.Context, name string) bool {
	for _, m := range f.Models {
		if m == name {
			return true
		}
	}
	return false
}

// PullModel implements engine.Engine.
func (f *Fake) PullModel(_ context.Context, name string, _ func(engine.PullProgress)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Models = append(f.Models, name)
	return nil
}

// Calls returns a copy of the recorded Chat calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Embedded returns the texts passed to Embed.
func (f *Fake) Embedded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.embeds...)
}
