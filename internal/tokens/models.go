package tokens

import "strings"

// defaultWindows lists the context sizes the local models are served with.
var defaultWindows = map[string]int{
	"gemma3:1b":   4096,
	"gemma3:4b":   8192,
	"llama3.2:1b": 4096,
	"llama3.2:3b": 8192,
	"llama3.1:8b": 8192,
	"mistral:7b":  8192,
	"qwen2.5:7b":  8192,
	"phi3.5":      4096,
}

// Registry maps model names to context window sizes.
type Registry struct {
	windows map[string]int
}

// NewRegistry returns the default registry with overrides applied on top.
func NewRegistry(overrides map[string]int) *Registry {
	r := &Registry{windows: make(map[string]int, len(defaultWindows)+len(overrides))}
	for k, v := range defaultWindows {
		r.windows[k] = v
	}
	for k, v := range overrides {
		if v > 0 {
			r.windows[k] = v
		}
	}
	return r
}

// Window returns the context size for model. A bare name also matches its
// ":latest" tag and vice versa.
func (r *Registry) Window(model string) (int, bool) {
	if w, ok := r.windows[model]; ok {
		return w, true
	}
	if base, ok := strings.CutSuffix(model, ":latest"); ok {
		w, found := r.windows[base]
		return w, found
	}
	if !strings.Contains(model, ":") {
		w, found := r.windows[model+":latest"]
		return w, found
	}
	return 0, false
}
