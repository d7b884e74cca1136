package tokens

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"github.com/kalambet/mnemo/internal/engine"
)

// Encoding is the BPE vocabulary used for exact counting.
const Encoding = "cl100k_base"

var loaderOnce sync.Once

// Tiktoken counts tokens with the cl100k_base BPE. The vocabulary is embedded
// in the binary so no network access is needed.
type Tiktoken struct {
	*budgeter
	enc *tiktoken.Tiktoken
}

// NewTiktoken loads the encoding and returns an exact estimator.
func NewTiktoken(windows *Registry) (*Tiktoken, error) {
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	enc, err := tiktoken.GetEncoding(Encoding)
	if err != nil {
		return nil, fmt.Errorf("loading %s encoding: %w", Encoding, err)
	}
	return &Tiktoken{budgeter: newBudgeter(windows), enc: enc}, nil
}

// Count returns the number of BPE tokens in text.
func (t *Tiktoken) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// Estimate implements Estimator.
func (t *Tiktoken) Estimate(model string, messages []engine.Message) Budget {
	return t.budget(model, t.Count(Render(messages)))
}
