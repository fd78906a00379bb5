package generate

import (
	"errors"
	"math"

	"github.com/hansbala/how/engine"
)

// Sampler selects the next token from a logits vector.
type Sampler interface {
	Sample(logits []float32) (engine.Token, error)
}

// Greedy picks the highest logit. Ties resolve to the lowest token id.
type Greedy struct{}

// Sample returns the argmax of logits, skipping NaN entries.
func (Greedy) Sample(logits []float32) (engine.Token, error) {
	if len(logits) == 0 {
		return 0, errors.New("empty logits")
	}
	best := -1
	var bestVal float32
	for i, v := range logits {
		if math.IsNaN(float64(v)) {
			continue
		}
		if best < 0 || v > bestVal {
			best, bestVal = i, v
		}
	}
	if best < 0 {
		return 0, errors.New("all logits are NaN")
	}
	return engine.Token(best), nil
}
