package gate

import (
	"fmt"
	"math"
)

// Policy turns prototype similarities into a single category.
type Policy struct {
	// Scale multiplies dot products before the softmax.
	Scale float64 `yaml:"scale" json:"scale"`

	// OverrideCategory wins whenever its probability exceeds
	// OverrideThreshold, even if another category scores higher.
	OverrideCategory  int     `yaml:"override_category" json:"override_category"`
	OverrideThreshold float64 `yaml:"override_threshold" json:"override_threshold"`
}

// DefaultPolicy is the empirically tuned policy: scale 100, and
// person/landscape selected above 20%.
func DefaultPolicy() Policy {
	return Policy{
		Scale:             100,
		OverrideCategory:  CategoryPersonOrLandscape,
		OverrideThreshold: 0.20,
	}
}

// Validate checks the policy against a table of n categories.
func (p Policy) Validate(n int) error {
	if p.Scale <= 0 || math.IsNaN(p.Scale) || math.IsInf(p.Scale, 0) {
		return fmt.Errorf("scale must be a positive finite number, got %v", p.Scale)
	}
	if p.OverrideCategory < -1 || p.OverrideCategory >= n {
		return fmt.Errorf("override category %d out of range [0,%d) (-1 disables)", p.OverrideCategory, n)
	}
	if p.OverrideThreshold < 0 || p.OverrideThreshold > 1 {
		return fmt.Errorf("override threshold must be in [0,1], got %v", p.OverrideThreshold)
	}
	return nil
}

// Decide picks a category from a probability vector. The override category
// is checked first; otherwise the argmax wins and ties go to the lowest id.
func (p Policy) Decide(probs []float64) int {
	if p.OverrideCategory >= 0 && p.OverrideCategory < len(probs) &&
		probs[p.OverrideCategory] > p.OverrideThreshold {
		return p.OverrideCategory
	}
	return Argmax(probs)
}

// Argmax returns the index of the first maximum, or -1 for an empty slice.
func Argmax(xs []float64) int {
	best := -1
	for i, x := range xs {
		if best < 0 || x > xs[best] {
			best = i
		}
	}
	return best
}

// Softmax maps logits to probabilities. The maximum is subtracted first so
// large scaled similarities do not overflow.
func Softmax(logits []float64) []float64 {
	if len(logits) == 0 {
		return nil
	}
	maxLogit := math.Inf(-1)
	for _, x := range logits {
		if x > maxLogit {
			maxLogit = x
		}
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, x := range logits {
		out[i] = math.Exp(x - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
