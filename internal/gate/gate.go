// Package gate decides whether an image is worth reconstructing. An image is
// embedded once, compared against a fixed table of category prototypes, and
// mapped to an accept/reject verdict with user-facing guidance.
package gate

import (
	"context"
	"fmt"
	"time"

	"meshgate/internal/embedding"
	"meshgate/internal/logging"
)

// GateVerdict is the outcome of one classification. CategoryID is -1 when
// Status is StatusError.
type GateVerdict struct {
	CategoryID int       `json:"-"`
	Code       string    `json:"code,omitempty"`
	Status     Status    `json:"status"`
	Reason     string    `json:"reason"`
	Guidance   string    `json:"guide,omitempty"`
	Scores     []float64 `json:"-"`
}

// Accepted reports whether the image may proceed to reconstruction.
func (v GateVerdict) Accepted() bool { return v.Status == StatusAccept }

// VerdictObserver is notified after every classification.
type VerdictObserver interface {
	ObserveVerdict(v GateVerdict, elapsed time.Duration)
}

// Gate classifies images against a prototype table.
type Gate struct {
	enc        embedding.Encoder
	table      *Table
	categories []Category
	policy     Policy
	observer   VerdictObserver
}

// Option configures a Gate.
type Option func(*Gate)

// WithPolicy overrides DefaultPolicy.
func WithPolicy(p Policy) Option {
	return func(g *Gate) { g.policy = p }
}

// WithCategories overrides DefaultCategories. They must match the table.
func WithCategories(cats []Category) Option {
	return func(g *Gate) { g.categories = cats }
}

// WithObserver registers a verdict observer.
func WithObserver(o VerdictObserver) Option {
	return func(g *Gate) { g.observer = o }
}

// New creates a gate over an already built table.
func New(enc embedding.Encoder, table *Table, opts ...Option) (*Gate, error) {
	if enc == nil {
		return nil, fmt.Errorf("gate needs an encoder")
	}
	if table == nil {
		return nil, fmt.Errorf("gate needs a prototype table")
	}

	g := &Gate{
		enc:        enc,
		table:      table,
		categories: DefaultCategories(),
		policy:     DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(g)
	}

	if len(g.categories) != table.Len() {
		return nil, fmt.Errorf("%d categories but %d prototypes", len(g.categories), table.Len())
	}
	for i, c := range g.categories {
		if c.ID != i {
			return nil, fmt.Errorf("category %q has id %d at position %d", c.Code, c.ID, i)
		}
	}
	if err := g.policy.Validate(table.Len()); err != nil {
		return nil, fmt.Errorf("invalid gate policy: %w", err)
	}
	return g, nil
}

// Classify embeds the image at path and returns its verdict. Failures are
// reported as StatusError verdicts; the gate never retries.
func (g *Gate) Classify(ctx context.Context, path string) GateVerdict {
	start := time.Now()
	v := g.classify(ctx, path)
	elapsed := time.Since(start)

	if v.Status == StatusError {
		logging.GateWarn("classify %s: %s", path, v.Reason)
	} else {
		logging.Gate("classify %s: %s (%s) in %s", path, v.Status, v.Code, elapsed)
	}
	if g.observer != nil {
		g.observer.ObserveVerdict(v, elapsed)
	}
	return v
}

func (g *Gate) classify(ctx context.Context, path string) GateVerdict {
	img, err := LoadImage(path)
	if err != nil {
		return errorVerdict(err)
	}

	raw, err := g.enc.EncodeImage(ctx, img)
	if err != nil {
		return errorVerdict(fmt.Errorf("embedding backend: %w", err))
	}
	vec, err := embedding.Normalize(raw)
	if err != nil {
		return errorVerdict(fmt.Errorf("embedding backend: %w", err))
	}

	logits, err := g.table.Logits(vec, g.policy.Scale)
	if err != nil {
		return errorVerdict(err)
	}
	probs := Softmax(logits)
	id := g.policy.Decide(probs)

	logging.GateDebug("scores for %s: %v -> %d", path, probs, id)
	return g.verdictFor(id, probs)
}

// Verdict maps a probability vector to its verdict without touching the
// encoder.
func (g *Gate) Verdict(probs []float64) GateVerdict {
	if len(probs) != len(g.categories) {
		return errorVerdict(fmt.Errorf("got %d scores for %d categories", len(probs), len(g.categories)))
	}
	return g.verdictFor(g.policy.Decide(probs), probs)
}

func (g *Gate) verdictFor(id int, probs []float64) GateVerdict {
	c := g.categories[id]
	return GateVerdict{
		CategoryID: id,
		Code:       c.Code,
		Status:     c.Status,
		Reason:     c.Reason,
		Guidance:   c.Guidance,
		Scores:     probs,
	}
}

func errorVerdict(err error) GateVerdict {
	return GateVerdict{
		CategoryID: -1,
		Status:     StatusError,
		Reason:     err.Error(),
	}
}
