package gate

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"meshgate/internal/embedding"
	"meshgate/internal/logging"
)

// unitTolerance bounds how far a stored prototype may drift from unit length.
const unitTolerance = 1e-6

// Prototype is the mean direction of one category's prompt embeddings.
type Prototype struct {
	ID      int
	Prompts []string
	Vector  []float64
}

// Table holds one prototype per category, indexed by category id. It is
// immutable after construction and safe for concurrent reads.
type Table struct {
	prototypes []Prototype
	dim        int
}

// BuildTable encodes every category's prompts and pools them into unit-norm
// prototypes. Each prompt embedding is normalized before averaging and the
// mean is normalized again.
func BuildTable(ctx context.Context, enc embedding.Encoder, cats []Category) (*Table, error) {
	timer := logging.StartTimer(logging.CategoryGate, "BuildTable")
	defer timer.StopWithInfo()

	if len(cats) == 0 {
		return nil, fmt.Errorf("no categories to build prototypes from")
	}

	protos := make([]Prototype, len(cats))

	for i, cat := range cats {
		if cat.ID != i {
			return nil, fmt.Errorf("category %q has id %d at position %d", cat.Code, cat.ID, i)
		}
		if len(cat.Prompts) == 0 {
			return nil, fmt.Errorf("category %q has no prompts", cat.Code)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, cat := range cats {
		g.Go(func() error {
			vecs, err := enc.EncodeTexts(gctx, cat.Prompts)
			if err != nil {
				return fmt.Errorf("encode prompts for %q: %w", cat.Code, err)
			}
			if len(vecs) != len(cat.Prompts) {
				return fmt.Errorf("encode prompts for %q: got %d vectors for %d prompts", cat.Code, len(vecs), len(cat.Prompts))
			}
			v, err := meanDirection(vecs)
			if err != nil {
				return fmt.Errorf("pool prompts for %q: %w", cat.Code, err)
			}
			protos[i] = Prototype{
				ID:      cat.ID,
				Prompts: append([]string(nil), cat.Prompts...),
				Vector:  v,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	t, err := NewTable(protos)
	if err != nil {
		return nil, err
	}
	logging.Gate("Built %d category prototypes (dim=%d) with %s", t.Len(), t.Dim(), enc.Name())
	return t, nil
}

// NewTable validates precomputed prototypes: ids must be 0..N-1 in order,
// vectors unit length and of equal dimension.
func NewTable(protos []Prototype) (*Table, error) {
	if len(protos) == 0 {
		return nil, fmt.Errorf("empty prototype table")
	}
	dim := len(protos[0].Vector)
	if dim == 0 {
		return nil, fmt.Errorf("prototype 0 has an empty vector")
	}

	out := make([]Prototype, len(protos))
	for i, p := range protos {
		if p.ID != i {
			return nil, fmt.Errorf("prototype at position %d has id %d", i, p.ID)
		}
		if len(p.Vector) != dim {
			return nil, fmt.Errorf("prototype %d has dimension %d, want %d", i, len(p.Vector), dim)
		}
		if n := embedding.Norm(p.Vector); math.Abs(n-1) > unitTolerance {
			return nil, fmt.Errorf("prototype %d is not unit length (norm %.6f)", i, n)
		}
		out[i] = Prototype{
			ID:      p.ID,
			Prompts: append([]string(nil), p.Prompts...),
			Vector:  append([]float64(nil), p.Vector...),
		}
	}
	return &Table{prototypes: out, dim: dim}, nil
}

// Len is the number of categories.
func (t *Table) Len() int { return len(t.prototypes) }

// Dim is the embedding dimension.
func (t *Table) Dim() int { return t.dim }

// Vector returns a copy of the prototype vector for id.
func (t *Table) Vector(id int) []float64 {
	return append([]float64(nil), t.prototypes[id].Vector...)
}

// Logits returns scale * <v, prototype> for every category, in id order.
func (t *Table) Logits(v []float64, scale float64) ([]float64, error) {
	if len(v) != t.dim {
		return nil, fmt.Errorf("image embedding has dimension %d, prototypes have %d", len(v), t.dim)
	}
	out := make([]float64, len(t.prototypes))
	for i, p := range t.prototypes {
		d, err := embedding.Dot(v, p.Vector)
		if err != nil {
			return nil, err
		}
		out[i] = scale * d
	}
	return out, nil
}

func meanDirection(vecs [][]float32) ([]float64, error) {
	var sum []float64
	for i, raw := range vecs {
		u, err := embedding.Normalize(raw)
		if err != nil {
			return nil, fmt.Errorf("prompt %d: %w", i, err)
		}
		if sum == nil {
			sum = make([]float64, len(u))
		} else if len(u) != len(sum) {
			return nil, fmt.Errorf("prompt %d has dimension %d, want %d", i, len(u), len(sum))
		}
		for j, x := range u {
			sum[j] += x
		}
	}
	for j := range sum {
		sum[j] /= float64(len(vecs))
	}
	return embedding.NormalizeFloat64(sum)
}
