// Package scoring maps feature vectors to IUU probabilities.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/okian/iuuwatch/internal/domain/features"
	"github.com/okian/iuuwatch/internal/domain/model"
)

var (
	ErrLoadArtifact    = errors.New("load classifier artifact")
	ErrInvalidArtifact = errors.New("invalid classifier artifact")
	ErrInvalidScore    = errors.New("classifier produced an invalid score")
)

// Scorer computes a probability in [0,1] from a feature vector.
type Scorer interface {
	Score(ctx context.Context, v features.Vector) (float64, error)
}

// Option configures model binding.
type Option func(*Model)

// WithSchema binds the model to a schema other than v1.
func WithSchema(s features.Schema) Option {
	return func(m *Model) {
		if s.Version != "" {
			m.schema = s
		}
	}
}

// Model is a loaded logistic regression. It is immutable after New and safe
// for concurrent use.
type Model struct {
	schema      features.Schema
	intercept   float64
	weights     []float64
	means       []float64
	scales      []float64
	categorical []map[string]float64
}

// SchemaVersion returns the version the model is bound to.
func (m *Model) SchemaVersion() string { return m.schema.Version }

// Score returns the probability for v.
func (m *Model) Score(ctx context.Context, v features.Vector) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("score: %w", err)
	}
	if v.Schema != m.schema.Version {
		return 0, &model.SchemaMismatchError{Expected: m.schema.Version, Got: v.Schema}
	}
	if len(v.Values) != len(m.weights) {
		return 0, &model.SchemaMismatchError{
			Expected: m.schema.Version, Got: v.Schema,
			Detail: fmt.Sprintf("vector length %d, want %d", len(v.Values), len(m.weights)),
		}
	}

	z := m.intercept
	for i, x := range v.Values {
		if m.categorical[i] != nil {
			z += m.categorical[i][features.GearType(x).String()]
			continue
		}
		z += m.weights[i] * (x - m.means[i]) / m.scales[i]
	}

	p := sigmoid(z)
	if math.IsNaN(p) {
		return 0, ErrInvalidScore
	}
	return p, nil
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}
