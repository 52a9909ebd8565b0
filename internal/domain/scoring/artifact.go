package scoring

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/okian/iuuwatch/internal/domain/features"
	"github.com/okian/iuuwatch/internal/domain/model"
)

// Artifact is the on-disk classifier: a logistic regression over a named
// feature schema. Means and Scales are optional standardisation terms.
type Artifact struct {
	SchemaVersion string                        `json:"schema_version"`
	Features      []string                      `json:"features"`
	Intercept     float64                       `json:"intercept"`
	Weights       map[string]float64            `json:"weights"`
	Means         map[string]float64            `json:"means,omitempty"`
	Scales        map[string]float64            `json:"scales,omitempty"`
	Categorical   map[string]map[string]float64 `json:"categorical,omitempty"`
}

// Load reads and validates a classifier artifact.
func Load(path string, opts ...Option) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadArtifact, err)
	}
	return Parse(data, opts...)
}

// Parse decodes an artifact and binds it to the configured schema.
func Parse(data []byte, opts ...Option) (*Model, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadArtifact, err)
	}
	return New(a, opts...)
}

// New binds an artifact to the configured schema. Any disagreement on
// version, names or order is a *model.SchemaMismatchError.
func New(a Artifact, opts ...Option) (*Model, error) {
	m := &Model{schema: features.V1()}
	for _, opt := range opts {
		opt(m)
	}

	if a.SchemaVersion != m.schema.Version {
		return nil, &model.SchemaMismatchError{Expected: m.schema.Version, Got: a.SchemaVersion}
	}
	if !m.schema.Equal(features.Schema{Version: a.SchemaVersion, Names: a.Features}) {
		return nil, &model.SchemaMismatchError{
			Expected: m.schema.Version,
			Got:      a.SchemaVersion,
			Detail:   fmt.Sprintf("feature order %v, want %v", a.Features, m.schema.Names),
		}
	}

	n := m.schema.Len()
	m.intercept = a.Intercept
	m.weights = make([]float64, n)
	m.means = make([]float64, n)
	m.scales = make([]float64, n)
	m.categorical = make([]map[string]float64, n)

	for i, name := range m.schema.Names {
		m.scales[i] = 1
		if m.schema.IsCategorical(name) {
			m.categorical[i] = a.Categorical[name]
			continue
		}
		w, ok := a.Weights[name]
		if !ok {
			return nil, &model.SchemaMismatchError{
				Expected: m.schema.Version, Got: a.SchemaVersion,
				Detail: "no weight for " + name,
			}
		}
		m.weights[i] = w
		m.means[i] = a.Means[name]
		if s, ok := a.Scales[name]; ok {
			if s == 0 {
				return nil, fmt.Errorf("%w: zero scale for %s", ErrInvalidArtifact, name)
			}
			m.scales[i] = s
		}
	}
	return m, nil
}
