// Package analyzer holds the scoring side of a verdict: the classifier,
// the isotonic calibrator and the reputation prior.
package analyzer

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"phishguard/internal/features"
	"phishguard/internal/models"
)

// ErrInvalidModel means a model bundle cannot be used for inference
var ErrInvalidModel = errors.New("invalid model")

// DefaultClip bounds each standardized feature value
const DefaultClip = 4.0

// Classifier maps a feature vector to a raw phishing probability
type Classifier interface {
	Predict(x []float64) (float64, error)
	Version() string
}

// Bundle is the on-disk model description
type Bundle struct {
	Version     string            `yaml:"version"`
	Dimension   int               `yaml:"dimension"`
	Bias        float64           `yaml:"bias"`
	Clip        float64           `yaml:"clip"`
	Features    []FeatureWeight   `yaml:"features"`
	Calibration *CalibrationTable `yaml:"calibration,omitempty"`
}

// FeatureWeight standardizes one feature and weights it
type FeatureWeight struct {
	Name   string  `yaml:"name"`
	Mean   float64 `yaml:"mean"`
	Std    float64 `yaml:"std"`
	Weight float64 `yaml:"weight"`
}

// CalibrationTable is the serialized isotonic mapping
type CalibrationTable struct {
	X []float64 `yaml:"x"`
	Y []float64 `yaml:"y"`
}

type term struct {
	index  int
	name   string
	mean   float64
	std    float64
	weight float64
}

// LogisticModel is a standardized linear model with a logistic link.
// Features absent from the bundle carry zero weight.
type LogisticModel struct {
	version string
	dim     int
	bias    float64
	clip    float64
	terms   []term
}

// NewLogisticModel validates a bundle and resolves feature names. Every
// network-derived feature must be centred on its neutral value so that a
// neutral substitution contributes nothing to the score.
func NewLogisticModel(b Bundle) (*LogisticModel, error) {
	if b.Version == "" {
		return nil, fmt.Errorf("%w: missing version", ErrInvalidModel)
	}
	dim := b.Dimension
	if dim == 0 {
		dim = features.Count
	}
	if dim != features.Count {
		return nil, fmt.Errorf("%w: dimension %d, extractor produces %d", ErrInvalidModel, dim, features.Count)
	}
	if !finite(b.Bias) {
		return nil, fmt.Errorf("%w: bias is not finite", ErrInvalidModel)
	}
	clip := b.Clip
	if clip <= 0 {
		clip = DefaultClip
	}

	m := &LogisticModel{
		version: b.Version,
		dim:     dim,
		bias:    b.Bias,
		clip:    clip,
	}
	seen := make(map[int]bool)
	for _, fw := range b.Features {
		idx := features.Index(fw.Name)
		if idx < 0 {
			return nil, fmt.Errorf("%w: unknown feature %q", ErrInvalidModel, fw.Name)
		}
		if seen[idx] {
			return nil, fmt.Errorf("%w: feature %q listed twice", ErrInvalidModel, fw.Name)
		}
		seen[idx] = true
		if !(fw.Std > 0) || !finite(fw.Std) || !finite(fw.Mean) || !finite(fw.Weight) {
			return nil, fmt.Errorf("%w: feature %q has bad statistics", ErrInvalidModel, fw.Name)
		}
		if neutral, ok := features.Neutral(idx); ok && fw.Mean != neutral {
			return nil, fmt.Errorf("%w: feature %q must be centred on its neutral value %v, got %v",
				ErrInvalidModel, fw.Name, neutral, fw.Mean)
		}
		m.terms = append(m.terms, term{
			index:  idx,
			name:   fw.Name,
			mean:   fw.Mean,
			std:    fw.Std,
			weight: fw.Weight,
		})
	}
	return m, nil
}

// Version identifies the model in verdicts and fingerprints
func (m *LogisticModel) Version() string {
	return m.version
}

// Predict returns the raw phishing probability for x
func (m *LogisticModel) Predict(x []float64) (float64, error) {
	if len(x) != m.dim {
		return 0, fmt.Errorf("%w: got %d features, want %d", ErrInvalidModel, len(x), m.dim)
	}
	logit := m.bias
	for _, t := range m.terms {
		if !finite(x[t.index]) {
			return 0, fmt.Errorf("feature %s is not finite", t.name)
		}
		logit += t.weight * m.normalize(x[t.index], t)
	}
	return sigmoid(logit), nil
}

// Explain returns the n features that pushed the score up the most
func (m *LogisticModel) Explain(x []float64, n int) []models.FeatureContribution {
	if len(x) != m.dim {
		return nil
	}
	contributions := make([]models.FeatureContribution, 0, len(m.terms))
	for _, t := range m.terms {
		c := t.weight * m.normalize(x[t.index], t)
		if c > 0 {
			contributions = append(contributions, models.FeatureContribution{
				FeatureName:  t.name,
				Value:        x[t.index],
				Contribution: c,
			})
		}
	}
	sort.Slice(contributions, func(i, j int) bool {
		return contributions[i].Contribution > contributions[j].Contribution
	})
	if n > 0 && len(contributions) > n {
		return contributions[:n]
	}
	return contributions
}

// normalize applies a clipped z-score
func (m *LogisticModel) normalize(v float64, t term) float64 {
	z := (v - t.mean) / t.std
	return math.Max(-m.clip, math.Min(m.clip, z))
}

// LoadBundle reads a YAML bundle and returns its model and calibration.
// A bundle without a calibration section yields a nil (identity) table.
func LoadBundle(path string) (*LogisticModel, *Isotonic, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open model bundle: %w", err)
	}
	defer f.Close()

	var b Bundle
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&b); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidModel, err)
	}
	return FromBundle(b)
}

// FromBundle builds the model and calibration from a decoded bundle
func FromBundle(b Bundle) (*LogisticModel, *Isotonic, error) {
	m, err := NewLogisticModel(b)
	if err != nil {
		return nil, nil, err
	}
	var cal *Isotonic
	if b.Calibration != nil {
		cal, err = NewIsotonic(b.Calibration.X, b.Calibration.Y)
		if err != nil {
			return nil, nil, err
		}
	}
	return m, cal, nil
}

// DefaultBundle is the built-in model used when no bundle path is set
func DefaultBundle() Bundle {
	return Bundle{
		Version:   "phishguard-lr-builtin/1",
		Dimension: features.Count,
		Bias:      -2.0,
		Clip:      DefaultClip,
		Features: []FeatureWeight{
			{Name: "sensitive_word", Mean: 0, Std: 1, Weight: 1.6},
			{Name: "host_is_ip", Mean: 0, Std: 1, Weight: 2.0},
			{Name: "executable_ext", Mean: 0, Std: 1, Weight: 1.5},
			{Name: "domain_token_count", Mean: 2.5, Std: 1, Weight: 0.6},
			{Name: "url_len", Mean: 45, Std: 25, Weight: 0.5},
			{Name: "digit_count_host", Mean: 0.3, Std: 1.5, Weight: 0.4},
			{Name: "special_char_count", Mean: 2, Std: 3, Weight: 0.3},
			{Name: "entropy_host", Mean: 3.2, Std: 0.5, Weight: 0.3},
			{Name: "ct_flag", Mean: features.NeutralCTFlag, Std: 1, Weight: 0.7},
			{Name: "whois_age_days", Mean: features.NeutralWhoisAgeDays, Std: 365, Weight: -0.8},
			{Name: "dom_forms", Mean: 0, Std: 2, Weight: 0.2},
			{Name: "dom_has_password", Mean: 0, Std: 1, Weight: 0.9},
			{Name: "dom_ext_int_ratio", Mean: 0, Std: 2, Weight: 0.3},
			{Name: "dom_iframes", Mean: 0, Std: 2, Weight: 0.2},
		},
	}
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
