// Package core assembles signed phishing verdicts
package core

import (
	"context"
	"errors"
	"time"

	"phishguard/internal/models"
)

var (
	// ErrInvalidInput means the URL could not be parsed. No payload, cache
	// entry or signature is produced for it.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInference means the classifier produced no usable probability
	ErrInference = errors.New("inference failed")
)

// ========================================
// COLLABORATORS
// ========================================

// FeatureExtractor turns a URL into the fixed-order model input
type FeatureExtractor interface {
	Extract(ctx context.Context, rawURL string) (*models.FeatureVector, error)
}

// Calibrator maps a raw probability onto a calibrated one
type Calibrator interface {
	Calibrate(p float64) float64
}

// Sealer signs a payload. Implementations must fail rather than return an
// unsigned verdict.
type Sealer interface {
	Seal(payload models.VerdictPayload) (*models.SignedVerdict, error)
}

// Alerter is told about freshly built phishing verdicts
type Alerter interface {
	NotifyPhishing(ctx context.Context, sv *models.SignedVerdict) error
}

// ========================================
// CONFIGURATION
// ========================================

const (
	// DefaultThreshold is the phishing threshold when none is configured
	DefaultThreshold = 0.5

	// DefaultMinThreshold is the floor applied to the configured threshold
	DefaultMinThreshold = 0.35

	// DefaultVerdictTTL is the lifetime stamped into each payload
	DefaultVerdictTTL = 300 * time.Second

	// probabilityScale rounds probabilities to 6 decimals
	probabilityScale = 1e6

	alertTimeout = 10 * time.Second
)

// BuilderConfig holds the decision policy
type BuilderConfig struct {
	// Threshold is the configured τ
	Threshold float64

	// MinThreshold floors τ
	MinThreshold float64

	// TTL is exp - iat for every payload
	TTL time.Duration
}

// DefaultBuilderConfig returns the documented defaults
func DefaultBuilderConfig() BuilderConfig {
	return BuilderConfig{
		Threshold:    DefaultThreshold,
		MinThreshold: DefaultMinThreshold,
		TTL:          DefaultVerdictTTL,
	}
}

// EffectiveThreshold is max(Threshold, MinThreshold)
func (c BuilderConfig) EffectiveThreshold() float64 {
	return max(c.Threshold, c.MinThreshold)
}
