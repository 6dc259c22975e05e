package core

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"phishguard/internal/analyzer"
	"phishguard/internal/cache"
	"phishguard/internal/features"
	"phishguard/internal/models"
)

// Options wires a VerdictBuilder. Extractor, Classifier and Signer are
// required; the rest have working defaults.
type Options struct {
	Extractor  FeatureExtractor
	Classifier analyzer.Classifier
	Calibrator Calibrator
	Reputation *analyzer.ReputationPrior
	Signer     Sealer
	Cache      *cache.ResultCache
	Alerter    Alerter
	Config     BuilderConfig

	// Now and Nonce override the clock and nonce source for tests
	Now    func() time.Time
	Nonce  func() (string, error)
	Logger *slog.Logger
}

// VerdictBuilder runs extraction, inference, calibration, the reputation
// prior and thresholding, then seals the payload. Builds are cache-first
// and coalesced per fingerprint.
type VerdictBuilder struct {
	extractor  FeatureExtractor
	classifier analyzer.Classifier
	calibrator Calibrator
	reputation *analyzer.ReputationPrior
	signer     Sealer
	cache      *cache.ResultCache
	alerter    Alerter
	config     BuilderConfig
	now        func() time.Time
	nonce      func() (string, error)
	logger     *slog.Logger
}

// NewVerdictBuilder validates opts and returns a builder
func NewVerdictBuilder(opts Options) (*VerdictBuilder, error) {
	if opts.Extractor == nil || opts.Classifier == nil || opts.Signer == nil {
		return nil, errors.New("verdict builder needs an extractor, a classifier and a signer")
	}
	cfg := opts.Config
	if cfg.TTL < time.Second {
		return nil, fmt.Errorf("verdict ttl %v is below one second", cfg.TTL)
	}
	if !inUnit(cfg.Threshold) || !inUnit(cfg.MinThreshold) {
		return nil, fmt.Errorf("threshold %v / minimum %v outside [0,1]", cfg.Threshold, cfg.MinThreshold)
	}

	b := &VerdictBuilder{
		extractor:  opts.Extractor,
		classifier: opts.Classifier,
		calibrator: opts.Calibrator,
		reputation: opts.Reputation,
		signer:     opts.Signer,
		cache:      opts.Cache,
		alerter:    opts.Alerter,
		config:     cfg,
		now:        opts.Now,
		nonce:      opts.Nonce,
		logger:     opts.Logger,
	}
	if b.cache == nil {
		b.cache = cache.New(cache.Options{TTL: cfg.TTL})
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.nonce == nil {
		b.nonce = NewNonce
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b, nil
}

// Evaluate returns a signed verdict for rawURL
func (b *VerdictBuilder) Evaluate(ctx context.Context, rawURL string) (*models.SignedVerdict, error) {
	sv, _, err := b.Lookup(ctx, rawURL)
	return sv, err
}

// Lookup is Evaluate that also reports whether the cache served the verdict
func (b *VerdictBuilder) Lookup(ctx context.Context, rawURL string) (*models.SignedVerdict, cache.Status, error) {
	canon, err := features.Normalize(rawURL)
	if err != nil {
		return nil, cache.StatusMiss, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	sv, status, err := b.cache.GetOrCompute(ctx, b.Fingerprint(canon), func(ctx context.Context) (*models.SignedVerdict, error) {
		return b.build(ctx, canon)
	})
	if err != nil {
		return nil, status, err
	}
	return sv, status, nil
}

// Fingerprint keys the result cache: model version and canonical URL
func (b *VerdictBuilder) Fingerprint(canonicalURL string) string {
	return b.classifier.Version() + "|" + canonicalURL
}

func (b *VerdictBuilder) build(ctx context.Context, canon string) (*models.SignedVerdict, error) {
	start := time.Now()

	fv, err := b.extractor.Extract(ctx, canon)
	if err != nil {
		if errors.Is(err, features.ErrInvalidURL) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return nil, fmt.Errorf("extract features: %w", err)
	}

	raw, err := b.classifier.Predict(fv.Values)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	if math.IsNaN(raw) || raw < 0 || raw > 1 {
		return nil, fmt.Errorf("%w: raw probability %v", ErrInference, raw)
	}

	calibrated := raw
	if b.calibrator != nil {
		calibrated = b.calibrator.Calibrate(raw)
	}
	adjusted, rep := b.reputation.Apply(fv.Domain, calibrated)
	probability := roundProbability(adjusted)

	threshold := b.config.EffectiveThreshold()
	prediction := models.PredictionLegit
	if probability >= threshold {
		prediction = models.PredictionPhishing
	}

	nonce, err := b.nonce()
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	now := b.now()

	payload := models.VerdictPayload{
		URL:          fv.URL,
		Prediction:   prediction,
		Probability:  probability,
		Threshold:    threshold,
		FeaturesUsed: len(fv.Values),
		Model:        b.classifier.Version(),
		IssuedAt:     now.Unix(),
		ExpiresAt:    now.Add(b.config.TTL).Unix(),
		Nonce:        nonce,
		UsedFallback: fv.UsedFallback,
		Sources:      copySources(fv.Sources),
		Reputation:   &rep,
	}

	sv, err := b.signer.Seal(payload)
	if err != nil {
		b.logger.Error("verdict signing failed", "url", fv.URL, "error", err)
		return nil, err
	}

	b.logger.Info("verdict built",
		"url", fv.URL,
		"prediction", prediction,
		"raw", raw,
		"probability", probability,
		"used_fallback", fv.UsedFallback,
		"reputation", rep.Label,
		"duration", time.Since(start))

	if prediction == models.PredictionPhishing && b.alerter != nil {
		go b.alert(context.WithoutCancel(ctx), sv)
	}
	return sv, nil
}

func (b *VerdictBuilder) alert(ctx context.Context, sv *models.SignedVerdict) {
	ctx, cancel := context.WithTimeout(ctx, alertTimeout)
	defer cancel()
	if err := b.alerter.NotifyPhishing(ctx, sv); err != nil {
		b.logger.Warn("phishing alert failed", "url", sv.Payload.URL, "error", err)
	}
}

// ModelVersion returns the classifier version stamped into payloads
func (b *VerdictBuilder) ModelVersion() string {
	return b.classifier.Version()
}

// Config returns the decision policy
func (b *VerdictBuilder) Config() BuilderConfig {
	return b.config
}

// CacheStats returns result cache counters
func (b *VerdictBuilder) CacheStats() cache.Stats {
	return b.cache.Stats()
}

// NewNonce returns 16 random bytes, hex encoded
func NewNonce() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}

// inUnit is false for NaN
func inUnit(v float64) bool {
	return v >= 0 && v <= 1
}

func roundProbability(p float64) float64 {
	return math.Round(p*probabilityScale) / probabilityScale
}

func copySources(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
