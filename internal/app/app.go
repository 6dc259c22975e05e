// Package app wires the verdict service from configuration. The server,
// the CLI and the evaluation tool all build their pipeline here.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"phishguard/internal/analyzer"
	"phishguard/internal/api"
	"phishguard/internal/cache"
	"phishguard/internal/config"
	"phishguard/internal/core"
	"phishguard/internal/features"
	"phishguard/internal/fetcher"
	"phishguard/internal/notifier"
	"phishguard/internal/signing"
	"phishguard/internal/store"
	"phishguard/internal/verifier"
)

// Service is a fully wired verdict pipeline
type Service struct {
	Config    *config.Config
	Keys      *signing.KeyMaterial
	Store     store.Store
	Extractor *features.Extractor
	Cache     *cache.ResultCache
	Builder   *core.VerdictBuilder
	Verifier  *verifier.Verifier
	Trusted   int

	logger *slog.Logger
}

// New builds every component named by cfg
func New(cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{Config: cfg, logger: logger}

	keys, err := signing.LoadKeyMaterial(signing.KeyConfig{
		PrivateKeyFile: cfg.Keys.PrivateKeyFile,
		PublicKeyFile:  cfg.Keys.PublicKeyFile,
		MACSecret:      cfg.Keys.MACSecret,
		AllowEphemeral: cfg.Keys.AllowEphemeral,
	})
	if err != nil {
		return nil, fmt.Errorf("load keys: %w", err)
	}
	s.Keys = keys
	if keys.Ephemeral() {
		logger.Warn("using an ephemeral signing key; verdicts will not verify after restart")
	}

	model, calibration, err := loadModel(cfg.Model.BundlePath)
	if err != nil {
		return nil, err
	}

	prior, trusted, err := loadReputation(cfg.Reputation)
	if err != nil {
		return nil, err
	}
	s.Trusted = trusted

	st, err := store.Open(cfg.Signals.StorePath, cfg.Signals.StoreTTL)
	if err != nil {
		return nil, fmt.Errorf("open signal store: %w", err)
	}
	s.Store = st

	s.Extractor = NewExtractor(cfg, st, logger)

	s.Cache = cache.New(cache.Options{
		Capacity: cfg.Cache.Capacity,
		TTL:      cfg.Verdict.TTL,
		Logger:   logger,
	})

	opts := core.Options{
		Extractor:  s.Extractor,
		Classifier: model,
		Calibrator: calibration,
		Reputation: prior,
		Signer:     signing.NewSigner(keys),
		Cache:      s.Cache,
		Config: core.BuilderConfig{
			Threshold:    cfg.Model.Threshold,
			MinThreshold: cfg.Model.MinThreshold,
			TTL:          cfg.Verdict.TTL,
		},
		Logger: logger,
	}
	if slack := slackNotifier(cfg.Notifications.Slack); slack != nil {
		opts.Alerter = slack
	}
	s.Builder, err = core.NewVerdictBuilder(opts)
	if err != nil {
		st.Close()
		return nil, err
	}

	s.Verifier, err = verifier.New(verifier.Options{
		MACKey:  keys.MACKey(),
		MaxSkew: cfg.Verdict.MaxSkew,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	logger.Info("pipeline ready",
		"model", model.Version(),
		"calibration_points", calibration.Len(),
		"threshold", opts.Config.EffectiveThreshold(),
		"trusted_domains", trusted,
		"signal_store", storeKind(cfg.Signals.StorePath),
		"toggles", fmt.Sprintf("%+v", s.Extractor.Toggles()))
	return s, nil
}

// NewExtractor wires the network signal sources selected by cfg
func NewExtractor(cfg *config.Config, st features.SignalStore, logger *slog.Logger) *features.Extractor {
	sc := cfg.Signals
	limiter := fetcher.NewLimiter(sc.RateLimit, sc.Burst)

	opts := features.Options{
		Store: st,
		Toggles: features.Toggles{
			DisableWhois: sc.DisableWhois,
			DisableCT:    sc.DisableCT,
			DisableDOM:   sc.DisableDOM,
			URLOnly:      sc.URLOnly,
		},
		Timeout: sc.Timeout,
		Logger:  logger,
	}
	if !sc.DisableWhois {
		opts.Whois = fetcher.NewWhoisFetcher(sc.Timeout, limiter)
	}
	if !sc.DisableCT {
		ct := fetcher.NewCTLogFetcher(sc.Timeout, limiter)
		if sc.CrtShURL != "" {
			ct.BaseURL = sc.CrtShURL
		}
		opts.CT = ct
	}
	if !sc.DisableDOM {
		opts.DOM = fetcher.NewDOMFetcher(sc.Timeout, limiter)
	}
	if sc.ExpandShorteners {
		opts.Expander = fetcher.NewExpander(sc.Timeout, fetcher.DefaultShorteners, limiter)
	}
	return features.NewExtractor(opts)
}

// Server returns the HTTP transport for this service
func (s *Service) Server() *api.Server {
	return api.NewServer(api.Options{
		Config:       s.Config,
		Builder:      s.Builder,
		Verifier:     s.Verifier,
		PublicKeyPEM: s.Keys.PublicKeyPEM(),
		Toggles:      s.Extractor.Toggles(),
		TrustedCount: s.Trusted,
		Logger:       s.logger,
	})
}

// RunMaintenance sweeps the verdict cache and purges the signal store
// until ctx is done
func (s *Service) RunMaintenance(ctx context.Context) {
	go s.Cache.Run(ctx, s.Config.Cache.SweepInterval)
	go store.RunPurge(ctx, s.Store, s.Config.Signals.PurgeInterval, s.logger)
}

// Close releases the signal store
func (s *Service) Close() error {
	if s.Store == nil {
		return nil
	}
	return s.Store.Close()
}

func loadModel(path string) (*analyzer.LogisticModel, *analyzer.Isotonic, error) {
	if path == "" {
		return analyzer.FromBundle(analyzer.DefaultBundle())
	}
	m, cal, err := analyzer.LoadBundle(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load model %s: %w", path, err)
	}
	return m, cal, nil
}

func loadReputation(rc config.ReputationConfig) (*analyzer.ReputationPrior, int, error) {
	if !rc.Enabled {
		return nil, 0, nil
	}
	weights := analyzer.DefaultWeights(rc.DefaultWeight)
	if rc.ListPath != "" {
		extra, err := analyzer.LoadTrustedFile(rc.ListPath, rc.DefaultWeight)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, 0, fmt.Errorf("load trusted list: %w", err)
		}
		for d, w := range extra {
			weights[d] = w
		}
	}
	prior, err := analyzer.NewReputationPrior(weights, rc.HighConfidenceBand)
	if err != nil {
		return nil, 0, err
	}
	return prior, prior.Len(), nil
}

func slackNotifier(sc config.SlackConfig) *notifier.SlackNotifier {
	if !sc.Enabled || sc.WebhookURLEnvVar == "" {
		return nil
	}
	url := os.Getenv(sc.WebhookURLEnvVar)
	if url == "" {
		return nil
	}
	return notifier.NewSlackNotifier(url)
}

func storeKind(path string) string {
	if path == "" {
		return "memory"
	}
	return "sqlite:" + path
}
