// Package client is the consumer side of the verdict service: it fetches
// verdicts, verifies them before trusting them and debounces lookups per
// link.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"phishguard/internal/cache"
	"phishguard/internal/features"
	"phishguard/internal/models"
	"phishguard/internal/verifier"
)

// ErrUnverified means a verdict arrived but failed signature, MAC or
// freshness checks. It must not drive a decision.
var ErrUnverified = errors.New("verdict unverified")

// Badge is what a UI shows for a link
type Badge string

const (
	BadgePhishing   Badge = "phishing"
	BadgeLegit      Badge = "legit"
	BadgeUnverified Badge = "unverified"
)

const (
	defaultTimeout  = 15 * time.Second
	defaultCacheTTL = 5 * time.Minute
	maxResponseSize = 1 << 20
)

// Options configures a Client
type Options struct {
	// BaseURL of the service, e.g. http://127.0.0.1:5000
	BaseURL string

	HTTPClient *http.Client

	// PinnedKeyPEM, when set, replaces the key shipped in each response
	PinnedKeyPEM string

	// MACKey enables the tag check for privileged callers
	MACKey []byte

	MaxSkew       time.Duration
	CacheCapacity int
	CacheTTL      time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
}

// Client fetches and verifies verdicts. Only verified verdicts are cached.
type Client struct {
	baseURL  string
	http     *http.Client
	verifier *verifier.Verifier
	cache    *cache.ResultCache
	logger   *slog.Logger
}

// New creates a Client
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("client: base url required")
	}
	v, err := verifier.New(verifier.Options{
		PinnedKeyPEM: opts.PinnedKeyPEM,
		MACKey:       opts.MACKey,
		MaxSkew:      opts.MaxSkew,
		Now:          opts.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("client: pinned key: %w", err)
	}

	c := &Client{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		http:     opts.HTTPClient,
		verifier: v,
		logger:   opts.Logger,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: defaultTimeout}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	c.cache = cache.New(cache.Options{
		Capacity: opts.CacheCapacity,
		TTL:      ttl,
		Now:      opts.Now,
		Logger:   c.logger,
	})
	return c, nil
}

// Check returns a verified verdict for link. Concurrent checks of the same
// link share one request.
func (c *Client) Check(ctx context.Context, link string) (*models.SignedVerdict, error) {
	canon, err := features.Normalize(link)
	if err != nil {
		return nil, err
	}
	sv, _, err := c.cache.GetOrCompute(ctx, canon, func(ctx context.Context) (*models.SignedVerdict, error) {
		return c.fetch(ctx, canon)
	})
	return sv, err
}

// Badge maps a check onto what the UI renders. Any failure degrades to
// BadgeUnverified.
func (c *Client) Badge(ctx context.Context, link string) Badge {
	sv, err := c.Check(ctx, link)
	if err != nil {
		c.logger.Debug("verdict unavailable", "link", link, "error", err)
		return BadgeUnverified
	}
	if sv.Payload.Prediction == models.PredictionPhishing {
		return BadgePhishing
	}
	return BadgeLegit
}

// Health fetches the service health document
func (c *Client) Health(ctx context.Context) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health: %s", resp.Status)
	}
	var out map[string]interface{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&out); err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}
	return out, nil
}

// Fetch posts link and returns the raw response without verifying it
func (c *Client) Fetch(ctx context.Context, link string) (*models.RawSignedVerdict, error) {
	body, err := json.Marshal(models.PredictRequest{URL: link})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/predict", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	defer resp.Body.Close()

	var raw models.RawSignedVerdict
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&raw); err != nil {
		return nil, fmt.Errorf("predict: decode %s response: %w", resp.Status, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("predict: %s: %s", resp.Status, raw.Error)
	}
	return &raw, nil
}

// Verify runs the signature, MAC and freshness checks on a raw response
func (c *Client) Verify(raw *models.RawSignedVerdict) verifier.Result {
	return c.verifier.CheckRaw(raw)
}

func (c *Client) fetch(ctx context.Context, canon string) (*models.SignedVerdict, error) {
	raw, err := c.Fetch(ctx, canon)
	if err != nil {
		return nil, err
	}
	res := c.verifier.CheckRaw(raw)
	if !res.Trusted() {
		c.logger.Warn("rejected verdict", "link", canon, "reason", res.Reason)
		return nil, fmt.Errorf("%w: %s", ErrUnverified, res.Reason)
	}
	sv, err := raw.Decode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnverified, err)
	}
	return sv, nil
}
