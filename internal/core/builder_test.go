package core

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"phishguard/internal/analyzer"
	"phishguard/internal/cache"
	"phishguard/internal/canonical"
	"phishguard/internal/features"
	"phishguard/internal/models"
	"phishguard/internal/signing"
	"phishguard/internal/verifier"
)

var (
	keysOnce sync.Once
	issuer   *rsa.PrivateKey
	stranger *rsa.PrivateKey
)

func testKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()
	keysOnce.Do(func() {
		var err error
		if issuer, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			t.Fatal(err)
		}
		if stranger, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			t.Fatal(err)
		}
	})
	return issuer, stranger
}

var testMACKey = bytes.Repeat([]byte{7}, 32)

func testSigner(t *testing.T) *signing.Signer {
	t.Helper()
	priv, _ := testKeys(t)
	km, err := signing.NewKeyMaterial(priv, testMACKey)
	if err != nil {
		t.Fatal(err)
	}
	return signing.NewSigner(km)
}

// stubExtractor returns a neutral vector for any parseable URL
type stubExtractor struct {
	calls    atomic.Int32
	delay    time.Duration
	fallback bool
}

func (s *stubExtractor) Extract(ctx context.Context, rawURL string) (*models.FeatureVector, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	canon, err := features.Normalize(rawURL)
	if err != nil {
		return nil, err
	}
	values := make([]float64, features.Count)
	for i := range values {
		if v, ok := features.Neutral(i); ok {
			values[i] = v
		}
	}
	src := models.SourceNetwork
	if s.fallback {
		src = models.SourceFallback
	}
	return &models.FeatureVector{
		URL:    canon,
		Domain: features.RegistrableDomain(features.Host(canon)),
		Values: values,
		Sources: map[string]string{
			models.SignalWhois: src,
			models.SignalCT:    src,
			models.SignalDOM:   models.SourceDisabled,
		},
		UsedFallback: s.fallback,
	}, nil
}

// fixedClassifier returns p for every input
type fixedClassifier struct {
	p   float64
	err error
}

func (c fixedClassifier) Predict(x []float64) (float64, error) { return c.p, c.err }
func (c fixedClassifier) Version() string                      { return "test-model/1" }

type failingSealer struct{}

func (failingSealer) Seal(models.VerdictPayload) (*models.SignedVerdict, error) {
	return nil, signing.ErrSigningFailure
}

type recordingAlerter struct {
	sent chan *models.SignedVerdict
}

func (a *recordingAlerter) NotifyPhishing(ctx context.Context, sv *models.SignedVerdict) error {
	a.sent <- sv
	return nil
}

func newBuilder(t *testing.T, opts Options) *VerdictBuilder {
	t.Helper()
	if opts.Signer == nil {
		opts.Signer = testSigner(t)
	}
	if opts.Config == (BuilderConfig{}) {
		opts.Config = DefaultBuilderConfig()
	}
	b, err := NewVerdictBuilder(opts)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestEvaluateSignedScenario(t *testing.T) {
	ext := &stubExtractor{}
	b := newBuilder(t, Options{Extractor: ext, Classifier: fixedClassifier{p: 0.92}})

	sv, err := b.Evaluate(context.Background(), "http://example-bank-login.ru/secure")
	if err != nil {
		t.Fatal(err)
	}
	p := sv.Payload
	if p.Prediction != models.PredictionPhishing || p.Probability != 0.92 || p.Threshold != 0.5 {
		t.Errorf("payload = %+v", p)
	}
	if p.URL != "http://example-bank-login.ru/secure" || p.FeaturesUsed != features.Count || p.Model != "test-model/1" {
		t.Errorf("payload = %+v", p)
	}
	if p.ExpiresAt-p.IssuedAt != int64(DefaultVerdictTTL/time.Second) {
		t.Errorf("exp - iat = %d", p.ExpiresAt-p.IssuedAt)
	}
	if len(p.Nonce) != 32 {
		t.Errorf("nonce %q", p.Nonce)
	}
	if p.Reputation == nil || p.Reputation.Used || p.Reputation.ETLD1 != "example-bank-login.ru" {
		t.Errorf("reputation = %+v", p.Reputation)
	}

	if !verifier.Verify(sv.Payload, sv.Signature, sv.PubKeyPEM) {
		t.Fatal("signature does not verify with the issuing key")
	}
	if !verifier.VerifyMAC(sv.Payload, sv.MAC, testMACKey) {
		t.Error("mac does not verify")
	}

	_, other := testKeys(t)
	otherPEM, err := signing.EncodePublicKeyPEM(&other.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	if verifier.Verify(sv.Payload, sv.Signature, otherPEM) {
		t.Error("signature verified with an unrelated key")
	}
}

func TestEvaluateServedFromCache(t *testing.T) {
	ext := &stubExtractor{}
	b := newBuilder(t, Options{Extractor: ext, Classifier: fixedClassifier{p: 0.3}})
	ctx := context.Background()

	first, status, err := b.Lookup(ctx, "http://example.org/page")
	if err != nil {
		t.Fatal(err)
	}
	if status != cache.StatusMiss {
		t.Errorf("first status = %v", status)
	}
	second, status, err := b.Lookup(ctx, "HTTP://Example.org/page")
	if err != nil {
		t.Fatal(err)
	}
	if status != cache.StatusHit {
		t.Errorf("second status = %v", status)
	}

	a, _ := canonical.Marshal(first.Payload)
	c, _ := canonical.Marshal(second.Payload)
	if !bytes.Equal(a, c) || first.Signature != second.Signature {
		t.Errorf("cached payload differs:\n%s\n%s", a, c)
	}
	if n := ext.calls.Load(); n != 1 {
		t.Errorf("extractor ran %d times", n)
	}
}

func TestEvaluateCoalescesExtraction(t *testing.T) {
	ext := &stubExtractor{delay: 50 * time.Millisecond}
	b := newBuilder(t, Options{Extractor: ext, Classifier: fixedClassifier{p: 0.7}})

	const callers = 25
	var wg sync.WaitGroup
	nonces := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sv, err := b.Evaluate(context.Background(), "http://burst.example/login")
			if err != nil {
				t.Error(err)
				return
			}
			nonces[i] = sv.Payload.Nonce
		}(i)
	}
	wg.Wait()

	if n := ext.calls.Load(); n != 1 {
		t.Fatalf("extractor ran %d times for one fingerprint", n)
	}
	for i := range nonces {
		if nonces[i] != nonces[0] {
			t.Fatalf("caller %d got nonce %q, want %q", i, nonces[i], nonces[0])
		}
	}
}

func TestThresholdConsistency(t *testing.T) {
	tests := []struct {
		name      string
		raw       float64
		cfg       BuilderConfig
		wantProb  float64
		wantThr   float64
		wantLabel models.Prediction
	}{
		{"clear legit", 0.1, DefaultBuilderConfig(), 0.1, 0.5, models.PredictionLegit},
		{"at threshold", 0.5, DefaultBuilderConfig(), 0.5, 0.5, models.PredictionPhishing},
		{"rounds up to threshold", 0.4999996, DefaultBuilderConfig(), 0.5, 0.5, models.PredictionPhishing},
		{"just below", 0.4999994, DefaultBuilderConfig(), 0.499999, 0.5, models.PredictionLegit},
		{"floor applies", 0.3, BuilderConfig{Threshold: 0.2, MinThreshold: 0.35, TTL: time.Minute}, 0.3, 0.35, models.PredictionLegit},
		{"floor ignored", 0.3, BuilderConfig{Threshold: 0.25, MinThreshold: 0.1, TTL: time.Minute}, 0.3, 0.25, models.PredictionPhishing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBuilder(t, Options{
				Extractor:  &stubExtractor{},
				Classifier: fixedClassifier{p: tt.raw},
				Config:     tt.cfg,
			})
			sv, err := b.Evaluate(context.Background(), "http://threshold.example/")
			if err != nil {
				t.Fatal(err)
			}
			p := sv.Payload
			if p.Probability != tt.wantProb || p.Threshold != tt.wantThr || p.Prediction != tt.wantLabel {
				t.Errorf("got prob=%v thr=%v pred=%v", p.Probability, p.Threshold, p.Prediction)
			}
			if (p.Prediction == models.PredictionPhishing) != (p.Probability >= p.Threshold) {
				t.Errorf("prediction inconsistent with threshold: %+v", p)
			}
		})
	}
}

func TestInvalidInputLeavesNoTrace(t *testing.T) {
	ext := &stubExtractor{}
	c := cache.New(cache.Options{TTL: time.Minute})
	b := newBuilder(t, Options{Extractor: ext, Classifier: fixedClassifier{p: 0.9}, Cache: c})

	for _, in := range []string{"", "ftp://example.com/", "http://"} {
		sv, err := b.Evaluate(context.Background(), in)
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("%q: err = %v", in, err)
		}
		if sv != nil {
			t.Errorf("%q: produced a verdict", in)
		}
	}
	if ext.calls.Load() != 0 || c.Len() != 0 {
		t.Errorf("extractor calls=%d cache entries=%d", ext.calls.Load(), c.Len())
	}
}

func TestSigningFailureReturnsNoVerdict(t *testing.T) {
	c := cache.New(cache.Options{TTL: time.Minute})
	b := newBuilder(t, Options{
		Extractor:  &stubExtractor{},
		Classifier: fixedClassifier{p: 0.9},
		Signer:     failingSealer{},
		Cache:      c,
	})
	sv, err := b.Evaluate(context.Background(), "http://unsigned.example/")
	if !errors.Is(err, signing.ErrSigningFailure) || sv != nil {
		t.Fatalf("sv=%v err=%v", sv, err)
	}
	if c.Len() != 0 {
		t.Error("failed build was cached")
	}
}

func TestInferenceFailure(t *testing.T) {
	for _, cls := range []fixedClassifier{
		{err: errors.New("boom")},
		{p: math.NaN()},
		{p: 1.5},
	} {
		b := newBuilder(t, Options{Extractor: &stubExtractor{}, Classifier: cls})
		if _, err := b.Evaluate(context.Background(), "http://model.example/"); !errors.Is(err, ErrInference) {
			t.Errorf("classifier %+v: err = %v", cls, err)
		}
	}
}

func TestCalibrationAndReputation(t *testing.T) {
	cal, err := analyzer.NewIsotonic([]float64{0, 0.5, 0.8}, []float64{0.1, 0.6, 0.95})
	if err != nil {
		t.Fatal(err)
	}
	prior, err := analyzer.NewReputationPrior(analyzer.DefaultWeights(0.9), analyzer.DefaultHighConfidenceBand)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		url       string
		raw       float64
		wantProb  float64
		wantLabel string
	}{
		{"https://www.paypal.com/signin", 0.55, 0.06, analyzer.LabelTrusted},
		{"https://www.paypal.com/odd", 0.85, 0.95, analyzer.LabelHighConfidenceIgnored},
		{"http://paypal.com.evil.ru/signin", 0.55, 0.6, ""},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			b := newBuilder(t, Options{
				Extractor:  &stubExtractor{},
				Classifier: fixedClassifier{p: tt.raw},
				Calibrator: cal,
				Reputation: prior,
			})
			sv, err := b.Evaluate(context.Background(), tt.url)
			if err != nil {
				t.Fatal(err)
			}
			p := sv.Payload
			if p.Probability != tt.wantProb || p.Reputation.Label != tt.wantLabel {
				t.Errorf("prob=%v reputation=%+v", p.Probability, p.Reputation)
			}
		})
	}
}

type fakeWhois struct {
	created time.Time
	err     error
}

func (f fakeWhois) CreationDate(ctx context.Context, domain string) (time.Time, error) {
	return f.created, f.err
}

type fakeCT struct {
	found bool
	err   error
}

func (f fakeCT) QueryByDomain(ctx context.Context, domain string) (*models.CTLogResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.CTLogResult{Found: f.found}, nil
}

func TestFallbackIsNeutral(t *testing.T) {
	model, _, err := analyzer.FromBundle(analyzer.DefaultBundle())
	if err != nil {
		t.Fatal(err)
	}
	const link = "http://secure-login.example-bank.com/verify"
	blocked := errors.New("connection reset")

	evaluate := func(whois features.WhoisSource, ct features.CTSource) models.VerdictPayload {
		t.Helper()
		ext := features.NewExtractor(features.Options{
			Whois:   whois,
			CT:      ct,
			Toggles: features.Toggles{DisableDOM: true},
		})
		b := newBuilder(t, Options{Extractor: ext, Classifier: model})
		sv, err := b.Evaluate(context.Background(), link)
		if err != nil {
			t.Fatal(err)
		}
		return sv.Payload
	}

	ageAt := func(days int) time.Time {
		return time.Now().Add(-time.Duration(days)*24*time.Hour - time.Hour)
	}

	fallback := evaluate(fakeWhois{err: blocked}, fakeCT{err: blocked})
	if !fallback.UsedFallback || fallback.Sources[models.SignalWhois] != models.SourceFallback {
		t.Fatalf("fallback not recorded: %+v", fallback)
	}

	exact := evaluate(fakeWhois{created: ageAt(features.NeutralWhoisAgeDays)}, fakeCT{found: true})
	if exact.UsedFallback {
		t.Fatal("control run used fallback")
	}
	if exact.Probability != fallback.Probability {
		t.Errorf("fallback %v differs from signal at neutral value %v", fallback.Probability, exact.Probability)
	}

	near := evaluate(fakeWhois{created: ageAt(features.NeutralWhoisAgeDays + 5)}, fakeCT{found: true})
	if d := math.Abs(near.Probability - fallback.Probability); d > 0.01 {
		t.Errorf("fallback moved probability by %v", d)
	}
}

func TestPhishingAlertOnFreshBuildOnly(t *testing.T) {
	alerts := &recordingAlerter{sent: make(chan *models.SignedVerdict, 4)}
	b := newBuilder(t, Options{
		Extractor:  &stubExtractor{},
		Classifier: fixedClassifier{p: 0.97},
		Alerter:    alerts,
	})
	ctx := context.Background()

	if _, err := b.Evaluate(ctx, "http://alert.example/"); err != nil {
		t.Fatal(err)
	}
	select {
	case sv := <-alerts.sent:
		if sv.Payload.URL != "http://alert.example/" {
			t.Errorf("alert for %q", sv.Payload.URL)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no alert sent")
	}

	if _, err := b.Evaluate(ctx, "http://alert.example/"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-alerts.sent:
		t.Error("cache hit raised an alert")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNewVerdictBuilderRejects(t *testing.T) {
	signer := testSigner(t)
	if _, err := NewVerdictBuilder(Options{Classifier: fixedClassifier{}, Signer: signer, Config: DefaultBuilderConfig()}); err == nil {
		t.Error("missing extractor accepted")
	}
	cfg := DefaultBuilderConfig()
	cfg.TTL = 0
	if _, err := NewVerdictBuilder(Options{Extractor: &stubExtractor{}, Classifier: fixedClassifier{}, Signer: signer, Config: cfg}); err == nil {
		t.Error("zero ttl accepted")
	}
	cfg = DefaultBuilderConfig()
	cfg.MinThreshold = math.NaN()
	if _, err := NewVerdictBuilder(Options{Extractor: &stubExtractor{}, Classifier: fixedClassifier{}, Signer: signer, Config: cfg}); err == nil {
		t.Error("NaN minimum threshold accepted")
	}
}
