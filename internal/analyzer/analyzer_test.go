package analyzer

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"phishguard/internal/features"
)

func neutralVector() []float64 {
	x := make([]float64, features.Count)
	for i := range x {
		if v, ok := features.Neutral(i); ok {
			x[i] = v
		}
	}
	return x
}

func TestIsotonicCalibrate(t *testing.T) {
	c, err := NewIsotonic([]float64{0.2, 0.5, 0.8}, []float64{0.1, 0.4, 0.9})
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		p    float64
		want float64
	}{
		{0, 0.1},
		{0.19, 0.1},
		{0.2, 0.1},
		{0.49, 0.1},
		{0.5, 0.4},
		{0.79, 0.4},
		{0.8, 0.9},
		{1, 0.9},
	}
	for _, tt := range tests {
		if got := c.Calibrate(tt.p); got != tt.want {
			t.Errorf("Calibrate(%v) = %v, want %v", tt.p, got, tt.want)
		}
	}

	prev := -1.0
	for p := 0.0; p <= 1.0; p += 0.01 {
		got := c.Calibrate(p)
		if got < prev {
			t.Fatalf("not monotone at %v: %v < %v", p, got, prev)
		}
		prev = got
	}
}

func TestIsotonicNilIsIdentity(t *testing.T) {
	var c *Isotonic
	for _, p := range []float64{0, 0.3, 0.92, 1} {
		if got := c.Calibrate(p); got != p {
			t.Errorf("Calibrate(%v) = %v", p, got)
		}
	}
	if got := c.Calibrate(1.5); got != 1 {
		t.Errorf("out of range input not clamped: %v", got)
	}
	if c.Len() != 0 {
		t.Error("nil table has breakpoints")
	}
}

func TestNewIsotonicRejects(t *testing.T) {
	tests := map[string][2][]float64{
		"empty":          {nil, nil},
		"length":         {{0.1, 0.2}, {0.5}},
		"not increasing": {{0.1, 0.1}, {0.2, 0.3}},
		"decreasing y":   {{0.1, 0.2}, {0.5, 0.4}},
		"out of range":   {{0.1, 1.2}, {0.2, 0.3}},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := NewIsotonic(tt[0], tt[1]); !errors.Is(err, ErrInvalidCalibration) {
				t.Errorf("err = %v", err)
			}
		})
	}
}

func TestReputationPrior(t *testing.T) {
	r, err := NewReputationPrior(DefaultWeights(DefaultReputationWeight), DefaultHighConfidenceBand)
	if err != nil {
		t.Fatal(err)
	}

	p, info := r.Apply("paypal.com", 0.5)
	if math.Abs(p-0.05) > 1e-9 {
		t.Errorf("adjusted = %v, want 0.05", p)
	}
	if !info.Used || info.Label != LabelTrusted || info.Weight != DefaultReputationWeight {
		t.Errorf("info = %+v", info)
	}

	p, info = r.Apply("paypal.com", 0.95)
	if p != 0.95 {
		t.Errorf("high confidence score changed to %v", p)
	}
	if info.Used || info.Label != LabelHighConfidenceIgnored {
		t.Errorf("info = %+v", info)
	}

	p, info = r.Apply("evil.ru", 0.5)
	if p != 0.5 || info.Used || info.Label != "" {
		t.Errorf("unlisted domain: p=%v info=%+v", p, info)
	}
}

func TestReputationLookalikeNotTrusted(t *testing.T) {
	r, _ := NewReputationPrior(DefaultWeights(DefaultReputationWeight), DefaultHighConfidenceBand)
	host := features.Host("http://paypal.com.evil.ru/login")
	etld1 := features.RegistrableDomain(host)
	if etld1 != "evil.ru" {
		t.Fatalf("etld1 = %q", etld1)
	}
	if p, info := r.Apply(etld1, 0.6); p != 0.6 || info.Used {
		t.Errorf("lookalike dampened: p=%v info=%+v", p, info)
	}
}

func TestReputationWeightClamped(t *testing.T) {
	r, err := NewReputationPrior(map[string]float64{"Example.COM.": 3, "neg.org": -1}, 0.9)
	if err != nil {
		t.Fatal(err)
	}
	p, info := r.Apply("example.com", 0.5)
	if info.Weight != MaxReputationWeight || math.Abs(p-0.025) > 1e-9 {
		t.Errorf("p=%v info=%+v", p, info)
	}
	if p, _ := r.Apply("neg.org", 0.5); p != 0.5 {
		t.Errorf("negative weight changed score to %v", p)
	}

	if _, err := NewReputationPrior(nil, 0); err == nil {
		t.Error("zero band accepted")
	}
	if _, err := NewReputationPrior(map[string]float64{"paypal.com": 0.9}, math.NaN()); err == nil {
		t.Error("NaN band accepted")
	}
}

func TestParseTrustedList(t *testing.T) {
	in := `
# comment
example.org
Bank.Example 0.5
`
	got, err := ParseTrustedList(strings.NewReader(in), 0.8)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got["example.org"] != 0.8 || got["bank.example"] != 0.5 {
		t.Errorf("got %v", got)
	}

	if _, err := ParseTrustedList(strings.NewReader("x.com heavy"), 0.8); err == nil {
		t.Error("bad weight accepted")
	}
}

func TestDefaultModel(t *testing.T) {
	m, cal, err := FromBundle(DefaultBundle())
	if err != nil {
		t.Fatal(err)
	}
	if cal != nil {
		t.Error("built-in bundle should not carry calibration")
	}

	base := neutralVector()
	p0, err := m.Predict(base)
	if err != nil {
		t.Fatal(err)
	}
	if p0 <= 0 || p0 >= 1 {
		t.Fatalf("p0 = %v", p0)
	}

	risky := neutralVector()
	risky[features.Index("sensitive_word")] = 1
	risky[features.Index("host_is_ip")] = 1
	p1, _ := m.Predict(risky)
	if p1 <= p0 {
		t.Errorf("risky URL scored %v, baseline %v", p1, p0)
	}

	top := m.Explain(risky, 5)
	if len(top) != 2 || top[0].FeatureName != "host_is_ip" || top[1].FeatureName != "sensitive_word" {
		t.Errorf("top contributions = %+v", top)
	}
}

func TestNeutralFallbackContributesNothing(t *testing.T) {
	m, _, err := FromBundle(DefaultBundle())
	if err != nil {
		t.Fatal(err)
	}
	x := neutralVector()
	x[features.Index("url_len")] = 80

	withFallback, _ := m.Predict(x)

	logit := DefaultBundle().Bias
	for _, fw := range DefaultBundle().Features {
		z := (x[features.Index(fw.Name)] - fw.Mean) / fw.Std
		logit += fw.Weight * math.Max(-DefaultClip, math.Min(DefaultClip, z))
	}
	if math.Abs(withFallback-sigmoid(logit)) > 1e-12 {
		t.Fatalf("predict %v, manual %v", withFallback, sigmoid(logit))
	}

	urlOnly := DefaultBundle()
	kept := urlOnly.Features[:0]
	for _, fw := range urlOnly.Features {
		if _, neutral := features.Neutral(features.Index(fw.Name)); !neutral {
			kept = append(kept, fw)
		}
	}
	urlOnly.Features = kept
	mu, _, err := FromBundle(urlOnly)
	if err != nil {
		t.Fatal(err)
	}
	pu, _ := mu.Predict(x)
	if math.Abs(pu-withFallback) > 1e-12 {
		t.Errorf("neutral signals moved the score: %v vs %v", withFallback, pu)
	}
}

func TestModelRejects(t *testing.T) {
	tests := map[string]func(b *Bundle){
		"no version":  func(b *Bundle) { b.Version = "" },
		"dimension":   func(b *Bundle) { b.Dimension = 10 },
		"unknown":     func(b *Bundle) { b.Features[0].Name = "nope" },
		"zero std":    func(b *Bundle) { b.Features[0].Std = 0 },
		"duplicate":   func(b *Bundle) { b.Features[1].Name = b.Features[0].Name },
		"off neutral": func(b *Bundle) { b.Features = append(b.Features, FeatureWeight{Name: "ct_flag_dup", Mean: 0.5, Std: 1}) },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			b := DefaultBundle()
			mutate(&b)
			if _, err := NewLogisticModel(b); !errors.Is(err, ErrInvalidModel) {
				t.Errorf("err = %v", err)
			}
		})
	}

	m, _, _ := FromBundle(DefaultBundle())
	if _, err := m.Predict(make([]float64, 3)); !errors.Is(err, ErrInvalidModel) {
		t.Errorf("short vector: %v", err)
	}
	x := neutralVector()
	x[features.Index("url_len")] = math.NaN()
	if _, err := m.Predict(x); err == nil {
		t.Error("NaN feature accepted")
	}
}

func TestLoadBundle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.yaml")
	doc := `version: test-model/2
bias: -1.5
features:
  - name: sensitive_word
    mean: 0
    std: 1
    weight: 2
  - name: whois_age_days
    mean: 365
    std: 365
    weight: -1
calibration:
  x: [0.0, 0.5, 0.9]
  y: [0.05, 0.5, 0.97]
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	m, cal, err := LoadBundle(path)
	if err != nil {
		t.Fatal(err)
	}
	if m.Version() != "test-model/2" {
		t.Errorf("version = %q", m.Version())
	}
	if cal.Len() != 3 || cal.Calibrate(0.95) != 0.97 {
		t.Errorf("calibration not loaded: len=%d", cal.Len())
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(bad, []byte("version: x\nweights: [1]\n"), 0o600)
	if _, _, err := LoadBundle(bad); !errors.Is(err, ErrInvalidModel) {
		t.Errorf("unknown field accepted: %v", err)
	}
}
