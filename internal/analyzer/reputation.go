package analyzer

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"phishguard/internal/models"
)

const (
	// MaxReputationWeight bounds how far the prior can pull a probability
	MaxReputationWeight = 0.95

	// DefaultReputationWeight applies to listed domains without a weight
	DefaultReputationWeight = 0.9

	// DefaultHighConfidenceBand is the probability at and above which the
	// prior is not applied
	DefaultHighConfidenceBand = 0.90
)

// Reputation labels recorded in the verdict
const (
	LabelTrusted               = "trusted"
	LabelHighConfidenceIgnored = "high_confidence_ignored"
)

var builtinTrusted = []string{
	"wikipedia.org", "google.com", "youtube.com", "facebook.com", "apple.com",
	"microsoft.com", "github.com", "paypal.com", "linkedin.com", "instagram.com",
	"netflix.com", "reddit.com", "bbc.co.uk", "nytimes.com", "cdc.gov", "nih.gov",
	"office.com",
}

// BuiltinTrusted returns the bundled list of well-known registrable domains
func BuiltinTrusted() []string {
	out := make([]string, len(builtinTrusted))
	copy(out, builtinTrusted)
	return out
}

// ReputationPrior dampens probabilities for trusted registrable domains.
// It is immutable after construction.
type ReputationPrior struct {
	weights map[string]float64
	band    float64
}

// NewReputationPrior creates a prior from domain weights. Weights are
// clamped to [0, MaxReputationWeight]; band must lie in (0, 1].
func NewReputationPrior(weights map[string]float64, band float64) (*ReputationPrior, error) {
	if !(band > 0 && band <= 1) {
		return nil, fmt.Errorf("high confidence band %v outside (0,1]", band)
	}
	r := &ReputationPrior{
		weights: make(map[string]float64, len(weights)),
		band:    band,
	}
	for d, w := range weights {
		d = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
		if d == "" {
			continue
		}
		r.weights[d] = clampWeight(w)
	}
	return r, nil
}

// DefaultWeights maps every built-in domain to weight
func DefaultWeights(weight float64) map[string]float64 {
	m := make(map[string]float64, len(builtinTrusted))
	for _, d := range builtinTrusted {
		m[d] = weight
	}
	return m
}

// Apply adjusts p for the registrable domain etld1. Listed domains below
// the band get p*(1-w); at or above the band p is returned unchanged so a
// confident phishing score on a trusted domain cannot be laundered.
func (r *ReputationPrior) Apply(etld1 string, p float64) (float64, models.ReputationInfo) {
	info := models.ReputationInfo{ETLD1: etld1}
	if r == nil {
		return p, info
	}
	w, ok := r.weights[etld1]
	if !ok {
		return p, info
	}
	if p >= r.band {
		info.Label = LabelHighConfidenceIgnored
		return p, info
	}

	info.Used = true
	info.Label = LabelTrusted
	info.Weight = w
	return clampUnit(p * (1 - w)), info
}

// Len returns the number of listed domains
func (r *ReputationPrior) Len() int {
	if r == nil {
		return 0
	}
	return len(r.weights)
}

// Band returns the high-confidence band
func (r *ReputationPrior) Band() float64 {
	if r == nil {
		return 0
	}
	return r.band
}

// ParseTrustedList reads "domain [weight]" lines; blank lines and lines
// starting with # are skipped.
func ParseTrustedList(rd io.Reader, defaultWeight float64) (map[string]float64, error) {
	out := make(map[string]float64)
	sc := bufio.NewScanner(rd)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		w := defaultWeight
		if len(fields) > 1 {
			v, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad weight %q", lineNo, fields[1])
			}
			w = v
		}
		out[strings.ToLower(fields[0])] = clampWeight(w)
	}
	return out, sc.Err()
}

// LoadTrustedFile reads a trusted list from path
func LoadTrustedFile(path string, defaultWeight float64) (map[string]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseTrustedList(f, defaultWeight)
}

func clampWeight(w float64) float64 {
	if math.IsNaN(w) || w < 0 {
		return 0
	}
	if w > MaxReputationWeight {
		return MaxReputationWeight
	}
	return w
}
