// Package models provides shared types without circular dependencies
package models

import (
	"encoding/json"
	"time"
)

// Prediction is the binary classification outcome carried in a verdict
type Prediction string

const (
	PredictionPhishing Prediction = "phishing"
	PredictionLegit    Prediction = "legit"
)

// Signal source labels recorded per network-derived feature group
const (
	SourceCache    = "cache"
	SourceNetwork  = "network"
	SourceFallback = "fallback"
	SourceDisabled = "disabled"
)

// Signal group names used as keys in FeatureVector.Sources
const (
	SignalWhois = "whois"
	SignalCT    = "ct"
	SignalDOM   = "dom"
)

// FeatureVector is the fixed-length, fixed-order model input for one URL
type FeatureVector struct {
	// Normalized URL the features were computed from
	URL string `json:"url"`

	// Registrable domain (eTLD+1) of the URL host
	Domain string `json:"domain"`

	// Feature values in model order
	Values []float64 `json:"values"`

	// Where each network-derived signal group came from
	Sources map[string]string `json:"sources"`

	// True when any network-derived signal was replaced by its neutral value
	UsedFallback bool `json:"used_fallback"`
}

// ReputationInfo records what the reputation prior did to a probability
type ReputationInfo struct {
	Used   bool    `json:"used"`
	ETLD1  string  `json:"etld1,omitempty"`
	Label  string  `json:"label,omitempty"`
	Weight float64 `json:"weight,omitempty"`
}

// VerdictPayload is the exact object that gets canonicalized and signed.
// Any change after signing invalidates the signature.
type VerdictPayload struct {
	URL          string     `json:"url"`
	Prediction   Prediction `json:"prediction"`
	Probability  float64    `json:"probability"`
	Threshold    float64    `json:"threshold"`
	FeaturesUsed int        `json:"features_used"`
	Model        string     `json:"model"`
	IssuedAt     int64      `json:"iat"`
	ExpiresAt    int64      `json:"exp"`
	Nonce        string     `json:"nonce"`
	UsedFallback bool       `json:"used_fallback"`

	// Introspection
	Sources    map[string]string `json:"sources,omitempty"`
	Reputation *ReputationInfo   `json:"reputation,omitempty"`
}

// Expired reports whether the payload is past its stated expiry at now
func (p *VerdictPayload) Expired(now time.Time) bool {
	return now.Unix() >= p.ExpiresAt
}

// SignedVerdict is a payload together with its authentication material
type SignedVerdict struct {
	Payload   VerdictPayload `json:"payload"`
	Signature string         `json:"signature"`
	PubKeyPEM string         `json:"pubkey_pem"`
	MAC       string         `json:"mac,omitempty"`
}

// PredictRequest is the transport request body
type PredictRequest struct {
	URL string `json:"url"`
}

// RawSignedVerdict keeps the payload bytes exactly as received so that a
// verifier canonicalizes the issuer's number tokens, not a re-encoding.
type RawSignedVerdict struct {
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
	PubKeyPEM string          `json:"pubkey_pem"`
	MAC       string          `json:"mac,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Decode unmarshals the raw payload into a SignedVerdict
func (r *RawSignedVerdict) Decode() (*SignedVerdict, error) {
	sv := &SignedVerdict{
		Signature: r.Signature,
		PubKeyPEM: r.PubKeyPEM,
		MAC:       r.MAC,
	}
	if err := json.Unmarshal(r.Payload, &sv.Payload); err != nil {
		return nil, err
	}
	return sv, nil
}

// FeatureContribution shows how much each feature contributed
type FeatureContribution struct {
	FeatureName  string  `json:"feature_name"`
	Value        float64 `json:"value"`
	Contribution float64 `json:"contribution"`
}

// CTLogResult represents the result of a CT log query
type CTLogResult struct {
	// Whether any certificate was found in CT logs for the domain
	Found bool `json:"found"`

	// Number of entries returned
	EntryCount int `json:"entry_count"`

	// Error message if any
	Error string `json:"error,omitempty"`
}

// DOMMetrics are the page-structure signals fetched from the live page
type DOMMetrics struct {
	Forms       int     `json:"forms"`
	HasPassword bool    `json:"has_password"`
	ExtIntRatio float64 `json:"ext_int_ratio"`
	Iframes     int     `json:"iframes"`
}
