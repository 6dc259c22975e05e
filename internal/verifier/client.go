package verifier

import (
	"crypto/rsa"
	"encoding/json"
	"time"

	"phishguard/internal/canonical"
	"phishguard/internal/models"
	"phishguard/internal/signing"
)

// Result is the outcome of a full verdict check
type Result struct {
	SignatureValid bool   `json:"signature_valid"`
	MACChecked     bool   `json:"mac_checked"`
	MACValid       bool   `json:"mac_valid"`
	Fresh          bool   `json:"fresh"`
	Reason         string `json:"reason,omitempty"`
}

// Trusted reports whether the verdict may drive a decision
func (r Result) Trusted() bool {
	if !r.SignatureValid || !r.Fresh {
		return false
	}
	if r.MACChecked && !r.MACValid {
		return false
	}
	return true
}

// Options configures a Verifier
type Options struct {
	// PinnedKeyPEM, when set, is used instead of the key shipped with the verdict
	PinnedKeyPEM string

	// MACKey enables the tag check for privileged verifiers
	MACKey []byte

	// MaxSkew bounds how far iat may be ahead of the local clock
	MaxSkew time.Duration

	// Now overrides the clock for tests
	Now func() time.Time
}

// Verifier runs signature, MAC and freshness checks. It holds no mutable
// state, so independent verdicts may be checked concurrently.
type Verifier struct {
	pinned  *rsa.PublicKey
	macKey  []byte
	maxSkew time.Duration
	now     func() time.Time
}

// New creates a Verifier. A malformed pinned key is reported here, at
// construction, rather than on each check.
func New(opts Options) (*Verifier, error) {
	v := &Verifier{
		macKey:  opts.MACKey,
		maxSkew: opts.MaxSkew,
		now:     opts.Now,
	}
	if v.maxSkew <= 0 {
		v.maxSkew = DefaultMaxSkew
	}
	if v.now == nil {
		v.now = time.Now
	}
	if opts.PinnedKeyPEM != "" {
		pub, err := signing.ParsePublicKeyPEM(opts.PinnedKeyPEM)
		if err != nil {
			return nil, err
		}
		v.pinned = pub
	}
	return v, nil
}

// Check verifies a decoded verdict
func (v *Verifier) Check(sv *models.SignedVerdict) Result {
	if sv == nil {
		return Result{Reason: "missing verdict"}
	}
	msg, err := canonical.Marshal(sv.Payload)
	if err != nil {
		return Result{Reason: "payload cannot be canonicalized"}
	}
	return v.check(msg, &sv.Payload, sv.Signature, sv.PubKeyPEM, sv.MAC)
}

// CheckRaw verifies a verdict whose payload bytes are kept as received
func (v *Verifier) CheckRaw(raw *models.RawSignedVerdict) Result {
	if raw == nil || len(raw.Payload) == 0 {
		return Result{Reason: "missing payload"}
	}
	msg, err := canonical.FromJSON(raw.Payload)
	if err != nil {
		return Result{Reason: "payload cannot be canonicalized"}
	}
	var p models.VerdictPayload
	if err := json.Unmarshal(raw.Payload, &p); err != nil {
		return Result{Reason: "payload is not a verdict"}
	}
	return v.check(msg, &p, raw.Signature, raw.PubKeyPEM, raw.MAC)
}

func (v *Verifier) check(msg []byte, p *models.VerdictPayload, sig, pemText, mac string) Result {
	var res Result

	pub := v.pinned
	if pub == nil {
		parsed, err := signing.ParsePublicKeyPEM(pemText)
		if err != nil {
			res.Reason = "malformed public key"
			return res
		}
		pub = parsed
	}

	res.SignatureValid = verifyBytes(msg, sig, pub)
	if !res.SignatureValid {
		res.Reason = "signature mismatch"
		return res
	}

	if len(v.macKey) > 0 {
		res.MACChecked = true
		res.MACValid = verifyMACBytes(msg, mac, v.macKey)
		if !res.MACValid {
			res.Reason = "mac mismatch"
			return res
		}
	}

	if err := CheckFreshness(p, v.now(), v.maxSkew); err != nil {
		res.Reason = err.Error()
		return res
	}
	res.Fresh = true
	return res
}
