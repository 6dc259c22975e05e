// Package verifier checks signed verdicts on the receiving side. Every check
// resolves to a boolean or a structured Result; nothing here panics or
// returns a hard error to the caller for a bad verdict.
package verifier

import (
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"phishguard/internal/canonical"
	"phishguard/internal/models"
	"phishguard/internal/signing"
)

var (
	// ErrExpired means exp is not after now
	ErrExpired = errors.New("verdict expired")

	// ErrIssuedInFuture means iat is further ahead than the allowed skew
	ErrIssuedInFuture = errors.New("verdict issued in the future")

	// ErrBadWindow means exp is not after iat
	ErrBadWindow = errors.New("verdict expiry precedes issue time")
)

// DefaultMaxSkew is the tolerated clock difference for iat
const DefaultMaxSkew = 60 * time.Second

// Verify recomputes the canonical bytes of payload and checks the base64
// RSA PKCS#1 v1.5 SHA-256 signature with the PEM public key.
func Verify(payload interface{}, signatureB64, publicKeyPEM string) bool {
	pub, err := signing.ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return false
	}
	return VerifyWithKey(payload, signatureB64, pub)
}

// VerifyWithKey is Verify with an already parsed key
func VerifyWithKey(payload interface{}, signatureB64 string, pub *rsa.PublicKey) bool {
	msg, err := canonical.Marshal(payload)
	if err != nil {
		return false
	}
	return verifyBytes(msg, signatureB64, pub)
}

// VerifyRaw checks the signature over payload JSON exactly as received
func VerifyRaw(payloadJSON json.RawMessage, signatureB64, publicKeyPEM string) bool {
	pub, err := signing.ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return false
	}
	msg, err := canonical.FromJSON(payloadJSON)
	if err != nil {
		return false
	}
	return verifyBytes(msg, signatureB64, pub)
}

func verifyBytes(msg []byte, signatureB64 string, pub *rsa.PublicKey) bool {
	if pub == nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil || len(sig) == 0 {
		return false
	}
	digest := sha256.Sum256(msg)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) == nil
}

// VerifyMAC checks the base64 HMAC-SHA256 tag over the canonical payload
func VerifyMAC(payload interface{}, macB64 string, key []byte) bool {
	msg, err := canonical.Marshal(payload)
	if err != nil {
		return false
	}
	return verifyMACBytes(msg, macB64, key)
}

func verifyMACBytes(msg []byte, macB64 string, key []byte) bool {
	if len(key) == 0 {
		return false
	}
	tag, err := base64.StdEncoding.DecodeString(macB64)
	if err != nil || len(tag) == 0 {
		return false
	}
	return hmac.Equal(tag, signing.ComputeMAC(key, msg))
}

// CheckFreshness applies the replay policy: reject expired verdicts and
// verdicts issued implausibly far in the future.
func CheckFreshness(p *models.VerdictPayload, now time.Time, maxSkew time.Duration) error {
	if p.ExpiresAt <= p.IssuedAt {
		return ErrBadWindow
	}
	if p.Expired(now) {
		return ErrExpired
	}
	if time.Unix(p.IssuedAt, 0).After(now.Add(maxSkew)) {
		return ErrIssuedInFuture
	}
	return nil
}
