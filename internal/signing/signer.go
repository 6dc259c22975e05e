package signing

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"phishguard/internal/canonical"
	"phishguard/internal/models"
)

// ErrSigningFailure means no signed verdict could be produced. Callers must
// never fall back to returning the unsigned payload.
var ErrSigningFailure = errors.New("signing failure")

// Signature holds the two authentication values over one canonical payload
type Signature struct {
	Signature string `json:"signature"`
	MAC       string `json:"mac"`
}

// Signer computes tags and signatures with a fixed key set
type Signer struct {
	keys *KeyMaterial
}

// NewSigner creates a signer bound to the given key material
func NewSigner(keys *KeyMaterial) *Signer {
	return &Signer{keys: keys}
}

// PublicKeyPEM returns the PEM distributed alongside signed verdicts
func (s *Signer) PublicKeyPEM() string {
	return s.keys.PublicKeyPEM()
}

// Sign canonicalizes payload and returns the base64 RSA PKCS#1 v1.5
// SHA-256 signature and the base64 HMAC-SHA256 tag over the same bytes.
func (s *Signer) Sign(payload interface{}) (Signature, error) {
	if s == nil || s.keys == nil || s.keys.private == nil {
		return Signature{}, fmt.Errorf("%w: no signing key loaded", ErrSigningFailure)
	}

	msg, err := canonical.Marshal(payload)
	if err != nil {
		return Signature{}, fmt.Errorf("%w: %v", ErrSigningFailure, err)
	}
	return s.signBytes(msg)
}

func (s *Signer) signBytes(msg []byte) (Signature, error) {
	digest := sha256.Sum256(msg)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.keys.private, crypto.SHA256, digest[:])
	if err != nil {
		return Signature{}, fmt.Errorf("%w: %v", ErrSigningFailure, err)
	}

	return Signature{
		Signature: base64.StdEncoding.EncodeToString(sig),
		MAC:       base64.StdEncoding.EncodeToString(ComputeMAC(s.keys.macKey, msg)),
	}, nil
}

// Seal signs a verdict payload and bundles it with the public key
func (s *Signer) Seal(payload models.VerdictPayload) (*models.SignedVerdict, error) {
	sig, err := s.Sign(payload)
	if err != nil {
		return nil, err
	}
	return &models.SignedVerdict{
		Payload:   payload,
		Signature: sig.Signature,
		PubKeyPEM: s.keys.PublicKeyPEM(),
		MAC:       sig.MAC,
	}, nil
}

// ComputeMAC returns HMAC-SHA256(key, msg)
func ComputeMAC(key, msg []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(msg)
	return h.Sum(nil)
}
