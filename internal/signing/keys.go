// Package signing issues the dual authentication (HMAC tag plus RSA
// signature) over canonical verdict payloads.
package signing

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// RSAKeyBits is the modulus size for generated key pairs
	RSAKeyBits = 2048

	// MACKeySize is the HMAC-SHA256 key length in bytes
	MACKeySize = 32

	macKeyInfo = "phishguard verdict mac v1"
)

// KeyConfig names where key material comes from
type KeyConfig struct {
	PrivateKeyFile string
	PublicKeyFile  string

	// MACSecret is the raw secret string (base64, hex, or passphrase)
	MACSecret string

	// AllowEphemeral permits generating a throwaway key pair when no
	// private key file is configured
	AllowEphemeral bool
}

// KeyMaterial is the process-wide, read-only key set. It is built once at
// startup and shared by reference; no method mutates it.
type KeyMaterial struct {
	private   *rsa.PrivateKey
	public    *rsa.PublicKey
	publicPEM string
	macKey    []byte
	ephemeral bool
}

// LoadKeyMaterial builds the key set from files and the MAC secret
func LoadKeyMaterial(cfg KeyConfig) (*KeyMaterial, error) {
	km := &KeyMaterial{}

	if cfg.PrivateKeyFile != "" {
		data, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		priv, err := ParsePrivateKeyPEM(data)
		if err != nil {
			return nil, err
		}
		km.private = priv
	} else {
		if !cfg.AllowEphemeral {
			return nil, errors.New("no private key file configured and ephemeral keys are disabled")
		}
		priv, err := rsa.GenerateKey(rand.Reader, RSAKeyBits)
		if err != nil {
			return nil, fmt.Errorf("generate ephemeral key: %w", err)
		}
		km.private = priv
		km.ephemeral = true
	}

	km.public = &km.private.PublicKey
	if cfg.PublicKeyFile != "" {
		data, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read public key: %w", err)
		}
		pub, err := ParsePublicKeyPEM(string(data))
		if err != nil {
			return nil, err
		}
		if !pub.Equal(km.public) {
			return nil, errors.New("public key file does not match private key")
		}
	}

	pemText, err := EncodePublicKeyPEM(km.public)
	if err != nil {
		return nil, err
	}
	km.publicPEM = pemText

	macKey, err := DeriveMACKey(cfg.MACSecret, rand.Reader)
	if err != nil {
		return nil, err
	}
	km.macKey = macKey

	return km, nil
}

// NewKeyMaterial wraps an existing private key and MAC key. Used by tools
// and tests that already hold the keys.
func NewKeyMaterial(priv *rsa.PrivateKey, macKey []byte) (*KeyMaterial, error) {
	if priv == nil {
		return nil, errors.New("nil private key")
	}
	pemText, err := EncodePublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	key := make([]byte, len(macKey))
	copy(key, macKey)
	return &KeyMaterial{
		private:   priv,
		public:    &priv.PublicKey,
		publicPEM: pemText,
		macKey:    key,
	}, nil
}

// PublicKey returns the verification key
func (km *KeyMaterial) PublicKey() *rsa.PublicKey { return km.public }

// PublicKeyPEM returns the SPKI PEM distributed with every verdict
func (km *KeyMaterial) PublicKeyPEM() string { return km.publicPEM }

// MACKey returns a copy of the HMAC key for privileged verifiers
func (km *KeyMaterial) MACKey() []byte {
	out := make([]byte, len(km.macKey))
	copy(out, km.macKey)
	return out
}

// Ephemeral reports whether the key pair was generated at startup
func (km *KeyMaterial) Ephemeral() bool { return km.ephemeral }

// DeriveMACKey turns the configured secret into an HMAC key. Base64 and hex
// secrets are used as-is; anything else is treated as a passphrase and
// stretched with HKDF-SHA256. An empty secret yields a random key.
func DeriveMACKey(secret string, random io.Reader) ([]byte, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		key := make([]byte, MACKeySize)
		if _, err := io.ReadFull(random, key); err != nil {
			return nil, fmt.Errorf("generate mac key: %w", err)
		}
		return key, nil
	}

	if key, err := base64.StdEncoding.DecodeString(secret); err == nil && len(key) >= 16 {
		return key, nil
	}
	if key, err := hex.DecodeString(secret); err == nil && len(key) >= 16 {
		return key, nil
	}

	key := make([]byte, MACKeySize)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(macKeyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive mac key: %w", err)
	}
	return key, nil
}

// ParsePrivateKeyPEM accepts PKCS#8 or PKCS#1 RSA private keys
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("private key: no PEM block found")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key: expected RSA, got %T", key)
		}
		return rsaKey, nil
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	return key, nil
}

// ParsePublicKeyPEM accepts SPKI ("PUBLIC KEY") or PKCS#1 ("RSA PUBLIC KEY")
func ParsePublicKeyPEM(pemText string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, errors.New("public key: no PEM block found")
	}

	if block.Type == "RSA PUBLIC KEY" {
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("public key: %w", err)
		}
		return key, nil
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key: expected RSA, got %T", key)
	}
	return rsaKey, nil
}

// EncodePublicKeyPEM renders the SPKI PEM form
func EncodePublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// EncodePrivateKeyPEM renders the unencrypted PKCS#8 PEM form
func EncodePrivateKeyPEM(priv *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}
