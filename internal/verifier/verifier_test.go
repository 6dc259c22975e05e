package verifier

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"phishguard/internal/models"
	"phishguard/internal/signing"
)

var (
	keysOnce sync.Once
	keyA     *rsa.PrivateKey
	keyB     *rsa.PrivateKey
)

func testKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()
	keysOnce.Do(func() {
		var err error
		if keyA, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			t.Fatal(err)
		}
		if keyB, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			t.Fatal(err)
		}
	})
	return keyA, keyB
}

var macKey = bytes.Repeat([]byte{0x42}, 32)

func sealed(t *testing.T, p models.VerdictPayload) *models.SignedVerdict {
	t.Helper()
	a, _ := testKeys(t)
	km, err := signing.NewKeyMaterial(a, macKey)
	if err != nil {
		t.Fatal(err)
	}
	sv, err := signing.NewSigner(km).Seal(p)
	if err != nil {
		t.Fatal(err)
	}
	return sv
}

func basePayload(now time.Time) models.VerdictPayload {
	return models.VerdictPayload{
		URL:          "http://example-bank-login.ru/secure",
		Prediction:   models.PredictionPhishing,
		Probability:  0.92,
		Threshold:    0.5,
		FeaturesUsed: 86,
		Model:        "test/1",
		IssuedAt:     now.Unix(),
		ExpiresAt:    now.Add(5 * time.Minute).Unix(),
		Nonce:        "a1b2c3d4e5f60718293a4b5c6d7e8f90",
		UsedFallback: false,
		Sources:      map[string]string{"whois": "network", "ct": "network", "dom": "disabled"},
		Reputation:   &models.ReputationInfo{Used: false, ETLD1: "example-bank-login.ru"},
	}
}

func TestSignatureRoundTrip(t *testing.T) {
	now := time.Now()
	sv := sealed(t, basePayload(now))
	if !Verify(sv.Payload, sv.Signature, sv.PubKeyPEM) {
		t.Fatal("valid signature rejected")
	}
	if !VerifyMAC(sv.Payload, sv.MAC, macKey) {
		t.Fatal("valid mac rejected")
	}
}

func TestMutatingAnyFieldBreaksSignature(t *testing.T) {
	now := time.Now()
	sv := sealed(t, basePayload(now))

	mutations := map[string]func(p *models.VerdictPayload){
		"url":           func(p *models.VerdictPayload) { p.URL += "x" },
		"prediction":    func(p *models.VerdictPayload) { p.Prediction = models.PredictionLegit },
		"probability":   func(p *models.VerdictPayload) { p.Probability = 0.12 },
		"threshold":     func(p *models.VerdictPayload) { p.Threshold = 0.95 },
		"features_used": func(p *models.VerdictPayload) { p.FeaturesUsed = 85 },
		"model":         func(p *models.VerdictPayload) { p.Model = "other" },
		"iat":           func(p *models.VerdictPayload) { p.IssuedAt++ },
		"exp":           func(p *models.VerdictPayload) { p.ExpiresAt += 3600 },
		"nonce":         func(p *models.VerdictPayload) { p.Nonce = "00" },
		"used_fallback": func(p *models.VerdictPayload) { p.UsedFallback = true },
		"sources":       func(p *models.VerdictPayload) { p.Sources = map[string]string{"whois": "fallback"} },
		"reputation":    func(p *models.VerdictPayload) { p.Reputation = &models.ReputationInfo{Used: true} },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			p := sv.Payload
			p.Sources = map[string]string{}
			for k, v := range sv.Payload.Sources {
				p.Sources[k] = v
			}
			mutate(&p)
			if Verify(p, sv.Signature, sv.PubKeyPEM) {
				t.Error("mutated payload still verifies")
			}
			if VerifyMAC(p, sv.MAC, macKey) {
				t.Error("mutated payload still passes mac")
			}
		})
	}
}

func TestVerifyReturnsFalseOnBadInputs(t *testing.T) {
	now := time.Now()
	sv := sealed(t, basePayload(now))
	_, other := testKeys(t)
	otherPEM, _ := signing.EncodePublicKeyPEM(&other.PublicKey)

	tests := []struct {
		name string
		sig  string
		pem  string
	}{
		{"other key", sv.Signature, otherPEM},
		{"malformed key", sv.Signature, "-----BEGIN PUBLIC KEY-----\nZm9v\n-----END PUBLIC KEY-----\n"},
		{"empty key", sv.Signature, ""},
		{"non-base64 signature", "!!!", sv.PubKeyPEM},
		{"empty signature", "", sv.PubKeyPEM},
		{"truncated signature", sv.Signature[:20], sv.PubKeyPEM},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if Verify(sv.Payload, tt.sig, tt.pem) {
				t.Error("expected false")
			}
		})
	}

	if Verify(map[string]interface{}{"ch": make(chan int)}, sv.Signature, sv.PubKeyPEM) {
		t.Error("uncanonicalizable payload verified")
	}
	if VerifyMAC(sv.Payload, sv.MAC, nil) {
		t.Error("mac verified without key")
	}
}

func TestVerifyRawIgnoresKeyOrderAndWhitespace(t *testing.T) {
	now := time.Now()
	sv := sealed(t, basePayload(now))

	// Re-encode with a different key order and indentation
	var generic map[string]interface{}
	raw, _ := json.Marshal(sv.Payload)
	if err := json.Unmarshal(raw, &generic); err != nil {
		t.Fatal(err)
	}
	shuffled, err := json.MarshalIndent(generic, "", "    ")
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyRaw(shuffled, sv.Signature, sv.PubKeyPEM) {
		t.Error("re-ordered payload rejected")
	}

	tampered := bytes.Replace(shuffled, []byte(`"phishing"`), []byte(`"legit"`), 1)
	if VerifyRaw(tampered, sv.Signature, sv.PubKeyPEM) {
		t.Error("tampered raw payload accepted")
	}
	if VerifyRaw([]byte("{not json"), sv.Signature, sv.PubKeyPEM) {
		t.Error("malformed raw payload accepted")
	}
}

func TestCheckFreshness(t *testing.T) {
	now := time.Unix(1700000000, 0)
	tests := []struct {
		name string
		iat  int64
		exp  int64
		want error
	}{
		{"fresh", now.Unix() - 10, now.Unix() + 290, nil},
		{"expired", now.Unix() - 400, now.Unix() - 100, ErrExpired},
		{"expires now", now.Unix() - 300, now.Unix(), ErrExpired},
		{"future", now.Unix() + 3600, now.Unix() + 3900, ErrIssuedInFuture},
		{"small skew allowed", now.Unix() + 30, now.Unix() + 330, nil},
		{"inverted window", now.Unix(), now.Unix(), ErrBadWindow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &models.VerdictPayload{IssuedAt: tt.iat, ExpiresAt: tt.exp}
			if got := CheckFreshness(p, now, DefaultMaxSkew); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVerifierFlagsExpiredButValidSignature(t *testing.T) {
	issued := time.Unix(1700000000, 0)
	sv := sealed(t, basePayload(issued))

	v, err := New(Options{Now: func() time.Time { return issued.Add(time.Hour) }})
	if err != nil {
		t.Fatal(err)
	}
	res := v.Check(sv)
	if !res.SignatureValid {
		t.Error("signature should still be cryptographically valid")
	}
	if res.Fresh || res.Trusted() {
		t.Errorf("expired verdict trusted: %+v", res)
	}
	if res.Reason != ErrExpired.Error() {
		t.Errorf("reason = %q", res.Reason)
	}
}

func TestVerifierMACAndPinnedKey(t *testing.T) {
	now := time.Now()
	sv := sealed(t, basePayload(now))
	a, other := testKeys(t)
	pinnedA, _ := signing.EncodePublicKeyPEM(&a.PublicKey)
	pinnedOther, _ := signing.EncodePublicKeyPEM(&other.PublicKey)

	privileged, err := New(Options{MACKey: macKey, PinnedKeyPEM: pinnedA})
	if err != nil {
		t.Fatal(err)
	}
	if res := privileged.Check(sv); !res.Trusted() || !res.MACChecked {
		t.Errorf("privileged check failed: %+v", res)
	}

	forged := *sv
	forged.MAC = "AAAA"
	if res := privileged.Check(&forged); res.Trusted() || res.MACValid {
		t.Errorf("bad mac trusted: %+v", res)
	}

	pinnedWrong, err := New(Options{PinnedKeyPEM: pinnedOther})
	if err != nil {
		t.Fatal(err)
	}
	if res := pinnedWrong.Check(sv); res.SignatureValid {
		t.Error("verdict accepted under a different pinned key")
	}

	if _, err := New(Options{PinnedKeyPEM: "garbage"}); err == nil {
		t.Error("expected error for malformed pinned key")
	}
}

func TestCheckRaw(t *testing.T) {
	now := time.Now()
	sv := sealed(t, basePayload(now))
	body, err := json.Marshal(sv)
	if err != nil {
		t.Fatal(err)
	}
	var raw models.RawSignedVerdict
	if err := json.Unmarshal(body, &raw); err != nil {
		t.Fatal(err)
	}
	v, _ := New(Options{})
	if res := v.CheckRaw(&raw); !res.Trusted() {
		t.Errorf("raw verdict not trusted: %+v", res)
	}
	if res := v.CheckRaw(&models.RawSignedVerdict{}); res.Trusted() {
		t.Error("empty raw verdict trusted")
	}
	if res := v.Check(nil); res.Trusted() {
		t.Error("nil verdict trusted")
	}
}

func TestParallelVerificationsAreIndependent(t *testing.T) {
	now := time.Now()
	good := sealed(t, basePayload(now))
	bad := *good
	bad.Payload.Probability = 0.01

	var wg sync.WaitGroup
	errs := make(chan string, 64)
	for i := 0; i < 32; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if !Verify(good.Payload, good.Signature, good.PubKeyPEM) {
				errs <- "good rejected"
			}
		}()
		go func() {
			defer wg.Done()
			if Verify(bad.Payload, bad.Signature, bad.PubKeyPEM) {
				errs <- "bad accepted"
			}
		}()
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
}
