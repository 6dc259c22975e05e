package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"phishguard/internal/config"
	"phishguard/internal/models"
)

func offlineConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Keys.MACSecret = "correct horse battery staple"
	cfg.Signals.URLOnly = true
	cfg.Signals.DisableWhois = true
	cfg.Signals.DisableCT = true
	cfg.Signals.DisableDOM = true
	cfg.Signals.ExpandShorteners = false
	return cfg
}

func TestServiceBuildsVerifiableVerdicts(t *testing.T) {
	cfg := offlineConfig(t)
	svc, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer svc.Close()

	if !svc.Keys.Ephemeral() {
		t.Error("expected an ephemeral key without a key file")
	}
	if svc.Trusted == 0 {
		t.Error("builtin trusted list not loaded")
	}

	sv, err := svc.Builder.Evaluate(context.Background(), "http://192.168.10.5/login/verify-account")
	if err != nil {
		t.Fatal(err)
	}
	res := svc.Verifier.Check(sv)
	if !res.Trusted() || !res.MACChecked {
		t.Errorf("verification = %+v", res)
	}
	if sv.Payload.Sources[models.SignalWhois] != models.SourceDisabled {
		t.Errorf("sources = %v", sv.Payload.Sources)
	}
	if sv.Payload.Threshold != cfg.EffectiveThreshold() {
		t.Errorf("threshold = %v", sv.Payload.Threshold)
	}
}

func TestServiceLoadsTrustedListAndStore(t *testing.T) {
	dir := t.TempDir()
	list := filepath.Join(dir, "trusted.txt")
	if err := os.WriteFile(list, []byte("# extra\nexample-intranet.org 0.5\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := offlineConfig(t)
	cfg.Reputation.ListPath = list
	cfg.Signals.StorePath = filepath.Join(dir, "signals.db")

	svc, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer svc.Close()

	base, err := New(offlineConfig(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer base.Close()
	if svc.Trusted != base.Trusted+1 {
		t.Errorf("trusted = %d, builtin = %d", svc.Trusted, base.Trusted)
	}
	if _, err := os.Stat(cfg.Signals.StorePath); err != nil {
		t.Errorf("sqlite store not created: %v", err)
	}
}

func TestServiceRejectsMissingKeys(t *testing.T) {
	cfg := offlineConfig(t)
	cfg.Keys.AllowEphemeral = false
	if _, err := New(cfg, nil); err == nil {
		t.Error("expected error without a private key")
	}

	cfg = offlineConfig(t)
	cfg.Model.BundlePath = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := New(cfg, nil); err == nil {
		t.Error("expected error for a missing model bundle")
	}
}
