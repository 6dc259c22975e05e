package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestReadSamples(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labeled.csv")
	data := "url,label\nhttp://paypal.com.evil.ru/login,phishing\nhttps://github.com/,0\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := readSamples(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || !got[0].label || got[1].label || got[1].url != "https://github.com/" {
		t.Errorf("samples = %+v", got)
	}

	bad := filepath.Join(t.TempDir(), "bad.csv")
	os.WriteFile(bad, []byte("http://a.example/,1\nhttp://b.example/,maybe\n"), 0o600)
	if _, err := readSamples(bad); err == nil {
		t.Error("bad label accepted")
	}
}

func TestMetrics(t *testing.T) {
	var m metrics
	for _, o := range []outcome{
		{sample: sample{label: true}, predicted: true},
		{sample: sample{label: true}, predicted: true, fallback: true},
		{sample: sample{label: true}, predicted: false},
		{sample: sample{label: false}, predicted: true},
		{sample: sample{label: false}, predicted: false},
		{sample: sample{label: false}, err: errors.New("boom")},
	} {
		m.add(o)
	}
	if m.tp != 2 || m.fn != 1 || m.fp != 1 || m.tn != 1 || m.errors != 1 || m.fallbacks != 1 {
		t.Errorf("metrics = %+v", m)
	}
	if r := ratio(m.tp, m.tp+m.fp); r < 0.666 || r > 0.667 {
		t.Errorf("precision = %v", r)
	}
	if ratio(1, 0) != 0 {
		t.Error("ratio by zero")
	}
}
