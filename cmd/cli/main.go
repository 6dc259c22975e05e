// PhishGuard CLI - verdict testing and key management tool
package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"phishguard/internal/analyzer"
	"phishguard/internal/app"
	"phishguard/internal/client"
	"phishguard/internal/config"
	"phishguard/internal/logging"
	"phishguard/internal/models"
	"phishguard/internal/signing"
	"phishguard/internal/store"
	"phishguard/internal/verifier"
)

const (
	Version          = "1.0.0"
	DefaultServerURL = "http://localhost:5000"
)

func main() {
	// Subcommands
	predictCmd := flag.NewFlagSet("predict", flag.ExitOnError)
	verifyCmd := flag.NewFlagSet("verify", flag.ExitOnError)
	healthCmd := flag.NewFlagSet("health", flag.ExitOnError)
	explainCmd := flag.NewFlagSet("explain", flag.ExitOnError)
	keygenCmd := flag.NewFlagSet("keygen", flag.ExitOnError)
	warmCmd := flag.NewFlagSet("warm", flag.ExitOnError)

	// Predict flags
	predictURL := predictCmd.String("url", "", "URL to check")
	predictServer := predictCmd.String("server", DefaultServerURL, "Service URL")
	predictPin := predictCmd.String("pubkey", "", "Pinned public key PEM file (optional)")
	predictJSON := predictCmd.Bool("json", false, "Print the raw signed response")

	// Verify flags
	verifyFile := verifyCmd.String("file", "-", "Signed verdict JSON file, - for stdin")
	verifyPin := verifyCmd.String("pubkey", "", "Pinned public key PEM file (optional)")
	verifyMAC := verifyCmd.String("mac-secret", "", "MAC secret for the privileged check (optional)")
	verifySkew := verifyCmd.Duration("max-skew", 60*time.Second, "Allowed clock skew")

	// Health flags
	healthServer := healthCmd.String("server", DefaultServerURL, "Service URL")

	// Explain flags
	explainURL := explainCmd.String("url", "", "URL to score locally")
	explainConfig := explainCmd.String("config", "config.toml", "Path to configuration file")
	explainTop := explainCmd.Int("top", 5, "Number of contributions to show")

	// Keygen flags
	keygenDir := keygenCmd.String("out", "keys", "Output directory")

	// Warm flags
	warmConfig := warmCmd.String("config", "config.toml", "Path to configuration file")
	warmFile := warmCmd.String("file", "", "Extra URLs, one per line (optional)")
	warmWorkers := warmCmd.Int("workers", 4, "Parallel lookups")

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "predict":
		predictCmd.Parse(os.Args[2:])
		if *predictURL == "" {
			fmt.Println("Error: -url is required")
			os.Exit(1)
		}
		runPredict(*predictServer, *predictURL, *predictPin, *predictJSON)

	case "verify":
		verifyCmd.Parse(os.Args[2:])
		runVerify(*verifyFile, *verifyPin, *verifyMAC, *verifySkew)

	case "health":
		healthCmd.Parse(os.Args[2:])
		runHealth(*healthServer)

	case "explain":
		explainCmd.Parse(os.Args[2:])
		if *explainURL == "" {
			fmt.Println("Error: -url is required")
			os.Exit(1)
		}
		runExplain(*explainConfig, *explainURL, *explainTop)

	case "keygen":
		keygenCmd.Parse(os.Args[2:])
		runKeygen(*keygenDir)

	case "warm":
		warmCmd.Parse(os.Args[2:])
		runWarm(*warmConfig, *warmFile, *warmWorkers)

	case "version":
		fmt.Printf("PhishGuard CLI v%s\n", Version)

	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`PhishGuard CLI v1.0 - Signed Verdict Tool

Usage:
  phishguard-cli <command> [options]

Commands:
  predict   Fetch and verify a verdict for one URL
  verify    Verify a saved signed verdict
  health    Check service health
  explain   Score a URL locally and show the top contributions
  keygen    Generate an RSA key pair and a MAC secret
  warm      Prefetch signals for trusted domains into the signal store
  version   Print version

Examples:
  phishguard-cli predict -url http://paypal.com.secure-login.ru/
  phishguard-cli predict -url https://github.com -json > verdict.json
  phishguard-cli verify -file verdict.json -mac-secret "$HMAC_SECRET"
  phishguard-cli explain -url http://192.168.1.20/verify-account
  phishguard-cli keygen -out keys
  phishguard-cli warm -file urls.txt`)
}

func runPredict(serverURL, link, pinFile string, jsonOutput bool) {
	pinned := readOptional(pinFile)
	c, err := client.New(client.Options{BaseURL: serverURL, PinnedKeyPEM: pinned})
	if err != nil {
		fail(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	raw, err := c.Fetch(ctx, link)
	if err != nil {
		fail(err)
	}

	if jsonOutput {
		out, _ := json.MarshalIndent(raw, "", "  ")
		fmt.Println(string(out))
		return
	}

	fmt.Printf("🔍 Checking: %s\n", link)
	fmt.Printf("📡 Server: %s\n\n", serverURL)

	res := c.Verify(raw)
	sv, err := raw.Decode()
	if err != nil {
		fail(err)
	}
	printVerdict(sv, res, time.Since(start))
}

func runVerify(path, pinFile, macSecret string, maxSkew time.Duration) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		fail(err)
	}

	var raw models.RawSignedVerdict
	if err := json.Unmarshal(data, &raw); err != nil {
		fail(fmt.Errorf("decode verdict: %w", err))
	}

	opts := verifier.Options{PinnedKeyPEM: readOptional(pinFile), MaxSkew: maxSkew}
	if macSecret != "" {
		key, err := signing.DeriveMACKey(macSecret, rand.Reader)
		if err != nil {
			fail(err)
		}
		opts.MACKey = key
	}
	v, err := verifier.New(opts)
	if err != nil {
		fail(err)
	}

	res := v.CheckRaw(&raw)
	sv, err := raw.Decode()
	if err != nil {
		fail(err)
	}
	printVerdict(sv, res, 0)
	if !res.Trusted() {
		os.Exit(2)
	}
}

func printVerdict(sv *models.SignedVerdict, res verifier.Result, latency time.Duration) {
	p := sv.Payload

	emoji := "✅"
	if p.Prediction == models.PredictionPhishing {
		emoji = "🚨"
	}
	if !res.Trusted() {
		emoji = "❓"
	}

	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("%s Verdict: %s\n", emoji, p.Prediction)
	fmt.Printf("📊 Probability: %.6f (threshold %.2f)\n", p.Probability, p.Threshold)
	fmt.Printf("🧠 Model: %s\n", p.Model)
	if latency > 0 {
		fmt.Printf("⏱️  Latency: %dms\n", latency.Milliseconds())
	}
	fmt.Printf("🕒 Expires: %s\n", time.Unix(p.ExpiresAt, 0).Format(time.RFC3339))
	if p.Reputation != nil && p.Reputation.Label != "" {
		fmt.Printf("🏷️  Reputation: %s (%s, weight %.2f)\n", p.Reputation.ETLD1, p.Reputation.Label, p.Reputation.Weight)
	}
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")

	fmt.Println("\n🔐 Verification:")
	fmt.Printf("  %s signature\n", mark(res.SignatureValid))
	if res.MACChecked {
		fmt.Printf("  %s mac\n", mark(res.MACValid))
	}
	fmt.Printf("  %s fresh\n", mark(res.Fresh))
	if res.Reason != "" {
		fmt.Printf("  reason: %s\n", res.Reason)
	}

	if len(p.Sources) > 0 {
		fmt.Println("\n📋 Signals:")
		for _, name := range []string{models.SignalWhois, models.SignalCT, models.SignalDOM} {
			if src, ok := p.Sources[name]; ok {
				fmt.Printf("  %-6s %s\n", name, src)
			}
		}
		if p.UsedFallback {
			fmt.Println("  ⚠️  some signals were unavailable and scored as neutral")
		}
	}
}

func mark(ok bool) string {
	if ok {
		return "✓"
	}
	return "✗"
}

func runHealth(serverURL string) {
	fmt.Printf("🏥 Checking health: %s\n\n", serverURL)

	c, err := client.New(client.Options{BaseURL: serverURL})
	if err != nil {
		fail(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := c.Health(ctx)
	if err != nil {
		fmt.Printf("❌ Service unreachable: %v\n", err)
		os.Exit(1)
	}

	var pretty bytes.Buffer
	body, _ := json.Marshal(result)
	json.Indent(&pretty, body, "", "  ")
	fmt.Println(pretty.String())
}

func runExplain(configPath, link string, top int) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fail(err)
	}
	logger, closeLog, err := logging.New(cfg.Logging)
	if err != nil {
		fail(err)
	}
	defer closeLog()

	var (
		model *analyzer.LogisticModel
		cal   *analyzer.Isotonic
	)
	if cfg.Model.BundlePath != "" {
		model, cal, err = analyzer.LoadBundle(cfg.Model.BundlePath)
	} else {
		model, cal, err = analyzer.FromBundle(analyzer.DefaultBundle())
	}
	if err != nil {
		fail(err)
	}

	st, err := store.Open(cfg.Signals.StorePath, cfg.Signals.StoreTTL)
	if err != nil {
		fail(err)
	}
	defer st.Close()

	ext := app.NewExtractor(cfg, st, logger)
	fv, err := ext.Extract(context.Background(), link)
	if err != nil {
		fail(err)
	}
	raw, err := model.Predict(fv.Values)
	if err != nil {
		fail(err)
	}

	fmt.Printf("🔍 %s\n", fv.URL)
	fmt.Printf("📊 Raw %.6f, calibrated %.6f (%s)\n\n", raw, cal.Calibrate(raw), model.Version())
	fmt.Println("📋 Top contributions:")
	for _, c := range model.Explain(fv.Values, top) {
		fmt.Printf("  %+.4f  %s\n", c.Contribution, c.FeatureName)
	}
	for name, src := range fv.Sources {
		fmt.Printf("  %s: %s\n", name, src)
	}
}

func runKeygen(dir string) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		fail(err)
	}

	priv, err := rsa.GenerateKey(rand.Reader, signing.RSAKeyBits)
	if err != nil {
		fail(err)
	}
	privPEM, err := signing.EncodePrivateKeyPEM(priv)
	if err != nil {
		fail(err)
	}
	pubPEM, err := signing.EncodePublicKeyPEM(&priv.PublicKey)
	if err != nil {
		fail(err)
	}

	secret := make([]byte, signing.MACKeySize)
	if _, err := rand.Read(secret); err != nil {
		fail(err)
	}

	privPath := filepath.Join(dir, "private.pem")
	pubPath := filepath.Join(dir, "public.pem")
	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		fail(err)
	}
	if err := os.WriteFile(pubPath, []byte(pubPEM), 0o644); err != nil {
		fail(err)
	}

	fmt.Printf("🔑 Private key: %s\n", privPath)
	fmt.Printf("🔓 Public key:  %s\n", pubPath)
	fmt.Printf("\nexport HMAC_SECRET=%s\n", base64.StdEncoding.EncodeToString(secret))
}

func runWarm(configPath, extraFile string, workers int) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fail(err)
	}
	logger, closeLog, err := logging.New(cfg.Logging)
	if err != nil {
		fail(err)
	}
	defer closeLog()

	st, err := store.Open(cfg.Signals.StorePath, cfg.Signals.StoreTTL)
	if err != nil {
		fail(err)
	}
	defer st.Close()
	ext := app.NewExtractor(cfg, st, logger)

	var links []string
	for _, d := range analyzer.BuiltinTrusted() {
		links = append(links, "https://"+d+"/")
	}
	if cfg.Reputation.ListPath != "" {
		extra, err := analyzer.LoadTrustedFile(cfg.Reputation.ListPath, cfg.Reputation.DefaultWeight)
		if err == nil {
			for d := range extra {
				links = append(links, "https://"+d+"/")
			}
		}
	}
	if extraFile != "" {
		links = append(links, loadLinksFromFile(extraFile)...)
	}

	fmt.Printf("🔥 Warming %d URLs with %d workers\n\n", len(links), workers)

	var (
		mu      sync.Mutex
		counts  = map[string]int{}
		errored int
	)
	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(workers)
	for _, link := range links {
		link := link
		g.Go(func() error {
			fv, err := ext.Extract(ctx, link)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errored++
				return nil
			}
			for _, src := range fv.Sources {
				counts[src]++
			}
			return nil
		})
	}
	g.Wait()

	n, _ := st.Count(context.Background())
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("   Network: %d\n", counts[models.SourceNetwork])
	fmt.Printf("   Cache:   %d\n", counts[models.SourceCache])
	fmt.Printf("   ⚠️  Fallback: %d\n", counts[models.SourceFallback])
	fmt.Printf("   Disabled: %d\n", counts[models.SourceDisabled])
	fmt.Printf("   ❌ Errors: %d\n", errored)
	fmt.Printf("   📦 Stored signals: %d\n", n)
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
}

func loadLinksFromFile(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		fail(err)
	}
	defer f.Close()

	var links []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			links = append(links, line)
		}
	}
	return links
}

func readOptional(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		fail(err)
	}
	return string(data)
}

func fail(err error) {
	fmt.Printf("❌ Error: %v\n", err)
	os.Exit(1)
}
