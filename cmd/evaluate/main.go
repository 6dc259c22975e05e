// Offline evaluation: runs a labeled URL set through the verdict pipeline
// and reports detection metrics.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"phishguard/internal/app"
	"phishguard/internal/config"
	"phishguard/internal/logging"
	"phishguard/internal/models"
)

type sample struct {
	url   string
	label bool
}

type outcome struct {
	sample
	predicted bool
	prob      float64
	fallback  bool
	latency   time.Duration
	err       error
}

func main() {
	configPath := flag.String("config", "config.toml", "Path to configuration file")
	input := flag.String("input", "labeled.csv", "CSV of url,label (label 1/phishing or 0/legit)")
	output := flag.String("output", "results.csv", "Per-URL results")
	workers := flag.Int("workers", 10, "Parallel evaluations")
	urlOnly := flag.Bool("url-only", false, "Score from URL features only")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *urlOnly {
		cfg.Signals.URLOnly = true
	}
	logger, closeLog, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatal(err)
	}
	defer closeLog()

	samples, err := readSamples(*input)
	if err != nil {
		log.Fatalf("Failed to read %s: %v", *input, err)
	}

	svc, err := app.New(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}
	defer svc.Close()

	outFile, err := os.Create(*output)
	if err != nil {
		log.Fatal(err)
	}
	defer outFile.Close()
	writer := csv.NewWriter(outFile)
	defer writer.Flush()
	writer.Write([]string{"url", "label", "prediction", "probability", "used_fallback", "latency_ms", "error"})

	jobs := make(chan sample, len(samples))
	results := make(chan outcome, len(samples))
	var wg sync.WaitGroup

	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for s := range jobs {
				results <- evaluate(svc, s)
			}
		}()
	}

	for _, s := range samples {
		jobs <- s
	}
	close(jobs)
	go func() { wg.Wait(); close(results) }()

	var m metrics
	for r := range results {
		m.add(r)
		writer.Write(r.row())
		if r.err != nil {
			fmt.Printf("[ERR] %s: %v\n", r.url, r.err)
		}
	}

	m.print()
	fmt.Printf("Done! Check %s\n", *output)
}

func evaluate(svc *app.Service, s sample) outcome {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	sv, err := svc.Builder.Evaluate(ctx, s.url)
	o := outcome{sample: s, latency: time.Since(start), err: err}
	if err != nil {
		return o
	}
	o.predicted = sv.Payload.Prediction == models.PredictionPhishing
	o.prob = sv.Payload.Probability
	o.fallback = sv.Payload.UsedFallback
	return o
}

func (o outcome) row() []string {
	errStr := ""
	pred := ""
	if o.err != nil {
		errStr = o.err.Error()
	} else if o.predicted {
		pred = string(models.PredictionPhishing)
	} else {
		pred = string(models.PredictionLegit)
	}
	return []string{
		o.url,
		labelString(o.label),
		pred,
		strconv.FormatFloat(o.prob, 'f', 6, 64),
		strconv.FormatBool(o.fallback),
		strconv.FormatInt(o.latency.Milliseconds(), 10),
		errStr,
	}
}

type metrics struct {
	tp, fp, tn, fn int
	errors         int
	fallbacks      int
}

func (m *metrics) add(o outcome) {
	if o.err != nil {
		m.errors++
		return
	}
	if o.fallback {
		m.fallbacks++
	}
	switch {
	case o.predicted && o.label:
		m.tp++
	case o.predicted && !o.label:
		m.fp++
	case !o.predicted && o.label:
		m.fn++
	default:
		m.tn++
	}
}

func (m *metrics) print() {
	scored := m.tp + m.fp + m.tn + m.fn
	precision := ratio(m.tp, m.tp+m.fp)
	recall := ratio(m.tp, m.tp+m.fn)
	f1 := 0.0
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}

	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Scored:    %d (errors %d)\n", scored, m.errors)
	fmt.Printf("TP %d  FP %d  TN %d  FN %d\n", m.tp, m.fp, m.tn, m.fn)
	fmt.Printf("Accuracy:  %.4f\n", ratio(m.tp+m.tn, scored))
	fmt.Printf("Precision: %.4f\n", precision)
	fmt.Printf("Recall:    %.4f\n", recall)
	fmt.Printf("F1:        %.4f\n", f1)
	fmt.Printf("Fallback:  %.4f\n", ratio(m.fallbacks, scored))
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

func readSamples(path string) ([]sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	var out []sample
	for line := 1; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(rec) < 2 {
			return nil, fmt.Errorf("line %d: want url,label", line)
		}
		label, ok := parseLabel(rec[1])
		if !ok {
			if line == 1 {
				continue // header
			}
			return nil, fmt.Errorf("line %d: bad label %q", line, rec[1])
		}
		out = append(out, sample{url: strings.TrimSpace(rec[0]), label: label})
	}
	return out, nil
}

func parseLabel(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "phishing", "phish", "true":
		return true, true
	case "0", "legit", "benign", "false":
		return false, true
	}
	return false, false
}

func labelString(phish bool) string {
	if phish {
		return "1"
	}
	return "0"
}
