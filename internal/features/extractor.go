// Package features turns a URL into the fixed 86-entry model input. URL
// heuristics are computed locally; WHOIS age, CT presence and DOM metrics
// come from network sources and fall back to neutral values when a source
// fails, times out or is switched off.
package features

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"phishguard/internal/models"
)

// DefaultTimeout bounds all network signal fetches for one extraction
const DefaultTimeout = 6 * time.Second

var errUnknownAge = errors.New("whois creation date unknown")

// WhoisSource resolves the registration date of a registrable domain
type WhoisSource interface {
	CreationDate(ctx context.Context, domain string) (time.Time, error)
}

// CTSource queries Certificate Transparency logs for a domain
type CTSource interface {
	QueryByDomain(ctx context.Context, domain string) (*models.CTLogResult, error)
}

// DOMSource fetches page-structure metrics for a URL
type DOMSource interface {
	FetchDOM(ctx context.Context, pageURL string) (*models.DOMMetrics, error)
}

// URLExpander resolves link shorteners to their destination
type URLExpander interface {
	Expand(ctx context.Context, rawURL string) (string, error)
}

// SignalStore persists network-sourced signal values. Only values that
// came from the network are ever written.
type SignalStore interface {
	Get(ctx context.Context, key, kind string) ([]float64, bool, error)
	Put(ctx context.Context, key, kind string, values []float64) error
}

// Toggles switch network signals off. A disabled signal takes its neutral
// value and is reported as "disabled", not as a fallback.
type Toggles struct {
	DisableWhois bool
	DisableCT    bool
	DisableDOM   bool
	URLOnly      bool
}

// Options wires an Extractor to its sources
type Options struct {
	Whois    WhoisSource
	CT       CTSource
	DOM      DOMSource
	Expander URLExpander
	Store    SignalStore
	Toggles  Toggles
	Timeout  time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

// Extractor builds feature vectors
type Extractor struct {
	whois    WhoisSource
	ct       CTSource
	dom      DOMSource
	expander URLExpander
	store    SignalStore
	toggles  Toggles
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger

	// Coalesces signal fetches for the same domain across different URLs
	flight singleflight.Group
}

// NewExtractor creates an Extractor. Nil sources behave as disabled.
func NewExtractor(opts Options) *Extractor {
	e := &Extractor{
		whois:    opts.Whois,
		ct:       opts.CT,
		dom:      opts.DOM,
		expander: opts.Expander,
		store:    opts.Store,
		toggles:  opts.Toggles,
		timeout:  opts.Timeout,
		now:      opts.Now,
		logger:   opts.Logger,
	}
	if e.timeout <= 0 {
		e.timeout = DefaultTimeout
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.toggles.URLOnly {
		e.toggles.DisableWhois = true
		e.toggles.DisableCT = true
		e.toggles.DisableDOM = true
	}
	return e
}

// Toggles returns the effective signal switches
func (e *Extractor) Toggles() Toggles {
	return e.toggles
}

type signal struct {
	values []float64
	source string
}

// Extract normalizes rawURL and computes its feature vector. Only a URL
// that cannot be parsed is an error; signal failures become fallbacks.
func (e *Extractor) Extract(ctx context.Context, rawURL string) (*models.FeatureVector, error) {
	canon, err := Normalize(rawURL)
	if err != nil {
		return nil, err
	}
	canon = e.expand(ctx, canon)

	urlVals, err := URLFeatures(canon)
	if err != nil {
		return nil, err
	}

	domain := RegistrableDomain(Host(canon))

	fetchCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var (
		wg       sync.WaitGroup
		whoisSig signal
		ctSig    signal
		domSig   signal
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		whoisSig = e.whoisSignal(fetchCtx, domain)
	}()
	go func() {
		defer wg.Done()
		ctSig = e.ctSignal(fetchCtx, domain)
	}()
	go func() {
		defer wg.Done()
		domSig = e.domSignal(fetchCtx, canon)
	}()
	wg.Wait()

	values := make([]float64, Count)
	copy(values, urlVals)
	values[IdxCTFlag] = ctSig.values[0]
	values[IdxCTFlagDup] = ctSig.values[0]
	values[IdxWhoisAgeDays] = whoisSig.values[0]
	copy(values[IdxDOMForms:IdxDOMIframes+1], domSig.values)

	fv := &models.FeatureVector{
		URL:    canon,
		Domain: domain,
		Values: values,
		Sources: map[string]string{
			models.SignalWhois: whoisSig.source,
			models.SignalCT:    ctSig.source,
			models.SignalDOM:   domSig.source,
		},
	}
	for _, src := range fv.Sources {
		if src == models.SourceFallback {
			fv.UsedFallback = true
		}
	}
	return fv, nil
}

func (e *Extractor) expand(ctx context.Context, canon string) string {
	if e.expander == nil || e.toggles.URLOnly {
		return canon
	}
	expanded, err := e.expander.Expand(ctx, canon)
	if err != nil {
		e.logger.Debug("shortener expansion failed", "url", canon, "error", err)
		return canon
	}
	if expanded == canon {
		return canon
	}
	n, err := Normalize(expanded)
	if err != nil {
		e.logger.Debug("expanded url rejected", "url", expanded, "error", err)
		return canon
	}
	return n
}

func (e *Extractor) whoisSignal(ctx context.Context, domain string) signal {
	neutral := signal{values: []float64{NeutralWhoisAgeDays}}
	if e.toggles.DisableWhois || e.whois == nil {
		neutral.source = models.SourceDisabled
		return neutral
	}
	return e.resolve(ctx, domain, models.SignalWhois, neutral, func(ctx context.Context) ([]float64, error) {
		created, err := e.whois.CreationDate(ctx, domain)
		if err != nil {
			return nil, err
		}
		age := int(e.now().Sub(created).Hours() / 24)
		if age <= 0 {
			return nil, errUnknownAge
		}
		return []float64{float64(age)}, nil
	})
}

func (e *Extractor) ctSignal(ctx context.Context, domain string) signal {
	neutral := signal{values: []float64{NeutralCTFlag}}
	if e.toggles.DisableCT || e.ct == nil {
		neutral.source = models.SourceDisabled
		return neutral
	}
	return e.resolve(ctx, domain, models.SignalCT, neutral, func(ctx context.Context) ([]float64, error) {
		res, err := e.ct.QueryByDomain(ctx, domain)
		if err != nil {
			return nil, err
		}
		if res == nil {
			return nil, errors.New("ct query returned no result")
		}
		if res.Error != "" {
			return nil, fmt.Errorf("ct query: %s", res.Error)
		}
		if res.Found {
			return []float64{0}, nil
		}
		return []float64{1}, nil
	})
}

func (e *Extractor) domSignal(ctx context.Context, pageURL string) signal {
	neutral := signal{values: []float64{
		float64(NeutralDOM.Forms),
		boolToFloat(NeutralDOM.HasPassword),
		NeutralDOM.ExtIntRatio,
		float64(NeutralDOM.Iframes),
	}}
	if e.toggles.DisableDOM || e.dom == nil {
		neutral.source = models.SourceDisabled
		return neutral
	}
	return e.resolve(ctx, pageURL, models.SignalDOM, neutral, func(ctx context.Context) ([]float64, error) {
		m, err := e.dom.FetchDOM(ctx, pageURL)
		if err != nil {
			return nil, err
		}
		return []float64{
			float64(m.Forms),
			boolToFloat(m.HasPassword),
			m.ExtIntRatio,
			float64(m.Iframes),
		}, nil
	})
}

// resolve serves a stored value, else fetches once per key among
// concurrent extractions and persists successful network results.
func (e *Extractor) resolve(ctx context.Context, key, kind string, neutral signal, fetch func(context.Context) ([]float64, error)) signal {
	if e.store != nil {
		vals, ok, err := e.store.Get(ctx, key, kind)
		if err != nil {
			e.logger.Warn("signal store read failed", "kind", kind, "key", key, "error", err)
		} else if ok && len(vals) == len(neutral.values) {
			return signal{values: vals, source: models.SourceCache}
		}
	}

	v, err, _ := e.flight.Do(kind+"|"+key, func() (interface{}, error) {
		vals, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if e.store != nil {
			if err := e.store.Put(ctx, key, kind, vals); err != nil {
				e.logger.Warn("signal store write failed", "kind", kind, "key", key, "error", err)
			}
		}
		return vals, nil
	})
	if err != nil {
		e.logger.Debug("signal unavailable, using neutral value", "kind", kind, "key", key, "error", err)
		neutral.source = models.SourceFallback
		return neutral
	}

	vals := v.([]float64)
	if len(vals) != len(neutral.values) {
		neutral.source = models.SourceFallback
		return neutral
	}
	return signal{values: vals, source: models.SourceNetwork}
}
