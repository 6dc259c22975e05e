// Package fetcher retrieves the network-derived signals: Certificate
// Transparency presence, WHOIS registration age and page structure, plus
// link-shortener expansion.
package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"phishguard/internal/models"
)

const (
	// DefaultUserAgent identifies outbound requests
	DefaultUserAgent = "PhishGuard/1.0"

	// DefaultCrtShURL is the crt.sh aggregator endpoint
	DefaultCrtShURL = "https://crt.sh/"

	// maxCTEntries caps how many crt.sh entries are decoded per query
	maxCTEntries = 1000
)

// CTLogFetcher handles Certificate Transparency log queries
type CTLogFetcher struct {
	// HTTP client for crt.sh queries
	client *http.Client

	// Aggregator endpoint, overridable for tests
	BaseURL string

	UserAgent string

	limiter *Limiter
}

// NewCTLogFetcher creates a new CT log fetcher
func NewCTLogFetcher(timeout time.Duration, limiter *Limiter) *CTLogFetcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &CTLogFetcher{
		client:    &http.Client{Timeout: timeout},
		BaseURL:   DefaultCrtShURL,
		UserAgent: DefaultUserAgent,
		limiter:   limiter,
	}
}

// CrtShEntry represents a certificate entry from crt.sh
type CrtShEntry struct {
	ID             int64  `json:"id"`
	IssuerName     string `json:"issuer_name"`
	CommonName     string `json:"common_name"`
	NameValue      string `json:"name_value"`
	NotBefore      string `json:"not_before"`
	NotAfter       string `json:"not_after"`
	EntryTimestamp string `json:"entry_timestamp"`
}

// QueryByDomain reports whether crt.sh knows any certificate for domain.
// Transport failures and non-200 responses are errors; an empty result is
// a successful "not found".
func (f *CTLogFetcher) QueryByDomain(ctx context.Context, domain string) (*models.CTLogResult, error) {
	if err := f.limiter.Wait(ctx, "crt.sh"); err != nil {
		return nil, err
	}

	reqURL := strings.TrimSuffix(f.BaseURL, "/") + "/?q=" + url.QueryEscape(domain) + "&output=json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("crt.sh returned status %d", resp.StatusCode)
	}

	n, err := countEntries(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode crt.sh response: %w", err)
	}
	return &models.CTLogResult{Found: n > 0, EntryCount: n}, nil
}

// countEntries streams a JSON array of entries, stopping at maxCTEntries.
// An empty body counts as no entries.
func countEntries(r io.Reader) (int, error) {
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err == io.EOF {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return 0, fmt.Errorf("expected array, got %v", tok)
	}

	n := 0
	for dec.More() && n < maxCTEntries {
		var e CrtShEntry
		if err := dec.Decode(&e); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
