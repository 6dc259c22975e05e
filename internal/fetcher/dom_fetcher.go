package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"

	"phishguard/internal/models"
)

const maxPageSize = 5 << 20

// DOMFetcher downloads a page and measures its structure
type DOMFetcher struct {
	client    *http.Client
	UserAgent string
	limiter   *Limiter
}

// NewDOMFetcher creates a page fetcher
func NewDOMFetcher(timeout time.Duration, limiter *Limiter) *DOMFetcher {
	if timeout <= 0 {
		timeout = 6 * time.Second
	}
	return &DOMFetcher{
		client:    &http.Client{Timeout: timeout},
		UserAgent: "Mozilla/5.0 (compatible; " + DefaultUserAgent + ")",
		limiter:   limiter,
	}
}

// FetchDOM returns form, password, resource and iframe metrics for pageURL
func (f *DOMFetcher) FetchDOM(ctx context.Context, pageURL string) (*models.DOMMetrics, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, err
	}
	if err := f.limiter.Wait(ctx, "page:"+u.Host); err != nil {
		return nil, err
	}

	doc, final, err := f.fetch(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	return AnalyzeDOM(doc, final), nil
}

func (f *DOMFetcher) fetch(ctx context.Context, pageURL string) (*goquery.Document, *url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("User-Agent", f.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, nil, fmt.Errorf("page returned status %d", resp.StatusCode)
	}

	reader, err := charset.NewReader(resp.Body, resp.Header.Get("Content-Type"))
	if err != nil {
		reader = resp.Body
	}
	doc, err := goquery.NewDocumentFromReader(io.LimitReader(reader, maxPageSize))
	if err != nil {
		return nil, nil, err
	}
	return doc, resp.Request.URL, nil
}

// AnalyzeDOM measures a parsed page. Resources whose host differs from the
// page host count as external; relative references count as internal.
func AnalyzeDOM(doc *goquery.Document, page *url.URL) *models.DOMMetrics {
	m := &models.DOMMetrics{
		Forms:   doc.Find("form").Length(),
		Iframes: doc.Find("iframe").Length(),
	}
	m.HasPassword = doc.Find("input").FilterFunction(func(_ int, s *goquery.Selection) bool {
		t, _ := s.Attr("type")
		return strings.EqualFold(strings.TrimSpace(t), "password")
	}).Length() > 0

	pageHost := ""
	if page != nil {
		pageHost = strings.ToLower(page.Host)
	}

	external, internal := 0, 0
	count := func(attr string) func(int, *goquery.Selection) {
		return func(_ int, s *goquery.Selection) {
			ref, ok := s.Attr(attr)
			if !ok {
				return
			}
			host := resolveHost(page, ref)
			if host != "" && host != pageHost {
				external++
			} else {
				internal++
			}
		}
	}
	doc.Find("img[src]").Each(count("src"))
	doc.Find("script[src]").Each(count("src"))
	doc.Find("link[href]").Each(count("href"))

	m.ExtIntRatio = float64(external) / float64(max(internal, 1))
	return m
}

func resolveHost(base *url.URL, ref string) string {
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ""
	}
	if base != nil {
		r = base.ResolveReference(r)
	}
	return strings.ToLower(r.Host)
}
