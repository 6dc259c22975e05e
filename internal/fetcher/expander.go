package fetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// DefaultShorteners are the link shorteners expanded before extraction
var DefaultShorteners = []string{"bit.ly", "goo.gl", "tinyurl.com", "ow.ly", "is.gd", "t.co"}

const maxRedirectHops = 5

// Expander follows shortener redirects one hop at a time, including
// <meta http-equiv="refresh"> bounces, until it leaves shortener hosts.
type Expander struct {
	client     *http.Client
	shorteners map[string]bool
	UserAgent  string
	limiter    *Limiter
}

// NewExpander creates an Expander for the given shortener hosts
func NewExpander(timeout time.Duration, shorteners []string, limiter *Limiter) *Expander {
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	set := make(map[string]bool, len(shorteners))
	for _, s := range shorteners {
		set[strings.ToLower(strings.TrimSpace(s))] = true
	}
	return &Expander{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		shorteners: set,
		UserAgent:  DefaultUserAgent,
		limiter:    limiter,
	}
}

// IsShortener reports whether host is a known shortener
func (x *Expander) IsShortener(host string) bool {
	host = strings.ToLower(host)
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	return x.shorteners[strings.TrimPrefix(host, "www.")]
}

// Expand returns the first non-shortener URL reached from rawURL. A URL
// that is not on a shortener is returned unchanged without any request.
func (x *Expander) Expand(ctx context.Context, rawURL string) (string, error) {
	cur, err := url.Parse(rawURL)
	if err != nil {
		return rawURL, err
	}

	for hop := 0; hop < maxRedirectHops; hop++ {
		if !x.IsShortener(cur.Host) {
			return cur.String(), nil
		}
		next, err := x.next(ctx, cur)
		if err != nil {
			return rawURL, err
		}
		if next == nil {
			return cur.String(), nil
		}
		cur = next
	}
	return cur.String(), nil
}

func (x *Expander) next(ctx context.Context, cur *url.URL) (*url.URL, error) {
	if err := x.limiter.Wait(ctx, "shortener:"+cur.Host); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cur.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", x.UserAgent)

	resp, err := x.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		loc := resp.Header.Get("Location")
		if loc == "" {
			return nil, errors.New("redirect without location")
		}
		ref, err := url.Parse(loc)
		if err != nil {
			return nil, err
		}
		return cur.ResolveReference(ref), nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return nil, nil
	}
	target := metaRefreshTarget(doc)
	if target == "" {
		return nil, nil
	}
	ref, err := url.Parse(target)
	if err != nil {
		return nil, nil
	}
	return cur.ResolveReference(ref), nil
}

// metaRefreshTarget extracts the URL from content="0; url=..."
func metaRefreshTarget(doc *goquery.Document) string {
	var target string
	doc.Find("meta[http-equiv]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		equiv, _ := s.Attr("http-equiv")
		if !strings.EqualFold(strings.TrimSpace(equiv), "refresh") {
			return true
		}
		content, _ := s.Attr("content")
		_, rest, ok := strings.Cut(content, ";")
		if !ok {
			return true
		}
		rest = strings.TrimSpace(rest)
		if len(rest) >= 4 && strings.EqualFold(rest[:4], "url=") {
			rest = rest[4:]
		}
		target = strings.Trim(strings.TrimSpace(rest), `'"`)
		return target == ""
	})
	return target
}
