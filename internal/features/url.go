package features

import (
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

// ErrInvalidURL means the input cannot be turned into an http(s) URL
var ErrInvalidURL = errors.New("invalid url")

var (
	executableExts = map[string]bool{
		".exe": true, ".bat": true, ".cmd": true,
		".scr": true, ".com": true, ".pif": true,
	}
	sensitiveWords = []string{"login", "secure", "account", "update", "verify", "bank", "signin"}
)

const (
	vowels     = "aeiou"
	consonants = "bcdfghjklmnpqrstvwxyz"
	symbols    = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"

	// Delimiters that do not count toward the special character feature
	plainDelims = "/:.*?=&-"
)

// Normalize canonicalizes a URL: http:// is assumed when no scheme is
// given, the host is lower-cased and IDNA encoded, default ports and the
// fragment are dropped and an empty path becomes "/". The query is kept.
// The result is a fixed point: Normalize(Normalize(x)) == Normalize(x).
func Normalize(raw string) (string, error) {
	canon, err := normalize(raw)
	if err != nil {
		return "", err
	}
	if again, err := normalize(canon); err != nil || again != canon {
		return "", fmt.Errorf("%w: no stable canonical form", ErrInvalidURL)
	}
	return canon, nil
}

func normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	if strings.IndexFunc(s, unicode.IsControl) >= 0 {
		return "", fmt.Errorf("%w: control character", ErrInvalidURL)
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}

	host := strings.TrimRight(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if net.ParseIP(host) == nil {
		host, err = idna.ToASCII(host)
		if err != nil {
			return "", fmt.Errorf("%w: host: %v", ErrInvalidURL, err)
		}
	}

	port := u.Port()
	if port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n <= 0 || n > 65535 {
			return "", fmt.Errorf("%w: port %q", ErrInvalidURL, port)
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			port = ""
		}
	}

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	if u.User != nil {
		b.WriteString(u.User.String())
		b.WriteByte('@')
	}
	if strings.Contains(host, ":") {
		b.WriteString("[" + host + "]")
	} else {
		b.WriteString(host)
	}
	if port != "" {
		b.WriteString(":" + port)
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	b.WriteString(path)
	if u.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(u.RawQuery)
	}
	return b.String(), nil
}

// Host returns the lower-cased host of a normalized URL without port
func Host(normalized string) string {
	u, err := url.Parse(normalized)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// RegistrableDomain returns the eTLD+1 of host. IP literals and hosts that
// are themselves public suffixes are returned unchanged.
func RegistrableDomain(host string) string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if net.ParseIP(host) != nil {
		return host
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return d
}

type urlParts struct {
	full  string
	host  string
	path  string
	query string
	file  string
	ext   string
}

func splitURL(normalized string) (urlParts, error) {
	u, err := url.Parse(normalized)
	if err != nil {
		return urlParts{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	p := urlParts{
		full:  normalized,
		host:  strings.ToLower(u.Host),
		path:  u.EscapedPath(),
		query: u.RawQuery,
	}
	if u.User != nil {
		p.host = strings.ToLower(u.User.String()) + "@" + p.host
	}
	if i := strings.LastIndex(p.path, "/"); i >= 0 {
		p.file = p.path[i+1:]
	} else {
		p.file = p.path
	}
	if i := strings.LastIndex(p.file, "."); i >= 0 {
		p.ext = "." + strings.ToLower(p.file[i+1:])
	}
	return p, nil
}

// URLFeatures computes the URL-only heuristics for a normalized URL. The
// result has URLFeatureCount entries in model order.
func URLFeatures(normalized string) ([]float64, error) {
	p, err := splitURL(normalized)
	if err != nil {
		return nil, err
	}

	hostToks := nonEmpty(strings.Split(p.host, "."))
	pathToks := nonEmpty(strings.Split(p.path, "/"))
	qkeys, qvals := parseQuery(p.query)

	u := runeLen(p.full)
	dm := runeLen(p.host)
	pd := runeLen(p.path)
	ql := runeLen(p.query)
	lower := strings.ToLower(p.full)
	segs5 := []string{p.full, p.host, p.path, p.file, p.query}
	segs6 := []string{p.full, p.host, p.path, p.file, p.ext, p.query}

	f := make([]float64, 0, URLFeatureCount)

	f = append(f,
		float64(len(qkeys)),
		float64(len(hostToks)),
		float64(len(pathToks)),
		avgLen(hostToks),
		float64(maxLen(hostToks)),
		avgLen(pathToks),
	)
	if len(hostToks) > 0 {
		f = append(f, float64(runeLen(hostToks[len(hostToks)-1])))
	} else {
		f = append(f, 0)
	}
	f = append(f, float64(countIn(lower, vowels)), float64(countIn(lower, consonants)))

	for _, s := range segs5 {
		f = append(f, float64(longestDigitRun(s)))
	}
	for _, s := range segs5 {
		f = append(f, float64(countFunc(s, unicode.IsDigit)))
	}

	dirLen := 0
	if i := strings.LastIndex(p.path, "/"); i >= 0 {
		dirLen = runeLen(p.path[:i])
	}
	f = append(f,
		float64(u), float64(dm), float64(pd), float64(dirLen),
		float64(runeLen(p.file)), float64(runeLen(p.ext)), float64(ql),
	)

	f = append(f,
		ratio(pd, u), ratio(ql, u), ratio(ql, dm),
		ratio(dm, u), ratio(pd, dm), ratio(ql, pd),
	)

	f = append(f,
		boolToFloat(executableExts[p.ext]),
		boolToFloat(strings.Contains(p.host, ":80")),
		float64(strings.Count(p.full, ".")),
		boolToFloat(hostIsIP(normalized)),
		float64(longestRepeat(p.full))/float64(max(u, 1)),
		float64(maxLen(qvals)),
	)

	for _, s := range segs6 {
		f = append(f, float64(countFunc(s, unicode.IsDigit)))
	}
	for _, s := range segs6 {
		f = append(f, float64(countFunc(s, unicode.IsLetter)))
	}

	longestPathTok := float64(maxLen(pathToks))
	f = append(f, longestPathTok, float64(maxLen(hostToks)), longestPathTok, longestPathTok)

	f = append(f, float64(max(maxLen(qkeys), maxLen(qvals))))
	f = append(f, boolToFloat(containsAny(lower, sensitiveWords)))
	f = append(f, float64(len(qkeys)))
	f = append(f, float64(countFunc(p.full, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && !strings.ContainsRune(plainDelims, r)
	})))

	hostDots := strings.Count(p.host, ".")
	pathSlashes := strings.Count(p.path, "/")
	f = append(f, float64(hostDots), float64(pathSlashes), float64(hostDots+pathSlashes))

	for _, s := range segs6 {
		f = append(f, float64(countFunc(s, unicode.IsDigit))/float64(max(runeLen(s), 1)))
	}
	for _, s := range segs6 {
		f = append(f, float64(countIn(s, symbols)))
	}
	for _, s := range segs6 {
		f = append(f, entropy(s))
	}

	return f, nil
}

// parseQuery returns distinct keys and all values, skipping blank values
// and pairs without "=".
func parseQuery(q string) (keys, values []string) {
	seen := make(map[string]bool)
	for _, pair := range strings.Split(q, "&") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || v == "" {
			continue
		}
		k, v = unquotePlus(k), unquotePlus(v)
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
		values = append(values, v)
	}
	return keys, values
}

func unquotePlus(s string) string {
	if out, err := url.QueryUnescape(s); err == nil {
		return out
	}
	return strings.ReplaceAll(s, "+", " ")
}

func hostIsIP(normalized string) bool {
	return net.ParseIP(Host(normalized)) != nil
}

func entropy(s string) float64 {
	if s == "" {
		return 0
	}
	freq := make(map[rune]int)
	n := 0
	for _, r := range s {
		freq[r]++
		n++
	}
	h := 0.0
	for _, c := range freq {
		p := float64(c) / float64(n)
		h -= p * math.Log2(p)
	}
	return h
}

func longestDigitRun(s string) int {
	best, cur := 0, 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			cur++
			if cur > best {
				best = cur
			}
		} else {
			cur = 0
		}
	}
	return best
}

func longestRepeat(s string) int {
	best, cur := 0, 0
	var prev rune = -1
	for _, r := range s {
		if r == prev {
			cur++
		} else {
			cur = 1
			prev = r
		}
		if cur > best {
			best = cur
		}
	}
	return best
}

func nonEmpty(in []string) []string {
	out := in[:0:0]
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func runeLen(s string) int {
	n := 0
	for range s {
		n++
	}
	return n
}

func avgLen(toks []string) float64 {
	if len(toks) == 0 {
		return 0
	}
	total := 0
	for _, t := range toks {
		total += runeLen(t)
	}
	return float64(total) / float64(len(toks))
}

func maxLen(toks []string) int {
	best := 0
	for _, t := range toks {
		if n := runeLen(t); n > best {
			best = n
		}
	}
	return best
}

func countIn(s, set string) int {
	return countFunc(s, func(r rune) bool { return strings.ContainsRune(set, r) })
}

func countFunc(s string, pred func(rune) bool) int {
	n := 0
	for _, r := range s {
		if pred(r) {
			n++
		}
	}
	return n
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}
