package fetcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// ErrNoCreationDate means the WHOIS record carries no parseable creation
// date (privacy redaction, GDPR, thin registry).
var ErrNoCreationDate = errors.New("whois record has no creation date")

const (
	whoisPort        = "43"
	whoisServersZone = "whois-servers.net"
	maxWhoisResponse = 64 << 10
)

// Registries whose whois-servers.net alias is missing or unreliable
var defaultWhoisServers = map[string]string{
	"com": "whois.verisign-grs.com",
	"net": "whois.verisign-grs.com",
	"org": "whois.pir.org",
}

var creationKeys = []string{
	"creation date",
	"created on",
	"created",
	"registered on",
	"registration time",
	"domain registration date",
	"registered",
}

var creationLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05 MST",
	"2006-01-02",
	"2006.01.02",
	"2006/01/02",
	"02-Jan-2006",
	"02.01.2006",
	"January 2 2006",
}

// WhoisFetcher looks up domain registration dates over the WHOIS protocol.
// The registry server for a TLD is discovered through the
// <tld>.whois-servers.net CNAME and remembered for the process lifetime.
type WhoisFetcher struct {
	// Resolver is the DNS server used for discovery, host:port
	Resolver string

	// Servers pins registry servers per TLD, host or host:port
	Servers map[string]string

	Timeout time.Duration

	limiter    *Limiter
	discovered sync.Map
}

// NewWhoisFetcher creates a WHOIS fetcher using the system resolver
func NewWhoisFetcher(timeout time.Duration, limiter *Limiter) *WhoisFetcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	resolver := "1.1.1.1:53"
	if cc, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(cc.Servers) > 0 {
		resolver = net.JoinHostPort(cc.Servers[0], cc.Port)
	}
	servers := make(map[string]string, len(defaultWhoisServers))
	for k, v := range defaultWhoisServers {
		servers[k] = v
	}
	return &WhoisFetcher{
		Resolver: resolver,
		Servers:  servers,
		Timeout:  timeout,
		limiter:  limiter,
	}
}

// CreationDate returns when domain was registered
func (f *WhoisFetcher) CreationDate(ctx context.Context, domain string) (time.Time, error) {
	domain = strings.TrimSuffix(strings.ToLower(domain), ".")
	tld := domain
	if i := strings.LastIndex(domain, "."); i >= 0 {
		tld = domain[i+1:]
	}
	if tld == "" {
		return time.Time{}, fmt.Errorf("no tld in %q", domain)
	}

	server, err := f.serverFor(ctx, tld)
	if err != nil {
		return time.Time{}, err
	}
	if err := f.limiter.Wait(ctx, "whois:"+server); err != nil {
		return time.Time{}, err
	}

	record, err := f.query(ctx, server, domain)
	if err != nil {
		return time.Time{}, err
	}
	created, ok := ParseCreationDate(record)
	if !ok {
		return time.Time{}, ErrNoCreationDate
	}
	return created, nil
}

func (f *WhoisFetcher) serverFor(ctx context.Context, tld string) (string, error) {
	if s, ok := f.Servers[tld]; ok {
		return withPort(s), nil
	}
	if s, ok := f.discovered.Load(tld); ok {
		return s.(string), nil
	}

	alias := tld + "." + whoisServersZone
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(alias), dns.TypeCNAME)
	c := &dns.Client{Net: "udp", Timeout: f.Timeout}

	server := alias
	resp, _, err := c.ExchangeContext(ctx, msg, f.Resolver)
	if err != nil {
		return "", fmt.Errorf("discover whois server for .%s: %w", tld, err)
	}
	if resp.Rcode == dns.RcodeNameError {
		return "", fmt.Errorf("no whois server for .%s", tld)
	}
	for _, rr := range resp.Answer {
		if cname, ok := rr.(*dns.CNAME); ok {
			server = strings.TrimSuffix(cname.Target, ".")
			break
		}
	}

	server = withPort(server)
	f.discovered.Store(tld, server)
	return server, nil
}

func (f *WhoisFetcher) query(ctx context.Context, server, domain string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", server)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if _, err := io.WriteString(conn, domain+"\r\n"); err != nil {
		return "", err
	}

	body, err := io.ReadAll(io.LimitReader(conn, maxWhoisResponse))
	if err != nil && len(body) == 0 {
		return "", err
	}
	return string(body), nil
}

// ParseCreationDate extracts the registration date from a WHOIS record
func ParseCreationDate(record string) (time.Time, bool) {
	sc := bufio.NewScanner(strings.NewReader(record))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "%") || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if !isCreationKey(key) {
			continue
		}
		if t, ok := parseDate(strings.TrimSpace(value)); ok {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func isCreationKey(key string) bool {
	for _, k := range creationKeys {
		if key == k || strings.HasSuffix(key, " "+k) {
			return true
		}
	}
	return false
}

func parseDate(v string) (time.Time, bool) {
	for _, layout := range creationLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	// Drop trailing annotations like "2001-02-03 (JST)"
	if i := strings.IndexAny(v, " ("); i > 0 {
		return parseDate(v[:i])
	}
	return time.Time{}, false
}

func withPort(server string) string {
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(server, whoisPort)
}
