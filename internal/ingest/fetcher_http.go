package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultUserAgent      = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	defaultAcceptLanguage = "en-GB,en;q=0.9"
)

var retryStatusCodes = map[int]bool{
	429: true, // Too Many Requests
	500: true, // Internal Server Error
	502: true, // Bad Gateway
	503: true, // Service Unavailable
	504: true, // Gateway Timeout
}

var blockedPrefixStrings = []string{
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

var blockedPrefixes = func() []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(blockedPrefixStrings))
	for _, s := range blockedPrefixStrings {
		if p, err := netip.ParsePrefix(s); err == nil {
			prefixes = append(prefixes, p)
		}
	}
	return prefixes
}()

// withDefaults fills unset FetchConfig values.
func (c FetchConfig) withDefaults() FetchConfig {
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.DelayMax < c.DelayMin {
		c.DelayMax = c.DelayMin
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = 2
	}
	if c.BackoffUnit <= 0 {
		c.BackoffUnit = time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.AcceptLanguage == "" {
		c.AcceptLanguage = defaultAcceptLanguage
	}
	return c
}

// backoff returns the wait before retry number attempt (starting at 1):
// unit * factor^attempt plus up to 10% jitter.
func (c FetchConfig) backoff(attempt int) time.Duration {
	base := float64(c.BackoffUnit) * math.Pow(c.BackoffFactor, float64(attempt))
	jitter := 0.0
	if base > 0 {
		jitter = rand.Float64() * base * 0.1
	}
	return time.Duration(base + jitter)
}

// delayGate enforces a randomized pause before every request. A single gate
// is shared by all workers so the aggregate request rate stays bounded.
type delayGate struct {
	slot     chan struct{}
	min, max time.Duration
	limiter  *rate.Limiter
}

func newDelayGate(min, max time.Duration, maxRPS float64) *delayGate {
	g := &delayGate{
		slot: make(chan struct{}, 1),
		min:  min,
		max:  max,
	}
	if maxRPS > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(maxRPS), 1)
	}
	return g
}

func (g *delayGate) next() time.Duration {
	if g.max <= g.min {
		return g.min
	}
	return g.min + time.Duration(rand.Int64N(int64(g.max-g.min)+1))
}

// Wait blocks for one jittered delay. Callers queue behind each other.
func (g *delayGate) Wait(ctx context.Context) error {
	select {
	case g.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-g.slot }()

	if err := sleepContext(ctx, g.next()); err != nil {
		return err
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RateLimitedFetcher issues GET requests with a shared jittered delay and
// exponential backoff on transient failures.
type RateLimitedFetcher struct {
	Client *http.Client
	config FetchConfig
	gate   *delayGate
	logger *zap.Logger
}

// NewRateLimitedFetcher creates a fetcher whose client refuses private addresses.
func NewRateLimitedFetcher(cfg FetchConfig, logger *zap.Logger) *RateLimitedFetcher {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           safeDialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if cfg.ProxyURL != "" {
		if proxyURL, err := url.Parse(cfg.ProxyURL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	return &RateLimitedFetcher{
		Client: &http.Client{
			Timeout:       cfg.Timeout,
			Transport:     transport,
			CheckRedirect: safeCheckRedirect,
		},
		config: cfg,
		gate:   newDelayGate(cfg.DelayMin, cfg.DelayMax, cfg.MaxRPS),
		logger: logger,
	}
}

// classifyTransportError maps a client.Do error to a FetchErrorKind.
func classifyTransportError(err error) FetchErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return FetchTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FetchTimeout
	}
	return FetchConnectionFailure
}

// Fetch implements the Fetcher interface with pacing and retries.
// Retryable failures are retried up to MaxRetries times; the returned
// *FetchError records how many retries were spent.
func (f *RateLimitedFetcher) Fetch(ctx context.Context, rawURL string) (*FetchedDocument, error) {
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return nil, &FetchError{Kind: FetchConnectionFailure, URL: rawURL, Cause: fmt.Errorf("invalid URL: %w", err)}
	}

	var lastErr *FetchError
	for attempt := 0; attempt <= f.config.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := f.config.backoff(attempt)
			f.logger.Info("retrying fetch",
				zap.String("url", rawURL),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait),
				zap.String("error_kind", lastErr.Label()),
			)
			if err := sleepContext(ctx, wait); err != nil {
				return nil, err
			}
		}

		if err := f.gate.Wait(ctx); err != nil {
			return nil, err
		}

		doc, ferr := f.do(ctx, rawURL)
		if ferr == nil {
			doc.Retries = attempt
			return doc, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		ferr.Retries = attempt
		lastErr = ferr
		if !ferr.IsRetryable() {
			return nil, ferr
		}
	}

	f.logger.Warn("fetch retries exhausted",
		zap.String("url", rawURL),
		zap.Int("retries", lastErr.Retries),
		zap.String("error_kind", lastErr.Label()),
	)
	return nil, lastErr
}

func (f *RateLimitedFetcher) do(ctx context.Context, rawURL string) (*FetchedDocument, *FetchError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{Kind: FetchConnectionFailure, URL: rawURL, Cause: err}
	}
	setBrowserHeaders(req.Header, f.config)

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, &FetchError{Kind: classifyTransportError(err), URL: rawURL, Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &FetchError{Kind: FetchHTTPStatus, URL: rawURL, StatusCode: resp.StatusCode}
	}

	return &FetchedDocument{
		URL:         rawURL,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        resp.Body,
		FetchedAt:   time.Now(),
		Headers:     resp.Header,
	}, nil
}

func setBrowserHeaders(h http.Header, cfg FetchConfig) {
	h.Set("User-Agent", cfg.UserAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", cfg.AcceptLanguage)
	h.Set("DNT", "1")
	h.Set("Upgrade-Insecure-Requests", "1")
}

// safeDialContext wraps the default dialer to block private IPs
func safeDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return nil, fmt.Errorf("blocked private IP: %s", ip)
		}
	}

	return d.DialContext(ctx, network, addr)
}

// isPrivateIP checks if an IP is in a private range or loopback/link-local
func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if ip.IsLoopback() || ip.IsLinkLocalMulticast() || ip.IsLinkLocalUnicast() || ip.IsMulticast() || ip.IsPrivate() || ip.IsUnspecified() {
		return true
	}

	if addr, ok := netip.AddrFromSlice(ip); ok {
		for _, prefix := range blockedPrefixes {
			if prefix.Contains(addr.Unmap()) {
				return true
			}
		}
	}
	return false
}

// safeCheckRedirect limits redirects and validates destinations
func safeCheckRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return fmt.Errorf("stopped after 10 redirects")
	}
	if req.URL == nil {
		return fmt.Errorf("invalid redirect URL")
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return fmt.Errorf("redirect scheme blocked")
	}

	host := req.URL.Hostname()
	if host == "" {
		return fmt.Errorf("redirect host missing")
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".local") {
		return fmt.Errorf("redirect to internal host blocked")
	}
	if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) {
		return fmt.Errorf("redirect to private IP blocked: %s", ip)
	}
	return nil
}
