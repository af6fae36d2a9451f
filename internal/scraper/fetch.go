package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/loon-data/loon/platform/internal/domain"
	"github.com/loon-data/loon/platform/internal/ratelimit"
)

// UserAgent identifies the project on every outbound request.
const UserAgent = "loon-civic-scraper/1.0 (+https://loon-data.ca/contact)"

// maxResponseBytes caps how much of a response body we read. Civic sources
// occasionally serve runaway pages; 16 MiB is well above any legitimate one.
const maxResponseBytes = 16 << 20

// Fetcher is the HTTP layer handed to extractors. One Fetcher is created per
// run; the underlying client and per-host limiter are process-wide. At most
// one fetch is in flight per (host, scraper): the per-host mutexes below are
// scoped to this Fetcher, which is scoped to one scraper run.
type Fetcher struct {
	client    *http.Client
	limiter   *ratelimit.HostLimiter
	scraperID string

	mu    sync.Mutex
	hosts map[string]*sync.Mutex
}

// NewFetcher builds a Fetcher for one scraper run.
func NewFetcher(client *http.Client, limiter *ratelimit.HostLimiter, scraperID string) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Fetcher{
		client:    client,
		limiter:   limiter,
		scraperID: scraperID,
		hosts:     make(map[string]*sync.Mutex),
	}
}

// Get fetches rawURL and returns the response body. Errors are classified
// into the platform taxonomy so the retry controller can act on them without
// string matching.
func (f *Fetcher) Get(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, domain.Classifyf(domain.ErrorPermanentIO, "invalid fetch url %q", rawURL)
	}

	hostMu := f.hostLock(u.Host)
	hostMu.Lock()
	defer hostMu.Unlock()

	if f.limiter != nil {
		if err := f.limiter.Acquire(ctx, u.Host); err != nil {
			return nil, domain.Classify(domain.ErrorTransientIO, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, domain.Classify(domain.ErrorInternal, err)
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, domain.Classify(domain.ErrorTransientIO, err)
	}
	return body, nil
}

func (f *Fetcher) hostLock(host string) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.hosts[host]
	if !ok {
		m = &sync.Mutex{}
		f.hosts[host] = m
	}
	return m
}

// classifyStatus maps an HTTP status code to an error kind: 429 and 5xx are
// transient, everything else non-200 is permanent.
func classifyStatus(code int, url string) error {
	kind := domain.ErrorPermanentIO
	if code == http.StatusTooManyRequests || code >= 500 {
		kind = domain.ErrorTransientIO
	}
	return domain.Classifyf(kind, "GET %s: status %d", url, code)
}

// classifyTransport maps transport-level failures. DNS NXDOMAIN is the one
// permanent case; timeouts, resets, and soft TLS failures are transient.
func classifyTransport(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return domain.Classify(domain.ErrorPermanentIO, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return domain.Classify(domain.ErrorTimeout, err)
	}
	return domain.Classify(domain.ErrorTransientIO, fmt.Errorf("fetch: %w", err))
}
