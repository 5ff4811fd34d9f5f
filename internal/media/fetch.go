package media

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/halogate/halogate/internal/store"
)

const (
	defaultFetchTimeout  = 30 * time.Second
	defaultFetchMaxBytes = 25 * 1024 * 1024
	fetchMaxRedirects    = 5
)

// Fetcher downloads remote attachments into a Store. Every connection is
// checked at dial time against private/link-local address space, so a DNS
// rebind between lookup and connect can't smuggle a request inside.
type Fetcher struct {
	store        *Store
	client       *http.Client
	maxBytes     int64
	allowPrivate bool
}

// FetcherOptions configures a Fetcher.
type FetcherOptions struct {
	Timeout      time.Duration
	MaxBytes     int64
	AllowPrivate bool // permit private/loopback targets (tests, explicit opt-in)
}

// NewFetcher creates a Fetcher storing results in st.
func NewFetcher(st *Store, opts FetcherOptions) *Fetcher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultFetchMaxBytes
	}

	f := &Fetcher{store: st, maxBytes: maxBytes, allowPrivate: opts.AllowPrivate}

	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		Control: func(network, address string, _ syscall.RawConn) error {
			if f.allowPrivate {
				return nil
			}
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			ip := net.ParseIP(host)
			if ip == nil {
				return fmt.Errorf("media fetch: unresolvable address %q", host)
			}
			if isForbiddenIP(ip) {
				return fmt.Errorf("media fetch: address %s is not allowed", ip)
			}
			return nil
		},
	}

	f.client = &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:       dialer.DialContext,
			DisableKeepAlives: true,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= fetchMaxRedirects {
				return fmt.Errorf("stopped after %d redirects", fetchMaxRedirects)
			}
			return f.checkURL(req.URL)
		},
	}
	return f
}

// Fetch downloads rawURL and stores the body, returning the stored record.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, ttl time.Duration) (store.MediaRecord, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return store.MediaRecord{}, fmt.Errorf("media fetch: invalid url: %w", err)
	}
	if err := f.checkURL(u); err != nil {
		return store.MediaRecord{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return store.MediaRecord{}, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return store.MediaRecord{}, fmt.Errorf("media fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return store.MediaRecord{}, fmt.Errorf("media fetch: %s returned %d", rawURL, resp.StatusCode)
	}
	if resp.ContentLength > f.maxBytes {
		return store.MediaRecord{}, fmt.Errorf("media fetch: %d bytes exceeds limit %d", resp.ContentLength, f.maxBytes)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return store.MediaRecord{}, fmt.Errorf("media fetch: read body: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return store.MediaRecord{}, fmt.Errorf("media fetch: body exceeds limit %d", f.maxBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	if i := strings.IndexByte(contentType, ';'); i > 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}

	return f.store.Put(body, contentType, rawURL, ttl)
}

func (f *Fetcher) checkURL(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("media fetch: scheme %q not allowed", u.Scheme)
	}
	if f.allowPrivate {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	if host == "" || host == "localhost" || strings.HasSuffix(host, ".local") {
		return fmt.Errorf("media fetch: host %q not allowed", host)
	}
	if ip := net.ParseIP(host); ip != nil && isForbiddenIP(ip) {
		return fmt.Errorf("media fetch: address %s not allowed", ip)
	}
	return nil
}

func isForbiddenIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() ||
		ip.IsMulticast()
}
