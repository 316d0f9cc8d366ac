// Package feed retrieves remote iCalendar documents and normalizes their events.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hearthly/calsync/internal/logging"
	"github.com/hearthly/calsync/internal/metrics"
	"github.com/hearthly/calsync/internal/validator"
)

// ErrorKind classifies fetch failures.
type ErrorKind string

const (
	KindTimeout           ErrorKind = "timeout"
	KindDNS               ErrorKind = "dns"
	KindHTTPStatus        ErrorKind = "http_status"
	KindConnectionRefused ErrorKind = "connection_refused"
	KindTooManyRedirects  ErrorKind = "too_many_redirects"
	KindTooLarge          ErrorKind = "too_large"
	KindNetwork           ErrorKind = "network"
)

const (
	DefaultTimeout  = 30 * time.Second
	DefaultMaxBytes = 10 << 20
	acceptHeader    = "text/calendar, */*;q=0.5"
)

var ErrTooLarge = errors.New("feed exceeds size limit")

// FetchError is returned for every failed fetch.
type FetchError struct {
	Kind       ErrorKind
	StatusCode int
	URL        string
	Err        error
}

func (e *FetchError) Error() string {
	if e.Kind == KindHTTPStatus {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying later could succeed.
func (e *FetchError) Temporary() bool {
	switch e.Kind {
	case KindTimeout, KindDNS, KindConnectionRefused, KindNetwork:
		return !errors.Is(e.Err, validator.ErrPrivateIP)
	case KindHTTPStatus:
		return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
	default:
		return false
	}
}

// Fetcher downloads feed documents.
type Fetcher struct {
	client    *http.Client
	userAgent string
	timeout   time.Duration
	maxBytes  int64
	log       *logrus.Logger
	metrics   *metrics.Metrics

	allowPrivateIPs bool
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithHTTPClient replaces the SSRF-checking client.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) { f.client = c }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) FetcherOption {
	return func(f *Fetcher) {
		if ua != "" {
			f.userAgent = ua
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) FetcherOption {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithMaxBytes caps the response body size.
func WithMaxBytes(n int64) FetcherOption {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxBytes = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Logger) FetcherOption {
	return func(f *Fetcher) { f.log = l }
}

// WithMetrics records fetch failures.
func WithMetrics(m *metrics.Metrics) FetcherOption {
	return func(f *Fetcher) { f.metrics = m }
}

// WithAllowPrivateIPs lets the default client reach private addresses.
func WithAllowPrivateIPs(allow bool) FetcherOption {
	return func(f *Fetcher) { f.allowPrivateIPs = allow }
}

// NewFetcher creates a Fetcher. Without WithHTTPClient it uses a client that
// refuses private addresses.
func NewFetcher(opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		userAgent: "calsync",
		timeout:   DefaultTimeout,
		maxBytes:  DefaultMaxBytes,
		log:       logging.Discard(),
	}

	for _, opt := range opts {
		opt(f)
	}

	if f.client == nil {
		var vopts []validator.Option
		if f.allowPrivateIPs {
			vopts = append(vopts, validator.WithAllowPrivateIPs())
		}
		vopts = append(vopts, validator.WithDialTimeout(f.timeout))
		f.client = validator.New(vopts...).HTTPClient()
	}

	return f
}

// Timeout returns the per-request timeout.
func (f *Fetcher) Timeout() time.Duration {
	return f.timeout
}

// Fetch retrieves the document at rawURL. The configured timeout bounds the
// whole request including the body read.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	data, err := f.fetch(ctx, rawURL)
	if err != nil {
		var fe *FetchError
		if errors.As(err, &fe) {
			f.metrics.ObserveFetchError(string(fe.Kind))
			f.log.WithFields(logrus.Fields{
				"url":    logging.RedactURL(rawURL),
				"kind":   fe.Kind,
				"status": fe.StatusCode,
			}).Debug("Feed fetch failed")
		}
		return nil, err
	}

	return data, nil
}

func (f *Fetcher) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, URL: logging.RedactURL(rawURL), Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", acceptHeader)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classify(ctx, rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &FetchError{
			Kind:       KindHTTPStatus,
			StatusCode: resp.StatusCode,
			URL:        logging.RedactURL(rawURL),
		}
	}

	if resp.ContentLength > f.maxBytes {
		return nil, &FetchError{Kind: KindTooLarge, URL: logging.RedactURL(rawURL), Err: ErrTooLarge}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, classify(ctx, rawURL, err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, &FetchError{Kind: KindTooLarge, URL: logging.RedactURL(rawURL), Err: ErrTooLarge}
	}

	return data, nil
}

func classify(ctx context.Context, rawURL string, err error) *FetchError {
	fe := &FetchError{Kind: KindNetwork, URL: logging.RedactURL(rawURL), Err: err}

	var dnsErr *net.DNSError
	var netErr net.Error

	switch {
	case errors.Is(err, validator.ErrTooManyRedirects):
		fe.Kind = KindTooManyRedirects
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		fe.Kind = KindTimeout
	case errors.As(err, &dnsErr):
		if dnsErr.IsTimeout {
			fe.Kind = KindTimeout
		} else {
			fe.Kind = KindDNS
		}
	case errors.Is(err, syscall.ECONNREFUSED):
		fe.Kind = KindConnectionRefused
	case errors.As(err, &netErr) && netErr.Timeout():
		fe.Kind = KindTimeout
	}

	return fe
}

// Describe turns a fetch or parse error into a short message suitable for users.
func Describe(err error) string {
	if err == nil {
		return ""
	}

	var fe *FetchError
	if errors.As(err, &fe) {
		switch fe.Kind {
		case KindTimeout:
			return "The calendar feed did not respond in time"
		case KindDNS:
			return "The calendar feed's host name could not be resolved"
		case KindConnectionRefused:
			return "The calendar feed's server refused the connection"
		case KindTooManyRedirects:
			return "The calendar feed redirected too many times"
		case KindTooLarge:
			return "The calendar feed is too large to import"
		case KindHTTPStatus:
			switch fe.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return fmt.Sprintf("The calendar feed denied access (HTTP %d); the link may have been revoked", fe.StatusCode)
			case http.StatusNotFound, http.StatusGone:
				return fmt.Sprintf("The calendar feed was not found (HTTP %d)", fe.StatusCode)
			default:
				return fmt.Sprintf("The calendar feed returned HTTP %d", fe.StatusCode)
			}
		}
		if errors.Is(fe.Err, validator.ErrPrivateIP) {
			return "The calendar feed points to a private network address"
		}
		return "The calendar feed could not be reached"
	}

	if errors.Is(err, ErrMalformedFeed) {
		return "The calendar feed is not a valid iCalendar document"
	}

	return "The calendar could not be synced"
}
