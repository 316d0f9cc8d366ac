package validator

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	ErrInvalidURL       = errors.New("invalid URL format")
	ErrPrivateIP        = errors.New("private IP addresses are not allowed")
	ErrTooManyRedirects = errors.New("too many redirects")
)

const (
	MaxRedirects   = 3
	defaultTimeout = 30 * time.Second
	minTLSVersion  = tls.VersionTLS12
)

// Validator builds URL checks and the outbound HTTP client used for feed requests.
type Validator struct {
	allowPrivateIPs bool
	dialTimeout     time.Duration
	resolver        *net.Resolver
}

// Option configures a Validator.
type Option func(*Validator)

// WithAllowPrivateIPs allows connections to private IP addresses.
// This is useful for Docker internal networking and tests.
func WithAllowPrivateIPs() Option {
	return func(v *Validator) {
		v.allowPrivateIPs = true
	}
}

// WithDialTimeout sets the TCP dial timeout.
func WithDialTimeout(d time.Duration) Option {
	return func(v *Validator) {
		if d > 0 {
			v.dialTimeout = d
		}
	}
}

// New creates a new Validator with the given options.
func New(opts ...Option) *Validator {
	v := &Validator{
		dialTimeout: defaultTimeout,
		resolver:    net.DefaultResolver,
	}

	for _, opt := range opts {
		opt(v)
	}

	return v
}

// HTTPClient returns a client that refuses private addresses and caps redirects.
// Request deadlines come from the caller's context.
func (v *Validator) HTTPClient() *http.Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: minTLSVersion,
		},
		DialContext:           v.dialWithIPCheck,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > MaxRedirects {
				return ErrTooManyRedirects
			}
			if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
				return fmt.Errorf("%w: redirect to %s scheme", ErrInvalidURL, req.URL.Scheme)
			}
			return nil
		},
	}
}

func (v *Validator) dialWithIPCheck(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}

	// Resolve once and dial the checked address so a second lookup cannot swap it
	ips, err := v.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no addresses", Name: host, IsNotFound: true}
	}

	if !v.allowPrivateIPs {
		for _, ip := range ips {
			if IsPrivateIP(ip.IP) {
				return nil, ErrPrivateIP
			}
		}
	}

	dialer := &net.Dialer{
		Timeout:   v.dialTimeout,
		KeepAlive: 30 * time.Second,
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.IP.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// reservedNets are ranges outside net.IP's built-in classifiers that a feed
// host must never resolve to.
var reservedNets = mustParseCIDRs(
	"100.64.0.0/10", // carrier-grade NAT
	"192.0.0.0/24",
	"198.18.0.0/15", // benchmarking
	"240.0.0.0/4",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}

// IsPrivateIP reports whether ip is loopback, private, link-local, multicast,
// unspecified or in another reserved range.
func IsPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast() {
		return true
	}
	for _, n := range reservedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// NormalizeFeedURL applies the checks shared by every feed provider and returns
// the canonical form of the URL. webcal links are rewritten to https.
func NormalizeFeedURL(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", fmt.Errorf("%w: URL is required", ErrInvalidURL)
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: parse error: %w", ErrInvalidURL, err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case "webcal", "webcals", "https":
		parsed.Scheme = "https"
	case "http":
		parsed.Scheme = "http"
	default:
		return "", fmt.Errorf("%w: scheme must be http, https or webcal", ErrInvalidURL)
	}

	if parsed.Host == "" || parsed.Hostname() == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	if parsed.User != nil {
		return "", fmt.Errorf("%w: credentials in URL are not allowed", ErrInvalidURL)
	}

	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""
	parsed.RawFragment = ""

	return parsed.String(), nil
}
