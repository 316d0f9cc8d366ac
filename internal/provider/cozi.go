package provider

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	coziDomain = "cozi.com"
	coziHint   = "Cozi calendar links look like https://rest.cozi.com/api/ext/.../icalendar/feed/feed.ics"
)

// CoziAdapter accepts Cozi Family Calendar export links only.
type CoziAdapter struct {
	feedAdapter
}

// NewCozi creates the Cozi adapter.
func NewCozi(f Fetcher) *CoziAdapter {
	return &CoziAdapter{feedAdapter{fetcher: f}}
}

func (a *CoziAdapter) Provider() Name { return Cozi }

func (a *CoziAdapter) DisplayName() string { return "Cozi Family Calendar" }

// Validate rejects non-Cozi hosts before any network call is made.
func (a *CoziAdapter) Validate(rawURL string) (string, error) {
	normalized, err := normalize(rawURL)
	if err != nil {
		return "", err
	}

	parsed, err := url.Parse(normalized)
	if err != nil {
		return "", &ValidationError{Err: fmt.Errorf("%w: %w", ErrInvalidURL, err), Message: coziHint}
	}

	if !isCoziHost(parsed.Hostname()) {
		return "", &ValidationError{
			Err:     fmt.Errorf("%w: %s", ErrProviderDomain, parsed.Hostname()),
			Message: "This doesn't look like a Cozi link. " + coziHint,
		}
	}

	return normalized, nil
}

func (a *CoziAdapter) Describe(string) string {
	return "Cozi Family Calendar"
}

func (a *CoziAdapter) Test(ctx context.Context, normalizedURL string) (*TestResult, error) {
	return a.test(ctx, normalizedURL)
}

func (a *CoziAdapter) NewConfig(normalizedURL, name string, interval time.Duration) Config {
	if name == "" {
		name = a.Describe(normalizedURL)
	}
	return &CoziConfig{
		FeedSettings: newSettings(normalizedURL, name, interval),
		FeedKey:      coziFeedKey(normalizedURL),
	}
}

func isCoziHost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	return host == coziDomain || strings.HasSuffix(host, "."+coziDomain)
}

// coziFeedKey extracts the account segment from /api/ext/<version>/<key>/...
func coziFeedKey(normalizedURL string) string {
	parsed, err := url.Parse(normalizedURL)
	if err != nil {
		return ""
	}

	parts := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	for i := 0; i+3 < len(parts); i++ {
		if parts[i] == "api" && parts[i+1] == "ext" {
			return parts[i+3]
		}
	}
	return ""
}
