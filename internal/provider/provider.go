// Package provider holds the per-provider feed policies: URL acceptance rules,
// naming, dry runs and the typed connection configuration each provider owns.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hearthly/calsync/internal/feed"
	"github.com/hearthly/calsync/internal/validator"
)

// Name identifies a provider.
type Name string

const (
	ICS  Name = "ics"
	Cozi Name = "cozi"
)

var (
	ErrInvalidURL      = errors.New("invalid feed URL")
	ErrProviderDomain  = errors.New("feed URL does not belong to provider")
	ErrUnknownProvider = errors.New("unknown provider")
	ErrInvalidConfig   = errors.New("invalid provider configuration")
)

// ValidationError carries a message that is safe to show to the user.
type ValidationError struct {
	Err     error
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Fetcher retrieves raw feed bytes.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// TestResult is the outcome of a dry run against a feed.
type TestResult struct {
	OK           bool   `json:"ok"`
	EventCount   int    `json:"event_count"`
	Skipped      int    `json:"skipped"`
	CalendarName string `json:"calendar_name,omitempty"`
}

// Adapter is the policy for one provider. Every adapter delegates network
// and parsing work to the feed package.
type Adapter interface {
	Provider() Name
	DisplayName() string
	// Validate checks rawURL without any network access and returns its normalized form.
	Validate(rawURL string) (string, error)
	// Describe suggests a connection name for a normalized URL.
	Describe(normalizedURL string) string
	// Test fetches and parses the feed without persisting anything.
	Test(ctx context.Context, normalizedURL string) (*TestResult, error)
	NewConfig(normalizedURL, name string, interval time.Duration) Config
	Fetch(ctx context.Context, url string) (*feed.ParseResult, error)
}

// feedAdapter implements the fetch and test paths shared by all providers.
type feedAdapter struct {
	fetcher Fetcher
}

func (a feedAdapter) Fetch(ctx context.Context, url string) (*feed.ParseResult, error) {
	data, err := a.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	return feed.Parse(data)
}

func (a feedAdapter) test(ctx context.Context, url string) (*TestResult, error) {
	result, err := a.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	return &TestResult{
		OK:           true,
		EventCount:   len(result.Events),
		Skipped:      result.Skipped,
		CalendarName: result.CalendarName,
	}, nil
}

func normalize(rawURL string) (string, error) {
	normalized, err := validator.NormalizeFeedURL(rawURL)
	if err != nil {
		return "", &ValidationError{
			Err:     fmt.Errorf("%w: %w", ErrInvalidURL, err),
			Message: "Please enter a valid calendar link starting with https:// or webcal://",
		}
	}
	return normalized, nil
}
