package provider

import (
	"context"
	"net/url"
	"strings"
	"time"
)

// knownHosts maps well-known feed hosts to friendly names.
var knownHosts = map[string]string{
	"calendar.google.com":    "Google Calendar",
	"outlook.live.com":       "Outlook Calendar",
	"outlook.office365.com":  "Outlook Calendar",
	"calendar.yahoo.com":     "Yahoo Calendar",
	"export.calendar.yandex": "Yandex Calendar",
}

// ICSAdapter accepts any public iCalendar URL.
type ICSAdapter struct {
	feedAdapter
}

// NewICS creates the generic iCalendar adapter.
func NewICS(f Fetcher) *ICSAdapter {
	return &ICSAdapter{feedAdapter{fetcher: f}}
}

func (a *ICSAdapter) Provider() Name { return ICS }

func (a *ICSAdapter) DisplayName() string { return "iCalendar feed" }

func (a *ICSAdapter) Validate(rawURL string) (string, error) {
	return normalize(rawURL)
}

func (a *ICSAdapter) Describe(normalizedURL string) string {
	parsed, err := url.Parse(normalizedURL)
	if err != nil || parsed.Hostname() == "" {
		return "Calendar"
	}

	host := strings.TrimPrefix(strings.ToLower(parsed.Hostname()), "www.")
	if name, ok := knownHosts[host]; ok {
		return name
	}
	if host == "icloud.com" || strings.HasSuffix(host, ".icloud.com") {
		return "iCloud Calendar"
	}
	return host + " calendar"
}

func (a *ICSAdapter) Test(ctx context.Context, normalizedURL string) (*TestResult, error) {
	return a.test(ctx, normalizedURL)
}

func (a *ICSAdapter) NewConfig(normalizedURL, name string, interval time.Duration) Config {
	if name == "" {
		name = a.Describe(normalizedURL)
	}
	return &ICSConfig{FeedSettings: newSettings(normalizedURL, name, interval)}
}
