package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wneessen/go-mail"

	"github.com/hearthly/calsync/internal/validator"
)

var (
	emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

	ErrInvalidConfig = errors.New("invalid notification configuration")
)

// AlertType distinguishes disable alerts from recovery alerts.
type AlertType string

const (
	AlertTypeDisabled AlertType = "disabled"
	AlertTypeRecovery AlertType = "recovery"
)

// Alert describes a change in a connection's health.
type Alert struct {
	Type           AlertType
	ConnectionID   string
	ConnectionName string
	SpaceID        string
	Message        string
	Details        string
	Timestamp      time.Time
}

// Config selects the alert channels and how often a connection may alert.
type Config struct {
	// Webhook settings
	WebhookEnabled bool
	WebhookURL     string

	// Email settings
	EmailEnabled bool
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPTo       []string // Recipients
	SMTPTLS      bool

	// How long to wait before re-alerting for the same connection
	CooldownPeriod time.Duration
}

// Notifier tells operators when a connection is disabled or recovers.
type Notifier struct {
	cfg        *Config
	httpClient *http.Client
	logger     *logrus.Logger

	// Track last alert time per connection to implement cooldown
	mu             sync.Mutex
	lastAlertTimes map[string]time.Time
	alerted        map[string]bool // connections with an outstanding disabled alert

	wg sync.WaitGroup
}

func New(cfg *Config, logger *logrus.Logger) *Notifier {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Notifier{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:         logger,
		lastAlertTimes: make(map[string]time.Time),
		alerted:        make(map[string]bool),
	}
}

// ValidateConfig rejects unusable channel settings before the notifier starts.
func ValidateConfig(cfg *Config) error {
	if cfg.WebhookEnabled {
		if cfg.WebhookURL == "" {
			return fmt.Errorf("%w: webhook URL is required when webhook is enabled", ErrInvalidConfig)
		}
		if err := validateWebhookURL(cfg.WebhookURL); err != nil {
			return fmt.Errorf("%w: invalid webhook URL: %w", ErrInvalidConfig, err)
		}
	}

	if cfg.EmailEnabled {
		if cfg.SMTPHost == "" {
			return fmt.Errorf("%w: SMTP host is required when email is enabled", ErrInvalidConfig)
		}
		if cfg.SMTPPort < 1 || cfg.SMTPPort > 65535 {
			return fmt.Errorf("%w: SMTP port must be between 1 and 65535", ErrInvalidConfig)
		}
		if !isValidEmail(cfg.SMTPFrom) {
			return fmt.Errorf("%w: invalid SMTP from address", ErrInvalidConfig)
		}
		if len(cfg.SMTPTo) == 0 {
			return fmt.Errorf("%w: at least one SMTP recipient is required", ErrInvalidConfig)
		}
		for _, to := range cfg.SMTPTo {
			if !isValidEmail(to) {
				return fmt.Errorf("%w: invalid SMTP recipient address: %s", ErrInvalidConfig, to)
			}
		}
	}

	if cfg.CooldownPeriod < time.Minute {
		return fmt.Errorf("%w: cooldown period must be at least 1 minute", ErrInvalidConfig)
	}

	return nil
}

// validateWebhookURL requires https and refuses hosts that point at the local network.
func validateWebhookURL(webhookURL string) error {
	parsed, err := url.Parse(webhookURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if parsed.Scheme != "https" {
		return errors.New("webhook URL must use HTTPS")
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return errors.New("webhook URL must have a host")
	}
	if host == "localhost" || strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return errors.New("webhook URL cannot point to internal hosts")
	}
	if ip := net.ParseIP(host); ip != nil && validator.IsPrivateIP(ip) {
		return errors.New("webhook URL cannot point to private IP addresses")
	}

	return nil
}

func isValidEmail(email string) bool {
	return emailRegex.MatchString(email)
}

// sanitizeForEmail strips line breaks so connection names cannot inject headers.
func sanitizeForEmail(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// IsEnabled reports whether any channel is configured.
func (n *Notifier) IsEnabled() bool {
	return n != nil && (n.cfg.WebhookEnabled || n.cfg.EmailEnabled)
}

// ConnectionDisabled alerts that a connection stopped syncing. Repeated
// alerts for the same connection are suppressed for the cooldown period.
// Returns true if an alert was sent.
func (n *Notifier) ConnectionDisabled(ctx context.Context, connectionID, name, spaceID, reason string) bool {
	if !n.IsEnabled() {
		return false
	}

	n.mu.Lock()
	if n.alerted[connectionID] {
		if last, ok := n.lastAlertTimes[connectionID]; ok && time.Since(last) < n.cfg.CooldownPeriod {
			n.mu.Unlock()
			return false
		}
	}
	n.alerted[connectionID] = true
	n.lastAlertTimes[connectionID] = time.Now()
	n.mu.Unlock()

	n.dispatch(ctx, Alert{
		Type:           AlertTypeDisabled,
		ConnectionID:   connectionID,
		ConnectionName: name,
		SpaceID:        spaceID,
		Message:        fmt.Sprintf("Calendar '%s' stopped syncing", name),
		Details:        reason,
		Timestamp:      time.Now(),
	})
	return true
}

// ConnectionRecovered alerts that a previously disabled connection synced
// again. Nothing is sent unless a disabled alert went out before.
func (n *Notifier) ConnectionRecovered(ctx context.Context, connectionID, name, spaceID string) bool {
	if !n.IsEnabled() {
		return false
	}

	n.mu.Lock()
	wasAlerted := n.alerted[connectionID]
	delete(n.alerted, connectionID)
	delete(n.lastAlertTimes, connectionID)
	n.mu.Unlock()

	if !wasAlerted {
		return false
	}

	n.dispatch(ctx, Alert{
		Type:           AlertTypeRecovery,
		ConnectionID:   connectionID,
		ConnectionName: name,
		SpaceID:        spaceID,
		Message:        fmt.Sprintf("Calendar '%s' is syncing again", name),
		Details:        "The calendar feed is syncing normally",
		Timestamp:      time.Now(),
	})
	return true
}

// Forget drops alert state for a deleted connection.
func (n *Notifier) Forget(connectionID string) {
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.alerted, connectionID)
	delete(n.lastAlertTimes, connectionID)
}

// Wait blocks until alerts that are being delivered have finished.
func (n *Notifier) Wait() {
	if n != nil {
		n.wg.Wait()
	}
}

// dispatch delivers in the background so a slow channel never holds up a sync.
func (n *Notifier) dispatch(ctx context.Context, alert Alert) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		n.send(ctx, alert)
	}()
}

// send delivers alert on every configured channel and logs failures.
func (n *Notifier) send(ctx context.Context, alert Alert) {
	log := n.logger.WithFields(logrus.Fields{
		"connection_id": alert.ConnectionID,
		"alert_type":    alert.Type,
	})

	if n.cfg.WebhookEnabled && n.cfg.WebhookURL != "" {
		if err := n.sendWebhook(ctx, alert); err != nil {
			log.WithError(err).Warn("Webhook alert failed")
		} else {
			log.Info("Webhook alert sent")
		}
	}

	if n.cfg.EmailEnabled && len(n.cfg.SMTPTo) > 0 {
		if err := n.sendEmail(ctx, alert); err != nil {
			log.WithError(err).Warn("Email alert failed")
		} else {
			log.WithField("recipients", len(n.cfg.SMTPTo)).Info("Email alert sent")
		}
	}
}

// WebhookPayload is the body posted to the webhook. Text makes it readable by Slack.
type WebhookPayload struct {
	AlertType      string `json:"alert_type"`
	ConnectionID   string `json:"connection_id"`
	ConnectionName string `json:"connection_name"`
	SpaceID        string `json:"space_id"`
	Message        string `json:"message"`
	Details        string `json:"details"`
	Timestamp      string `json:"timestamp"`
	Text           string `json:"text,omitempty"`
}

func (n *Notifier) sendWebhook(ctx context.Context, alert Alert) error {
	emoji := ":x:"
	if alert.Type == AlertTypeRecovery {
		emoji = ":white_check_mark:"
	}

	payload := WebhookPayload{
		AlertType:      string(alert.Type),
		ConnectionID:   alert.ConnectionID,
		ConnectionName: alert.ConnectionName,
		SpaceID:        alert.SpaceID,
		Message:        alert.Message,
		Details:        alert.Details,
		Timestamp:      alert.Timestamp.Format(time.RFC3339),
		Text:           fmt.Sprintf("%s *%s*\n%s", emoji, alert.Message, alert.Details),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// buildMessage renders an alert as a plain-text email.
func (n *Notifier) buildMessage(alert Alert) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(n.cfg.SMTPFrom); err != nil {
		return nil, fmt.Errorf("from address: %w", err)
	}
	if err := msg.To(n.cfg.SMTPTo...); err != nil {
		return nil, fmt.Errorf("recipient address: %w", err)
	}
	msg.Subject("[calsync] " + sanitizeForEmail(alert.Message))

	var body strings.Builder
	fmt.Fprintf(&body, "Alert Type: %s\n", alert.Type)
	fmt.Fprintf(&body, "Calendar: %s\n", sanitizeForEmail(alert.ConnectionName))
	fmt.Fprintf(&body, "Connection ID: %s\n", alert.ConnectionID)
	fmt.Fprintf(&body, "Space ID: %s\n", alert.SpaceID)
	fmt.Fprintf(&body, "Time: %s\n\n", alert.Timestamp.Format(time.RFC1123))
	fmt.Fprintf(&body, "Details: %s\n", sanitizeForEmail(alert.Details))
	msg.SetBodyString(mail.TypeTextPlain, body.String())

	return msg, nil
}

func (n *Notifier) sendEmail(ctx context.Context, alert Alert) error {
	msg, err := n.buildMessage(alert)
	if err != nil {
		return err
	}

	opts := []mail.Option{
		mail.WithPort(n.cfg.SMTPPort),
		mail.WithTimeout(30 * time.Second),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if n.cfg.SMTPTLS {
		opts = append(opts, mail.WithSSL())
	}
	if n.cfg.SMTPUsername != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(n.cfg.SMTPUsername),
			mail.WithPassword(n.cfg.SMTPPassword),
		)
	}

	client, err := mail.NewClient(n.cfg.SMTPHost, opts...)
	if err != nil {
		return fmt.Errorf("create SMTP client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}
