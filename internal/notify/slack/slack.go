// Package slack posts spoofed-threat alerts to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/overwatch/internal/threatfeed"
)

const (
	httpTimeout = 10 * time.Second

	DefaultRatePerMinute = 6
	DefaultAttempts      = 3
	DefaultRetryDelay    = 500 * time.Millisecond
	DefaultQueueSize     = 32
)

// Options configures a Notifier. Zero values get defaults.
type Options struct {
	WebhookURL    string
	RatePerMinute int
	Attempts      uint
	RetryDelay    time.Duration
	QueueSize     int
	Client        *http.Client
	Logger        log.Logger
}

// Notifier sends rejected threats to a Slack webhook. Alerts are throttled,
// queued, and delivered by Run so the threat feed tick is never blocked.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	attempts   uint
	retryDelay time.Duration
	queue      chan threatfeed.Threat
}

// New creates a new Slack notifier. If WebhookURL is empty, the notifier is disabled.
func New(opts Options) *Notifier {
	if opts.RatePerMinute <= 0 {
		opts.RatePerMinute = DefaultRatePerMinute
	}
	if opts.Attempts == 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: httpTimeout}
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	logger := opts.Logger
	return &Notifier{
		webhookURL: opts.WebhookURL,
		client:     opts.Client,
		logger:     logger,
		limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RatePerMinute)), 1),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "slack-webhook",
			MaxRequests: 1,
			Timeout:     time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn(context.Background(), "slack circuit breaker state change",
					"breaker", name, "from", from.String(), "to", to.String())
			},
		}),
		attempts:   opts.Attempts,
		retryDelay: opts.RetryDelay,
		queue:      make(chan threatfeed.Threat, opts.QueueSize),
	}
}

// Enabled reports whether a webhook URL is configured.
func (n *Notifier) Enabled() bool { return n.webhookURL != "" }

// HandleUpdate is a threat feed subscriber. It queues rejected threats for
// delivery and drops them when throttled or when the queue is full.
func (n *Notifier) HandleUpdate(u threatfeed.Update) {
	if u.Admitted || !n.Enabled() {
		return
	}
	ctx := context.Background()
	if !n.limiter.Allow() {
		n.logger.Warn(ctx, "slack alert throttled, dropping", "threat_id", u.Threat.ID)
		return
	}
	select {
	case n.queue <- u.Threat:
	default:
		n.logger.Warn(ctx, "slack alert queue full, dropping", "threat_id", u.Threat.ID)
	}
}

// Run delivers queued alerts until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-n.queue:
			if err := n.Send(ctx, t); err != nil {
				n.logger.Error(ctx, err, "slack alert failed", "threat_id", t.ID)
				continue
			}
			n.logger.Info(ctx, "slack alert sent", "threat_id", t.ID)
		}
	}
}

// Send posts a spoof alert for t to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Send(ctx context.Context, t threatfeed.Threat) error {
	if !n.Enabled() {
		return nil
	}

	body, err := json.Marshal(buildMessage(t))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	_, err = n.breaker.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(n.attempts),
			retry.Delay(n.retryDelay),
			retry.DelayType(retry.BackOffDelay),
		)
		return nil, r.Do(func() error {
			return n.post(ctx, body)
		})
	})
	return err
}

func (n *Notifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("slack: create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return retry.Unrecoverable(err)
		}
		return err
	}
	return nil
}

func buildMessage(t threatfeed.Threat) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(t),
			{"type": "divider"},
			fieldsBlock(t),
			{"type": "divider"},
			contextBlock(t),
		},
	}
}

func headerBlock(t threatfeed.Threat) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": fmt.Sprintf("\U0001f6a8 Spoof Detected: %s", t.ID), // rotating light
		},
	}
}

func fieldsBlock(t threatfeed.Threat) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Threat:* %s", t.ID),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Type:* %s", t.Type),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Sector:* %s", t.Sector),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Coordinates:* %.4f, %.4f", t.Coordinates.Lat, t.Coordinates.Lng),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func contextBlock(t threatfeed.Threat) map[string]any {
	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("overwatch • rejected by Zynd Protocol • %s", t.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}
