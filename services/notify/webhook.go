package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"commitchain/observability"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of the request body.
	SignatureHeader = "X-Commitchain-Signature"
	// SequenceHeader carries the outbox sequence for receiver-side dedupe.
	SequenceHeader = "X-Commitchain-Sequence"

	defaultMaxAttempts = 8
	defaultBatch       = 100
	maxBackoff         = 5 * time.Minute
)

// WebhookConfig configures delivery.
type WebhookConfig struct {
	URL         string        `toml:"URL" yaml:"url"`
	Secret      string        `toml:"Secret" yaml:"secret"`
	RatePerSec  float64       `toml:"RatePerSecond" yaml:"rate_per_sec"`
	Burst       int           `toml:"Burst" yaml:"burst"`
	MaxAttempts int           `toml:"MaxAttempts" yaml:"max_attempts"`
	Timeout     time.Duration `toml:"Timeout" yaml:"timeout"`
}

// Webhook drains the outbox into an HTTP endpoint.
type Webhook struct {
	outbox      *Outbox
	url         string
	secret      []byte
	client      *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	logger      *slog.Logger
	nowFn       func() time.Time
}

func NewWebhook(outbox *Outbox, cfg WebhookConfig, logger *slog.Logger) (*Webhook, error) {
	if outbox == nil {
		return nil, errors.New("notify: outbox required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("notify: webhook url required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		outbox:      outbox,
		url:         cfg.URL,
		secret:      []byte(cfg.Secret),
		client:      &http.Client{Timeout: timeout},
		limiter:     rate.NewLimiter(limit, burst),
		maxAttempts: attempts,
		logger:      logger.With(slog.String("component", "webhook")),
		nowFn:       time.Now,
	}, nil
}

// Sign returns the signature header value for payload.
func Sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Flush attempts every due record once, stopping early when the rate budget
// is spent. It returns the number delivered.
func (w *Webhook) Flush(ctx context.Context) (int, error) {
	records, err := w.outbox.Pending(defaultBatch)
	if err != nil {
		return 0, err
	}
	delivered := 0
	now := w.nowFn()
	for _, rec := range records {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		if !rec.NotBefore.IsZero() && now.Before(rec.NotBefore) {
			continue
		}
		if !w.limiter.AllowN(now, 1) {
			break
		}
		if err := w.deliver(ctx, rec); err != nil {
			observability.Events().RecordDelivery(false)
			if err := w.retryLater(rec, err, now); err != nil {
				return delivered, err
			}
			continue
		}
		observability.Events().RecordDelivery(true)
		if err := w.outbox.Ack(rec.Sequence); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

func (w *Webhook) deliver(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(w.secret, payload))
	req.Header.Set(SequenceHeader, strconv.FormatUint(rec.Sequence, 10))
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %s", resp.Status)
	}
	return nil
}

func (w *Webhook) retryLater(rec Record, cause error, now time.Time) error {
	rec.Attempts++
	rec.LastError = cause.Error()
	if rec.Attempts >= w.maxAttempts {
		w.logger.Error("notification abandoned", "sequence", rec.Sequence, "type", rec.Type, "attempts", rec.Attempts, "error", cause)
		return w.outbox.Bury(rec)
	}
	rec.NotBefore = now.Add(backoff(rec.Attempts))
	w.logger.Warn("notification delivery failed", "sequence", rec.Sequence, "attempt", rec.Attempts, "error", cause)
	return w.outbox.Reschedule(rec)
}

func backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := time.Second * time.Duration(1<<uint(attempt-1))
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}
