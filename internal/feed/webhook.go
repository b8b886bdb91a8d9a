package feed

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/jmerrifield20/custodyledger/internal/canonical"
	"github.com/jmerrifield20/custodyledger/internal/ledger"
	"github.com/jmerrifield20/custodyledger/internal/metrics"
)

// SignatureHeader carries the HMAC-SHA256 of the request body, hex
// encoded with a "sha256=" prefix.
const SignatureHeader = "X-Custody-Signature"

// ErrQueueFull is returned by WebhookPublisher.Publish when deliveries
// are backed up past the caller's deadline.
var ErrQueueFull = errors.New("feed: webhook queue full")

// WebhookConfig configures a WebhookPublisher.
type WebhookConfig struct {
	URL    string
	Secret string

	// QueueSize bounds events waiting for delivery. Default 256.
	QueueSize int
	// MaxElapsed bounds the retries of one delivery. Default one minute.
	MaxElapsed time.Duration
	Client     *http.Client
}

type delivery struct {
	caseName string
	event    ledger.Event
	body     []byte
}

// WebhookPublisher POSTs each event's canonical encoding to a URL, signed
// with a shared secret. Deliveries run in order on one background worker
// and are retried with exponential backoff.
type WebhookPublisher struct {
	cfg    WebhookConfig
	queue  chan delivery
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

// NewWebhookPublisher starts the delivery worker.
func NewWebhookPublisher(cfg WebhookConfig, logger *zap.Logger) (*WebhookPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("feed: webhook URL is required")
	}
	if cfg.Secret == "" {
		return nil, errors.New("feed: webhook secret is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = time.Minute
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	w := &WebhookPublisher{
		cfg:    cfg,
		queue:  make(chan delivery, cfg.QueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go w.run()
	return w, nil
}

// Sign returns the signature header value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Publish implements Publisher. It only enqueues; delivery outcomes are
// logged and counted by the worker.
func (w *WebhookPublisher) Publish(ctx context.Context, caseName string, e ledger.Event) error {
	body, err := canonical.Marshal(e)
	if err != nil {
		return fmt.Errorf("feed: encode event %d: %w", e.ID, err)
	}
	select {
	case w.queue <- delivery{caseName: caseName, event: e, body: body}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: event %d", ErrQueueFull, e.ID)
	}
}

// Close delivers what is queued and stops the worker. Publish must not be
// called after Close.
func (w *WebhookPublisher) Close() error {
	w.once.Do(func() { close(w.queue) })
	<-w.done
	return nil
}

func (w *WebhookPublisher) run() {
	defer close(w.done)
	for d := range w.queue {
		err := w.deliver(d)
		metrics.RecordFeedPublish(err == nil)
		if err != nil {
			w.logger.Warn("webhook delivery failed",
				zap.String("url", w.cfg.URL),
				zap.Int64("event_id", d.event.ID),
				zap.Error(err),
			)
		}
	}
}

func (w *WebhookPublisher) deliver(d delivery) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	eb.MaxElapsedTime = w.cfg.MaxElapsed

	signature := Sign(d.body, w.cfg.Secret)
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		req, err := http.NewRequest(http.MethodPost, w.cfg.URL, bytes.NewReader(d.body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(SignatureHeader, signature)
		req.Header.Set("X-Custody-Case", d.caseName)
		req.Header.Set("X-Custody-Event", strconv.FormatInt(d.event.ID, 10))

		resp, err := w.cfg.Client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			w.logger.Debug("webhook delivery retry",
				zap.Int("attempt", attempt), zap.Int("status", resp.StatusCode))
			return fmt.Errorf("HTTP %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("HTTP %d", resp.StatusCode))
		}
	}, eb)
}
