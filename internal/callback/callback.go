// Package callback delivers terminal submission records to client webhooks.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"runbox/internal/store"
	"runbox/pkg/logger"
)

const defaultTimeout = 5 * time.Second

// Emitter POSTs the final record to the submission's callback URL. Delivery
// is single-shot best effort: the store remains the source of truth, so a
// failed POST is logged and dropped.
type Emitter struct {
	client  *http.Client
	timeout time.Duration
}

// New creates an emitter with the given per-delivery timeout.
func New(timeout time.Duration) *Emitter {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Emitter{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// NewWithClient injects a custom HTTP client (tests).
func NewWithClient(client *http.Client, timeout time.Duration) *Emitter {
	e := New(timeout)
	if client != nil {
		e.client = client
	}
	return e
}

// Deliver sends the terminal record. It returns only after the attempt
// completed; callers decide whether to run it in the background.
func (e *Emitter) Deliver(ctx context.Context, sub *store.Submission) {
	if sub == nil || sub.CallbackURL == "" {
		return
	}
	ctx = logger.WithSubmissionID(ctx, sub.ID)

	payload, err := json.Marshal(sub)
	if err != nil {
		logger.Error(ctx, "encode callback payload failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.CallbackURL, bytes.NewReader(payload))
	if err != nil {
		logger.Error(ctx, "build callback request failed",
			zap.String("url", sub.CallbackURL), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		logger.Warn(ctx, "callback delivery failed",
			zap.String("url", sub.CallbackURL), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.Warn(ctx, "callback rejected",
			zap.String("url", sub.CallbackURL), zap.Int("status", resp.StatusCode))
		return
	}
	logger.Debug(ctx, "callback delivered", zap.String("url", sub.CallbackURL))
}
