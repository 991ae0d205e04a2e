// Package notifier best-effort mirrors a trigger event to an optional
// external webhook. It is adapted from the teacher's
// internal/client/client.go — the same retryablehttp construction and JSON
// POST shape — but repurposed from a required bidirectional orchestrator
// sync client into an optional best-effort sink: a nil URL (the default)
// disables it entirely, and a delivery failure only ever logs a warning;
// no error reaches the caller.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// Notifier posts event payloads to a configured webhook URL.
type Notifier struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

// New builds a Notifier. Returns nil if url is empty, so callers can treat
// a nil *Notifier as "notifications disabled" without a branch at every
// call site other than a nil check.
func New(url string, logger zerolog.Logger) *Notifier {
	if url == "" {
		return nil
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = nil

	return &Notifier{
		url:    url,
		client: retryClient.StandardClient(),
		logger: logger,
	}
}

// Send POSTs {"event": kind, "payload": payload} to the webhook URL. It is
// synchronous: it returns once the POST, including the retryablehttp
// client's own retries (up to 3), has succeeded or failed. Failures are
// logged and swallowed: the trigger file is the durable record of the
// event, this is strictly a best-effort mirror.
func (n *Notifier) Send(ctx context.Context, kind string, payload interface{}) {
	if n == nil {
		return
	}

	body, err := json.Marshal(map[string]interface{}{
		"event":   kind,
		"payload": payload,
	})
	if err != nil {
		n.logger.Warn().Err(err).Str("event", kind).Msg("failed to marshal notification")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.logger.Warn().Err(err).Str("event", kind).Msg("failed to build notification request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn().Err(err).Str("event", kind).Msg("notification delivery failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		n.logger.Warn().Int("status", resp.StatusCode).Str("event", kind).Msg("notification endpoint returned error")
	}
}
