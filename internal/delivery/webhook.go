package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/celerix-dev/celerix-beacon/pkg/sdk"
)

// WebhookDeliverer POSTs messages as JSON to a provider gateway. Timeouts,
// network errors, 429 and 5xx responses are transient; other 4xx responses
// are permanent.
type WebhookDeliverer struct {
	URL    string
	Token  string
	Client *http.Client
}

// NewWebhookDeliverer returns a deliverer with a bounded request timeout.
func NewWebhookDeliverer(url, token string, timeout time.Duration) *WebhookDeliverer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookDeliverer{URL: url, Token: token, Client: &http.Client{Timeout: timeout}}
}

func (w *WebhookDeliverer) Deliver(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return sdk.Permanent(fmt.Errorf("encode message: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return sdk.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.Token)
	}

	resp, err := w.Client.Do(req)
	if err != nil {
		return sdk.Transient(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return sdk.Transient(fmt.Errorf("gateway returned %s", resp.Status))
	default:
		return sdk.Permanent(fmt.Errorf("gateway returned %s", resp.Status))
	}
}
