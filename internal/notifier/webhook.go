package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/kiranshivaraju/errwatch/pkg/models"
	"golang.org/x/time/rate"
)

// Sentinel errors for webhook failures.
var (
	ErrWebhookUnreachable = errors.New("webhook unreachable")
	ErrWebhookRejected    = errors.New("webhook rejected notification")
)

// WebhookDeliverer POSTs notifications as JSON, throttled to a fixed rate.
type WebhookDeliverer struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

// NewWebhookDeliverer creates a WebhookDeliverer allowing rps requests per second.
func NewWebhookDeliverer(url string, rps float64, timeout time.Duration) *WebhookDeliverer {
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &WebhookDeliverer{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (w *WebhookDeliverer) Deliver(ctx context.Context, n models.Notification) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook throttle: %w", err)
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w: timeout: %v", ErrWebhookUnreachable, err)
		}
		return fmt.Errorf("%w: %v", ErrWebhookUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrWebhookRejected, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}
