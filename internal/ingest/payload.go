package ingest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/errwatch/pkg/models"
)

// ErrMalformedEvent matches every *ValidationError.
var ErrMalformedEvent = errors.New("malformed event")

const maxFieldLength = 255

// ValidationError reports the first invalid field of a payload.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrMalformedEvent }

// Payload is an error report as submitted by a client library.
type Payload struct {
	Message        string            `json:"message"`
	ErrorClass     string            `json:"error_class"`
	Backtrace      []string          `json:"backtrace"`
	AppName        string            `json:"app_name"`
	AppEnv         string            `json:"app_env"`
	Language       string            `json:"language"`
	AppUser        map[string]string `json:"app_user"`
	RequestHeaders map[string]string `json:"request_headers"`
	JobRetry       *models.JobRetry  `json:"sidekiq_msg"`
	CapturedAt     *time.Time        `json:"captured_at"`
}

// Validate checks required fields and job metadata.
func (p *Payload) Validate() error {
	required := []struct {
		field string
		value string
	}{
		{"error_class", p.ErrorClass},
		{"app_name", p.AppName},
		{"app_env", p.AppEnv},
		{"language", p.Language},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &ValidationError{Field: r.field, Reason: "is required"}
		}
		if len(r.value) > maxFieldLength {
			return &ValidationError{Field: r.field, Reason: fmt.Sprintf("must be at most %d characters", maxFieldLength)}
		}
	}

	if p.JobRetry != nil {
		switch p.JobRetry.Retry.(type) {
		case nil, bool, string, float64, int, int64:
		default:
			return &ValidationError{Field: "sidekiq_msg.retry", Reason: "must be a boolean, string or number"}
		}
		if p.JobRetry.EnqueuedAt < 0 {
			return &ValidationError{Field: "sidekiq_msg.enqueued_at", Reason: "must not be negative"}
		}
		if na := p.JobRetry.NotifyAfter; na != nil {
			if *na < 0 {
				return &ValidationError{Field: "sidekiq_msg.notify_after", Reason: "must not be negative"}
			}
			if *na > models.MaxNotifyAfter.Seconds() {
				return &ValidationError{
					Field:  "sidekiq_msg.notify_after",
					Reason: fmt.Sprintf("must be at most %d seconds", int64(models.MaxNotifyAfter.Seconds())),
				}
			}
		}
	}
	return nil
}

// toEvent builds the stored event. CapturedAt defaults to now.
func (p *Payload) toEvent(now time.Time) *models.Event {
	captured := now
	if p.CapturedAt != nil && !p.CapturedAt.IsZero() {
		captured = p.CapturedAt.UTC()
	}
	return &models.Event{
		ID:             uuid.New(),
		Message:        p.Message,
		ErrorClass:     strings.TrimSpace(p.ErrorClass),
		Backtrace:      p.Backtrace,
		AppName:        strings.TrimSpace(p.AppName),
		AppEnv:         strings.TrimSpace(p.AppEnv),
		Language:       strings.ToLower(strings.TrimSpace(p.Language)),
		AppUser:        p.AppUser,
		RequestHeaders: p.RequestHeaders,
		JobRetry:       p.JobRetry,
		CapturedAt:     captured,
		CreatedAt:      now,
	}
}
