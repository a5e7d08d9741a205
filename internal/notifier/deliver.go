package notifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/errwatch/pkg/models"
)

// ErrDeliveryFailure matches every *DeliveryError.
var ErrDeliveryFailure = errors.New("notification delivery failed")

// DeliveryError reports a failed delivery to one watcher.
type DeliveryError struct {
	Watcher string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: %v", e.Watcher, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e *DeliveryError) Is(target error) bool { return target == ErrDeliveryFailure }

// Deliverer sends one notification to one watcher.
type Deliverer interface {
	Deliver(ctx context.Context, n models.Notification) error
}

// LogDeliverer writes notifications to the structured log.
type LogDeliverer struct{}

func (LogDeliverer) Deliver(_ context.Context, n models.Notification) error {
	slog.Info("notification",
		"group_id", n.GroupID,
		"error_class", n.ErrorClass,
		"key_line", n.KeyLine,
		"state", n.State,
		"watcher", n.Email,
	)
	return nil
}
