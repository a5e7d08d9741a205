package notifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/errwatch/internal/store"
	"github.com/kiranshivaraju/errwatch/pkg/models"
)

// Debouncer evaluates the debounce rules for a group under its per-group lock
// and delivers alerts when they pass.
type Debouncer struct {
	store     store.Store
	deliverer Deliverer
	policy    Policy
	now       func() time.Time
}

// NewDebouncer creates a Debouncer.
func NewDebouncer(s store.Store, deliverer Deliverer, policy Policy) *Debouncer {
	return &Debouncer{
		store:     s,
		deliverer: deliverer,
		policy:    policy,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Evaluate runs the rules for groupID and sends when they allow it. A
// non-nil error may accompany a Send decision when some deliveries failed.
func (d *Debouncer) Evaluate(ctx context.Context, groupID uuid.UUID) (Decision, error) {
	var decision Decision
	err := d.store.WithGroupLock(ctx, groupID, func(ctx context.Context) error {
		g, err := d.store.GetGroup(ctx, groupID)
		if err != nil {
			return fmt.Errorf("load group: %w", err)
		}
		now := d.now()
		decision, err = d.decide(ctx, g, now)
		if err != nil {
			return err
		}
		if !decision.Send {
			return nil
		}
		return d.send(ctx, g, now)
	})
	if decision.Reason != "" {
		decisionsTotal.WithLabelValues(decision.Reason).Inc()
	}
	return decision, err
}

func (d *Debouncer) decide(ctx context.Context, g *models.Group, now time.Time) (Decision, error) {
	if !g.IsOpen() {
		return skip(ReasonNotOpen), nil
	}

	latest, err := d.store.LatestGroupEvent(ctx, g.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Decision{}, fmt.Errorf("latest event: %w", err)
	}
	if latest != nil && latest.JobRetry.WillRetry() {
		deadline := latest.JobRetry.NotifyDeadline(d.policy.JobRetryGrace)
		if now.Before(deadline) {
			return Decision{Reason: ReasonJobRetryGrace, RecheckAt: deadline}, nil
		}
	}

	envs, err := d.store.GroupAppEnvs(ctx, g.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("group app envs: %w", err)
	}
	for _, env := range envs {
		if contains(d.policy.ExcludedEnvs, env) {
			return skip(ReasonExcludedEnv), nil
		}
	}

	langs, err := d.store.GroupLanguages(ctx, g.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("group languages: %w", err)
	}
	for _, lang := range langs {
		if !contains(d.policy.NoisyLanguages, lang) {
			continue
		}
		quiet, err := d.belowBaseline(ctx, store.EventCountFilter{Language: lang, OpenOnly: true}, now)
		if err != nil {
			return Decision{}, err
		}
		if quiet {
			return skip(ReasonNoisyLanguage), nil
		}
	}

	window := d.policy.Debounce
	if g.State == models.GroupStateAcknowledged {
		window = d.policy.AcknowledgedDebounce
		quiet, err := d.belowBaseline(ctx, store.EventCountFilter{Language: g.Language, OpenOnly: true}, now)
		if err != nil {
			return Decision{}, err
		}
		if quiet {
			return skip(ReasonNoisyAcknowledged), nil
		}
	}

	if g.LastNotifiedAt == nil {
		return Decision{Send: true, Reason: ReasonSend}, nil
	}
	fresh, err := d.store.HasGroupEventsSince(ctx, g.ID, *g.LastNotifiedAt)
	if err != nil {
		return Decision{}, fmt.Errorf("events since last notification: %w", err)
	}
	if !fresh {
		return skip(ReasonNoNewEvents), nil
	}
	if next := g.LastNotifiedAt.Add(window); now.Before(next) {
		return Decision{Reason: ReasonDebounced, RecheckAt: next}, nil
	}
	return Decision{Send: true, Reason: ReasonSend}, nil
}

func (d *Debouncer) belowBaseline(ctx context.Context, filter store.EventCountFilter, now time.Time) (bool, error) {
	filter.Since = now.Add(-noiseBaselineWindow)
	baseline, err := d.store.CountEvents(ctx, filter)
	if err != nil {
		return false, fmt.Errorf("count baseline events: %w", err)
	}
	filter.Since = now.Add(-noiseRecentWindow)
	recent, err := d.store.CountEvents(ctx, filter)
	if err != nil {
		return false, fmt.Errorf("count recent events: %w", err)
	}
	return noisy(baseline, recent), nil
}

// send delivers one alert per watcher. The group is marked notified unless
// every delivery failed.
func (d *Debouncer) send(ctx context.Context, g *models.Group, now time.Time) error {
	watchers, err := d.store.ListGroupWatchers(ctx, g.ID)
	if err != nil {
		return fmt.Errorf("list watchers: %w", err)
	}

	var failures []error
	for _, w := range watchers {
		n := models.Notification{
			GroupID:    g.ID.String(),
			ErrorClass: g.ErrorClass,
			KeyLine:    g.KeyLine,
			Language:   g.Language,
			State:      string(g.State),
			Watcher:    w.Name,
			Email:      w.Email,
			SentAt:     now,
		}
		start := time.Now()
		err := d.deliverer.Deliver(ctx, n)
		deliveryDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			deliveriesTotal.WithLabelValues("error").Inc()
			slog.Error("notification delivery failed", "group_id", g.ID, "watcher", w.Email, "error", err)
			failures = append(failures, &DeliveryError{Watcher: w.Email, Err: err})
			continue
		}
		deliveriesTotal.WithLabelValues("ok").Inc()
	}

	if len(watchers) > 0 && len(failures) == len(watchers) {
		return errors.Join(failures...)
	}
	if err := d.store.MarkGroupNotified(ctx, g.ID, now); err != nil {
		return fmt.Errorf("mark notified: %w", err)
	}
	return errors.Join(failures...)
}
