// Package notifier decides when a group's watchers are alerted and delivers
// the alerts.
package notifier

import "time"

// Decision reasons. Exactly one is reported per evaluation.
const (
	ReasonSend              = "send"
	ReasonNotOpen           = "not_open"
	ReasonJobRetryGrace     = "job_retry_grace"
	ReasonExcludedEnv       = "excluded_env"
	ReasonNoisyLanguage     = "noisy_language"
	ReasonNoisyAcknowledged = "noisy_acknowledged"
	ReasonNoNewEvents       = "no_new_events"
	ReasonDebounced         = "debounced"
)

const (
	noiseBaselineWindow = 24 * 24 * time.Hour
	noiseRecentWindow   = 24 * time.Hour
	hoursPerDay         = 24
)

// Policy holds the tunables of the debounce rules.
type Policy struct {
	Debounce             time.Duration
	AcknowledgedDebounce time.Duration
	JobRetryGrace        time.Duration
	ExcludedEnvs         []string
	NoisyLanguages       []string
}

// Decision is the outcome of evaluating one group. RecheckAt is set when the
// group should be evaluated again at a known time.
type Decision struct {
	Send      bool
	Reason    string
	RecheckAt time.Time
}

func skip(reason string) Decision { return Decision{Reason: reason} }

// noisy reports whether the last day's volume is below the 24-day hourly
// baseline compared to half the daily count. Integer arithmetic throughout.
func noisy(baselineCount, recentCount int) bool {
	return baselineCount/hoursPerDay > recentCount/2
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
