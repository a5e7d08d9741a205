// Package models contains shared data models used across the errwatch codebase.
package models

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const userAgentHeader = "HTTP_USER_AGENT"

// Event is one reported error occurrence. Events are immutable once stored.
type Event struct {
	ID             uuid.UUID         `db:"id"              json:"id"`
	Message        string            `db:"message"         json:"message"`
	ErrorClass     string            `db:"error_class"     json:"error_class"`
	Backtrace      []string          `db:"backtrace"       json:"backtrace"`
	AppName        string            `db:"app_name"        json:"app_name"`
	AppEnv         string            `db:"app_env"         json:"app_env"`
	Language       string            `db:"language"        json:"language"`
	AppUser        map[string]string `db:"app_user"        json:"app_user,omitempty"`
	RequestHeaders map[string]string `db:"request_headers" json:"request_headers,omitempty"`
	JobRetry       *JobRetry         `db:"sidekiq_msg"     json:"sidekiq_msg,omitempty"`
	CapturedAt     time.Time         `db:"captured_at"     json:"captured_at"`
	CreatedAt      time.Time         `db:"created_at"      json:"created_at"`
}

// KeyLine returns the first backtrace frame that no exclusion pattern matches.
// Returns "" when the backtrace is empty or every frame is excluded.
func (e *Event) KeyLine(excludes []*regexp.Regexp) string {
	for _, line := range e.Backtrace {
		if !matchesAny(line, excludes) {
			return line
		}
	}
	return ""
}

// UserAgent returns the raw user agent reported with the request, if any.
func (e *Event) UserAgent() string {
	if e.RequestHeaders == nil {
		return ""
	}
	return e.RequestHeaders[userAgentHeader]
}

func matchesAny(line string, patterns []*regexp.Regexp) bool {
	for _, p := range patterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

// JobRetry is the background-job metadata attached to events raised from a
// job runner. Retry is kept loosely typed because producers send it as a bool,
// a string, or a retry count.
type JobRetry struct {
	Retry       any      `json:"retry,omitempty"`
	EnqueuedAt  float64  `json:"enqueued_at,omitempty"`
	NotifyAfter *float64 `json:"notify_after,omitempty"`
	JobClass    string   `json:"class,omitempty"`
}

// WillRetry reports whether the producing job is going to be retried by its runner.
func (j *JobRetry) WillRetry() bool {
	if j == nil {
		return false
	}
	switch v := j.Retry.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		if v == "true" {
			return true
		}
		if v == "false" {
			return false
		}
		return leadingInt(v) != 0
	case float64:
		return int64(v) != 0
	case int:
		return v != 0
	case int64:
		return v != 0
	default:
		return false
	}
}

// MaxNotifyAfter bounds a job's own notify_after grace.
const MaxNotifyAfter = 30 * 24 * time.Hour

// NotifyDeadline returns the instant before which alerts for this job are held back.
// A notify_after beyond MaxNotifyAfter is clamped to it.
func (j *JobRetry) NotifyDeadline(defaultGrace time.Duration) time.Time {
	grace := defaultGrace
	if j.NotifyAfter != nil {
		grace = MaxNotifyAfter
		if *j.NotifyAfter < MaxNotifyAfter.Seconds() {
			grace = time.Duration(int64(*j.NotifyAfter)) * time.Second
		}
	}
	sec, frac := splitSeconds(j.EnqueuedAt)
	return time.Unix(sec, frac).Add(grace)
}

func splitSeconds(f float64) (int64, int64) {
	sec := int64(f)
	return sec, int64((f - float64(sec)) * float64(time.Second))
}

// leadingInt parses the optional sign and leading digits of s, ignoring the rest.
func leadingInt(s string) int64 {
	s = strings.TrimSpace(s)
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	start := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == start {
		return 0
	}
	n, err := strconv.ParseInt(s[:end], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
