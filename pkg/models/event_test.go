package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNotifyDeadline(t *testing.T) {
	enqueued := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	seconds := func(f float64) *float64 { return &f }

	tests := []struct {
		name        string
		notifyAfter *float64
		want        time.Time
	}{
		{"default grace", nil, enqueued.Add(10 * time.Minute)},
		{"job grace", seconds(90), enqueued.Add(90 * time.Second)},
		{"zero grace", seconds(0), enqueued},
		{"grace clamped", seconds(1e10), enqueued.Add(MaxNotifyAfter)},
		{"grace at int64 overflow", seconds(1e19), enqueued.Add(MaxNotifyAfter)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := &JobRetry{Retry: true, EnqueuedAt: float64(enqueued.Unix()), NotifyAfter: tt.notifyAfter}
			assert.True(t, tt.want.Equal(j.NotifyDeadline(10*time.Minute)), "got %s", j.NotifyDeadline(10*time.Minute))
		})
	}
}

func TestWillRetry(t *testing.T) {
	tests := []struct {
		retry any
		want  bool
	}{
		{nil, false},
		{true, true},
		{false, false},
		{"true", true},
		{"false", false},
		{"5", true},
		{"0", false},
		{float64(3), true},
		{float64(0), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, (&JobRetry{Retry: tt.retry}).WillRetry(), "retry=%v", tt.retry)
	}
	var nilJob *JobRetry
	assert.False(t, nilJob.WillRetry())
}
