package models

import "time"

// SeriesPoint is one [unix_ms, value] pair of a daily series.
type SeriesPoint [2]float64

// AppUserCount is the number of events reported for one app user.
type AppUserCount struct {
	User  string `json:"user"`
	Count int    `json:"count"`
}

// GroupDetail is the read model for a single group page.
type GroupDetail struct {
	Group        *Group         `json:"group"`
	AppEnvs      []string       `json:"app_envs"`
	DailyCounts  []SeriesPoint  `json:"daily_counts"`
	RecentEvents []*Event       `json:"recent_events"`
	Notes        []*Note        `json:"notes"`
	Transitions  []*Transition  `json:"transitions"`
	TopUsers     []AppUserCount `json:"top_users"`
	UserCount    int            `json:"user_count"`
}

// Stats is the system-wide daily activity read model.
type Stats struct {
	EventCounts         []SeriesPoint `json:"event_counts"`
	EventCountsSmoothed []SeriesPoint `json:"event_counts_smoothed"`
	GroupCounts         []SeriesPoint `json:"group_counts"`
	GroupCountsSmoothed []SeriesPoint `json:"group_counts_smoothed"`
}

// Notification is the payload handed to a delivery transport.
type Notification struct {
	GroupID    string    `json:"group_id"`
	ErrorClass string    `json:"error_class"`
	KeyLine    string    `json:"key_line"`
	Language   string    `json:"language"`
	State      string    `json:"state"`
	Watcher    string    `json:"watcher"`
	Email      string    `json:"email"`
	SentAt     time.Time `json:"sent_at"`
}
