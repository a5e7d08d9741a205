package models

import (
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
)

// GroupState is the lifecycle state of a Group.
type GroupState string

const (
	GroupStateActive       GroupState = "active"
	GroupStateAcknowledged GroupState = "acknowledged"
	GroupStateResolved     GroupState = "resolved"
)

// Valid reports whether s is one of the known states.
func (s GroupState) Valid() bool {
	switch s {
	case GroupStateActive, GroupStateAcknowledged, GroupStateResolved:
		return true
	}
	return false
}

// IsOpen reports whether a group in state s still accepts new events.
func (s GroupState) IsOpen() bool {
	return s == GroupStateActive || s == GroupStateAcknowledged
}

// OpenStates lists the states that count as open.
func OpenStates() []GroupState {
	return []GroupState{GroupStateActive, GroupStateAcknowledged}
}

// Group is a cluster of events that share a signature.
type Group struct {
	ID                 uuid.UUID  `db:"id"                  json:"id"`
	ErrorClass         string     `db:"error_class"         json:"error_class"`
	KeyLine            string     `db:"key_line"            json:"key_line"`
	Language           string     `db:"language"            json:"language"`
	MessageFingerprint string     `db:"message_fingerprint" json:"message_fingerprint"`
	State              GroupState `db:"state"               json:"state"`
	Popularity         *float64   `db:"popularity"          json:"popularity,omitempty"`
	LatestEventAt      *time.Time `db:"latest_event_at"     json:"latest_event_at,omitempty"`
	LastNotifiedAt     *time.Time `db:"last_notified_at"    json:"last_notified_at,omitempty"`
	CreatedAt          time.Time  `db:"created_at"          json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"          json:"updated_at"`
}

// IsOpen reports whether the group is active or acknowledged.
func (g *Group) IsOpen() bool {
	return g.State.IsOpen()
}

// Clone returns a deep copy of g.
func (g *Group) Clone() *Group {
	c := *g
	if g.Popularity != nil {
		p := *g.Popularity
		c.Popularity = &p
	}
	if g.LatestEventAt != nil {
		t := *g.LatestEventAt
		c.LatestEventAt = &t
	}
	if g.LastNotifiedAt != nil {
		t := *g.LastNotifiedAt
		c.LastNotifiedAt = &t
	}
	return &c
}

// MembershipState marks an individual event-group link.
type MembershipState string

const (
	MembershipStateOpen     MembershipState = "open"
	MembershipStateResolved MembershipState = "resolved"
)

// Membership links an Event to a Group.
type Membership struct {
	EventID   uuid.UUID       `db:"event_id"   json:"event_id"`
	GroupID   uuid.UUID       `db:"group_id"   json:"group_id"`
	State     MembershipState `db:"state"      json:"state"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// Transition is one audited lifecycle change of a group.
type Transition struct {
	ID        uuid.UUID  `db:"id"         json:"id"`
	GroupID   uuid.UUID  `db:"group_id"   json:"group_id"`
	Event     string     `db:"event"      json:"event"`
	FromState GroupState `db:"from_state" json:"from_state"`
	ToState   GroupState `db:"to_state"   json:"to_state"`
	Actor     string     `db:"actor"      json:"actor"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// Note is a free-text annotation attached to a group. Notes are append-only.
type Note struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	GroupID   uuid.UUID `db:"group_id"   json:"group_id"`
	Author    string    `db:"author"     json:"author"`
	Body      string    `db:"body"       json:"body"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Watcher receives alerts. Global watchers are notified about every group.
type Watcher struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Name      string    `db:"name"       json:"name"`
	Email     string    `db:"email"      json:"email"`
	Global    bool      `db:"global"     json:"global"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// InitialPopularity is the score a group starts from before its first upvote.
const InitialPopularity = 0.1

// MarshalJSON renders an overflowed popularity as the largest finite float,
// since JSON has no representation for infinity.
func (g Group) MarshalJSON() ([]byte, error) {
	type plain Group
	p := plain(g)
	if p.Popularity != nil && (math.IsInf(*p.Popularity, 0) || math.IsNaN(*p.Popularity)) {
		capped := math.MaxFloat64
		p.Popularity = &capped
	}
	return json.Marshal(p)
}
