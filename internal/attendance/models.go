package attendance

import "time"

// Session states. Closed is terminal.
const (
	SessionOpen   = "open"
	SessionClosed = "closed"
)

// DefaultDurationMinutes is the redemption window applied when a session
// is opened without an explicit override.
const DefaultDurationMinutes = 15

// Session is one time-boxed attendance window for a class. The token is
// a secret: it is embedded in the QR payload handed to the instructor
// and never returned by listing endpoints.
type Session struct {
	ID              string    `json:"id"`
	ClassID         string    `json:"class_id"`
	Token           string    `json:"-"`
	CreatedBy       string    `json:"created_by"`
	CreatedAt       time.Time `json:"created_at"`
	DurationMinutes int       `json:"duration_minutes"`
	Status          string    `json:"status"`
}

// Deadline returns the instant after which redemptions are rejected.
func (s Session) Deadline() time.Time {
	mins := s.DurationMinutes
	if mins <= 0 {
		mins = DefaultDurationMinutes
	}
	return s.CreatedAt.Add(time.Duration(mins) * time.Minute)
}

// Expired reports whether the session's redemption window has elapsed,
// regardless of its stored status.
func (s Session) Expired(now time.Time) bool {
	return now.After(s.Deadline())
}

// Mark is one user's recorded attendance outcome for one session. UID is
// also the storage key, so a user holds at most one mark per session.
// At and DeviceHash are set once at redemption and never change;
// UpdatedBy/UpdatedAt are stamped only by reviewer overrides.
type Mark struct {
	UID        string     `json:"uid"`
	Status     string     `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	Feedback   string     `json:"feedback,omitempty"`
	DeviceHash string     `json:"device_hash,omitempty"`
	At         time.Time  `json:"at"`
	UpdatedBy  string     `json:"updated_by,omitempty"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}
