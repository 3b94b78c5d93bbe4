package attendance

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Store lookups for missing sessions or marks.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned by CreateSession when the id already exists.
var ErrDuplicate = errors.New("already exists")

// SessionFilter narrows ListSessions. Zero values mean "any".
type SessionFilter struct {
	ClassID string
	Status  string
}

// MarkPatch is a partial mark update; nil fields are left untouched.
// Reviewer overrides set all of them, the anomaly worker sets only
// Feedback so the review-audit fields stay reserved for reviewers.
type MarkPatch struct {
	Status    *string
	Reason    *string
	Feedback  *string
	UpdatedBy *string
	UpdatedAt *time.Time
}

// Store is the durable session store consumed by the service. The one
// concurrency-safety primitive it must provide is CreateMarkIfAbsent: an
// atomic conditional create, so two racing redemptions by the same user
// can never both write a mark.
type Store interface {
	GetSession(ctx context.Context, id string) (Session, error)
	ListSessions(ctx context.Context, f SessionFilter) ([]Session, error)
	CreateSession(ctx context.Context, s Session) error
	// TransitionSession is idempotent when the session is already in
	// the requested status.
	TransitionSession(ctx context.Context, id, status string) error

	GetMark(ctx context.Context, sessionID, uid string) (Mark, error)
	CreateMarkIfAbsent(ctx context.Context, sessionID, uid string, m Mark) (created bool, out Mark, err error)
	UpdateMark(ctx context.Context, sessionID, uid string, patch MarkPatch) (Mark, error)
	ListMarks(ctx context.Context, sessionID string) ([]Mark, error)
}
