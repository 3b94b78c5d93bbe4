package attendance

import (
	"errors"
	"fmt"
)

// RejectKind classifies why a redemption or review attempt was refused.
// These are expected outcomes reported to the caller, not faults.
type RejectKind string

const (
	InvalidPayload  RejectKind = "invalid_payload"
	SessionNotFound RejectKind = "session_not_found"
	TokenMismatch   RejectKind = "token_mismatch"
	SessionExpired  RejectKind = "session_expired"
	AlreadyMarked   RejectKind = "already_marked"
	MarkNotFound    RejectKind = "mark_not_found"
)

// RejectError carries a RejectKind across the service boundary. Storage
// failures are never wrapped in it; they propagate as-is.
type RejectError struct {
	Kind   RejectKind
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func reject(kind RejectKind, detail string) error {
	return &RejectError{Kind: kind, Detail: detail}
}

// RejectKindOf returns the classification of err, or ("", false) when err
// is not a rejection (e.g. a storage failure).
func RejectKindOf(err error) (RejectKind, bool) {
	var re *RejectError
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return "", false
}
