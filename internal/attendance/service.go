package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"classattend/internal/metrics"
)

// Service coordinates session lifecycle, scan verification and reviewer
// reconciliation over a Store.
type Service struct {
	store           Store
	defaultDuration int
	now             func() time.Time
}

// NewService creates a service backed by a store. defaultDuration is the
// redemption window in minutes applied when OpenSession gets no override.
func NewService(store Store, defaultDuration int) *Service {
	if defaultDuration <= 0 {
		defaultDuration = DefaultDurationMinutes
	}
	return &Service{store: store, defaultDuration: defaultDuration, now: time.Now}
}

// OpenSession creates a fresh open session for a class. The token is
// regenerated on the unlikely collision with another open session's
// token, since a shared token would allow cross-session redemption.
func (s *Service) OpenSession(ctx context.Context, classID, createdBy string, durationMinutes int) (Session, error) {
	if classID == "" || createdBy == "" {
		return Session{}, errors.New("class and creator required")
	}
	if durationMinutes <= 0 {
		durationMinutes = s.defaultDuration
	}

	open, err := s.store.ListSessions(ctx, SessionFilter{Status: SessionOpen})
	if err != nil {
		return Session{}, err
	}
	inUse := make(map[string]bool, len(open))
	for _, existing := range open {
		inUse[existing.Token] = true
	}
	token := NewToken()
	for attempts := 0; inUse[token]; attempts++ {
		if attempts > 5 {
			return Session{}, errors.New("token generation exhausted")
		}
		token = NewToken()
	}

	sess := Session{
		ID:              uuid.NewString(),
		ClassID:         classID,
		Token:           token,
		CreatedBy:       createdBy,
		CreatedAt:       s.now().UTC(),
		DurationMinutes: durationMinutes,
		Status:          SessionOpen,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return Session{}, err
	}
	metrics.SessionsOpened.Inc()
	return sess, nil
}

// CloseSession explicitly ends a session's redemption window. Closing is
// one-way; closing an already-closed session is a no-op.
func (s *Service) CloseSession(ctx context.Context, id string) error {
	if _, err := s.store.GetSession(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return reject(SessionNotFound, id)
		}
		return err
	}
	return s.store.TransitionSession(ctx, id, SessionClosed)
}

// ListSessions returns sessions for reviewers and instructors, lazily
// closing any whose window has elapsed. There is no background sweeper:
// this listing path is where expiry becomes durable.
func (s *Service) ListSessions(ctx context.Context, f SessionFilter) ([]Session, error) {
	all, err := s.store.ListSessions(ctx, SessionFilter{ClassID: f.ClassID})
	if err != nil {
		return nil, err
	}
	all, err = s.ReconcileExpired(ctx, all)
	if err != nil {
		return nil, err
	}
	if f.Status == "" {
		return all, nil
	}
	filtered := make([]Session, 0, len(all))
	for _, sess := range all {
		if sess.Status == f.Status {
			filtered = append(filtered, sess)
		}
	}
	return filtered, nil
}

// ReconcileExpired transitions every open session past its deadline to
// closed and returns the refreshed set. Marks are untouched; closure
// never cascades.
func (s *Service) ReconcileExpired(ctx context.Context, sessions []Session) ([]Session, error) {
	now := s.now()
	for i, sess := range sessions {
		if sess.Status != SessionOpen || !sess.Expired(now) {
			continue
		}
		if err := s.store.TransitionSession(ctx, sess.ID, SessionClosed); err != nil {
			return nil, err
		}
		sessions[i].Status = SessionClosed
	}
	return sessions, nil
}

// RedemptionRequest is one scan or code-entry attempt by a student.
type RedemptionRequest struct {
	UID        string
	Payload    string
	ClassID    string // advisory hint, never gates acceptance
	Status     string // "" or "present" or "leave"
	Reason     string
	DeviceHash string
}

// Redemption is the outcome of a successful redemption.
type Redemption struct {
	Session Session
	Mark    Mark
}

// Redeem validates a redemption attempt and, when every check passes,
// writes exactly one mark. Every rejection is a typed *RejectError with
// no store write; storage failures pass through unclassified.
func (s *Service) Redeem(ctx context.Context, req RedemptionRequest) (Redemption, error) {
	out, err := s.redeem(ctx, req)
	switch kind, ok := RejectKindOf(err); {
	case err == nil:
		metrics.Redemptions.WithLabelValues("ok").Inc()
	case ok:
		metrics.Redemptions.WithLabelValues(string(kind)).Inc()
	default:
		metrics.Redemptions.WithLabelValues("store_error").Inc()
	}
	return out, err
}

func (s *Service) redeem(ctx context.Context, req RedemptionRequest) (Redemption, error) {
	if req.UID == "" {
		return Redemption{}, reject(InvalidPayload, "uid required")
	}
	status := req.Status
	if status == "" {
		status = StatusPresent
	}
	if status != StatusPresent && status != "leave" {
		return Redemption{}, reject(InvalidPayload, "status must be present or leave")
	}
	if status == "leave" && strings.TrimSpace(req.Reason) == "" {
		return Redemption{}, reject(InvalidPayload, "leave requires a reason")
	}

	payload, err := ParsePayload(req.Payload)
	if err != nil {
		return Redemption{}, err
	}

	var sess Session
	if payload.Code != "" {
		sess, err = s.resolveByCode(ctx, payload.Code)
	} else {
		sess, err = s.resolveByToken(ctx, payload.SessionID, payload.Token)
	}
	if err != nil {
		return Redemption{}, err
	}

	if sess.Status != SessionOpen || sess.Expired(s.now()) {
		return Redemption{}, reject(SessionExpired, sess.ID)
	}

	mark := Mark{
		UID:        req.UID,
		Status:     status,
		DeviceHash: req.DeviceHash,
		At:         s.now().UTC(),
	}
	if status == "leave" {
		mark.Reason = strings.TrimSpace(req.Reason)
	}

	created, stored, err := s.store.CreateMarkIfAbsent(ctx, sess.ID, req.UID, mark)
	if err != nil {
		return Redemption{}, err
	}
	if !created {
		return Redemption{}, reject(AlreadyMarked, fmt.Sprintf("%s/%s", sess.ID, req.UID))
	}
	return Redemption{Session: sess, Mark: stored}, nil
}

// resolveByCode matches a 6-digit fallback code against the derived
// codes of currently open sessions. No literal token was transmitted, so
// code equality is the final check; an ambiguous match (two open
// sessions deriving the same code) fails closed.
func (s *Service) resolveByCode(ctx context.Context, code string) (Session, error) {
	open, err := s.store.ListSessions(ctx, SessionFilter{Status: SessionOpen})
	if err != nil {
		return Session{}, err
	}
	var matches []Session
	for _, sess := range open {
		if DeriveCode(sess.Token) == code {
			matches = append(matches, sess)
		}
	}
	if len(matches) != 1 {
		return Session{}, reject(SessionNotFound, "code "+code)
	}
	return matches[0], nil
}

// resolveByToken loads the session named by the payload and requires
// byte-for-byte token equality.
func (s *Service) resolveByToken(ctx context.Context, sessionID, token string) (Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, reject(SessionNotFound, sessionID)
		}
		return Session{}, err
	}
	if sess.Token != token {
		return Session{}, reject(TokenMismatch, sessionID)
	}
	return sess, nil
}

// UpdateMark is the reviewer override path. It never creates marks and
// never touches the original redemption's At/DeviceHash; it stamps the
// audit fields and fully replaces status, reason and feedback. Last
// write wins.
func (s *Service) UpdateMark(ctx context.Context, sessionID, uid, status, reason, feedback, updatedBy string) (Mark, error) {
	if !IsCanonical(status) && legacyStatuses[status] == "" {
		return Mark{}, reject(InvalidPayload, "unknown status "+status)
	}
	canonical := Normalize(status)
	now := s.now().UTC()
	patch := MarkPatch{
		Status:    &canonical,
		Reason:    &reason,
		Feedback:  &feedback,
		UpdatedBy: &updatedBy,
		UpdatedAt: &now,
	}
	mark, err := s.store.UpdateMark(ctx, sessionID, uid, patch)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Mark{}, reject(MarkNotFound, fmt.Sprintf("%s/%s", sessionID, uid))
		}
		return Mark{}, err
	}
	metrics.MarkOverrides.Inc()
	return mark, nil
}

// SessionMarks returns a session's marks with statuses normalized for
// display, plus counts per canonical status.
func (s *Service) SessionMarks(ctx context.Context, sessionID string) ([]Mark, map[string]int, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, reject(SessionNotFound, sessionID)
		}
		return nil, nil, err
	}
	marks, err := s.store.ListMarks(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	summary := Summary(marks)
	for i := range marks {
		marks[i].Status = Normalize(marks[i].Status)
	}
	return marks, summary, nil
}

// FlagDeviceAnomalies annotates marks whose device hash is shared by at
// least threshold distinct users in one session. The fingerprint stays a
// review signal: only the feedback field is written, never the status,
// and the reviewer audit fields are left alone.
func (s *Service) FlagDeviceAnomalies(ctx context.Context, sessionID, deviceHash string, threshold int) ([]string, error) {
	if deviceHash == "" || deviceHash == "fp:unknown" {
		return nil, nil
	}
	if threshold <= 0 {
		threshold = 2
	}
	marks, err := s.store.ListMarks(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var shared []Mark
	for _, m := range marks {
		if m.DeviceHash == deviceHash {
			shared = append(shared, m)
		}
	}
	if len(shared) < threshold {
		return nil, nil
	}

	note := fmt.Sprintf("shared-device: %d identities on one device", len(shared))
	var flagged []string
	for _, m := range shared {
		if strings.Contains(m.Feedback, "shared-device:") {
			flagged = append(flagged, m.UID)
			continue
		}
		feedback := note
		if m.Feedback != "" {
			feedback = m.Feedback + "; " + note
		}
		if _, err := s.store.UpdateMark(ctx, sessionID, m.UID, MarkPatch{Feedback: &feedback}); err != nil {
			return flagged, err
		}
		flagged = append(flagged, m.UID)
	}
	return flagged, nil
}
