package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"classattend/internal/attendance"
)

// Memory is a mutex-guarded in-memory store for dev and tests. It gives
// the same conditional-create semantics as the Postgres backend.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]attendance.Session
	marks    map[string]map[string]attendance.Mark // sessionID -> uid -> mark
	refresh  map[string]time.Time                  // token -> expiry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]attendance.Session),
		marks:    make(map[string]map[string]attendance.Mark),
		refresh:  make(map[string]time.Time),
	}
}

var _ attendance.Store = (*Memory)(nil)

func (m *Memory) GetSession(_ context.Context, id string) (attendance.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return attendance.Session{}, attendance.ErrNotFound
	}
	return s, nil
}

func (m *Memory) ListSessions(_ context.Context, f attendance.SessionFilter) ([]attendance.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []attendance.Session
	for _, s := range m.sessions {
		if f.ClassID != "" && s.ClassID != f.ClassID {
			continue
		}
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		res = append(res, s)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

func (m *Memory) CreateSession(_ context.Context, s attendance.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.ID]; exists {
		return attendance.ErrDuplicate
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *Memory) TransitionSession(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return attendance.ErrNotFound
	}
	s.Status = status
	m.sessions[id] = s
	return nil
}

func (m *Memory) GetMark(_ context.Context, sessionID, uid string) (attendance.Mark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mk, ok := m.marks[sessionID][uid]
	if !ok {
		return attendance.Mark{}, attendance.ErrNotFound
	}
	return mk, nil
}

func (m *Memory) CreateMarkIfAbsent(_ context.Context, sessionID, uid string, mark attendance.Mark) (bool, attendance.Mark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.marks[sessionID][uid]; ok {
		return false, existing, nil
	}
	if m.marks[sessionID] == nil {
		m.marks[sessionID] = make(map[string]attendance.Mark)
	}
	m.marks[sessionID][uid] = mark
	return true, mark, nil
}

func (m *Memory) UpdateMark(_ context.Context, sessionID, uid string, patch attendance.MarkPatch) (attendance.Mark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mk, ok := m.marks[sessionID][uid]
	if !ok {
		return attendance.Mark{}, attendance.ErrNotFound
	}
	if patch.Status != nil {
		mk.Status = *patch.Status
	}
	if patch.Reason != nil {
		mk.Reason = *patch.Reason
	}
	if patch.Feedback != nil {
		mk.Feedback = *patch.Feedback
	}
	if patch.UpdatedBy != nil {
		mk.UpdatedBy = *patch.UpdatedBy
	}
	if patch.UpdatedAt != nil {
		t := *patch.UpdatedAt
		mk.UpdatedAt = &t
	}
	m.marks[sessionID][uid] = mk
	return mk, nil
}

func (m *Memory) ListMarks(_ context.Context, sessionID string) ([]attendance.Mark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []attendance.Mark
	for _, mk := range m.marks[sessionID] {
		res = append(res, mk)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].At.Before(res[j].At) })
	return res, nil
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (m *Memory) SaveRefreshToken(_ context.Context, subject, token string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[token] = expiresAt
	return nil
}

// RevokeRefreshToken drops a refresh token.
func (m *Memory) RevokeRefreshToken(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.refresh, token)
	return nil
}
