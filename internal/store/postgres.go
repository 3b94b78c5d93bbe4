package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"classattend/internal/attendance"
)

// Postgres persists sessions and marks in Postgres. The mark table's
// primary key is (session_id, uid), and CreateMarkIfAbsent relies on
// ON CONFLICT DO NOTHING so two racing redemptions by one user can
// never both insert.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a store over an open connection.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

var _ attendance.Store = (*Postgres)(nil)

// GetSession loads one session by id.
func (p *Postgres) GetSession(ctx context.Context, id string) (attendance.Session, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, class_id, token, created_by, created_at, duration_minutes, status
		FROM attendance_sessions WHERE id = $1
	`, id)
	var s attendance.Session
	if err := row.Scan(&s.ID, &s.ClassID, &s.Token, &s.CreatedBy, &s.CreatedAt, &s.DurationMinutes, &s.Status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return attendance.Session{}, attendance.ErrNotFound
		}
		return attendance.Session{}, err
	}
	return s, nil
}

// ListSessions returns sessions matching the filter, newest first.
func (p *Postgres) ListSessions(ctx context.Context, f attendance.SessionFilter) ([]attendance.Session, error) {
	query := `SELECT id, class_id, token, created_by, created_at, duration_minutes, status FROM attendance_sessions`
	args := []any{}
	clauses := []string{}
	if f.ClassID != "" {
		args = append(args, f.ClassID)
		clauses = append(clauses, "class_id = $"+itoa(len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		clauses = append(clauses, "status = $"+itoa(len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + joinClauses(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []attendance.Session
	for rows.Next() {
		var s attendance.Session
		if err := rows.Scan(&s.ID, &s.ClassID, &s.Token, &s.CreatedBy, &s.CreatedAt, &s.DurationMinutes, &s.Status); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// CreateSession inserts a new session; a duplicate id is an error.
func (p *Postgres) CreateSession(ctx context.Context, s attendance.Session) error {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO attendance_sessions (id, class_id, token, created_by, created_at, duration_minutes, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO NOTHING
	`, s.ID, s.ClassID, s.Token, s.CreatedBy, s.CreatedAt, s.DurationMinutes, s.Status)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return attendance.ErrDuplicate
	}
	return nil
}

// TransitionSession sets a session's status. Idempotent when the session
// is already in the requested status.
func (p *Postgres) TransitionSession(ctx context.Context, id, status string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE attendance_sessions SET status = $2 WHERE id = $1
	`, id, status)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return attendance.ErrNotFound
	}
	return nil
}

// GetMark loads one mark.
func (p *Postgres) GetMark(ctx context.Context, sessionID, uid string) (attendance.Mark, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT uid, status, reason, feedback, device_hash, at, updated_by, updated_at
		FROM attendance_marks WHERE session_id = $1 AND uid = $2
	`, sessionID, uid)
	return scanMark(row)
}

// CreateMarkIfAbsent atomically inserts the mark unless one already
// exists for (sessionID, uid). Returns the stored mark either way.
func (p *Postgres) CreateMarkIfAbsent(ctx context.Context, sessionID, uid string, m attendance.Mark) (bool, attendance.Mark, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO attendance_marks (session_id, uid, status, reason, feedback, device_hash, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (session_id, uid) DO NOTHING
	`, sessionID, uid, m.Status, m.Reason, m.Feedback, m.DeviceHash, m.At)
	if err != nil {
		return false, attendance.Mark{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, attendance.Mark{}, err
	}
	stored, err := p.GetMark(ctx, sessionID, uid)
	if err != nil {
		return false, attendance.Mark{}, err
	}
	return n > 0, stored, nil
}

// UpdateMark applies a partial update; nil patch fields are untouched.
func (p *Postgres) UpdateMark(ctx context.Context, sessionID, uid string, patch attendance.MarkPatch) (attendance.Mark, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE attendance_marks SET
			status     = COALESCE($3, status),
			reason     = COALESCE($4, reason),
			feedback   = COALESCE($5, feedback),
			updated_by = COALESCE($6, updated_by),
			updated_at = COALESCE($7, updated_at)
		WHERE session_id = $1 AND uid = $2
	`, sessionID, uid, patch.Status, patch.Reason, patch.Feedback, patch.UpdatedBy, patch.UpdatedAt)
	if err != nil {
		return attendance.Mark{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return attendance.Mark{}, err
	}
	if n == 0 {
		return attendance.Mark{}, attendance.ErrNotFound
	}
	return p.GetMark(ctx, sessionID, uid)
}

// ListMarks returns all marks of a session ordered by redemption time.
func (p *Postgres) ListMarks(ctx context.Context, sessionID string) ([]attendance.Mark, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT uid, status, reason, feedback, device_hash, at, updated_by, updated_at
		FROM attendance_marks WHERE session_id = $1
		ORDER BY at ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []attendance.Mark
	for rows.Next() {
		m, err := scanMark(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (p *Postgres) SaveRefreshToken(ctx context.Context, subject, token string, expiresAt time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (subject, token, expires_at)
		VALUES ($1, $2, $3)
	`, subject, token, expiresAt)
	return err
}

// RevokeRefreshToken marks a token revoked.
func (p *Postgres) RevokeRefreshToken(ctx context.Context, token string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE token = $1`, token)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMark(row rowScanner) (attendance.Mark, error) {
	var m attendance.Mark
	var reason, feedback, deviceHash, updatedBy sql.NullString
	var updatedAt sql.NullTime
	if err := row.Scan(&m.UID, &m.Status, &reason, &feedback, &deviceHash, &m.At, &updatedBy, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return attendance.Mark{}, attendance.ErrNotFound
		}
		return attendance.Mark{}, err
	}
	m.Reason = reason.String
	m.Feedback = feedback.String
	m.DeviceHash = deviceHash.String
	m.UpdatedBy = updatedBy.String
	if updatedAt.Valid {
		t := updatedAt.Time
		m.UpdatedAt = &t
	}
	return m, nil
}

func itoa(i int) string { return fmt.Sprintf("%d", i) }

func joinClauses(parts []string, sep string) string {
	if len(parts) == 0 {
		return ""
	}
	out := parts[0]
	for i := 1; i < len(parts); i++ {
		out += sep + parts[i]
	}
	return out
}
