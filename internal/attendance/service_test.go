package attendance_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classattend/internal/attendance"
	"classattend/internal/store"
)

type fixture struct {
	svc  *attendance.Service
	mem  *store.Memory
	now  time.Time
	ctx  context.Context
	tick func(d time.Duration)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		mem: store.NewMemory(),
		now: time.Date(2025, 9, 1, 10, 0, 0, 0, time.UTC),
		ctx: context.Background(),
	}
	f.svc = attendance.NewService(f.mem, 15)
	f.svc.SetNow(func() time.Time { return f.now })
	f.tick = func(d time.Duration) { f.now = f.now.Add(d) }
	return f
}

func (f *fixture) open(t *testing.T, classID string) attendance.Session {
	t.Helper()
	sess, err := f.svc.OpenSession(f.ctx, classID, "instructor-1", 0)
	require.NoError(t, err)
	return sess
}

func requireKind(t *testing.T, err error, want attendance.RejectKind) {
	t.Helper()
	require.Error(t, err)
	kind, ok := attendance.RejectKindOf(err)
	require.True(t, ok, "expected rejection, got %v", err)
	require.Equal(t, want, kind)
}

func TestOpenSessionDefaults(t *testing.T) {
	f := newFixture(t)
	sess := f.open(t, "class-1")

	assert.NotEmpty(t, sess.ID)
	assert.Len(t, sess.Token, 64)
	assert.Equal(t, attendance.SessionOpen, sess.Status)
	assert.Equal(t, 15, sess.DurationMinutes)
	assert.Equal(t, "instructor-1", sess.CreatedBy)
	assert.Equal(t, f.now, sess.CreatedAt)
}

func TestOpenSessionTokensUniqueAmongOpen(t *testing.T) {
	f := newFixture(t)
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		sess := f.open(t, "class-1")
		require.False(t, seen[sess.Token])
		seen[sess.Token] = true
	}
}

func TestRedeemByTokenThenDuplicate(t *testing.T) {
	f := newFixture(t)
	sess := f.open(t, "class-1")

	out, err := f.svc.Redeem(f.ctx, attendance.RedemptionRequest{
		UID:        "student-1",
		Payload:    attendance.QRPayload(sess),
		DeviceHash: "fp:abc",
	})
	require.NoError(t, err)
	assert.Equal(t, sess.ID, out.Session.ID)
	assert.Equal(t, attendance.StatusPresent, out.Mark.Status)
	assert.Equal(t, "fp:abc", out.Mark.DeviceHash)
	assert.Equal(t, f.now, out.Mark.At)

	// Second attempt by the same user: rejected, first mark untouched.
	f.tick(time.Minute)
	_, err = f.svc.Redeem(f.ctx, attendance.RedemptionRequest{
		UID:     "student-1",
		Payload: attendance.QRPayload(sess),
	})
	requireKind(t, err, attendance.AlreadyMarked)

	mark, err := f.mem.GetMark(f.ctx, sess.ID, "student-1")
	require.NoError(t, err)
	assert.Equal(t, out.Mark.At, mark.At)
}

func TestRedeemTokenMismatchWritesNothing(t *testing.T) {
	f := newFixture(t)
	sess := f.open(t, "class-1")

	_, err := f.svc.Redeem(f.ctx, attendance.RedemptionRequest{
		UID:     "student-1",
		Payload: "attendance://scan?sid=" + sess.ID + "&t=wrong-token",
	})
	requireKind(t, err, attendance.TokenMismatch)

	_, err = f.mem.GetMark(f.ctx, sess.ID, "student-1")
	assert.ErrorIs(t, err, attendance.ErrNotFound)
}

func TestRedeemUnknownSession(t *testing.T) {
	f := newFixture(t)
	f.open(t, "class-1")

	_, err := f.svc.Redeem(f.ctx, attendance.RedemptionRequest{
		UID:     "student-1",
		Payload: "attendance://scan?sid=no-such-session&t=whatever",
	})
	requireKind(t, err, attendance.SessionNotFound)
}

func TestRedeemExpiredEvenWhileStoredOpen(t *testing.T) {
	f := newFixture(t)
	sess := f.open(t, "class-1")

	f.tick(16 * time.Minute)

	// Nothing has listed sessions yet, so the stored status still
	// reads open; the logical deadline must reject regardless.
	stored, err := f.mem.GetSession(f.ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, attendance.SessionOpen, stored.Status)

	_, err = f.svc.Redeem(f.ctx, attendance.RedemptionRequest{
		UID:     "student-3",
		Payload: attendance.QRPayload(sess),
	})
	requireKind(t, err, attendance.SessionExpired)

	_, err = f.mem.GetMark(f.ctx, sess.ID, "student-3")
	assert.ErrorIs(t, err, attendance.ErrNotFound)
}

func TestRedeemAfterExplicitClose(t *testing.T) {
	f := newFixture(t)
	sess := f.open(t, "class-1")
	require.NoError(t, f.svc.CloseSession(f.ctx, sess.ID))

	_, err := f.svc.Redeem(f.ctx, attendance.RedemptionRequest{
		UID:     "student-1",
		Payload: attendance.QRPayload(sess),
	})
	requireKind(t, err, attendance.SessionExpired)
}

func TestRedeemByFallbackCode(t *testing.T) {
	f := newFixture(t)
	sess := f.open(t, "class-1")

	out, err := f.svc.Redeem(f.ctx, attendance.RedemptionRequest{
		UID:     "student-2",
		Payload: attendance.DeriveCode(sess.Token),
	})
	require.NoError(t, err)
	assert.Equal(t, sess.ID, out.Session.ID)
}

func TestRedeemCodeNoOpenMatch(t *testing.T) {
	f := newFixture(t)
	sess := f.open(t, "class-1")

	code := attendance.DeriveCode(sess.Token)
	wrong := "000000"
	if code == wrong {
		wrong = "000001"
	}
	_, err := f.svc.Redeem(f.ctx, attendance.RedemptionRequest{UID: "student-1", Payload: wrong})
	requireKind(t, err, attendance.SessionNotFound)
}

func TestRedeemCodeOnlyMatchesOpenSessions(t *testing.T) {
	f := newFixture(t)
	sess := f.open(t, "class-1")
	require.NoError(t, f.svc.CloseSession(f.ctx, sess.ID))

	_, err := f.svc.Redeem(f.ctx, attendance.RedemptionRequest{
		UID:     "student-1",
		Payload: attendance.DeriveCode(sess.Token),
	})
	requireKind(t, err, attendance.SessionNotFound)
}

func TestRedeemAmbiguousCodeFailsClosed(t *testing.T) {
	f := newFixture(t)
	// Two open sessions deriving the same code: resolution must not
	// guess. Seeded directly since OpenSession regenerates collisions.
	for _, id := range []string{"s1", "s2"} {
		require.NoError(t, f.mem.CreateSession(f.ctx, attendance.Session{
			ID: id, ClassID: "class-1", Token: "same-token",
			CreatedBy: "i1", CreatedAt: f.now, DurationMinutes: 15,
			Status: attendance.SessionOpen,
		}))
	}

	_, err := f.svc.Redeem(f.ctx, attendance.RedemptionRequest{
		UID:     "student-1",
		Payload: attendance.DeriveCode("same-token"),
	})
	requireKind(t, err, attendance.SessionNotFound)
}

func TestRedeemLeaveRequiresReason(t *testing.T) {
	f := newFixture(t)
	sess := f.open(t, "class-1")

	_, err := f.svc.Redeem(f.ctx, attendance.RedemptionRequest{
		UID:     "student-1",
		Payload: attendance.QRPayload(sess),
		Status:  "leave",
	})
	requireKind(t, err, attendance.InvalidPayload)

	out, err := f.svc.Redeem(f.ctx, attendance.RedemptionRequest{
		UID:     "student-1",
		Payload: attendance.QRPayload(sess),
		Status:  "leave",
		Reason:  "doctor appointment",
	})
	require.NoError(t, err)
	assert.Equal(t, "leave", out.Mark.Status)
	assert.Equal(t, "doctor appointment", out.Mark.Reason)

	marks, summary, err := f.svc.SessionMarks(f.ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, marks, 1)
	assert.Equal(t, attendance.StatusExcusedLeave, marks[0].Status)
	assert.Equal(t, 1, summary[attendance.StatusExcusedLeave])
}

func TestListSessionsClosesExpired(t *testing.T) {
	f := newFixture(t)
	stale := f.open(t, "class-1")
	f.tick(20 * time.Minute)
	fresh := f.open(t, "class-1")

	sessions, err := f.svc.ListSessions(f.ctx, attendance.SessionFilter{ClassID: "class-1"})
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	byID := map[string]attendance.Session{}
	for _, s := range sessions {
		byID[s.ID] = s
	}
	assert.Equal(t, attendance.SessionClosed, byID[stale.ID].Status)
	assert.Equal(t, attendance.SessionOpen, byID[fresh.ID].Status)

	// Closure became durable, not just a view-side rewrite.
	stored, err := f.mem.GetSession(f.ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, attendance.SessionClosed, stored.Status)

	// A status filter is applied after reconciliation, so a stale
	// session no longer shows up as open.
	open, err := f.svc.ListSessions(f.ctx, attendance.SessionFilter{Status: attendance.SessionOpen})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, fresh.ID, open[0].ID)
}

func TestUpdateMarkNeverCreates(t *testing.T) {
	f := newFixture(t)
	sess := f.open(t, "class-1")

	_, err := f.svc.UpdateMark(f.ctx, sess.ID, "ghost", attendance.StatusLate, "", "", "hr-1")
	requireKind(t, err, attendance.MarkNotFound)

	marks, err := f.mem.ListMarks(f.ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, marks)
}

func TestUpdateMarkOverride(t *testing.T) {
	f := newFixture(t)
	sess := f.open(t, "class-1")

	out, err := f.svc.Redeem(f.ctx, attendance.RedemptionRequest{
		UID:        "student-1",
		Payload:    attendance.QRPayload(sess),
		DeviceHash: "fp:abc",
	})
	require.NoError(t, err)

	f.tick(2 * time.Hour) // reconciliation works after closure too

	mark, err := f.svc.UpdateMark(f.ctx, sess.ID, "student-1", attendance.StatusAbsentWithExcuse, "sick note", "verified by HR", "hr-1")
	require.NoError(t, err)
	assert.Equal(t, attendance.StatusAbsentWithExcuse, mark.Status)
	assert.Equal(t, "sick note", mark.Reason)
	assert.Equal(t, "verified by HR", mark.Feedback)
	assert.Equal(t, "hr-1", mark.UpdatedBy)
	require.NotNil(t, mark.UpdatedAt)
	assert.Equal(t, f.now, *mark.UpdatedAt)

	// The original redemption evidence survives the override.
	assert.Equal(t, out.Mark.At, mark.At)
	assert.Equal(t, "fp:abc", mark.DeviceHash)

	// Last write wins, wholesale.
	mark, err = f.svc.UpdateMark(f.ctx, sess.ID, "student-1", "leave", "travel", "", "hr-2")
	require.NoError(t, err)
	assert.Equal(t, attendance.StatusExcusedLeave, mark.Status, "legacy reviewer input stored canonical")
	assert.Equal(t, "travel", mark.Reason)
	assert.Empty(t, mark.Feedback)
	assert.Equal(t, "hr-2", mark.UpdatedBy)
}

func TestUpdateMarkRejectsUnknownStatus(t *testing.T) {
	f := newFixture(t)
	sess := f.open(t, "class-1")
	_, err := f.svc.Redeem(f.ctx, attendance.RedemptionRequest{UID: "u1", Payload: attendance.QRPayload(sess)})
	require.NoError(t, err)

	_, err = f.svc.UpdateMark(f.ctx, sess.ID, "u1", "vacationing", "", "", "hr-1")
	requireKind(t, err, attendance.InvalidPayload)
}

func TestSessionMarksUnknownSession(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.SessionMarks(f.ctx, "nope")
	requireKind(t, err, attendance.SessionNotFound)
}

func TestFlagDeviceAnomalies(t *testing.T) {
	f := newFixture(t)
	sess := f.open(t, "class-1")

	for i, uid := range []string{"u1", "u2", "u3"} {
		f.tick(time.Duration(i) * time.Second)
		_, err := f.svc.Redeem(f.ctx, attendance.RedemptionRequest{
			UID:        uid,
			Payload:    attendance.QRPayload(sess),
			DeviceHash: "fp:shared",
		})
		require.NoError(t, err)
	}
	_, err := f.svc.Redeem(f.ctx, attendance.RedemptionRequest{
		UID:        "u4",
		Payload:    attendance.QRPayload(sess),
		DeviceHash: "fp:own",
	})
	require.NoError(t, err)

	flagged, err := f.svc.FlagDeviceAnomalies(f.ctx, sess.ID, "fp:shared", 3)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2", "u3"}, flagged)

	marks, _, err := f.svc.SessionMarks(f.ctx, sess.ID)
	require.NoError(t, err)
	for _, m := range marks {
		if m.DeviceHash == "fp:shared" {
			assert.Contains(t, m.Feedback, "shared-device:")
			// Signal, not gate: status and audit fields untouched.
			assert.Equal(t, attendance.StatusPresent, m.Status)
			assert.Empty(t, m.UpdatedBy)
			assert.Nil(t, m.UpdatedAt)
		} else {
			assert.Empty(t, m.Feedback)
		}
	}

	// Re-running does not stack notes.
	_, err = f.svc.FlagDeviceAnomalies(f.ctx, sess.ID, "fp:shared", 3)
	require.NoError(t, err)
	marks, _, err = f.svc.SessionMarks(f.ctx, sess.ID)
	require.NoError(t, err)
	for _, m := range marks {
		if m.DeviceHash == "fp:shared" {
			assert.Equal(t, 1, strings.Count(m.Feedback, "shared-device:"))
		}
	}
}

func TestFlagDeviceAnomaliesBelowThreshold(t *testing.T) {
	f := newFixture(t)
	sess := f.open(t, "class-1")
	_, err := f.svc.Redeem(f.ctx, attendance.RedemptionRequest{
		UID: "u1", Payload: attendance.QRPayload(sess), DeviceHash: "fp:solo",
	})
	require.NoError(t, err)

	flagged, err := f.svc.FlagDeviceAnomalies(f.ctx, sess.ID, "fp:solo", 3)
	require.NoError(t, err)
	assert.Empty(t, flagged)
}

func TestLegacyStatusNormalizedAtReadBoundary(t *testing.T) {
	f := newFixture(t)
	sess := f.open(t, "class-1")

	// A mark written by an older client with a legacy status string.
	_, _, err := f.mem.CreateMarkIfAbsent(f.ctx, sess.ID, "u-legacy", attendance.Mark{
		UID: "u-legacy", Status: "absent", At: f.now,
	})
	require.NoError(t, err)

	marks, summary, err := f.svc.SessionMarks(f.ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, marks, 1)
	assert.Equal(t, attendance.StatusAbsentNoExcuse, marks[0].Status)
	assert.Equal(t, 1, summary[attendance.StatusAbsentNoExcuse])
	assert.Zero(t, summary[attendance.StatusPresent])
}
