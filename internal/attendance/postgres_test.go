package attendance

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgres(sqlx.NewDb(db, "pgx")), mock
}

var sessionRowColumns = []string{
	"id", "course_id", "lecturer_id", "session_date", "token", "expires_at", "is_active",
	"require_photo", "require_device_fingerprint", "validity_seconds", "created_at",
}

func TestPostgresGetSession(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT id, course_id, lecturer_id, .+ FROM attendance_sessions WHERE id = \$1`).
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows(sessionRowColumns).
			AddRow("sess-1", "7", "3", now, "tok", now.Add(5*time.Minute), true, true, false, 300, now))

	s, err := store.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "7", s.CourseID)
	assert.True(t, s.Active)
	assert.Equal(t, 300, s.ValiditySeconds)

	mock.ExpectQuery(`FROM attendance_sessions WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	_, err = store.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertMark(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 1, 0, 0, time.UTC)
	mark := Mark{ID: "mark-1", SessionID: "sess-1", StudentID: "42", IPAddress: "10.0.0.5", UserAgent: "ua"}
	args := []driver.Value{"mark-1", "sess-1", "42", now, sqlmock.AnyArg(), "10.0.0.5", "ua", sqlmock.AnyArg()}
	query := `(?s)INSERT INTO attendance_marks .+ FROM attendance_sessions s\s+WHERE s.id = \$2 AND s.is_active AND s.expires_at > \$4`

	t.Run("live session", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(query).WithArgs(args...).
			WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))

		m, err := store.InsertMark(context.Background(), mark, now)
		require.NoError(t, err)
		assert.Equal(t, now, m.MarkedAt)
		assert.Equal(t, now, m.CreatedAt)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("session not live", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(query).WithArgs(args...).
			WillReturnRows(sqlmock.NewRows([]string{"created_at"}))

		_, err := store.InsertMark(context.Background(), mark, now)
		assert.ErrorIs(t, err, errSessionNotLive)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate pair", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(query).WithArgs(args...).
			WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: markUniqueConstraint})

		_, err := store.InsertMark(context.Background(), mark, now)
		assert.ErrorIs(t, err, ErrAlreadyMarked)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresRotateTokenOnClosedSession(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`UPDATE attendance_sessions\s+SET token = \$2, expires_at = \$3\s+WHERE id = \$1 AND is_active`).
		WithArgs("sess-1", "new", now).
		WillReturnRows(sqlmock.NewRows(sessionRowColumns))
	mock.ExpectQuery(`FROM attendance_sessions WHERE id = \$1`).
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows(sessionRowColumns).
			AddRow("sess-1", "7", "3", now, "old", now, false, true, false, 300, now))

	_, err := store.RotateToken(context.Background(), "sess-1", "new", now)
	assert.ErrorIs(t, err, ErrSessionClosed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCloseSession(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE attendance_sessions SET is_active = FALSE WHERE id = \$1`).
		WithArgs("sess-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.CloseSession(context.Background(), "sess-1"))

	mock.ExpectExec(`UPDATE attendance_sessions SET is_active = FALSE`).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, store.CloseSession(context.Background(), "missing"), ErrSessionNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPolicy(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM anti_cheat_settings WHERE department_id = \$1`).
		WithArgs("dept-x").
		WillReturnError(sql.ErrNoRows)
	_, ok, err := store.GetPolicy(ctx, "dept-x")
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectQuery(`(?s)INSERT INTO anti_cheat_settings .+ ON CONFLICT \(department_id\) DO UPDATE`).
		WithArgs("dept-cs", false, true, false, 600, now).
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(now))
	saved, err := store.UpsertPolicy(ctx, Policy{DepartmentID: "dept-cs", RequireDeviceFingerprint: true, SessionTimeout: 600, UpdatedAt: now})
	require.NoError(t, err)
	assert.Equal(t, 600, saved.SessionTimeout)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDirectory(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT id FROM students WHERE user_id = \$1`).
		WithArgs("user-ghost").
		WillReturnError(sql.ErrNoRows)
	id, err := store.StudentIDForUser(ctx, "user-ghost")
	require.NoError(t, err)
	assert.Empty(t, id)

	mock.ExpectQuery(`SELECT id FROM lecturers WHERE user_id = \$1`).
		WithArgs("user-lecturer-3").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("3"))
	id, err = store.LecturerIDForUser(ctx, "user-lecturer-3")
	require.NoError(t, err)
	assert.Equal(t, "3", id)

	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM enrollments`).
		WithArgs("42", "7").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	enrolled, err := store.IsEnrolled(ctx, "42", "7")
	require.NoError(t, err)
	assert.True(t, enrolled)

	mock.ExpectQuery(`FROM courses WHERE id = \$1`).
		WithArgs("999").
		WillReturnError(sql.ErrNoRows)
	_, err = store.Course(ctx, "999")
	assert.ErrorIs(t, err, ErrCourseNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}
