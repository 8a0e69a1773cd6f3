package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

const (
	pgUniqueViolation    = "23505"
	markUniqueConstraint = "attendance_marks_session_student_key"
)

// Postgres persists attendance data in Postgres.
type Postgres struct {
	db *sqlx.DB
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a store over db.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

func sessionColumns(alias string) string {
	p := ""
	if alias != "" {
		p = alias + "."
	}
	return p + "id, " + p + "course_id, " + p + "lecturer_id, " + p + "session_date, " + p + "token, " +
		p + "expires_at, " + p + "is_active, " + p + "require_photo, " + p + "require_device_fingerprint, " +
		p + "validity_seconds, " + p + "created_at"
}

func markColumns(alias string) string {
	p := ""
	if alias != "" {
		p = alias + "."
	}
	return p + "id, " + p + "session_id, " + p + "student_id, " + p + "marked_at, " + p + "selfie_ref, " +
		p + "is_verified, " + p + "match_score, " + p + "ip_address, " + p + "user_agent, " +
		p + "device_fingerprint, " + p + "created_at"
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func (r *Postgres) CreateSession(ctx context.Context, s Session) (Session, error) {
	row := r.db.QueryRowxContext(ctx, `
		INSERT INTO attendance_sessions (id, course_id, lecturer_id, session_date, token, expires_at,
			is_active, require_photo, require_device_fingerprint, validity_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`, s.ID, s.CourseID, s.LecturerID, s.SessionDate, s.Token, s.ExpiresAt,
		s.Active, s.RequirePhoto, s.RequireDeviceFingerprint, s.ValiditySeconds)
	if err := row.Scan(&s.CreatedAt); err != nil {
		if isUniqueViolation(err, "") {
			return Session{}, errDuplicateToken
		}
		return Session{}, err
	}
	return s, nil
}

func (r *Postgres) GetSession(ctx context.Context, id string) (Session, error) {
	var s Session
	err := r.db.GetContext(ctx, &s, `SELECT `+sessionColumns("")+` FROM attendance_sessions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

func (r *Postgres) CloseSession(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE attendance_sessions SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (r *Postgres) RotateToken(ctx context.Context, id, token string, expiresAt time.Time) (Session, error) {
	var s Session
	err := r.db.GetContext(ctx, &s, `
		UPDATE attendance_sessions
		SET token = $2, expires_at = $3
		WHERE id = $1 AND is_active
		RETURNING `+sessionColumns(""), id, token, expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := r.GetSession(ctx, id); getErr != nil {
			return Session{}, getErr
		}
		return Session{}, ErrSessionClosed
	}
	if err != nil {
		if isUniqueViolation(err, "") {
			return Session{}, errDuplicateToken
		}
		return Session{}, fmt.Errorf("rotate token: %w", err)
	}
	return s, nil
}

func (r *Postgres) ActiveSessions(ctx context.Context, lecturerID string, now time.Time) ([]SessionWithCourse, error) {
	out := []SessionWithCourse{}
	err := r.db.SelectContext(ctx, &out, `
		SELECT `+sessionColumns("s")+`, c.code AS course_code, c.name AS course_name, c.department_id
		FROM attendance_sessions s
		JOIN courses c ON c.id = s.course_id
		WHERE s.is_active AND s.expires_at > $1 AND ($2 = '' OR s.lecturer_id = $2)
		ORDER BY s.created_at DESC
	`, now, lecturerID)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	return out, nil
}

func (r *Postgres) HasMark(ctx context.Context, sessionID, studentID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `
		SELECT EXISTS (SELECT 1 FROM attendance_marks WHERE session_id = $1 AND student_id = $2)
	`, sessionID, studentID)
	return exists, err
}

// InsertMark gates the insert on the session being live in the same
// statement, so a close or expiry between check and insert is still honoured.
func (r *Postgres) InsertMark(ctx context.Context, m Mark, now time.Time) (Mark, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	row := r.db.QueryRowxContext(ctx, `
		INSERT INTO attendance_marks (id, session_id, student_id, marked_at, selfie_ref, is_verified,
			ip_address, user_agent, device_fingerprint)
		SELECT $1, s.id, $3, $4, $5, FALSE, $6, $7, $8
		FROM attendance_sessions s
		WHERE s.id = $2 AND s.is_active AND s.expires_at > $4
		RETURNING created_at
	`, m.ID, m.SessionID, m.StudentID, now, m.SelfieRef, m.IPAddress, m.UserAgent, m.DeviceFingerprint)
	if err := row.Scan(&m.CreatedAt); err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return Mark{}, errSessionNotLive
		case isUniqueViolation(err, markUniqueConstraint):
			return Mark{}, ErrAlreadyMarked
		}
		return Mark{}, fmt.Errorf("insert mark: %w", err)
	}
	m.MarkedAt = now
	m.Verified = false
	return m, nil
}

func (r *Postgres) GetMark(ctx context.Context, id string) (Mark, error) {
	var m Mark
	err := r.db.GetContext(ctx, &m, `SELECT `+markColumns("")+` FROM attendance_marks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Mark{}, ErrMarkNotFound
	}
	if err != nil {
		return Mark{}, fmt.Errorf("get mark: %w", err)
	}
	return m, nil
}

func (r *Postgres) SetMarkVerification(ctx context.Context, id string, verified bool, score *float64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_marks
		SET is_verified = $2, match_score = COALESCE($3, match_score)
		WHERE id = $1
	`, id, verified, score)
	if err != nil {
		return fmt.Errorf("update mark verification: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrMarkNotFound
	}
	return nil
}

func (r *Postgres) MarksBySession(ctx context.Context, sessionID string) ([]MarkWithStudent, error) {
	out := []MarkWithStudent{}
	err := r.db.SelectContext(ctx, &out, `
		SELECT `+markColumns("m")+`,
			COALESCE(st.student_number, '') AS student_number,
			COALESCE(u.name, '') AS student_name
		FROM attendance_marks m
		LEFT JOIN students st ON st.id = m.student_id
		LEFT JOIN users u ON u.id = st.user_id
		WHERE m.session_id = $1
		ORDER BY m.marked_at
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session marks: %w", err)
	}
	return out, nil
}

func (r *Postgres) MarksByStudent(ctx context.Context, studentID string) ([]MarkWithSession, error) {
	out := []MarkWithSession{}
	err := r.db.SelectContext(ctx, &out, `
		SELECT `+markColumns("m")+`,
			s.course_id, c.code AS course_code, c.name AS course_name, s.session_date
		FROM attendance_marks m
		JOIN attendance_sessions s ON s.id = m.session_id
		JOIN courses c ON c.id = s.course_id
		WHERE m.student_id = $1
		ORDER BY m.marked_at DESC
	`, studentID)
	if err != nil {
		return nil, fmt.Errorf("list student marks: %w", err)
	}
	return out, nil
}

func (r *Postgres) GetPolicy(ctx context.Context, departmentID string) (Policy, bool, error) {
	var p Policy
	err := r.db.GetContext(ctx, &p, `
		SELECT department_id, require_photo, require_device_fingerprint, require_otp, session_timeout, updated_at
		FROM anti_cheat_settings WHERE department_id = $1
	`, departmentID)
	if errors.Is(err, sql.ErrNoRows) {
		return Policy{}, false, nil
	}
	if err != nil {
		return Policy{}, false, err
	}
	return p, true, nil
}

func (r *Postgres) UpsertPolicy(ctx context.Context, p Policy) (Policy, error) {
	row := r.db.QueryRowxContext(ctx, `
		INSERT INTO anti_cheat_settings (department_id, require_photo, require_device_fingerprint, require_otp, session_timeout, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (department_id) DO UPDATE SET
			require_photo = EXCLUDED.require_photo,
			require_device_fingerprint = EXCLUDED.require_device_fingerprint,
			require_otp = EXCLUDED.require_otp,
			session_timeout = EXCLUDED.session_timeout,
			updated_at = EXCLUDED.updated_at
		RETURNING updated_at
	`, p.DepartmentID, p.RequirePhoto, p.RequireDeviceFingerprint, p.RequireOTP, p.SessionTimeout, p.UpdatedAt)
	if err := row.Scan(&p.UpdatedAt); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (r *Postgres) Course(ctx context.Context, courseID string) (Course, error) {
	var c Course
	err := r.db.GetContext(ctx, &c, `SELECT id, code, name, department_id FROM courses WHERE id = $1`, courseID)
	if errors.Is(err, sql.ErrNoRows) {
		return Course{}, ErrCourseNotFound
	}
	if err != nil {
		return Course{}, fmt.Errorf("get course: %w", err)
	}
	return c, nil
}

func (r *Postgres) LecturerIDForUser(ctx context.Context, userID string) (string, error) {
	return r.profileID(ctx, `SELECT id FROM lecturers WHERE user_id = $1`, userID)
}

func (r *Postgres) StudentIDForUser(ctx context.Context, userID string) (string, error) {
	return r.profileID(ctx, `SELECT id FROM students WHERE user_id = $1`, userID)
}

func (r *Postgres) profileID(ctx context.Context, query, userID string) (string, error) {
	var id string
	err := r.db.GetContext(ctx, &id, query, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

func (r *Postgres) IsEnrolled(ctx context.Context, studentID, courseID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `
		SELECT EXISTS (SELECT 1 FROM enrollments WHERE student_id = $1 AND course_id = $2)
	`, studentID, courseID)
	return exists, err
}

func (r *Postgres) Record(ctx context.Context, e AuditEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, user_id, action, entity_type, entity_id, ip_address)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.NewString(), e.UserID, e.Action, e.EntityType, e.EntityID, e.IPAddress)
	return err
}
