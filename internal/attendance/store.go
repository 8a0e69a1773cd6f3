package attendance

import (
	"context"
	"time"
)

// SessionStore persists attendance sessions. Tokens are unique across sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, s Session) (Session, error)
	// GetSession returns ErrSessionNotFound for unknown ids.
	GetSession(ctx context.Context, id string) (Session, error)
	// CloseSession marks the session inactive; closing twice is not an error.
	CloseSession(ctx context.Context, id string) error
	// RotateToken replaces token and expiry of an active session. It
	// returns ErrSessionClosed for an inactive one.
	RotateToken(ctx context.Context, id, token string, expiresAt time.Time) (Session, error)
	// ActiveSessions lists sessions live at now; an empty lecturerID lists all.
	ActiveSessions(ctx context.Context, lecturerID string, now time.Time) ([]SessionWithCourse, error)
}

// MarkStore persists attendance marks with a unique (session, student) pair.
type MarkStore interface {
	HasMark(ctx context.Context, sessionID, studentID string) (bool, error)
	// InsertMark stores m only if its session is live at now. A duplicate
	// pair yields ErrAlreadyMarked.
	InsertMark(ctx context.Context, m Mark, now time.Time) (Mark, error)
	GetMark(ctx context.Context, id string) (Mark, error)
	SetMarkVerification(ctx context.Context, id string, verified bool, score *float64) error
	MarksBySession(ctx context.Context, sessionID string) ([]MarkWithStudent, error)
	MarksByStudent(ctx context.Context, studentID string) ([]MarkWithSession, error)
}

// PolicyStore persists per-department anti-cheat settings.
type PolicyStore interface {
	// GetPolicy reports ok=false when the department has no settings.
	GetPolicy(ctx context.Context, departmentID string) (Policy, bool, error)
	UpsertPolicy(ctx context.Context, p Policy) (Policy, error)
}

// Directory resolves the campus records owned by other modules.
type Directory interface {
	// Course returns ErrCourseNotFound for unknown ids.
	Course(ctx context.Context, courseID string) (Course, error)
	// LecturerIDForUser returns "" when the user has no lecturer profile.
	LecturerIDForUser(ctx context.Context, userID string) (string, error)
	// StudentIDForUser returns "" when the user has no student profile.
	StudentIDForUser(ctx context.Context, userID string) (string, error)
	IsEnrolled(ctx context.Context, studentID, courseID string) (bool, error)
}

// AuditLog appends audit records.
type AuditLog interface {
	Record(ctx context.Context, e AuditEntry) error
}

// Store is everything the service needs from persistence.
type Store interface {
	SessionStore
	MarkStore
	PolicyStore
	Directory
	AuditLog
}

// ProofStore keeps selfie images and returns a reference to them.
type ProofStore interface {
	Put(ctx context.Context, key, dataURL string) (string, error)
}
