package attendance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"campusattend/internal/auth"
)

// CreateSession opens a new attendance session for a course taught by the caller.
func (s *Service) CreateSession(ctx context.Context, p auth.Principal, courseID string) (Session, error) {
	if err := auth.Require(p, auth.CapManageSessions); err != nil {
		return Session{}, err
	}
	lecturerID, err := s.store.LecturerIDForUser(ctx, p.ID)
	if err != nil {
		return Session{}, fmt.Errorf("resolve lecturer: %w", err)
	}
	if lecturerID == "" {
		return Session{}, ErrNotALecturer
	}
	if courseID == "" {
		return Session{}, ErrCourseNotFound
	}
	course, err := s.store.Course(ctx, courseID)
	if err != nil {
		return Session{}, err
	}
	policy, err := s.policies.Resolve(ctx, course.DepartmentID)
	if err != nil {
		return Session{}, err
	}
	token, err := NewToken()
	if err != nil {
		return Session{}, err
	}

	now := s.now().UTC()
	validity := s.validityFor(policy)
	created, err := s.store.CreateSession(ctx, Session{
		ID:                       uuid.NewString(),
		CourseID:                 course.ID,
		LecturerID:               lecturerID,
		SessionDate:              now,
		Token:                    token,
		ExpiresAt:                now.Add(validity),
		Active:                   true,
		RequirePhoto:             policy.RequirePhoto,
		RequireDeviceFingerprint: policy.RequireDeviceFingerprint,
		ValiditySeconds:          int(validity / time.Second),
		CreatedAt:                now,
	})
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	sessionsCreated.Inc()

	s.audit(ctx, AuditEntry{
		UserID:     p.ID,
		Action:     fmt.Sprintf("created attendance session for course %s", course.Code),
		EntityType: "attendance_session",
		EntityID:   created.ID,
	})
	return created, nil
}

// CloseSession deactivates a session. Closing an already closed session succeeds.
func (s *Service) CloseSession(ctx context.Context, p auth.Principal, sessionID string) error {
	if err := auth.Require(p, auth.CapManageSessions); err != nil {
		return err
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.authorizeOwner(ctx, p, sess); err != nil {
		return err
	}
	if err := s.store.CloseSession(ctx, sess.ID); err != nil {
		return err
	}
	if sess.Active {
		s.audit(ctx, AuditEntry{
			UserID:     p.ID,
			Action:     fmt.Sprintf("closed attendance session %s", sess.ID),
			EntityType: "attendance_session",
			EntityID:   sess.ID,
		})
	}
	return nil
}

// RefreshToken rotates the token of an active session and pushes its expiry
// out by the session's validity window. Id and marks are untouched.
func (s *Service) RefreshToken(ctx context.Context, p auth.Principal, sessionID string) (Session, error) {
	if err := auth.Require(p, auth.CapManageSessions); err != nil {
		return Session{}, err
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if err := s.authorizeOwner(ctx, p, sess); err != nil {
		return Session{}, err
	}
	if !sess.Active {
		return Session{}, ErrSessionClosed
	}

	token := sess.Token
	for token == sess.Token {
		if token, err = NewToken(); err != nil {
			return Session{}, err
		}
	}
	validity := time.Duration(sess.ValiditySeconds) * time.Second
	if validity <= 0 {
		validity = s.cfg.Validity
	}
	rotated, err := s.store.RotateToken(ctx, sess.ID, token, s.now().UTC().Add(validity))
	if err != nil {
		return Session{}, err
	}

	s.audit(ctx, AuditEntry{
		UserID:     p.ID,
		Action:     fmt.Sprintf("refreshed token of attendance session %s", sess.ID),
		EntityType: "attendance_session",
		EntityID:   sess.ID,
	})
	return rotated, nil
}

// GetSession returns a session to a lecturer allowed to manage it.
func (s *Service) GetSession(ctx context.Context, p auth.Principal, sessionID string) (Session, error) {
	if err := auth.Require(p, auth.CapManageSessions); err != nil {
		return Session{}, err
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if err := s.authorizeOwner(ctx, p, sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// ActiveSessions lists the live sessions of the calling lecturer, or of
// everyone for a head of department.
func (s *Service) ActiveSessions(ctx context.Context, p auth.Principal) ([]SessionWithCourse, error) {
	if err := auth.Require(p, auth.CapManageSessions); err != nil {
		return nil, err
	}
	lecturerID := ""
	if p.Role != auth.RoleHOD {
		id, err := s.store.LecturerIDForUser(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("resolve lecturer: %w", err)
		}
		if id == "" {
			return nil, ErrNotALecturer
		}
		lecturerID = id
	}
	return s.store.ActiveSessions(ctx, lecturerID, s.now().UTC())
}

// SessionMarks lists the marks recorded for a session.
func (s *Service) SessionMarks(ctx context.Context, p auth.Principal, sessionID string) ([]MarkWithStudent, error) {
	if _, err := s.GetSession(ctx, p, sessionID); err != nil {
		return nil, err
	}
	return s.store.MarksBySession(ctx, sessionID)
}

// StudentMarks lists the calling student's own marks, newest first.
func (s *Service) StudentMarks(ctx context.Context, p auth.Principal) ([]MarkWithSession, error) {
	if err := auth.Require(p, auth.CapRedeemScan); err != nil {
		return nil, err
	}
	studentID, err := s.store.StudentIDForUser(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve student: %w", err)
	}
	if studentID == "" {
		return nil, ErrNotAStudent
	}
	return s.store.MarksByStudent(ctx, studentID)
}

func (s *Service) validityFor(p Policy) time.Duration {
	if p.Configured && p.SessionTimeout > 0 {
		return time.Duration(p.SessionTimeout) * time.Second
	}
	return s.cfg.Validity
}

// authorizeOwner lets the creating lecturer or any head of department act
// on a session.
func (s *Service) authorizeOwner(ctx context.Context, p auth.Principal, sess Session) error {
	if !s.cfg.EnforceOwnership || p.Role == auth.RoleHOD {
		return nil
	}
	lecturerID, err := s.store.LecturerIDForUser(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("resolve lecturer: %w", err)
	}
	if lecturerID == "" || lecturerID != sess.LecturerID {
		return ErrUnauthorized
	}
	return nil
}
