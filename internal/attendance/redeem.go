package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"campusattend/internal/auth"
)

// RedeemScan records the caller's presence in a session after checking the
// presented token against the live one.
func (s *Service) RedeemScan(ctx context.Context, p auth.Principal, req ScanRequest) (mark Mark, err error) {
	defer func() { observeScan(err) }()

	if err := auth.Require(p, auth.CapRedeemScan); err != nil {
		return Mark{}, err
	}
	studentID, err := s.store.StudentIDForUser(ctx, p.ID)
	if err != nil {
		return Mark{}, fmt.Errorf("resolve student: %w", err)
	}
	if studentID == "" {
		return Mark{}, ErrNotAStudent
	}

	sess, err := s.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return Mark{}, err
	}
	if !sess.Active {
		return Mark{}, ErrSessionClosed
	}
	if !TokensEqual(req.Token, sess.Token) {
		return Mark{}, ErrInvalidToken
	}
	now := s.now().UTC()
	if !IsLive(sess, now) {
		return Mark{}, ErrSessionExpired
	}

	if s.cfg.EnforceEnrollment {
		enrolled, err := s.store.IsEnrolled(ctx, studentID, sess.CourseID)
		if err != nil {
			return Mark{}, fmt.Errorf("check enrollment: %w", err)
		}
		if !enrolled {
			return Mark{}, ErrNotEnrolled
		}
	}

	// Fast path only; the unique constraint in InsertMark is what decides.
	marked, err := s.store.HasMark(ctx, sess.ID, studentID)
	if err != nil {
		return Mark{}, fmt.Errorf("check existing mark: %w", err)
	}
	if marked {
		return Mark{}, ErrAlreadyMarked
	}

	selfie := strings.TrimSpace(req.Proof.Selfie)
	if sess.RequirePhoto && selfie == "" {
		return Mark{}, ErrPhotoRequired
	}
	fingerprint := strings.TrimSpace(req.Proof.DeviceFingerprint)
	if sess.RequireDeviceFingerprint && fingerprint == "" {
		return Mark{}, ErrFingerprintRequired
	}

	m := Mark{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		StudentID: studentID,
		MarkedAt:  now,
		IPAddress: req.Proof.IPAddress,
		UserAgent: req.Proof.UserAgent,
	}
	if fingerprint != "" {
		m.DeviceFingerprint = &fingerprint
	}
	if selfie != "" {
		ref, err := s.proofs.Put(ctx, "sessions/"+sess.ID+"/"+studentID, selfie)
		if err != nil {
			return Mark{}, fmt.Errorf("store selfie: %w", err)
		}
		m.SelfieRef = &ref
	}

	created, err := s.store.InsertMark(ctx, m, now)
	if errors.Is(err, errSessionNotLive) {
		return Mark{}, s.notLiveReason(ctx, sess.ID)
	}
	if err != nil {
		return Mark{}, err
	}

	s.audit(ctx, AuditEntry{
		UserID:     p.ID,
		Action:     fmt.Sprintf("marked attendance for session %s", sess.ID),
		EntityType: "attendance_mark",
		EntityID:   created.ID,
		IPAddress:  created.IPAddress,
	})
	s.publish(ctx, created)
	return created, nil
}

// notLiveReason tells a close that raced the insert apart from an expiry.
func (s *Service) notLiveReason(ctx context.Context, sessionID string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.Active {
		return ErrSessionClosed
	}
	return ErrSessionExpired
}
