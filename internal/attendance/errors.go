package attendance

import (
	"errors"
	"net/http"

	"campusattend/internal/apperrors"
	"campusattend/internal/auth"
)

var (
	ErrUnauthorized        = auth.ErrUnauthorized
	ErrCourseNotFound      = apperrors.New("COURSE_NOT_FOUND", http.StatusNotFound, "course not found")
	ErrSessionNotFound     = apperrors.New("SESSION_NOT_FOUND", http.StatusNotFound, "attendance session not found")
	ErrMarkNotFound        = apperrors.New("MARK_NOT_FOUND", http.StatusNotFound, "attendance mark not found")
	ErrNotAStudent         = apperrors.New("NOT_A_STUDENT", http.StatusForbidden, "no student profile for this account")
	ErrNotALecturer        = apperrors.New("NOT_A_LECTURER", http.StatusForbidden, "no lecturer profile for this account")
	ErrSessionClosed       = apperrors.New("SESSION_CLOSED", http.StatusConflict, "session is no longer active")
	ErrInvalidToken        = apperrors.New("INVALID_TOKEN", http.StatusBadRequest, "invalid attendance token")
	ErrSessionExpired      = apperrors.New("SESSION_EXPIRED", http.StatusGone, "session has expired, ask the lecturer to refresh the code")
	ErrAlreadyMarked       = apperrors.New("ALREADY_MARKED", http.StatusConflict, "attendance already marked for this session")
	ErrPhotoRequired       = apperrors.New("PHOTO_REQUIRED", http.StatusUnprocessableEntity, "a selfie is required for this session")
	ErrFingerprintRequired = apperrors.New("FINGERPRINT_REQUIRED", http.StatusUnprocessableEntity, "a device fingerprint is required for this session")
	ErrNotEnrolled         = apperrors.New("NOT_ENROLLED", http.StatusForbidden, "you are not enrolled in this course")
	ErrInvalidPolicy       = apperrors.New("INVALID_POLICY", http.StatusBadRequest, "invalid anti-cheat settings")
)

// errSessionNotLive is returned by stores when the live-gate on a mark insert
// fails; the service turns it into ErrSessionClosed or ErrSessionExpired.
var errSessionNotLive = errors.New("session not live")

var errDuplicateToken = errors.New("session token already in use")
