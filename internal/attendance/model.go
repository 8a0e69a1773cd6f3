package attendance

import "time"

// Session is a time-boxed attendance window for one course meeting.
type Session struct {
	ID                       string    `db:"id" json:"id"`
	CourseID                 string    `db:"course_id" json:"course_id"`
	LecturerID               string    `db:"lecturer_id" json:"lecturer_id"`
	SessionDate              time.Time `db:"session_date" json:"session_date"`
	Token                    string    `db:"token" json:"token"`
	ExpiresAt                time.Time `db:"expires_at" json:"expires_at"`
	Active                   bool      `db:"is_active" json:"is_active"`
	RequirePhoto             bool      `db:"require_photo" json:"require_photo"`
	RequireDeviceFingerprint bool      `db:"require_device_fingerprint" json:"require_device_fingerprint"`
	ValiditySeconds          int       `db:"validity_seconds" json:"validity_seconds"`
	CreatedAt                time.Time `db:"created_at" json:"created_at"`
}

// IsLive reports whether the session accepts scans at now. Every expiry
// decision in the package goes through here.
func IsLive(s Session, now time.Time) bool {
	return s.Active && now.Before(s.ExpiresAt)
}

// Mark records one student's presence in one session.
type Mark struct {
	ID                string    `db:"id" json:"id"`
	SessionID         string    `db:"session_id" json:"session_id"`
	StudentID         string    `db:"student_id" json:"student_id"`
	MarkedAt          time.Time `db:"marked_at" json:"marked_at"`
	SelfieRef         *string   `db:"selfie_ref" json:"selfie_ref,omitempty"`
	Verified          bool      `db:"is_verified" json:"is_verified"`
	MatchScore        *float64  `db:"match_score" json:"match_score,omitempty"`
	IPAddress         string    `db:"ip_address" json:"ip_address"`
	UserAgent         string    `db:"user_agent" json:"user_agent"`
	DeviceFingerprint *string   `db:"device_fingerprint" json:"device_fingerprint,omitempty"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

// Policy is the per-department anti-cheat configuration.
type Policy struct {
	DepartmentID             string    `db:"department_id" json:"department_id" validate:"required"`
	RequirePhoto             bool      `db:"require_photo" json:"require_photo"`
	RequireDeviceFingerprint bool      `db:"require_device_fingerprint" json:"require_device_fingerprint"`
	RequireOTP               bool      `db:"require_otp" json:"require_otp"`
	SessionTimeout           int       `db:"session_timeout" json:"session_timeout" validate:"min=30,max=3600"`
	UpdatedAt                time.Time `db:"updated_at" json:"updated_at"`
	// Configured is false when the department never stored settings and
	// the defaults were returned.
	Configured bool `db:"-" json:"configured"`
}

// DefaultSessionTimeout applies when a department has no settings.
const DefaultSessionTimeout = 300

// DefaultPolicy is the safe fallback for unconfigured departments.
func DefaultPolicy(departmentID string) Policy {
	return Policy{
		DepartmentID:   departmentID,
		RequirePhoto:   true,
		SessionTimeout: DefaultSessionTimeout,
	}
}

// Course is the slice of the course record this package needs.
type Course struct {
	ID           string `db:"id" json:"id"`
	Code         string `db:"code" json:"code"`
	Name         string `db:"name" json:"name"`
	DepartmentID string `db:"department_id" json:"department_id"`
}

// SessionWithCourse is a session joined with its course.
type SessionWithCourse struct {
	Session
	CourseCode   string `db:"course_code" json:"course_code"`
	CourseName   string `db:"course_name" json:"course_name"`
	DepartmentID string `db:"department_id" json:"department_id"`
}

// MarkWithStudent is a mark joined with the student it belongs to.
type MarkWithStudent struct {
	Mark
	StudentNumber string `db:"student_number" json:"student_number"`
	StudentName   string `db:"student_name" json:"student_name"`
}

// MarkWithSession is a mark joined with its session's course, used for a
// student's own history.
type MarkWithSession struct {
	Mark
	CourseID    string    `db:"course_id" json:"course_id"`
	CourseCode  string    `db:"course_code" json:"course_code"`
	CourseName  string    `db:"course_name" json:"course_name"`
	SessionDate time.Time `db:"session_date" json:"session_date"`
}

// Proof is what the scanning device submits alongside the token.
type Proof struct {
	// Selfie is a data URL or an already uploaded image URL.
	Selfie            string
	DeviceFingerprint string
	IPAddress         string
	UserAgent         string
}

// ScanRequest is the input of RedeemScan.
type ScanRequest struct {
	SessionID string
	Token     string
	Proof     Proof
}

// AuditEntry is appended for every state change.
type AuditEntry struct {
	UserID     string
	Action     string
	EntityType string
	EntityID   string
	IPAddress  string
}
