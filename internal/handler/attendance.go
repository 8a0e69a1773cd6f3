package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"campusattend/internal/apperrors"
	"campusattend/internal/attendance"
	"campusattend/internal/auth"
	"campusattend/internal/response"
)

type attendanceService interface {
	CreateSession(ctx context.Context, p auth.Principal, courseID string) (attendance.Session, error)
	CloseSession(ctx context.Context, p auth.Principal, sessionID string) error
	RefreshToken(ctx context.Context, p auth.Principal, sessionID string) (attendance.Session, error)
	ActiveSessions(ctx context.Context, p auth.Principal) ([]attendance.SessionWithCourse, error)
	SessionMarks(ctx context.Context, p auth.Principal, sessionID string) ([]attendance.MarkWithStudent, error)
	RedeemScan(ctx context.Context, p auth.Principal, req attendance.ScanRequest) (attendance.Mark, error)
	StudentMarks(ctx context.Context, p auth.Principal) ([]attendance.MarkWithSession, error)
	Policy(ctx context.Context, p auth.Principal, departmentID string) (attendance.Policy, error)
	UpsertPolicy(ctx context.Context, p auth.Principal, in attendance.Policy) (attendance.Policy, error)
}

// AttendanceHandler exposes the session lifecycle, scan redemption and
// anti-cheat settings over HTTP.
type AttendanceHandler struct {
	service attendanceService
}

// NewAttendanceHandler builds a handler over service.
func NewAttendanceHandler(service attendanceService) *AttendanceHandler {
	return &AttendanceHandler{service: service}
}

// Register mounts the routes on an authenticated group. scan middleware runs
// only on the scan route.
func (h *AttendanceHandler) Register(g *gin.RouterGroup, scan ...gin.HandlerFunc) {
	sessions := g.Group("/attendance/sessions")
	sessions.POST("", h.CreateSession)
	sessions.GET("/active", h.ActiveSessions)
	sessions.POST("/:id/close", h.CloseSession)
	sessions.POST("/:id/refresh", h.RefreshToken)
	sessions.GET("/:id/marks", h.SessionMarks)

	g.POST("/attendance/scan", append(scan, h.Scan)...)
	g.GET("/attendance/me", h.StudentMarks)

	g.GET("/departments/:id/anti-cheat", h.GetPolicy)
	g.PUT("/departments/:id/anti-cheat", h.PutPolicy)
}

// sessionView adds the string a lecturer's screen renders as a QR code.
type sessionView struct {
	attendance.Session
	QRPayload string `json:"qr_payload"`
}

func viewOf(s attendance.Session) sessionView {
	return sessionView{Session: s, QRPayload: attendance.QRPayload(s)}
}

type createSessionRequest struct {
	CourseID string `json:"course_id" binding:"required"`
}

// CreateSession handles POST /attendance/sessions.
func (h *AttendanceHandler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperrors.Wrap(apperrors.ErrValidation, err))
		return
	}
	s, err := h.service.CreateSession(c.Request.Context(), principal(c), strings.TrimSpace(req.CourseID))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, viewOf(s))
}

// CloseSession handles POST /attendance/sessions/:id/close.
func (h *AttendanceHandler) CloseSession(c *gin.Context) {
	id := c.Param("id")
	if err := h.service.CloseSession(c.Request.Context(), principal(c), id); err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"id": id, "is_active": false})
}

// RefreshToken handles POST /attendance/sessions/:id/refresh.
func (h *AttendanceHandler) RefreshToken(c *gin.Context) {
	s, err := h.service.RefreshToken(c.Request.Context(), principal(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, viewOf(s))
}

// ActiveSessions handles GET /attendance/sessions/active.
func (h *AttendanceHandler) ActiveSessions(c *gin.Context) {
	sessions, err := h.service.ActiveSessions(c.Request.Context(), principal(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, sessions)
}

// SessionMarks handles GET /attendance/sessions/:id/marks.
func (h *AttendanceHandler) SessionMarks(c *gin.Context) {
	marks, err := h.service.SessionMarks(c.Request.Context(), principal(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, marks)
}

type scanRequest struct {
	// QR is the raw scanned string; it takes precedence over the parts.
	QR                string `json:"qr"`
	SessionID         string `json:"session_id"`
	Token             string `json:"token"`
	Selfie            string `json:"selfie"`
	DeviceFingerprint string `json:"device_fingerprint"`
}

// Scan handles POST /attendance/scan.
func (h *AttendanceHandler) Scan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperrors.Wrap(apperrors.ErrValidation, err))
		return
	}
	sessionID, token := strings.TrimSpace(req.SessionID), strings.TrimSpace(req.Token)
	if req.QR != "" {
		var err error
		if sessionID, token, err = attendance.ParseQRPayload(req.QR); err != nil {
			response.Error(c, err)
			return
		}
	}
	if sessionID == "" || token == "" {
		response.Error(c, apperrors.WithMessage(apperrors.ErrValidation, "session_id and token (or qr) are required"))
		return
	}

	mark, err := h.service.RedeemScan(c.Request.Context(), principal(c), attendance.ScanRequest{
		SessionID: sessionID,
		Token:     token,
		Proof: attendance.Proof{
			Selfie:            req.Selfie,
			DeviceFingerprint: req.DeviceFingerprint,
			IPAddress:         c.ClientIP(),
			UserAgent:         c.Request.UserAgent(),
		},
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, mark)
}

// StudentMarks handles GET /attendance/me.
func (h *AttendanceHandler) StudentMarks(c *gin.Context) {
	marks, err := h.service.StudentMarks(c.Request.Context(), principal(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, marks)
}

// GetPolicy handles GET /departments/:id/anti-cheat.
func (h *AttendanceHandler) GetPolicy(c *gin.Context) {
	p, err := h.service.Policy(c.Request.Context(), principal(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, p)
}

type policyRequest struct {
	RequirePhoto             *bool `json:"require_photo" binding:"required"`
	RequireDeviceFingerprint *bool `json:"require_device_fingerprint" binding:"required"`
	RequireOTP               bool  `json:"require_otp"`
	SessionTimeout           int   `json:"session_timeout" binding:"required"`
}

// PutPolicy handles PUT /departments/:id/anti-cheat.
func (h *AttendanceHandler) PutPolicy(c *gin.Context) {
	var req policyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperrors.Wrap(apperrors.ErrValidation, err))
		return
	}
	saved, err := h.service.UpsertPolicy(c.Request.Context(), principal(c), attendance.Policy{
		DepartmentID:             c.Param("id"),
		RequirePhoto:             *req.RequirePhoto,
		RequireDeviceFingerprint: *req.RequireDeviceFingerprint,
		RequireOTP:               req.RequireOTP,
		SessionTimeout:           req.SessionTimeout,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, saved)
}

// principal returns the caller set by auth.Bearer. An empty principal fails
// every capability check.
func principal(c *gin.Context) auth.Principal {
	p, _ := auth.PrincipalFrom(c)
	return p
}
