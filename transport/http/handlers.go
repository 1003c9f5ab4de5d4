package http

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/layer-3/attendance/core"
	"github.com/layer-3/attendance/service"
)

// AttendanceHandlers contains HTTP handlers for the issuer and scanner endpoints
type AttendanceHandlers struct {
	svc      *service.AttendanceService
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewAttendanceHandlers creates new attendance handlers
func NewAttendanceHandlers(svc *service.AttendanceService, logger *slog.Logger, allowedOrigins []string) *AttendanceHandlers {
	h := &AttendanceHandlers{svc: svc, logger: logger}
	if len(allowedOrigins) > 0 {
		allowed := make(map[string]bool, len(allowedOrigins))
		for _, o := range allowedOrigins {
			allowed[o] = true
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			return allowed[r.Header.Get("Origin")]
		}
	}
	return h
}

type sessionResponse struct {
	ID        string     `json:"id"`
	IssuerID  string     `json:"issuer_id"`
	ClassID   string     `json:"class_id"`
	IsActive  bool       `json:"is_active"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type snapshotResponse struct {
	SessionID   string     `json:"session_id"`
	State       string     `json:"state"`
	Status      string     `json:"status"`
	Failures    int        `json:"failures"`
	LastError   string     `json:"last_error,omitempty"`
	LastAttempt *time.Time `json:"last_attempt,omitempty"`
	Stopped     bool       `json:"stopped"`
}

type tokenResponse struct {
	Payload   string `json:"payload"`
	SessionID string `json:"session_id"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at"`
}

type recordResponse struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	ParticipantID string    `json:"participant_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// CreateSession handles session creation; the secret never leaves the server
func (h *AttendanceHandlers) CreateSession(c *gin.Context) {
	var req struct {
		ClassID string `json:"class_id" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": core.ReasonInvalidArgument, "message": "Invalid request"})
		return
	}

	session, err := h.svc.CreateSession(c.Request.Context(), c.GetString(issuerKey), req.ClassID)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, sessionView(session))
}

// StartSession starts liveness and token rotation
func (h *AttendanceHandlers) StartSession(c *gin.Context) {
	snap, err := h.svc.StartSession(c.Request.Context(), c.GetString(issuerKey), c.Param("id"))
	h.snapshot(c, snap, err)
}

// StopSession stops a session and marks it inactive
func (h *AttendanceHandlers) StopSession(c *gin.Context) {
	snap, err := h.svc.StopSession(c.Request.Context(), c.GetString(issuerKey), c.Param("id"))
	h.snapshot(c, snap, err)
}

// ForceActivate retries activation now
func (h *AttendanceHandlers) ForceActivate(c *gin.Context) {
	snap, err := h.svc.ForceActivate(c.Request.Context(), c.GetString(issuerKey), c.Param("id"))
	h.snapshot(c, snap, err)
}

// Status returns the liveness snapshot
func (h *AttendanceHandlers) Status(c *gin.Context) {
	snap, err := h.svc.Status(c.Request.Context(), c.GetString(issuerKey), c.Param("id"))
	h.snapshot(c, snap, err)
}

// CurrentToken returns the token to display
func (h *AttendanceHandlers) CurrentToken(c *gin.Context) {
	issued, err := h.svc.CurrentToken(c.Request.Context(), c.GetString(issuerKey), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tokenView(issued))
}

// ListAttendance returns the participants marked present
func (h *AttendanceHandlers) ListAttendance(c *gin.Context) {
	records, err := h.svc.ListAttendance(c.Request.Context(), c.GetString(issuerKey), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	out := make([]recordResponse, 0, len(records))
	for _, r := range records {
		out = append(out, recordView(r))
	}
	c.JSON(http.StatusOK, gin.H{"records": out})
}

// Scan validates a scanned payload for the calling participant
func (h *AttendanceHandlers) Scan(c *gin.Context) {
	var req struct {
		Payload string `json:"payload" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": core.ReasonMalformedToken, "message": core.Message(core.ErrMalformedToken)})
		return
	}

	result, err := h.svc.Scan(c.Request.Context(), req.Payload, c.GetString(participantKey))
	if err != nil {
		h.fail(c, err)
		return
	}

	status := http.StatusCreated
	if result.Outcome == core.OutcomeAlreadyRecorded {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"outcome": result.Outcome.String(),
		"record":  recordView(result.Record),
	})
}

func (h *AttendanceHandlers) snapshot(c *gin.Context, snap core.LivenessSnapshot, err error) {
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshotView(snap))
}

// fail writes the rejection reason and the participant-facing message
func (h *AttendanceHandlers) fail(c *gin.Context, err error) {
	status := statusCode(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(c.Request.Context(), "http.request.fail", "path", c.FullPath(), "error", err)
	}

	reason := core.RejectionReason(err)
	message := core.Message(err)
	switch {
	case errors.Is(err, core.ErrNotSessionOwner):
		reason, message = "forbidden", "The session belongs to another issuer."
	case errors.Is(err, core.ErrSessionNotRunning):
		reason, message = "session_not_running", "The session is not running."
	}

	c.AbortWithStatusJSON(status, gin.H{"error": reason, "message": message})
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidArgument), errors.Is(err, core.ErrMalformedToken):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrExpiredToken), errors.Is(err, core.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrNotSessionOwner):
		return http.StatusForbidden
	case errors.Is(err, core.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrSessionInactive), errors.Is(err, core.ErrSessionNotRunning):
		return http.StatusConflict
	case errors.Is(err, core.ErrTransientStore), errors.Is(err, core.ErrActivationExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func sessionView(s core.Session) sessionResponse {
	return sessionResponse{
		ID:        s.ID,
		IssuerID:  s.IssuerID,
		ClassID:   s.ClassID,
		IsActive:  s.IsActive,
		StartTime: s.StartTime,
		EndTime:   s.EndTime,
		CreatedAt: s.CreatedAt,
	}
}

func snapshotView(s core.LivenessSnapshot) snapshotResponse {
	out := snapshotResponse{
		SessionID: s.SessionID,
		State:     s.State.String(),
		Status:    string(s.Status),
		Failures:  s.Failures,
		LastError: s.LastError,
		Stopped:   s.Stopped,
	}
	if !s.LastAttempt.IsZero() {
		last := s.LastAttempt
		out.LastAttempt = &last
	}
	return out
}

func tokenView(t service.IssuedToken) tokenResponse {
	return tokenResponse{
		Payload:   t.Payload,
		SessionID: t.Token.SessionID,
		IssuedAt:  t.Token.IssuedAt,
		ExpiresAt: t.Token.ExpiresAt,
	}
}

func recordView(r core.AttendanceRecord) recordResponse {
	return recordResponse{
		ID:            r.ID,
		SessionID:     r.SessionID,
		ParticipantID: r.ParticipantID,
		Timestamp:     r.Timestamp,
	}
}
