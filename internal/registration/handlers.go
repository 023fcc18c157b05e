package registration

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/reggate/internal/challenge"
	"github.com/mbd888/reggate/internal/idgen"
	"github.com/mbd888/reggate/internal/logging"
	"github.com/mbd888/reggate/internal/signals"
	"github.com/mbd888/reggate/internal/validation"
)

// Handler provides HTTP endpoints for the registration gate.
type Handler struct {
	orch *Orchestrator
}

// NewHandler creates a new registration handler.
func NewHandler(orch *Orchestrator) *Handler {
	return &Handler{orch: orch}
}

// RegisterRoutes sets up public gate routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/registrations", h.Register)
	r.POST("/logins", h.EvaluateLogin)

	session := r.Group("/registrations/:session", validation.SessionParamMiddleware())
	session.GET("", h.GetStatus)
	session.POST("/challenge", h.VerifyChallenge)
}

// RegisterProtectedRoutes sets up routes for trusted collaborators.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/registrations/:session/confirm", validation.SessionParamMiddleware(), h.ConfirmVerification)
}

// AttemptRequest is the body of POST /v1/registrations and POST /v1/logins.
type AttemptRequest struct {
	SessionID     string             `json:"session_id"`
	Username      string             `json:"username"`
	Email         string             `json:"email"`
	Name          string             `json:"name"`
	Password      string             `json:"password"`
	CredentialRef string             `json:"credential_ref"`
	Client        signals.ClientInfo `json:"client"`
}

func (h *Handler) bindAttempt(c *gin.Context) (string, signals.Candidate, signals.ClientInfo, bool) {
	var req AttemptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return "", signals.Candidate{}, signals.ClientInfo{}, false
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = idgen.WithPrefix("sess_")
	} else if !validation.IsValidSessionID(sessionID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_session",
			"message": "session_id must be 8-128 characters of letters, digits, '-' or '_'",
		})
		return "", signals.Candidate{}, signals.ClientInfo{}, false
	}

	// The address always comes from the connection; trusted proxies decide
	// whether forwarded headers count. Headers fill what the client omits.
	info := req.Client
	info.IP = c.ClientIP()
	if info.UserAgent == "" {
		info.UserAgent = c.GetHeader("User-Agent")
	}
	if info.Language == "" {
		info.Language = c.GetHeader("Accept-Language")
	}

	cand := signals.Candidate{
		Username:      req.Username,
		Email:         req.Email,
		Name:          req.Name,
		Password:      req.Password,
		CredentialRef: req.CredentialRef,
	}
	return sessionID, cand, info, true
}

// Register handles POST /v1/registrations
func (h *Handler) Register(c *gin.Context) {
	sessionID, cand, info, ok := h.bindAttempt(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	res, err := h.orch.ProcessRegistration(ctx, sessionID, cand, info)
	if err != nil {
		writeValidationError(c, err)
		return
	}
	c.JSON(statusFor(res, http.StatusCreated), res)
}

// EvaluateLogin handles POST /v1/logins
func (h *Handler) EvaluateLogin(c *gin.Context) {
	sessionID, cand, info, ok := h.bindAttempt(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	res, err := h.orch.EvaluateLogin(ctx, sessionID, cand, info)
	if err != nil {
		writeValidationError(c, err)
		return
	}
	c.JSON(statusFor(res, http.StatusOK), res)
}

// VerifyChallenge handles POST /v1/registrations/:session/challenge
func (h *Handler) VerifyChallenge(c *gin.Context) {
	var sol challenge.Solution
	if err := c.ShouldBindJSON(&sol); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	ctx := c.Request.Context()

	res := h.orch.VerifyChallenge(ctx, c.Param("session"), sol)
	c.JSON(statusFor(res, http.StatusCreated), res)
}

// ConfirmVerification handles POST /v1/registrations/:session/confirm
func (h *Handler) ConfirmVerification(c *gin.Context) {
	ctx := c.Request.Context()
	res := h.orch.ConfirmVerification(ctx, c.Param("session"))
	c.JSON(statusFor(res, http.StatusCreated), res)
}

// GetStatus handles GET /v1/registrations/:session
func (h *Handler) GetStatus(c *gin.Context) {
	st, err := h.orch.GetStatus(c.Request.Context(), c.Param("session"))
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Session not found",
			})
			return
		}
		logging.L(c.Request.Context()).Error("failed to load session status", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "unavailable",
			"message": msgError,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": st})
}

func writeValidationError(c *gin.Context, err error) {
	var verr *signals.ValidationError
	if errors.As(err, &verr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": verr.Error(),
			"field":   verr.Field,
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": msgError,
	})
}

// statusFor maps a result to an HTTP status. success is used for completed
// attempts.
func statusFor(res *RegistrationResult, success int) int {
	switch res.Action {
	case ResultAllowed, ResultMonitored:
		return success
	case ResultChallengeRequired, ResultVerificationRequired:
		return http.StatusAccepted
	case ResultBlocked:
		return http.StatusForbidden
	case ResultChallengeFailed:
		return http.StatusUnprocessableEntity
	case ResultError:
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}
