package admin

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/reggate/internal/auth"
	"github.com/mbd888/reggate/internal/bans"
	"github.com/mbd888/reggate/internal/logging"
	"github.com/mbd888/reggate/internal/pagination"
	"github.com/mbd888/reggate/internal/policy"
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	bans    BanRegistry
	sweeper ChallengeSweeper
	policy  *policy.Policy
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{}
}

// WithBans sets the ban registry.
func (h *Handler) WithBans(r BanRegistry) *Handler {
	h.bans = r
	return h
}

// WithSweeper sets the challenge sweeper for on-demand sweeps.
func (h *Handler) WithSweeper(s ChallengeSweeper) *Handler {
	h.sweeper = s
	return h
}

// WithPolicy exposes the active risk policy read-only.
func (h *Handler) WithPolicy(p *policy.Policy) *Handler {
	h.policy = p
	return h
}

// RegisterRoutes sets up admin routes. Callers mount them behind auth.RequireAuth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/admin/bans", h.createBan)
	r.GET("/admin/bans/:type", h.listBans)
	r.DELETE("/admin/bans/:type", h.deleteBan)
	r.POST("/admin/challenges/sweep", h.sweepChallenges)
	r.GET("/admin/policy", h.getPolicy)
}

// createBan handles POST /v1/admin/bans
func (h *Handler) createBan(c *gin.Context) {
	if h.bans == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ban registry not configured"})
		return
	}

	var req BanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "signal_type and signal_value are required",
		})
		return
	}

	sig, err := h.bans.Ban(c.Request.Context(), bans.BannedSignal{
		SignalType:  bans.SignalType(req.SignalType),
		SignalValue: req.SignalValue,
		Severity:    bans.Severity(req.Severity),
		Reason:      req.Reason,
		BannedBy:    auth.Principal(c),
	})
	if err != nil {
		if isBanValidation(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
			return
		}
		logging.L(c.Request.Context()).Error("failed to record ban", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to record ban"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"ban": sig})
}

// listBans handles GET /v1/admin/bans/:type?limit=&cursor=
func (h *Handler) listBans(c *gin.Context) {
	if h.bans == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ban registry not configured"})
		return
	}

	list, err := h.bans.List(c.Request.Context(), bans.SignalType(c.Param("type")))
	if err != nil {
		if isBanValidation(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list bans"})
		return
	}

	page, next, more, err := pagination.Page(list, c.Query("cursor"), pagination.ParseLimit(c.Query("limit")),
		func(b *bans.BannedSignal) string { return b.SignalValue })
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"bans": page, "count": len(page), "next_cursor": next, "has_more": more})
}

// deleteBan handles DELETE /v1/admin/bans/:type?value=...
// The value travels in the query because subnets contain slashes.
func (h *Handler) deleteBan(c *gin.Context) {
	if h.bans == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ban registry not configured"})
		return
	}

	t := bans.SignalType(c.Param("type"))
	value := c.Query("value")
	if !t.Valid() || value == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "a valid signal type and a value query parameter are required",
		})
		return
	}

	if err := h.bans.Unban(c.Request.Context(), t, value); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to remove ban"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"removed": true, "signal_type": t})
}

// sweepChallenges handles POST /v1/admin/challenges/sweep
func (h *Handler) sweepChallenges(c *gin.Context) {
	if h.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "challenge sweeper not configured"})
		return
	}
	n := h.sweeper.Sweep(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"swept": n})
}

// getPolicy handles GET /v1/admin/policy
func (h *Handler) getPolicy(c *gin.Context) {
	if h.policy == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "policy not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": h.policy})
}

func isBanValidation(err error) bool {
	return errors.Is(err, bans.ErrInvalidSignalType) ||
		errors.Is(err, bans.ErrInvalidSeverity) ||
		errors.Is(err, bans.ErrEmptySignalValue)
}
