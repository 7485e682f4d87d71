package admin

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlehub/internal/apperr"
	"github.com/mbd888/settlehub/internal/identity"
	"github.com/mbd888/settlehub/internal/logging"
	"github.com/mbd888/settlehub/internal/pagination"
	"github.com/mbd888/settlehub/internal/payout"
)

// Handler provides admin HTTP endpoints. Routes are mounted under a group
// that already requires the admin role.
type Handler struct {
	payouts PayoutLister
	escrow  EscrowSweeper
	barter  BarterSweeper
	access  AccessManager
	gateway GatewayCircuit
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{}
}

// WithPayouts sets the payout queue for listing.
func (h *Handler) WithPayouts(p PayoutLister) *Handler {
	h.payouts = p
	return h
}

// WithEscrowSweeper sets the escrow service for forced auto-release.
func (h *Handler) WithEscrowSweeper(s EscrowSweeper) *Handler {
	h.escrow = s
	return h
}

// WithBarterSweeper sets the barter service for forced expiry.
func (h *Handler) WithBarterSweeper(s BarterSweeper) *Handler {
	h.barter = s
	return h
}

// WithAccessManager sets the identity manager for role and key changes.
func (h *Handler) WithAccessManager(m AccessManager) *Handler {
	h.access = m
	return h
}

// WithGatewayCircuit sets the payments client for circuit inspection.
func (h *Handler) WithGatewayCircuit(g GatewayCircuit) *Handler {
	h.gateway = g
	return h
}

// RegisterRoutes sets up admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/payouts", h.listPayouts)
	r.POST("/escrows/auto-release", h.autoReleaseEscrows)
	r.POST("/barter/expire-stale", h.expireProposals)
	r.POST("/users/:id/roles", h.grantRole)
	r.DELETE("/users/:id/roles/:role", h.revokeRole)
	r.POST("/users/:id/keys", h.issueKey)
	r.GET("/gateway/circuit", h.getCircuit)
	r.POST("/gateway/circuit/reset", h.resetCircuit)
}

// listPayouts returns queued payout instructions oldest first.
func (h *Handler) listPayouts(c *gin.Context) {
	if h.payouts == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "payout queue not configured"})
		return
	}

	after, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		writeError(c, err)
		return
	}
	limit := pagination.Limit(c.Query("limit"), 100, 1000)

	items, err := h.payouts.ListQueued(c.Request.Context(), after, limit+1)
	if err != nil {
		writeError(c, err)
		return
	}
	items, next := pagination.Page(items, limit, func(i *payout.Instruction) (time.Time, string) {
		return i.CreatedAt, i.ID
	})

	resp := gin.H{"payouts": items, "count": len(items)}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// autoReleaseEscrows runs the escrow timeout sweep immediately.
func (h *Handler) autoReleaseEscrows(c *gin.Context) {
	if h.escrow == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "escrow service not configured"})
		return
	}

	released, err := h.escrow.AutoRelease(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	logging.L(c.Request.Context()).Info("forced escrow auto-release", "released", released)
	c.JSON(http.StatusOK, gin.H{"releasedCount": released})
}

// expireProposals runs the barter expiry sweep immediately.
func (h *Handler) expireProposals(c *gin.Context) {
	if h.barter == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "barter service not configured"})
		return
	}

	expired, err := h.barter.ExpireStale(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	logging.L(c.Request.Context()).Info("forced barter expiry", "expired", expired)
	c.JSON(http.StatusOK, gin.H{"expiredCount": expired})
}

func (h *Handler) getCircuit(c *gin.Context) {
	if h.gateway == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "gateway not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"provider": h.gateway.Provider(), "circuit": h.gateway.Circuit()})
}

// resetCircuit closes an open breaker without waiting for the probe window.
func (h *Handler) resetCircuit(c *gin.Context) {
	if h.gateway == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "gateway not configured"})
		return
	}
	before := h.gateway.Circuit()
	h.gateway.ResetCircuit()
	logging.L(c.Request.Context()).Warn("gateway circuit reset",
		"provider", h.gateway.Provider(), "previous_state", before.State, "by", identity.UserID(c))
	c.JSON(http.StatusOK, gin.H{"provider": h.gateway.Provider(), "circuit": h.gateway.Circuit()})
}

func (h *Handler) grantRole(c *gin.Context) {
	if h.access == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "identity not configured"})
		return
	}

	var req RoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	userID := c.Param("id")
	if err := h.access.GrantRole(c.Request.Context(), userID, req.Role); err != nil {
		writeError(c, err)
		return
	}
	logging.L(c.Request.Context()).Info("role granted", "user", userID, "role", req.Role, "by", identity.UserID(c))
	c.JSON(http.StatusOK, gin.H{"userId": userID, "role": req.Role, "granted": true})
}

func (h *Handler) revokeRole(c *gin.Context) {
	if h.access == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "identity not configured"})
		return
	}

	userID, role := c.Param("id"), identity.Role(c.Param("role"))
	if userID == identity.UserID(c) && role == identity.RoleAdmin {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "cannot revoke your own admin role"})
		return
	}
	if err := h.access.RevokeRole(c.Request.Context(), userID, role); err != nil {
		writeError(c, err)
		return
	}
	logging.L(c.Request.Context()).Info("role revoked", "user", userID, "role", role, "by", identity.UserID(c))
	c.JSON(http.StatusOK, gin.H{"userId": userID, "role": role, "granted": false})
}

// issueKey returns the raw key once; only its hash is stored.
func (h *Handler) issueKey(c *gin.Context) {
	if h.access == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "identity not configured"})
		return
	}

	var req KeyRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
	}
	if req.Name == "" {
		req.Name = "default"
	}

	raw, key, err := h.access.GenerateKey(c.Request.Context(), c.Param("id"), req.Name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"apiKey": raw, "key": key})
}

func writeError(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(err), gin.H{"error": apperr.CodeOf(err), "message": err.Error()})
}
