package settlement

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/settlehub/internal/apperr"
	"github.com/mbd888/settlehub/internal/gateway"
	"github.com/mbd888/settlehub/internal/identity"
	"github.com/mbd888/settlehub/internal/validation"
)

// Handler provides HTTP endpoints for orders and their settlement.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new settlement handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up authenticated order and transaction routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders/:id", h.GetOrder)
	r.POST("/orders/:id/settlement", h.SelectMethod)
	r.POST("/orders/:id/cancel", h.CancelOrder)
	r.GET("/orders/:id/transactions", h.ListTransactions)

	r.GET("/transactions/:id", h.GetTransaction)
	r.POST("/transactions/:id/refund", h.Refund)
}

// RegisterAdminRoutes sets up gateway confirmation. Gateway callbacks are
// relayed here by an operator or an integration holding the admin role.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/transactions/:id/confirm", h.Confirm)
}

// CreateOrder handles POST /v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "sellerId and total are required",
		})
		return
	}
	req.BuyerID = identity.UserID(c)
	if err := validation.Validate(
		validation.ValidID("sellerId", req.SellerID),
		validation.ValidID("listingId", req.ListingID),
		validation.PositiveAmount("total", req.Total),
	).Err(); err != nil {
		writeError(c, err)
		return
	}

	o, err := h.engine.CreateOrder(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": o})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	ctx := c.Request.Context()
	o, err := h.engine.GetOrder(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !h.engine.CanView(ctx, o, identity.UserID(c)) {
		writeError(c, apperr.ErrUnauthorized)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// SelectMethod handles POST /v1/orders/:id/settlement
func (h *Handler) SelectMethod(c *gin.Context) {
	var req SelectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "method is required (card, wallet, cash_on_delivery, escrow, or barter)",
		})
		return
	}
	req.OrderID = c.Param("id")
	req.Actor = identity.UserID(c)

	sel, err := h.engine.SelectMethod(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sel)
}

// CancelOrder handles POST /v1/orders/:id/cancel
func (h *Handler) CancelOrder(c *gin.Context) {
	o, err := h.engine.Cancel(c.Request.Context(), c.Param("id"), identity.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ListTransactions handles GET /v1/orders/:id/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	ctx := c.Request.Context()
	o, err := h.engine.GetOrder(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !h.engine.CanView(ctx, o, identity.UserID(c)) {
		writeError(c, apperr.ErrUnauthorized)
		return
	}
	txs, err := h.engine.ListTransactions(ctx, o.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	ctx := c.Request.Context()
	tx, err := h.engine.GetTransaction(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	o, err := h.engine.GetOrder(ctx, tx.OrderID)
	if err != nil {
		writeError(c, err)
		return
	}
	if !h.engine.CanView(ctx, o, identity.UserID(c)) {
		writeError(c, apperr.ErrUnauthorized)
		return
	}
	resp := gin.H{"transaction": tx}
	if r, err := h.engine.GetRefund(ctx, tx.ID); err == nil {
		resp["refund"] = r
	}
	c.JSON(http.StatusOK, resp)
}

// Confirm handles POST /v1/admin/transactions/:id/confirm
func (h *Handler) Confirm(c *gin.Context) {
	var result gateway.Result
	if err := c.ShouldBindJSON(&result); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reference, status and amount are required",
		})
		return
	}
	tx, err := h.engine.Confirm(c.Request.Context(), c.Param("id"), result)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

type refundRequest struct {
	Reason string `json:"reason"`
}

// Refund handles POST /v1/transactions/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	var req refundRequest
	// The body is optional.
	_ = c.ShouldBindJSON(&req)

	r, err := h.engine.Refund(c.Request.Context(), c.Param("id"), identity.UserID(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": r})
}

func writeError(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(err), gin.H{"error": apperr.CodeOf(err), "message": err.Error()})
}
