package barter

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/settlehub/internal/apperr"
	"github.com/mbd888/settlehub/internal/identity"
	"github.com/mbd888/settlehub/internal/money"
	"github.com/mbd888/settlehub/internal/pagination"
)

// ListingRegistry is a ListingDirectory that accepts new listings.
type ListingRegistry interface {
	ListingDirectory
	Put(ctx context.Context, l *Listing) error
}

// Handler provides HTTP endpoints for barter negotiation.
type Handler struct {
	service  *Service
	listings ListingRegistry
}

// NewHandler creates a new barter handler.
func NewHandler(service *Service, listings ListingRegistry) *Handler {
	return &Handler{service: service, listings: listings}
}

// RegisterRoutes sets up authenticated barter routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/barter/proposals", h.Propose)
	r.GET("/barter/proposals/:id", h.GetProposal)
	r.GET("/barter/proposals/:id/chain", h.GetChain)
	r.POST("/barter/proposals/:id/respond", h.Respond)
	r.GET("/listings/:id/proposals", h.ListByListing)
}

// RegisterAdminRoutes sets up listing administration.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.PUT("/listings/:id", h.PutListing)
}

// Propose handles POST /v1/barter/proposals
func (h *Handler) Propose(c *gin.Context) {
	var req ProposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "targetListingId and offer are required",
		})
		return
	}
	req.ProposerID = identity.UserID(c)
	// Order-bound proposals are opened through settlement.
	req.OrderID = ""

	p, err := h.service.Propose(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"proposal": p})
}

// GetProposal handles GET /v1/barter/proposals/:id
func (h *Handler) GetProposal(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !isParty(c, p) {
		writeError(c, apperr.ErrUnauthorized)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposal": p})
}

// GetChain handles GET /v1/barter/proposals/:id/chain
func (h *Handler) GetChain(c *gin.Context) {
	chain, err := h.service.Chain(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !isParty(c, chain[0]) {
		writeError(c, apperr.ErrUnauthorized)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposals": chain, "count": len(chain)})
}

// Respond handles POST /v1/barter/proposals/:id/respond
func (h *Handler) Respond(c *gin.Context) {
	var req RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "action is required (accept, reject, counter, or withdraw)",
		})
		return
	}
	req.By = identity.UserID(c)

	out, err := h.service.Respond(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// ListByListing handles GET /v1/listings/:id/proposals
func (h *Handler) ListByListing(c *gin.Context) {
	listing, err := h.listings.GetListing(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if listing.OwnerID != identity.UserID(c) {
		writeError(c, apperr.ErrUnauthorized.Withf("only the listing owner can list its proposals"))
		return
	}

	limit := pagination.Limit(c.Query("limit"), 50, 200)
	proposals, err := h.service.ListByListing(c.Request.Context(), listing.ID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposals": proposals, "count": len(proposals)})
}

type putListingRequest struct {
	OwnerID string `json:"ownerId" binding:"required"`
	Title   string `json:"title"`
	Price   string `json:"price" binding:"required"`
}

// PutListing handles PUT /v1/admin/listings/:id
func (h *Handler) PutListing(c *gin.Context) {
	var req putListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "ownerId and price are required",
		})
		return
	}
	price, err := money.Parse(req.Price)
	if err != nil {
		writeError(c, err)
		return
	}
	l := &Listing{ID: c.Param("id"), OwnerID: req.OwnerID, Title: req.Title, Price: price}
	if err := h.listings.Put(c.Request.Context(), l); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": l})
}

func isParty(c *gin.Context, p *Proposal) bool {
	id := identity.UserID(c)
	return id != "" && (id == p.ProposerID || id == p.RecipientID)
}

func writeError(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(err), gin.H{"error": apperr.CodeOf(err), "message": err.Error()})
}
