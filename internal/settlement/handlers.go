package settlement

import (
	"context"
	"net/http"
	"slices"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/cardescrow/internal/apperr"
	"github.com/mbd888/cardescrow/internal/auth"
	"github.com/mbd888/cardescrow/internal/escrow"
	"github.com/mbd888/cardescrow/internal/validation"
)

// Handler provides the admin settlement queue endpoints.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new settlement handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterAdminRoutes sets up the review routes. The group must already
// require the ADMIN role. reviewMiddleware runs before approve and reject
// only.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup, reviewMiddleware ...gin.HandlerFunc) {
	r.GET("/settlements", h.List)
	r.GET("/settlements/:id", h.Get)
	reviewMiddleware = slices.Clip(reviewMiddleware)
	r.POST("/settlements/:id/approve", append(reviewMiddleware, h.Approve)...)
	r.POST("/settlements/:id/reject", append(reviewMiddleware, h.Reject)...)
}

// ReviewRequest is the body of approve and reject.
type ReviewRequest struct {
	Note string `json:"note"`
}

// List handles GET /v1/admin/settlements
func (h *Handler) List(c *gin.Context) {
	status := escrow.ReleaseStatus(c.DefaultQuery("status", string(escrow.ReleasePending)))
	if status == "all" {
		status = ""
	}
	if errs := validation.Validate(
		validation.OneOf("status", string(status), string(escrow.ReleasePending),
			string(escrow.ReleaseApproved), string(escrow.ReleaseRejected)),
	); len(errs) > 0 {
		apperr.Respond(c, errs)
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}

	releases, err := h.ledger.List(c.Request.Context(), status, limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlements": releases, "count": len(releases)})
}

// Get handles GET /v1/admin/settlements/:id
func (h *Handler) Get(c *gin.Context) {
	pr, err := h.ledger.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlement": pr})
}

// Approve handles POST /v1/admin/settlements/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	h.review(c, h.ledger.Approve)
}

// Reject handles POST /v1/admin/settlements/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	h.review(c, h.ledger.Reject)
}

type reviewFunc func(ctx context.Context, id string, admin escrow.Actor, note string) (*escrow.PendingRelease, error)

func (h *Handler) review(c *gin.Context, fn reviewFunc) {
	actor, ok := auth.GetActor(c)
	if !ok {
		apperr.Respond(c, auth.ErrNoAPIKey)
		return
	}

	var req ReviewRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}
	req.Note = validation.SanitizeString(req.Note, 1000)

	pr, err := fn(c.Request.Context(), c.Param("id"), actor, req.Note)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlement": pr})
}
