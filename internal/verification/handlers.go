package verification

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/cardescrow/internal/apperr"
	"github.com/mbd888/cardescrow/internal/auth"
	"github.com/mbd888/cardescrow/internal/validation"
)

// Handler provides the check-in and verification endpoints.
type Handler struct {
	controller *Controller
}

// NewHandler creates a new verification handler.
func NewHandler(controller *Controller) *Handler {
	return &Handler{controller: controller}
}

// RegisterVerifyRoute sets up POST /transactions/:id/verify behind the
// given middleware.
func (h *Handler) RegisterVerifyRoute(r *gin.RouterGroup, middleware ...gin.HandlerFunc) {
	r.POST("/transactions/:id/verify", append(middleware, h.Verify)...)
}

// RegisterCheckInRoute sets up POST /transactions/:id/check-in behind the
// given middleware.
func (h *Handler) RegisterCheckInRoute(r *gin.RouterGroup, middleware ...gin.HandlerFunc) {
	r.POST("/transactions/:id/check-in", append(middleware, h.CheckIn)...)
}

// Verify handles POST /v1/transactions/:id/verify
func (h *Handler) Verify(c *gin.Context) {
	actor, ok := auth.GetActor(c)
	if !ok {
		apperr.Respond(c, auth.ErrNoAPIKey)
		return
	}

	var req AdvanceRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}
	req.Notes = validation.SanitizeString(req.Notes, 1000)

	result, err := h.controller.Advance(c.Request.Context(), c.Param("id"), actor, req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// CheckIn handles POST /v1/transactions/:id/check-in
func (h *Handler) CheckIn(c *gin.Context) {
	actor, ok := auth.GetActor(c)
	if !ok {
		apperr.Respond(c, auth.ErrNoAPIKey)
		return
	}

	var req CheckInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	result, err := h.controller.CheckIn(c.Request.Context(), c.Param("id"), actor, req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
