package transactions

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/cardescrow/internal/apperr"
	"github.com/mbd888/cardescrow/internal/auth"
)

// Handler provides HTTP endpoints for transactions.
type Handler struct {
	service *Service
}

// NewHandler creates a new transaction handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the read routes. The group must require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/transactions", h.List)
	r.GET("/transactions/:id", h.Get)
	r.GET("/transactions/:id/session/history", h.History)
}

// RegisterCreateRoute sets up POST /transactions. It is registered apart
// from the read routes so the server can put a rate limiter in front of it.
func (h *Handler) RegisterCreateRoute(r *gin.RouterGroup, middleware ...gin.HandlerFunc) {
	r.POST("/transactions", append(middleware, h.Create)...)
}

// Create handles POST /v1/transactions
func (h *Handler) Create(c *gin.Context) {
	actor, ok := auth.GetActor(c)
	if !ok {
		apperr.Respond(c, auth.ErrNoAPIKey)
		return
	}

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	result, err := h.service.Create(c.Request.Context(), actor, req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// Get handles GET /v1/transactions/:id
func (h *Handler) Get(c *gin.Context) {
	actor, ok := auth.GetActor(c)
	if !ok {
		apperr.Respond(c, auth.ErrNoAPIKey)
		return
	}

	d, err := h.service.Get(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// List handles GET /v1/transactions
func (h *Handler) List(c *gin.Context) {
	actor, ok := auth.GetActor(c)
	if !ok {
		apperr.Respond(c, auth.ErrNoAPIKey)
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	page, err := h.service.List(c.Request.Context(), actor.ID, c.Query("cursor"), limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// History handles GET /v1/transactions/:id/session/history
func (h *Handler) History(c *gin.Context) {
	actor, ok := auth.GetActor(c)
	if !ok {
		apperr.Respond(c, auth.ErrNoAPIKey)
		return
	}

	audit, err := h.service.History(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": audit, "count": len(audit)})
}
