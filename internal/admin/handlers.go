package admin

import (
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/cardescrow/internal/apperr"
	"github.com/mbd888/cardescrow/internal/auth"
	"github.com/mbd888/cardescrow/internal/logging"
)

var (
	ErrUnknownJob     = apperr.New(apperr.NotFound, "job_not_found", "no job with that name")
	ErrNotConfigured  = apperr.New(apperr.NotFound, "not_configured", "this operation is not configured")
	ErrNoReconcileRun = apperr.New(apperr.NotFound, "no_reconciliation", "reconciliation has not run yet")
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	jobs       JobRunner
	reconciler Reconciler
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{}
}

// WithJobs enables the job endpoints.
func (h *Handler) WithJobs(j JobRunner) *Handler {
	h.jobs = j
	return h
}

// WithReconciler enables the reconciliation endpoints.
func (h *Handler) WithReconciler(r Reconciler) *Handler {
	h.reconciler = r
	return h
}

// RegisterRoutes sets up admin routes. The group must already require the
// ADMIN role.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/jobs", h.listJobs)
	r.POST("/jobs/:name/run", h.runJob)
	r.GET("/reconciliation", h.lastReconciliation)
	r.POST("/reconcile", h.triggerReconciliation)
}

func (h *Handler) listJobs(c *gin.Context) {
	if h.jobs == nil {
		apperr.Respond(c, ErrNotConfigured)
		return
	}
	names := h.jobs.Names()
	slices.Sort(names)
	c.JSON(http.StatusOK, gin.H{"jobs": names})
}

// runJob runs a job synchronously, e.g. the session reaper after an outage.
func (h *Handler) runJob(c *gin.Context) {
	if h.jobs == nil {
		apperr.Respond(c, ErrNotConfigured)
		return
	}
	name := c.Param("name")
	if !slices.Contains(h.jobs.Names(), name) {
		apperr.Respond(c, ErrUnknownJob)
		return
	}

	actor, _ := auth.GetActor(c)
	logging.L(c.Request.Context()).Info("job run requested", "job", name, "admin", actor.ID)

	start := time.Now()
	if err := h.jobs.RunNow(c.Request.Context(), name); err != nil {
		apperr.Respond(c, apperr.Internalf("job %s: %w", name, err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": name, "durationMs": time.Since(start).Milliseconds()})
}

func (h *Handler) lastReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		apperr.Respond(c, ErrNotConfigured)
		return
	}
	report := h.reconciler.Last()
	if report == nil {
		apperr.Respond(c, ErrNoReconcileRun)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// triggerReconciliation runs an on-demand reconciliation.
func (h *Handler) triggerReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		apperr.Respond(c, ErrNotConfigured)
		return
	}
	report, err := h.reconciler.Run(c.Request.Context())
	if err != nil {
		apperr.Respond(c, apperr.Internalf("reconciliation: %w", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}
