package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/cardescrow/internal/reconciliation"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeJobs struct {
	names []string
	ran   []string
	err   error
}

func (f *fakeJobs) RunNow(_ context.Context, name string) error {
	f.ran = append(f.ran, name)
	return f.err
}

func (f *fakeJobs) Names() []string { return append([]string(nil), f.names...) }

type fakeReconciler struct {
	last *reconciliation.Report
	err  error
}

func (f *fakeReconciler) Run(context.Context) (*reconciliation.Report, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.last = &reconciliation.Report{Checked: 3, Healthy: true}
	return f.last, nil
}

func (f *fakeReconciler) Last() *reconciliation.Report { return f.last }

func newRouter(h *Handler) *gin.Engine {
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1/admin"))
	return r
}

func do(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestJobs(t *testing.T) {
	jobs := &fakeJobs{names: []string{"session_reaper", "priority_reset"}}
	r := newRouter(NewHandler().WithJobs(jobs))

	w := do(r, http.MethodGet, "/v1/admin/jobs")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"jobs":["priority_reset","session_reaper"]}`, w.Body.String())

	w = do(r, http.MethodPost, "/v1/admin/jobs/session_reaper/run")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"session_reaper"}, jobs.ran)

	w = do(r, http.MethodPost, "/v1/admin/jobs/nope/run")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "job_not_found")
	assert.Len(t, jobs.ran, 1)

	jobs.err = errors.New("boom")
	w = do(r, http.MethodPost, "/v1/admin/jobs/priority_reset/run")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "boom", "internal detail is logged, not returned")
}

func TestReconciliation(t *testing.T) {
	rec := &fakeReconciler{}
	r := newRouter(NewHandler().WithReconciler(rec))

	w := do(r, http.MethodGet, "/v1/admin/reconciliation")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodPost, "/v1/admin/reconcile")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Report reconciliation.Report `json:"report"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Report.Checked)
	assert.True(t, body.Report.Healthy)

	w = do(r, http.MethodGet, "/v1/admin/reconciliation")
	assert.Equal(t, http.StatusOK, w.Code)

	rec.err = errors.New("db down")
	w = do(r, http.MethodPost, "/v1/admin/reconcile")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestNotConfigured(t *testing.T) {
	r := newRouter(NewHandler())
	for _, path := range []string{"/v1/admin/jobs", "/v1/admin/reconciliation"} {
		w := do(r, http.MethodGet, path)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
		assert.Contains(t, w.Body.String(), "not_configured", path)
	}
}
