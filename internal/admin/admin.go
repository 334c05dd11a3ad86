// Package admin provides operator endpoints for running background jobs on
// demand and inspecting settlement reconciliation.
package admin

import (
	"context"

	"github.com/mbd888/cardescrow/internal/reconciliation"
)

// JobRunner runs registered background jobs by name.
type JobRunner interface {
	RunNow(ctx context.Context, name string) error
	Names() []string
}

// Reconciler runs the settlement consistency checks.
type Reconciler interface {
	Run(ctx context.Context) (*reconciliation.Report, error)
	Last() *reconciliation.Report
}
