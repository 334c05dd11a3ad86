// Package reconciliation cross-checks settlement decisions against the
// payment and transaction records they should have produced.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/cardescrow/internal/escrow"
)

// Source is the read side of the escrow store used by the checker.
type Source interface {
	GetTransaction(ctx context.Context, id string) (*escrow.Transaction, error)
	GetPaymentByTransaction(ctx context.Context, transactionID string) (*escrow.Payment, error)
	ListPendingReleases(ctx context.Context, status escrow.ReleaseStatus, limit int) ([]*escrow.PendingRelease, error)
}

// Finding kinds.
const (
	KindPaymentMismatch     = "payment_mismatch"
	KindTransactionMismatch = "transaction_mismatch"
	KindInvalidSplit        = "invalid_split"
	KindStaleRequest        = "stale_request"
)

// Finding is one inconsistency.
type Finding struct {
	Kind          string `json:"kind"`
	SettlementID  string `json:"settlementId"`
	TransactionID string `json:"transactionId"`
	Detail        string `json:"detail"`
}

// Report summarizes one reconciliation run.
type Report struct {
	Checked               int           `json:"checked"`
	PaymentMismatches     int           `json:"paymentMismatches"`
	TransactionMismatches int           `json:"transactionMismatches"`
	InvalidSplits         int           `json:"invalidSplits"`
	StaleRequests         int           `json:"staleRequests"`
	Findings              []Finding     `json:"findings,omitempty"`
	Healthy               bool          `json:"healthy"`
	Duration              time.Duration `json:"durationMs"`
	Timestamp             time.Time     `json:"timestamp"`
}

func (r *Report) add(f Finding) {
	switch f.Kind {
	case KindPaymentMismatch:
		r.PaymentMismatches++
	case KindTransactionMismatch:
		r.TransactionMismatches++
	case KindInvalidSplit:
		r.InvalidSplits++
	case KindStaleRequest:
		r.StaleRequests++
	}
	r.Findings = append(r.Findings, f)
}

// DefaultStaleAfter is how long a request may wait for review before it is
// reported.
const DefaultStaleAfter = 48 * time.Hour

// Checker runs the settlement consistency checks.
type Checker struct {
	source     Source
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
	last       atomic.Pointer[Report]
}

// NewChecker creates a checker over source.
func NewChecker(source Source, logger *slog.Logger) *Checker {
	return &Checker{
		source:     source,
		staleAfter: DefaultStaleAfter,
		logger:     logger,
		now:        time.Now,
	}
}

// SetStaleAfter changes the review age past which a PENDING request is
// reported.
func (c *Checker) SetStaleAfter(d time.Duration) {
	if d > 0 {
		c.staleAfter = d
	}
}

// Last returns the most recent completed report, or nil.
func (c *Checker) Last() *Report {
	return c.last.Load()
}

// Run checks every approved and pending settlement request:
//   - an APPROVED release has a RELEASED payment and a COMPLETED transaction
//   - an APPROVED refund has a REFUNDED payment and a terminal transaction
//   - the stored fee split of every transaction under settlement reconciles
//   - no PENDING request is older than the stale threshold
func (c *Checker) Run(ctx context.Context) (*Report, error) {
	start := c.now()
	report := &Report{Timestamp: start.UTC()}

	approved, err := c.source.ListPendingReleases(ctx, escrow.ReleaseApproved, 0)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("list approved settlements: %w", err)
	}
	for _, pr := range approved {
		if err := c.checkApproved(ctx, pr, report); err != nil {
			reconcileErrors.Inc()
			return nil, err
		}
	}

	pending, err := c.source.ListPendingReleases(ctx, escrow.ReleasePending, 0)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("list pending settlements: %w", err)
	}
	for _, pr := range pending {
		report.Checked++
		if age := start.Sub(pr.CreatedAt); age > c.staleAfter {
			report.add(Finding{
				Kind:          KindStaleRequest,
				SettlementID:  pr.ID,
				TransactionID: pr.OrderID,
				Detail:        fmt.Sprintf("%s pending for %s", pr.Type, age.Truncate(time.Minute)),
			})
		}
		t, err := c.source.GetTransaction(ctx, pr.OrderID)
		if err != nil {
			if errors.Is(err, escrow.ErrTransactionNotFound) {
				report.add(Finding{Kind: KindTransactionMismatch, SettlementID: pr.ID, TransactionID: pr.OrderID, Detail: "transaction missing"})
				continue
			}
			reconcileErrors.Inc()
			return nil, fmt.Errorf("get transaction %s: %w", pr.OrderID, err)
		}
		checkSplit(pr, t, report)
	}

	report.Healthy = len(report.Findings) == 0
	report.Duration = c.now().Sub(start)

	reconcilePaymentMismatches.Set(float64(report.PaymentMismatches))
	reconcileTransactionMismatches.Set(float64(report.TransactionMismatches))
	reconcileInvalidSplits.Set(float64(report.InvalidSplits))
	reconcileStaleRequests.Set(float64(report.StaleRequests))
	reconcileDuration.Observe(report.Duration.Seconds())
	c.last.Store(report)

	if report.Healthy {
		c.logger.Info("reconciliation passed", "checked", report.Checked, "duration", report.Duration)
	} else {
		c.logger.Warn("reconciliation found inconsistencies",
			"checked", report.Checked,
			"paymentMismatches", report.PaymentMismatches,
			"transactionMismatches", report.TransactionMismatches,
			"invalidSplits", report.InvalidSplits,
			"staleRequests", report.StaleRequests,
		)
	}
	return report, nil
}

// RunJob adapts Run to the job scheduler.
func (c *Checker) RunJob(ctx context.Context) {
	if _, err := c.Run(ctx); err != nil {
		c.logger.Warn("reconciliation run failed", "error", err)
	}
}

func (c *Checker) checkApproved(ctx context.Context, pr *escrow.PendingRelease, report *Report) error {
	report.Checked++

	t, err := c.source.GetTransaction(ctx, pr.OrderID)
	if errors.Is(err, escrow.ErrTransactionNotFound) {
		report.add(Finding{Kind: KindTransactionMismatch, SettlementID: pr.ID, TransactionID: pr.OrderID, Detail: "transaction missing"})
		return nil
	}
	if err != nil {
		return fmt.Errorf("get transaction %s: %w", pr.OrderID, err)
	}
	payment, err := c.source.GetPaymentByTransaction(ctx, pr.OrderID)
	if errors.Is(err, escrow.ErrPaymentNotFound) {
		report.add(Finding{Kind: KindPaymentMismatch, SettlementID: pr.ID, TransactionID: pr.OrderID, Detail: "payment missing"})
		return nil
	}
	if err != nil {
		return fmt.Errorf("get payment %s: %w", pr.OrderID, err)
	}

	wantPayment := escrow.PaymentReleased
	if pr.Type.IsRefund() {
		wantPayment = escrow.PaymentRefunded
	}
	if payment.Status != wantPayment {
		report.add(Finding{
			Kind:          KindPaymentMismatch,
			SettlementID:  pr.ID,
			TransactionID: pr.OrderID,
			Detail:        fmt.Sprintf("approved %s but payment is %s", pr.Type, payment.Status),
		})
	} else if pr.Type.IsRefund() && !payment.RefundedAmount.Equal(pr.Amount) {
		report.add(Finding{
			Kind:          KindPaymentMismatch,
			SettlementID:  pr.ID,
			TransactionID: pr.OrderID,
			Detail:        fmt.Sprintf("refunded %s but request approved %s", payment.RefundedAmount, pr.Amount),
		})
	}

	switch {
	case pr.Type == escrow.ReleaseToSeller && t.Status != escrow.TxCompleted:
		report.add(Finding{
			Kind:          KindTransactionMismatch,
			SettlementID:  pr.ID,
			TransactionID: pr.OrderID,
			Detail:        fmt.Sprintf("funds released but transaction is %s", t.Status),
		})
	case pr.Type.IsRefund() && !t.Status.IsTerminal():
		report.add(Finding{
			Kind:          KindTransactionMismatch,
			SettlementID:  pr.ID,
			TransactionID: pr.OrderID,
			Detail:        fmt.Sprintf("funds refunded but transaction is %s", t.Status),
		})
	}

	checkSplit(pr, t, report)
	return nil
}

func checkSplit(pr *escrow.PendingRelease, t *escrow.Transaction, report *Report) {
	if err := t.Split().Validate(); err != nil {
		report.add(Finding{Kind: KindInvalidSplit, SettlementID: pr.ID, TransactionID: t.ID, Detail: err.Error()})
	}
}
