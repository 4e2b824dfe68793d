// internal/entitlement/reconcile.go
package entitlement

import (
	"context"
	"fmt"
	"log"
)

// defaultSessionTotal is the documented fallback when neither the entitlement
// nor its source product carries a nominal session count.
const defaultSessionTotal = 10

// UsageCounts are the two history-derived consumption signals.
type UsageCounts struct {
	ConfirmedBookings    int
	CheckedInAttendances int
}

// Used is the consumption the history supports. Attendance counting is
// preferred because it reflects actual check-ins rather than reservations,
// but the larger of the two signals wins so a missing attendance feed cannot
// inflate the balance.
func (u UsageCounts) Used() int {
	if u.CheckedInAttendances >= u.ConfirmedBookings {
		return u.CheckedInAttendances
	}
	return u.ConfirmedBookings
}

// ReconcileRemaining derives a trustworthy remaining count from history
// instead of trusting the cached field: nominal total (entitlement, then
// product, then the documented default) minus the history-supported usage,
// floored at zero. Pure and idempotent, so the same inputs always converge
// on the same value.
func ReconcileRemaining(e *Entitlement, productNominal int, usage UsageCounts) int {
	total := e.TotalCount
	if total <= 0 {
		total = productNominal
	}
	if total <= 0 {
		total = defaultSessionTotal
	}

	remaining := total - usage.Used()
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// fetchUsage gathers both usage signals from the booking collaborator.
// A failing signal degrades to zero and is logged; reconciliation favors
// keeping the check-in flow available over hard failure.
func (s *service) fetchUsage(ctx context.Context, e *Entitlement) UsageCounts {
	var usage UsageCounts

	bookings, err := s.bookings.CountConfirmedBookings(ctx, e.ID)
	if err != nil {
		log.Printf("reconcile: booking count unavailable for entitlement %s: %v", e.ID, err)
	} else {
		usage.ConfirmedBookings = bookings
	}

	attendances, err := s.bookings.CountCheckedInAttendances(ctx, e.ID)
	if err != nil {
		log.Printf("reconcile: attendance count unavailable for entitlement %s: %v", e.ID, err)
	} else {
		usage.CheckedInAttendances = attendances
	}

	return usage
}

// reconcile recomputes e's balance from history and writes it back. This is
// read-repair: it runs lazily when a caller needs a trustworthy balance and
// finds the cached one missing. No ledger entry is written, since repairing
// the cache is not a balance-changing business event.
func (s *service) reconcile(ctx context.Context, e *Entitlement) (int, error) {
	if !e.Kind.Countable() {
		return 0, ErrInvalidState
	}

	// Itemized packages carry their truth in the sub-item remainders; the
	// cached sum is rebuilt from them directly.
	if e.Kind == KindItemizedPackage {
		return s.persistReconciled(ctx, e, e.ItemSum())
	}

	usage := s.fetchUsage(ctx, e)

	productNominal := 0
	if e.TotalCount <= 0 {
		if p, err := s.products.GetProduct(ctx, e.ProductID); err != nil {
			log.Printf("reconcile: product %s unavailable, using default total: %v", e.ProductID, err)
		} else {
			productNominal = p.SessionCount
		}
	}

	return s.persistReconciled(ctx, e, ReconcileRemaining(e, productNominal, usage))
}

// persistReconciled writes the recomputed balance through the guarded repair
// update. When the guard does not apply, another writer has initialized the
// balance first, and that committed value wins over this recomputation.
func (s *service) persistReconciled(ctx context.Context, e *Entitlement, corrected int) (int, error) {
	e.setRemaining(corrected)
	applied, err := s.writeRepairedBalance(ctx, e)
	if err != nil {
		return 0, fmt.Errorf("write reconciled balance: %w", err)
	}
	if !applied {
		fresh, err := s.getByID(ctx, e.ID)
		if err != nil {
			return 0, err
		}
		*e = *fresh
		if remaining, ok := fresh.Remaining(); ok {
			return remaining, nil
		}
		return 0, ErrConcurrencyConflict
	}
	reconciliationsTotal.Inc()
	return corrected, nil
}
