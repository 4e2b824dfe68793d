// internal/entitlement/deduct.go
package entitlement

import (
	"strings"
	"time"
)

// applyDeduction debits one session from e in place and returns the balances
// around the mutation. The caller persists e and the matching ledger entry in
// the same transaction.
//
// Itemized packages debit the sub-item matching the category hint, falling
// back to the first sub-item with remaining quantity; the overall remaining
// count is recomputed as the sum of sub-item remainders. Simple counts debit
// the cached balance directly, which must be initialized (reconciled) before
// this is called. A zero or unknown balance is rejected, never driven
// negative.
func applyDeduction(e *Entitlement, categoryHint string, now time.Time) (*DeductionResult, error) {
	if e.Status == StatusExpired || e.ExpiredAt(now) {
		return nil, ErrInvalidState
	}
	if !e.Kind.Countable() {
		return nil, ErrInvalidState
	}
	if e.Status != StatusActive {
		return nil, ErrInvalidState
	}

	switch e.Kind {
	case KindItemizedPackage:
		return deductPackageItem(e, categoryHint)
	default:
		return deductSimpleCount(e)
	}
}

func deductSimpleCount(e *Entitlement) (*DeductionResult, error) {
	before, ok := e.Remaining()
	if !ok {
		// Reconciliation initializes the balance before deduction; reaching
		// this point without one is a caller bug, not a member outcome.
		return nil, ErrInvalidState
	}
	if before <= 0 {
		return nil, ErrInvalidState
	}

	after := before - 1
	e.setRemaining(after)
	e.UpdatedAt = time.Now().UTC()

	return &DeductionResult{
		EntitlementID: e.ID,
		Before:        before,
		After:         after,
	}, nil
}

func deductPackageItem(e *Entitlement, categoryHint string) (*DeductionResult, error) {
	idx := matchItem(e.Items, categoryHint)
	if idx < 0 {
		// Hint empty or unmatched: first sub-item with credit left.
		for i := range e.Items {
			if e.Items[i].RemainingQuantity > 0 {
				idx = i
				break
			}
		}
	}
	if idx < 0 || e.Items[idx].RemainingQuantity <= 0 {
		return nil, ErrInvalidState
	}

	before := e.ItemSum()
	e.Items[idx].RemainingQuantity--
	after := e.ItemSum()
	e.setRemaining(after)
	e.UpdatedAt = time.Now().UTC()

	return &DeductionResult{
		EntitlementID: e.ID,
		ItemName:      e.Items[idx].Name,
		Before:        before,
		After:         after,
	}, nil
}

// matchItem finds the sub-item whose name matches the hint and still has
// credit. -1 when the hint is empty or nothing matches.
func matchItem(items []PackageItem, hint string) int {
	if hint == "" {
		return -1
	}
	for i := range items {
		if strings.EqualFold(items[i].Name, hint) && items[i].RemainingQuantity > 0 {
			return i
		}
	}
	return -1
}

// applyExtension credits addedCount sessions, uncapped by the nominal total,
// reactivating a used-up pass. Expired passes cannot be extended.
func applyExtension(e *Entitlement, addedCount int) (before, after int, err error) {
	if addedCount <= 0 {
		return 0, 0, ErrInvalidInput
	}
	if !e.Kind.Countable() {
		return 0, 0, ErrInvalidState
	}
	if e.Status == StatusExpired {
		return 0, 0, ErrInvalidState
	}

	before, ok := e.Remaining()
	if !ok {
		return 0, 0, ErrInvalidState
	}
	after = before + addedCount
	e.setRemaining(after)

	// Itemized packages keep the sum invariant by refilling sub-items in
	// order, growing the first sub-item beyond its nominal total if the
	// extension exceeds the package's headroom.
	if e.Kind == KindItemizedPackage {
		distributeCredit(e.Items, addedCount)
	}
	e.UpdatedAt = time.Now().UTC()
	return before, after, nil
}

// applyAdjustment applies a manual correction clamped to [0, totalCount] and
// returns the delta actually applied, which may be smaller than requested.
func applyAdjustment(e *Entitlement, delta int) (before, after int, err error) {
	if !e.Kind.Countable() {
		return 0, 0, ErrInvalidState
	}
	if e.Status == StatusExpired {
		return 0, 0, ErrInvalidState
	}

	before, ok := e.Remaining()
	if !ok {
		return 0, 0, ErrInvalidState
	}

	after = before + delta
	if after < 0 {
		after = 0
	}
	if after > e.TotalCount {
		after = e.TotalCount
	}
	e.setRemaining(after)

	if e.Kind == KindItemizedPackage {
		if applied := after - before; applied > 0 {
			distributeCredit(e.Items, applied)
		} else if applied < 0 {
			drainCredit(e.Items, -applied)
		}
	}
	e.UpdatedAt = time.Now().UTC()
	return before, after, nil
}

// distributeCredit refills sub-items in order up to each nominal total, then
// overflows any leftover onto the first sub-item so the sum invariant holds.
func distributeCredit(items []PackageItem, credit int) {
	for i := range items {
		if credit == 0 {
			return
		}
		headroom := items[i].TotalQuantity - items[i].RemainingQuantity
		if headroom <= 0 {
			continue
		}
		if headroom > credit {
			headroom = credit
		}
		items[i].RemainingQuantity += headroom
		credit -= headroom
	}
	if credit > 0 && len(items) > 0 {
		items[0].RemainingQuantity += credit
	}
}

// drainCredit removes credit from sub-items starting at the end of the list.
func drainCredit(items []PackageItem, debit int) {
	for i := len(items) - 1; i >= 0 && debit > 0; i-- {
		take := items[i].RemainingQuantity
		if take > debit {
			take = debit
		}
		items[i].RemainingQuantity -= take
		debit -= take
	}
}
