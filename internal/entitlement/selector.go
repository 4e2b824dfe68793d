// internal/entitlement/selector.go
package entitlement

import (
	"sort"
	"time"
)

// SelectCandidate picks which entitlement a deduction should debit.
//
// Candidates must already be the member's entitlements; the selector keeps
// only active, countable ones. A category hint narrows the field, but an
// unmatched hint degrades to the unfiltered set rather than failing the
// check-in. Ordering prefers exhausting the scarcest, oldest pass first:
// ascending remaining count with uninitialized balances treated as infinite,
// then ascending purchase date with zero dates last. Returns nil when nothing
// is eligible; the caller reports "nothing to deduct", not an error.
func SelectCandidate(candidates []*Entitlement, categoryHint string, now time.Time) *Entitlement {
	eligible := make([]*Entitlement, 0, len(candidates))
	for _, e := range candidates {
		if Consumable(e, now) {
			eligible = append(eligible, e)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	if categoryHint != "" {
		hinted := make([]*Entitlement, 0, len(eligible))
		for _, e := range eligible {
			if e.MatchesHint(categoryHint) {
				hinted = append(hinted, e)
			}
		}
		// Graceful degradation: an unmatched hint never blocks consumption.
		if len(hinted) > 0 {
			eligible = hinted
		}
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return candidateLess(eligible[i], eligible[j])
	})
	return eligible[0]
}

// Consumable reports whether an entitlement may be debited at all: active,
// countable kind, not past its validity window, and not cached at zero.
func Consumable(e *Entitlement, now time.Time) bool {
	if e == nil || e.Status != StatusActive || !e.Kind.Countable() {
		return false
	}
	if e.ExpiredAt(now) {
		return false
	}
	if remaining, ok := e.Remaining(); ok && remaining <= 0 {
		return false
	}
	return true
}

func candidateLess(a, b *Entitlement) bool {
	ar, aok := a.Remaining()
	br, bok := b.Remaining()
	// Unknown balances sort last; they behave as infinite until reconciled.
	if aok != bok {
		return aok
	}
	if aok && bok && ar != br {
		return ar < br
	}

	az := a.PurchaseDate.IsZero()
	bz := b.PurchaseDate.IsZero()
	if az != bz {
		return bz
	}
	return a.PurchaseDate.Before(b.PurchaseDate)
}
