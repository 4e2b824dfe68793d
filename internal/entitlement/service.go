// internal/entitlement/service.go
package entitlement

import (
	"context"

	"github.com/google/uuid"

	"clubpass/internal/ledger"
)

// Service is the operation surface the booking, attendance, and payment
// collaborators call into. All selection and deduction paths go through
// Consume, so there is exactly one deduction code path.
type Service interface {
	// Grant creates the entitlement purchased from productID and records the
	// opening CHARGE. Coach assignment is explicit-only: a nil coachID stays
	// nil, it is never backfilled from the product's default coach.
	Grant(ctx context.Context, memberID, productID uuid.UUID, coachID *uuid.UUID) (*Entitlement, error)

	// Extend adds addedCount credits, uncapped by the nominal total, and
	// reactivates a used-up entitlement.
	Extend(ctx context.Context, entitlementID uuid.UUID, addedCount int) (*Entitlement, error)

	// Adjust applies a manual correction, clamped to [0, totalCount].
	Adjust(ctx context.Context, entitlementID uuid.UUID, delta int, reason string) (*Entitlement, error)

	// Consume picks the entitlement to debit for a check-in or booking
	// confirmation and performs the deduction atomically with its ledger
	// entry. ErrNoEligibleEntitlement is an outcome, not a fault.
	Consume(ctx context.Context, memberID uuid.UUID, categoryHint string, preselectedID *uuid.UUID, trig Trigger) (*DeductionResult, error)

	// Balance returns a trustworthy remaining count, reconciling from the
	// booking/attendance history when the cached value is absent.
	Balance(ctx context.Context, entitlementID uuid.UUID) (int, error)

	// Remove cascades: detach referencing bookings, delete ledger entries and
	// grant-originated payments, then delete the entitlement (atomically for
	// everything in this store).
	Remove(ctx context.Context, entitlementID uuid.UUID) error

	// History returns a member's ledger entries, most recent first.
	History(ctx context.Context, memberID uuid.UUID, limit int) ([]ledger.Entry, error)

	// Get returns one entitlement (expiry-swept).
	Get(ctx context.Context, entitlementID uuid.UUID) (*Entitlement, error)

	// ListByMember returns a member's entitlements (expiry-swept).
	ListByMember(ctx context.Context, memberID uuid.UUID) ([]*Entitlement, error)
}

// MemberDirectory resolves member identity from the membership collaborator.
type MemberDirectory interface {
	MemberExists(ctx context.Context, memberID uuid.UUID) (bool, error)
}

// ProductCatalog resolves pass definitions from the catalog collaborator.
type ProductCatalog interface {
	GetProduct(ctx context.Context, productID uuid.UUID) (*Product, error)
}

// BookingDirectory exposes the authoritative usage history the reconciliation
// engine derives balances from, plus the detach step of cascade removal.
type BookingDirectory interface {
	// CountConfirmedBookings counts confirmed bookings referencing the
	// entitlement.
	CountConfirmedBookings(ctx context.Context, entitlementID uuid.UUID) (int, error)
	// CountCheckedInAttendances counts checked-in attendances whose booking
	// references the entitlement.
	CountCheckedInAttendances(ctx context.Context, entitlementID uuid.UUID) (int, error)
	// DetachEntitlement nulls the entitlement reference on every booking that
	// carries it. Bookings themselves are never deleted. Returns the number
	// of bookings detached.
	DetachEntitlement(ctx context.Context, entitlementID uuid.UUID) (int, error)
}

// PaymentDelegate signals charge-worthy events outward. The engine never
// talks to a payment gateway itself.
type PaymentDelegate interface {
	// RecordGrantPayment records that a grant occurred and what it costs.
	// Idempotent on entitlementID.
	RecordGrantPayment(ctx context.Context, memberID, entitlementID, productID uuid.UUID, amountCents int64) error
	// DeleteGrantPayments removes payment records created solely because of
	// this grant. Idempotent.
	DeleteGrantPayments(ctx context.Context, entitlementID uuid.UUID) error
}
