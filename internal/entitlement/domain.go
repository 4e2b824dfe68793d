// internal/entitlement/domain.go
package entitlement

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind classifies what a purchased pass grants.
type Kind string

const (
	// KindSimpleCount grants a flat number of sessions.
	KindSimpleCount Kind = "simple_count"
	// KindItemizedPackage grants named sub-items, each with its own quantity.
	KindItemizedPackage Kind = "itemized_package"
	// KindTimeLimited grants unlimited sessions inside a validity window.
	KindTimeLimited Kind = "time_limited"
)

// Countable reports whether the kind carries a session balance.
func (k Kind) Countable() bool {
	return k == KindSimpleCount || k == KindItemizedPackage
}

// Status is the lifecycle state of an entitlement.
type Status string

const (
	StatusActive  Status = "active"
	StatusUsedUp  Status = "used_up"
	StatusExpired Status = "expired"
)

// PackageItem is one named sub-entry of an itemized package.
type PackageItem struct {
	Name              string `json:"name"`
	TotalQuantity     int    `json:"total_quantity"`
	RemainingQuantity int    `json:"remaining_quantity"`
}

// PackageItemTemplate is the product-side definition a sub-item is granted from.
type PackageItemTemplate struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

// Product is the fully-resolved read model of a purchasable pass definition,
// supplied by the catalog collaborator. The engine never lazy-loads it.
type Product struct {
	ID             uuid.UUID             `json:"id"`
	Name           string                `json:"name"`
	Category       string                `json:"category,omitempty"`
	Kind           Kind                  `json:"kind"`
	SessionCount   int                   `json:"session_count,omitempty"`
	ValidDays      int                   `json:"valid_days,omitempty"`
	Items          []PackageItemTemplate `json:"items,omitempty"`
	PriceCents     int64                 `json:"price_cents"`
	DefaultCoachID *uuid.UUID            `json:"default_coach_id,omitempty"`
}

// Entitlement is a purchased pass owned by a member. Construction goes through
// NewEntitlement so downstream code can rely on the invariants instead of
// defending against half-initialized rows.
type Entitlement struct {
	ID              uuid.UUID     `json:"id"`
	MemberID        uuid.UUID     `json:"member_id"`
	ProductID       uuid.UUID     `json:"product_id"`
	ProductName     string        `json:"product_name"`
	Category        string        `json:"category,omitempty"`
	Kind            Kind          `json:"kind"`
	TotalCount      int           `json:"total_count,omitempty"`
	RemainingCount  *int          `json:"remaining_count,omitempty"`
	Items           []PackageItem `json:"items,omitempty"`
	AssignedCoachID *uuid.UUID    `json:"assigned_coach_id,omitempty"`
	PurchaseDate    time.Time     `json:"purchase_date"`
	ExpiryDate      *time.Time    `json:"expiry_date,omitempty"`
	Status          Status        `json:"status"`
	Version         int           `json:"version"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// NewEntitlement builds the entitlement granted by purchasing product p.
// Sub-item quantities and the remaining count are initialized from the
// product's nominal counts. The coach is taken from coachID only; the
// product's default coach is never backfilled here.
func NewEntitlement(memberID uuid.UUID, p *Product, coachID *uuid.UUID, now time.Time) (*Entitlement, error) {
	if memberID == uuid.Nil {
		return nil, ErrInvalidInput
	}
	if p == nil || p.ID == uuid.Nil {
		return nil, ErrInvalidInput
	}

	e := &Entitlement{
		ID:              uuid.New(),
		MemberID:        memberID,
		ProductID:       p.ID,
		ProductName:     p.Name,
		Category:        p.Category,
		Kind:            p.Kind,
		AssignedCoachID: coachID,
		PurchaseDate:    now,
		Status:          StatusActive,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	switch p.Kind {
	case KindSimpleCount:
		if p.SessionCount <= 0 {
			return nil, ErrInvalidInput
		}
		e.TotalCount = p.SessionCount
		remaining := p.SessionCount
		e.RemainingCount = &remaining
	case KindItemizedPackage:
		if len(p.Items) == 0 {
			return nil, ErrInvalidInput
		}
		total := 0
		items := make([]PackageItem, 0, len(p.Items))
		for _, tmpl := range p.Items {
			if tmpl.Name == "" || tmpl.Quantity <= 0 {
				return nil, ErrInvalidInput
			}
			items = append(items, PackageItem{
				Name:              tmpl.Name,
				TotalQuantity:     tmpl.Quantity,
				RemainingQuantity: tmpl.Quantity,
			})
			total += tmpl.Quantity
		}
		e.Items = items
		e.TotalCount = total
		remaining := total
		e.RemainingCount = &remaining
	case KindTimeLimited:
		if p.ValidDays <= 0 {
			return nil, ErrInvalidInput
		}
	default:
		return nil, ErrInvalidInput
	}

	if p.ValidDays > 0 {
		expiry := now.AddDate(0, 0, p.ValidDays)
		e.ExpiryDate = &expiry
	}

	return e, nil
}

// Remaining returns the cached balance, or ok=false when it was never
// initialized and must be reconciled from history first.
func (e *Entitlement) Remaining() (int, bool) {
	if e.RemainingCount == nil {
		return 0, false
	}
	return *e.RemainingCount, true
}

// ItemSum is the sum of sub-item remainders. Meaningful for itemized packages
// only; the invariant is ItemSum == *RemainingCount whenever both exist.
func (e *Entitlement) ItemSum() int {
	sum := 0
	for _, it := range e.Items {
		sum += it.RemainingQuantity
	}
	return sum
}

// TimeBounded reports whether the entitlement carries a validity window.
func (e *Entitlement) TimeBounded() bool {
	return e.ExpiryDate != nil
}

// ExpiredAt reports whether the validity window has elapsed at t.
func (e *Entitlement) ExpiredAt(t time.Time) bool {
	return e.ExpiryDate != nil && e.ExpiryDate.Before(t)
}

// setRemaining updates the cached balance and flips the status for countable
// passes: zero balance means used up, credit on a used-up pass reactivates it.
// An expired pass stays expired; that transition is one-way.
func (e *Entitlement) setRemaining(n int) {
	if n < 0 {
		n = 0
	}
	e.RemainingCount = &n
	if e.Status == StatusExpired {
		return
	}
	if n == 0 && e.Kind.Countable() {
		e.Status = StatusUsedUp
	} else if n > 0 && e.Status == StatusUsedUp {
		e.Status = StatusActive
	}
}

// MatchesHint reports whether the entitlement's product matches a category
// hint: an explicit category tag match first, otherwise a name substring.
func (e *Entitlement) MatchesHint(hint string) bool {
	if hint == "" {
		return true
	}
	if e.Category != "" && strings.EqualFold(e.Category, hint) {
		return true
	}
	return strings.Contains(strings.ToLower(e.ProductName), strings.ToLower(hint))
}

// Trigger identifies the external event that caused a balance change. The ids
// belong to the booking/attendance/payment collaborators and are opaque here.
type Trigger struct {
	BookingID    *uuid.UUID `json:"booking_id,omitempty"`
	AttendanceID *uuid.UUID `json:"attendance_id,omitempty"`
	PaymentID    *uuid.UUID `json:"payment_id,omitempty"`
	Note         string     `json:"note,omitempty"`
}

// DeductionResult reports a completed deduction.
type DeductionResult struct {
	EntitlementID uuid.UUID `json:"entitlement_id"`
	ItemName      string    `json:"item_name,omitempty"`
	Before        int       `json:"before"`
	After         int       `json:"after"`
}
