// internal/entitlement/lifecycle.go
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"clubpass/internal/ledger"
)

// Grant creates the entitlement purchased from productID. The core record
// and, for countable kinds, its opening CHARGE entry commit in a single
// transaction; payment recording
// is a best-effort follow-up step delegated to the payment collaborator,
// retried by that collaborator rather than rolled into the grant.
func (s *service) Grant(ctx context.Context, memberID, productID uuid.UUID, coachID *uuid.UUID) (*Entitlement, error) {
	ctx, span := s.tracer.Start(ctx, "entitlement.grant",
		trace.WithAttributes(
			attribute.String("member.id", memberID.String()),
			attribute.String("product.id", productID.String()),
		),
	)
	defer span.End()

	exists, err := s.members.MemberExists(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("resolve member: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	product, err := s.products.GetProduct(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("resolve product: %w", err)
	}
	if product == nil {
		return nil, ErrNotFound
	}

	e, err := NewEntitlement(memberID, product, coachID, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.insertTx(ctx, tx, e); err != nil {
		return nil, err
	}
	// Only countable grants open the log; a time-limited pass carries no
	// session credit, and CHARGE amounts stay strictly positive.
	if e.Kind.Countable() {
		entry := ledger.Entry{
			EntitlementID:  e.ID,
			MemberID:       e.MemberID,
			Type:           ledger.TypeCharge,
			ChangeAmount:   e.TotalCount,
			RemainingAfter: e.TotalCount,
			Description:    fmt.Sprintf("granted %s", e.ProductName),
		}
		if _, err := s.ledger.AppendTx(ctx, tx, 1, entry); err != nil {
			return nil, mapLedgerError(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, mapPQError(err)
	}

	// Side-effect step of the grant saga: signal the charge-worthy event.
	// Failure is logged and left to the payment collaborator's retry; it
	// never unwinds the committed grant.
	if product.PriceCents > 0 {
		if err := s.payments.RecordGrantPayment(ctx, memberID, e.ID, productID, product.PriceCents); err != nil {
			log.Printf("grant: payment recording failed for entitlement %s: %v", e.ID, err)
			span.RecordError(err)
		}
	}

	return e, nil
}

// Extend adds credits beyond the nominal total and reactivates a used-up
// pass. The mutation and its CHARGE entry commit together.
func (s *service) Extend(ctx context.Context, entitlementID uuid.UUID, addedCount int) (*Entitlement, error) {
	ctx, span := s.tracer.Start(ctx, "entitlement.extend",
		trace.WithAttributes(
			attribute.String("entitlement.id", entitlementID.String()),
			attribute.Int("added.count", addedCount),
		),
	)
	defer span.End()

	if addedCount <= 0 {
		return nil, ErrInvalidInput
	}

	e, err := s.withBalanceMutation(ctx, entitlementID, func(e *Entitlement) (*ledger.Entry, error) {
		_, after, err := applyExtension(e, addedCount)
		if err != nil {
			return nil, err
		}
		return &ledger.Entry{
			EntitlementID:  e.ID,
			MemberID:       e.MemberID,
			Type:           ledger.TypeCharge,
			ChangeAmount:   addedCount,
			RemainingAfter: after,
			Description:    fmt.Sprintf("extended by %d", addedCount),
		}, nil
	})
	return e, err
}

// Adjust applies a manual correction clamped to [0, totalCount]. A correction
// that clamps to nothing writes no ledger entry.
func (s *service) Adjust(ctx context.Context, entitlementID uuid.UUID, delta int, reason string) (*Entitlement, error) {
	ctx, span := s.tracer.Start(ctx, "entitlement.adjust",
		trace.WithAttributes(
			attribute.String("entitlement.id", entitlementID.String()),
			attribute.Int("delta", delta),
		),
	)
	defer span.End()

	if delta == 0 {
		return nil, ErrInvalidInput
	}
	if !s.adjustLimiter.Allow() {
		return nil, ErrRateLimited
	}

	e, err := s.withBalanceMutation(ctx, entitlementID, func(e *Entitlement) (*ledger.Entry, error) {
		before, after, err := applyAdjustment(e, delta)
		if err != nil {
			return nil, err
		}
		applied := after - before
		if applied == 0 {
			return nil, nil
		}
		desc := reason
		if desc == "" {
			desc = "manual adjustment"
		}
		return &ledger.Entry{
			EntitlementID:  e.ID,
			MemberID:       e.MemberID,
			Type:           ledger.TypeAdjust,
			ChangeAmount:   applied,
			RemainingAfter: after,
			Description:    desc,
		}, nil
	})
	return e, err
}

// withBalanceMutation runs mutate against the row-locked entitlement and
// commits the mutation together with the ledger entry it returns. Retried
// once on a concurrent modification. A balance that was never initialized is
// reconciled before the mutation attempt.
func (s *service) withBalanceMutation(ctx context.Context, entitlementID uuid.UUID, mutate func(*Entitlement) (*ledger.Entry, error)) (*Entitlement, error) {
	attempt := func() (*Entitlement, error) {
		pre, err := s.getByID(ctx, entitlementID)
		if err != nil {
			return nil, err
		}
		if _, ok := pre.Remaining(); !ok && pre.Kind.Countable() {
			if _, err := s.reconcile(ctx, pre); err != nil {
				return nil, err
			}
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("begin transaction: %w", err)
		}
		defer tx.Rollback()

		e, err := s.getForUpdateTx(ctx, tx, entitlementID)
		if err != nil {
			return nil, err
		}
		entry, err := mutate(e)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			seq, err := s.ledger.CurrentSequenceTx(ctx, tx, e.ID)
			if err != nil {
				return nil, err
			}
			if _, err := s.ledger.AppendTx(ctx, tx, seq+1, *entry); err != nil {
				return nil, mapLedgerError(err)
			}
			if err := s.updateTx(ctx, tx, e); err != nil {
				return nil, err
			}
		}
		if err := tx.Commit(); err != nil {
			return nil, mapPQError(err)
		}
		return e, nil
	}

	e, err := attempt()
	if errors.Is(err, ErrConcurrencyConflict) {
		conflictRetriesTotal.Inc()
		e, err = attempt()
	}
	return e, err
}

// Remove cascades an entitlement away without ever deleting a booking:
// referencing bookings are detached first, then grant-originated payments are
// removed, and finally the ledger log and the entitlement row are deleted in
// one transaction. A failure before the transaction leaves everything
// restorable; a failure inside it rolls the whole deletion back.
func (s *service) Remove(ctx context.Context, entitlementID uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "entitlement.remove",
		trace.WithAttributes(attribute.String("entitlement.id", entitlementID.String())),
	)
	defer span.End()

	e, err := s.getByID(ctx, entitlementID)
	if err != nil {
		return err
	}

	detached, err := s.bookings.DetachEntitlement(ctx, e.ID)
	if err != nil {
		return fmt.Errorf("detach bookings: %w", err)
	}
	span.SetAttributes(attribute.Int("bookings.detached", detached))

	if err := s.payments.DeleteGrantPayments(ctx, e.ID); err != nil {
		return fmt.Errorf("delete grant payments: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	deleted, err := s.ledger.DeleteForEntitlementTx(ctx, tx, e.ID)
	if err != nil {
		return mapPQError(err)
	}
	span.SetAttributes(attribute.Int64("ledger.entries.deleted", deleted))

	res, err := tx.ExecContext(ctx, `DELETE FROM entitlements WHERE id = $1`, e.ID)
	if err != nil {
		return mapPQError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return mapPQError(err)
	}
	return nil
}
