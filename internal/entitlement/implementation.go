// internal/entitlement/implementation.go
package entitlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"clubpass/internal/ledger"
)

// service implements the Service interface.
type service struct {
	db       *sql.DB
	ledger   *ledger.Store
	members  MemberDirectory
	products ProductCatalog
	bookings BookingDirectory
	payments PaymentDelegate

	tracer        trace.Tracer
	adjustLimiter *rate.Limiter
}

// NewService creates the entitlement engine.
func NewService(db *sql.DB, ls *ledger.Store, members MemberDirectory, products ProductCatalog, bookings BookingDirectory, payments PaymentDelegate) Service {
	return &service{
		db:            db,
		ledger:        ls,
		members:       members,
		products:      products,
		bookings:      bookings,
		payments:      payments,
		tracer:        otel.Tracer("clubpass/entitlement"),
		adjustLimiter: rate.NewLimiter(rate.Every(1*time.Second), 10),
	}
}

// Consume resolves which entitlement to debit and performs the deduction in
// one atomic unit of work with its ledger entry. A concurrent modification is
// retried exactly once with a fresh read before surfacing.
func (s *service) Consume(ctx context.Context, memberID uuid.UUID, categoryHint string, preselectedID *uuid.UUID, trig Trigger) (*DeductionResult, error) {
	ctx, span := s.tracer.Start(ctx, "entitlement.consume",
		trace.WithAttributes(
			attribute.String("member.id", memberID.String()),
			attribute.String("category.hint", categoryHint),
		),
	)
	defer span.End()

	timer := prometheus.NewTimer(consumeDuration)
	defer timer.ObserveDuration()

	res, err := s.consumeOnce(ctx, memberID, categoryHint, preselectedID, trig)
	if errors.Is(err, ErrConcurrencyConflict) {
		conflictRetriesTotal.Inc()
		span.AddEvent("conflict.retry")
		res, err = s.consumeOnce(ctx, memberID, categoryHint, preselectedID, trig)
	}

	switch {
	case err == nil:
		deductionsTotal.WithLabelValues("deducted").Inc()
	case errors.Is(err, ErrNoEligibleEntitlement):
		deductionsTotal.WithLabelValues("skipped").Inc()
	case IsRejection(err):
		deductionsTotal.WithLabelValues("rejected").Inc()
	case errors.Is(err, ErrConcurrencyConflict):
		deductionsTotal.WithLabelValues("conflict").Inc()
	default:
		deductionsTotal.WithLabelValues("error").Inc()
	}
	return res, err
}

func (s *service) consumeOnce(ctx context.Context, memberID uuid.UUID, categoryHint string, preselectedID *uuid.UUID, trig Trigger) (*DeductionResult, error) {
	now := time.Now().UTC()
	if err := s.sweepExpired(ctx, memberID); err != nil {
		return nil, err
	}

	target, preselected, err := s.selectTarget(ctx, memberID, categoryHint, preselectedID, now)
	if err != nil {
		return nil, err
	}

	// A never-initialized balance is repaired from history before the
	// deduction proceeds.
	if _, ok := target.Remaining(); !ok && target.Kind == KindSimpleCount {
		if _, err := s.reconcile(ctx, target); err != nil {
			return nil, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Re-read under the row lock: the entitlement row is the serialization
	// point for everything that touches its balance.
	e, err := s.getForUpdateTx(ctx, tx, target.ID)
	if err != nil {
		return nil, err
	}
	if !Consumable(e, now) {
		if preselected {
			return nil, ErrInvalidState
		}
		// The candidate drained between selection and lock; a retry
		// re-selects from what is left.
		return nil, ErrConcurrencyConflict
	}

	res, err := applyDeduction(e, categoryHint, now)
	if err != nil {
		return nil, err
	}

	seq, err := s.ledger.CurrentSequenceTx(ctx, tx, e.ID)
	if err != nil {
		return nil, err
	}
	entry := ledger.Entry{
		EntitlementID:  e.ID,
		MemberID:       e.MemberID,
		Type:           ledger.TypeDeduct,
		ChangeAmount:   -1,
		RemainingAfter: res.After,
		BookingID:      trig.BookingID,
		AttendanceID:   trig.AttendanceID,
		Description:    deductionDescription(res, trig),
	}
	if _, err := s.ledger.AppendTx(ctx, tx, seq+1, entry); err != nil {
		return nil, mapLedgerError(err)
	}

	if err := s.updateTx(ctx, tx, e); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, mapPQError(err)
	}
	return res, nil
}

// selectTarget honors a preselected entitlement when it is usable, otherwise
// falls back to automatic selection over the member's active countable passes.
func (s *service) selectTarget(ctx context.Context, memberID uuid.UUID, categoryHint string, preselectedID *uuid.UUID, now time.Time) (*Entitlement, bool, error) {
	if preselectedID != nil {
		e, err := s.getByID(ctx, *preselectedID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
		if e != nil && e.MemberID == memberID && Consumable(e, now) {
			return e, true, nil
		}
		// Unusable preselection falls back to automatic selection.
	}

	candidates, err := s.listActiveCountable(ctx, memberID)
	if err != nil {
		return nil, false, err
	}
	chosen := SelectCandidate(candidates, categoryHint, now)
	if chosen == nil {
		return nil, false, ErrNoEligibleEntitlement
	}
	return chosen, false, nil
}

// Balance returns a trustworthy remaining count, reconciling when the cached
// value is missing.
func (s *service) Balance(ctx context.Context, entitlementID uuid.UUID) (int, error) {
	ctx, span := s.tracer.Start(ctx, "entitlement.balance",
		trace.WithAttributes(attribute.String("entitlement.id", entitlementID.String())),
	)
	defer span.End()

	e, err := s.Get(ctx, entitlementID)
	if err != nil {
		return 0, err
	}
	if !e.Kind.Countable() {
		return 0, ErrInvalidState
	}
	if remaining, ok := e.Remaining(); ok {
		return remaining, nil
	}
	return s.reconcile(ctx, e)
}

// History returns a member's ledger entries, most recent first.
func (s *service) History(ctx context.Context, memberID uuid.UUID, limit int) ([]ledger.Entry, error) {
	return s.ledger.HistoryByMember(ctx, memberID, limit)
}

// Get loads one entitlement, lazily flipping it to expired when its validity
// window has elapsed.
func (s *service) Get(ctx context.Context, entitlementID uuid.UUID) (*Entitlement, error) {
	e, err := s.getByID(ctx, entitlementID)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusExpired && e.ExpiredAt(time.Now().UTC()) {
		if err := s.expireOne(ctx, e.ID); err != nil {
			return nil, err
		}
		return s.getByID(ctx, entitlementID)
	}
	return e, nil
}

// ListByMember returns all of a member's entitlements, expiry-swept.
func (s *service) ListByMember(ctx context.Context, memberID uuid.UUID) ([]*Entitlement, error) {
	if err := s.sweepExpired(ctx, memberID); err != nil {
		return nil, err
	}
	return s.listByMember(ctx, memberID)
}

// persistence helpers

const entitlementColumns = `
	id, member_id, product_id, product_name, category, kind, total_count,
	remaining_count, items, assigned_coach_id, purchase_date, expiry_date,
	status, version, created_at, updated_at`

func (s *service) getByID(ctx context.Context, id uuid.UUID) (*Entitlement, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entitlementColumns+`
		FROM entitlements
		WHERE id = $1
	`, id)
	return scanEntitlement(row)
}

func (s *service) getForUpdateTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*Entitlement, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+entitlementColumns+`
		FROM entitlements
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanEntitlement(row)
}

func (s *service) listByMember(ctx context.Context, memberID uuid.UUID) ([]*Entitlement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entitlementColumns+`
		FROM entitlements
		WHERE member_id = $1
		ORDER BY purchase_date ASC
	`, memberID)
	if err != nil {
		return nil, fmt.Errorf("query entitlements: %w", err)
	}
	defer rows.Close()
	return scanEntitlements(rows)
}

func (s *service) listActiveCountable(ctx context.Context, memberID uuid.UUID) ([]*Entitlement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entitlementColumns+`
		FROM entitlements
		WHERE member_id = $1
		  AND status = 'active'
		  AND kind IN ('simple_count', 'itemized_package')
	`, memberID)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer rows.Close()
	return scanEntitlements(rows)
}

// sweepExpired lazily flips passes whose validity window elapsed. One-way.
func (s *service) sweepExpired(ctx context.Context, memberID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE entitlements
		SET status = 'expired', updated_at = NOW(), version = version + 1
		WHERE member_id = $1
		  AND expiry_date IS NOT NULL
		  AND expiry_date < NOW()
		  AND status <> 'expired'
	`, memberID)
	if err != nil {
		return fmt.Errorf("sweep expired: %w", err)
	}
	return nil
}

func (s *service) insertTx(ctx context.Context, tx *sql.Tx, e *Entitlement) error {
	itemsJSON, err := marshalItems(e.Items)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO entitlements
			(id, member_id, product_id, product_name, category, kind, total_count,
			 remaining_count, items, assigned_coach_id, purchase_date, expiry_date,
			 status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		e.ID, e.MemberID, e.ProductID, e.ProductName, e.Category, e.Kind,
		e.TotalCount, e.RemainingCount, itemsJSON, e.AssignedCoachID,
		e.PurchaseDate, e.ExpiryDate, e.Status, e.Version, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return mapPQError(err)
	}
	return nil
}

// updateTx persists e's mutated balance state with an optimistic version
// check; a lost race surfaces as ErrConcurrencyConflict.
func (s *service) updateTx(ctx context.Context, tx *sql.Tx, e *Entitlement) error {
	itemsJSON, err := marshalItems(e.Items)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE entitlements
		SET remaining_count = $2, items = $3, status = $4, updated_at = $5,
		    version = version + 1
		WHERE id = $1 AND version = $6
	`, e.ID, e.RemainingCount, itemsJSON, e.Status, e.UpdatedAt, e.Version)
	if err != nil {
		return mapPQError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrConcurrencyConflict
	}
	e.Version++
	return nil
}

// writeRepairedBalance persists a reconciled balance, but only while the row's
// cache is still uninitialized. The predicate stops a stale repair from
// overwriting a balance another writer committed in the meantime; callers
// re-read the row when the write does not apply.
func (s *service) writeRepairedBalance(ctx context.Context, e *Entitlement) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE entitlements
		SET remaining_count = $2, status = $3, updated_at = NOW(),
		    version = version + 1
		WHERE id = $1 AND remaining_count IS NULL
	`, e.ID, e.RemainingCount, e.Status)
	if err != nil {
		return false, mapPQError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}
	e.Version++
	return true, nil
}

// expireOne flips a single pass to expired. The predicate repeats the window
// check so the flip never clobbers state written by a concurrent mutation.
func (s *service) expireOne(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE entitlements
		SET status = 'expired', updated_at = NOW(), version = version + 1
		WHERE id = $1
		  AND expiry_date IS NOT NULL
		  AND expiry_date < NOW()
		  AND status <> 'expired'
	`, id)
	if err != nil {
		return fmt.Errorf("expire entitlement: %w", err)
	}
	return nil
}

func marshalItems(items []PackageItem) ([]byte, error) {
	if len(items) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("marshal package items: %w", err)
	}
	return b, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntitlement(row rowScanner) (*Entitlement, error) {
	var (
		e         Entitlement
		itemsJSON []byte
	)
	err := row.Scan(
		&e.ID,
		&e.MemberID,
		&e.ProductID,
		&e.ProductName,
		&e.Category,
		&e.Kind,
		&e.TotalCount,
		&e.RemainingCount,
		&itemsJSON,
		&e.AssignedCoachID,
		&e.PurchaseDate,
		&e.ExpiryDate,
		&e.Status,
		&e.Version,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan entitlement: %w", err)
	}
	if len(itemsJSON) > 0 {
		if err := json.Unmarshal(itemsJSON, &e.Items); err != nil {
			return nil, fmt.Errorf("unmarshal package items: %w", err)
		}
	}
	return &e, nil
}

func scanEntitlements(rows *sql.Rows) ([]*Entitlement, error) {
	var out []*Entitlement
	for rows.Next() {
		e, err := scanEntitlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entitlements: %w", err)
	}
	return out, nil
}

// error mapping

func mapLedgerError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrDuplicateTrigger):
		return ErrDuplicateTrigger
	case errors.Is(err, ledger.ErrConcurrencyConflict):
		return ErrConcurrencyConflict
	default:
		return err
	}
}

func mapPQError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001": // serialization_failure
			return ErrConcurrencyConflict
		case "23505": // unique_violation
			return ErrConcurrencyConflict
		case "23503": // foreign_key_violation
			return ErrCascadeIntegrity
		}
	}
	return err
}

func deductionDescription(res *DeductionResult, trig Trigger) string {
	switch {
	case trig.Note != "":
		return trig.Note
	case res.ItemName != "":
		return fmt.Sprintf("check-in: %s", res.ItemName)
	default:
		return "check-in"
	}
}
