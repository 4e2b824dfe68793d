// internal/ledger/ledger.go
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrConcurrencyConflict = errors.New("ledger: concurrency conflict: sequence mismatch")
	ErrDuplicateTrigger    = errors.New("ledger: trigger reference already recorded")
	ErrEntryNotFound       = errors.New("ledger: entry not found")
)

// EntryType is the accounting direction of a ledger entry.
type EntryType string

const (
	// TypeCharge records credit added by a grant or extension.
	TypeCharge EntryType = "CHARGE"
	// TypeDeduct records one consumed session.
	TypeDeduct EntryType = "DEDUCT"
	// TypeAdjust records a manual correction, positive or negative.
	TypeAdjust EntryType = "ADJUST"
)

// Entry is one immutable balance-changing event against an entitlement.
// Corrections are new entries, never edits.
type Entry struct {
	ID             int64      `json:"id"`
	EntitlementID  uuid.UUID  `json:"entitlement_id"`
	MemberID       uuid.UUID  `json:"member_id"`
	Type           EntryType  `json:"type"`
	ChangeAmount   int        `json:"change_amount"`
	RemainingAfter int        `json:"remaining_after"`
	BookingID      *uuid.UUID `json:"booking_id,omitempty"`
	AttendanceID   *uuid.UUID `json:"attendance_id,omitempty"`
	PaymentID      *uuid.UUID `json:"payment_id,omitempty"`
	Description    string     `json:"description,omitempty"`
	Sequence       int        `json:"sequence"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Store is the append-only ledger. Entries for one entitlement form a strictly
// ordered log keyed by sequence number; appends carry the appender's expected
// sequence so two writers cannot both extend the same log position.
type Store struct {
	db     *sql.DB
	tracer trace.Tracer
}

// NewStore creates a ledger store on an open Postgres handle.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:     db,
		tracer: otel.Tracer("clubpass/ledger"),
	}
}

// Append atomically appends one entry in its own serializable transaction.
// Used by callers that have no surrounding unit of work.
func (s *Store) Append(ctx context.Context, expectedSeq int, entry Entry) (*Entry, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.append",
		trace.WithAttributes(
			attribute.String("entitlement.id", entry.EntitlementID.String()),
			attribute.String("entry.type", string(entry.Type)),
			attribute.Int("expected.sequence", expectedSeq),
		),
	)
	defer span.End()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var currentSeq int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0)
		FROM ledger_entries
		WHERE entitlement_id = $1
	`, entry.EntitlementID).Scan(&currentSeq)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("query current sequence: %w", err)
	}

	if currentSeq != expectedSeq {
		span.SetAttributes(
			attribute.Int("actual.sequence", currentSeq),
			attribute.Bool("conflict.detected", true),
		)
		return nil, ErrConcurrencyConflict
	}

	appended, err := s.insert(ctx, tx, expectedSeq+1, entry)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	span.SetAttributes(attribute.Bool("append.success", true))
	return appended, nil
}

// AppendTx appends one entry inside the caller's transaction, so the entry
// commits together with the entitlement mutation it records, or not at all.
// The sequence slot is claimed optimistically; a unique-constraint violation
// from a concurrent writer surfaces as ErrConcurrencyConflict.
func (s *Store) AppendTx(ctx context.Context, tx *sql.Tx, sequence int, entry Entry) (*Entry, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.append_tx",
		trace.WithAttributes(
			attribute.String("entitlement.id", entry.EntitlementID.String()),
			attribute.String("entry.type", string(entry.Type)),
			attribute.Int("entry.sequence", sequence),
		),
	)
	defer span.End()

	return s.insert(ctx, tx, sequence, entry)
}

func (s *Store) insert(ctx context.Context, tx *sql.Tx, sequence int, entry Entry) (*Entry, error) {
	entry.Sequence = sequence
	entry.CreatedAt = time.Now().UTC()

	err := tx.QueryRowContext(ctx, `
		INSERT INTO ledger_entries
			(entitlement_id, member_id, entry_type, change_amount, remaining_after,
			 booking_id, attendance_id, payment_id, description, sequence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`,
		entry.EntitlementID,
		entry.MemberID,
		entry.Type,
		entry.ChangeAmount,
		entry.RemainingAfter,
		entry.BookingID,
		entry.AttendanceID,
		entry.PaymentID,
		entry.Description,
		entry.Sequence,
		entry.CreatedAt,
	).Scan(&entry.ID)

	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			if pqErr.Constraint == "uq_ledger_deduct_trigger" {
				return nil, ErrDuplicateTrigger
			}
			return nil, ErrConcurrencyConflict
		}
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}

	return &entry, nil
}

// CurrentSequence returns the latest sequence number for an entitlement.
func (s *Store) CurrentSequence(ctx context.Context, entitlementID uuid.UUID) (int, error) {
	return currentSequence(ctx, s.db, entitlementID)
}

// CurrentSequenceTx reads the latest sequence inside the caller's transaction,
// after the caller has locked the entitlement row.
func (s *Store) CurrentSequenceTx(ctx context.Context, tx *sql.Tx, entitlementID uuid.UUID) (int, error) {
	return currentSequence(ctx, tx, entitlementID)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func currentSequence(ctx context.Context, q rowQuerier, entitlementID uuid.UUID) (int, error) {
	var seq int
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0)
		FROM ledger_entries
		WHERE entitlement_id = $1
	`, entitlementID).Scan(&seq)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("query sequence: %w", err)
	}
	return seq, nil
}

// ListByEntitlement returns the full log for one entitlement, oldest first.
func (s *Store) ListByEntitlement(ctx context.Context, entitlementID uuid.UUID) ([]Entry, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.list",
		trace.WithAttributes(attribute.String("entitlement.id", entitlementID.String())),
	)
	defer span.End()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entitlement_id, member_id, entry_type, change_amount, remaining_after,
		       booking_id, attendance_id, payment_id, description, sequence, created_at
		FROM ledger_entries
		WHERE entitlement_id = $1
		ORDER BY sequence ASC
	`, entitlementID)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("entries.loaded", len(entries)))
	return entries, nil
}

// HistoryByMember returns a member's entries across all entitlements,
// most recent first.
func (s *Store) HistoryByMember(ctx context.Context, memberID uuid.UUID, limit int) ([]Entry, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.history",
		trace.WithAttributes(
			attribute.String("member.id", memberID.String()),
			attribute.Int("limit", limit),
		),
	)
	defer span.End()

	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entitlement_id, member_id, entry_type, change_amount, remaining_after,
		       booking_id, attendance_id, payment_id, description, sequence, created_at
		FROM ledger_entries
		WHERE member_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, memberID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("entries.loaded", len(entries)))
	return entries, nil
}

// DeleteForEntitlementTx removes an entitlement's entire log inside the
// caller's cascade-removal transaction. Only that cascade may delete entries.
func (s *Store) DeleteForEntitlementTx(ctx context.Context, tx *sql.Tx, entitlementID uuid.UUID) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		DELETE FROM ledger_entries WHERE entitlement_id = $1
	`, entitlementID)
	if err != nil {
		return 0, fmt.Errorf("delete entries: %w", err)
	}
	return res.RowsAffected()
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		err := rows.Scan(
			&e.ID,
			&e.EntitlementID,
			&e.MemberID,
			&e.Type,
			&e.ChangeAmount,
			&e.RemainingAfter,
			&e.BookingID,
			&e.AttendanceID,
			&e.PaymentID,
			&e.Description,
			&e.Sequence,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}
