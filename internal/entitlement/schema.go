// internal/entitlement/schema.go
package entitlement

import (
	"context"
	"database/sql"
	"fmt"
)

// Migrations returns the schema statements for the entitlement engine.
// Each string is a single statement, executed in order.
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS entitlements (
			id                UUID PRIMARY KEY,
			member_id         UUID NOT NULL,
			product_id        UUID NOT NULL,
			product_name      TEXT NOT NULL,
			category          TEXT NOT NULL DEFAULT '',
			kind              TEXT NOT NULL,
			total_count       INT NOT NULL DEFAULT 0,
			remaining_count   INT,
			items             JSONB,
			assigned_coach_id UUID,
			purchase_date     TIMESTAMPTZ NOT NULL,
			expiry_date       TIMESTAMPTZ,
			status            TEXT NOT NULL DEFAULT 'active',
			version           INT NOT NULL DEFAULT 1,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_remaining_non_negative CHECK (remaining_count IS NULL OR remaining_count >= 0)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entitlements_member ON entitlements(member_id, status)`,

		// Append-only ledger. One log per entitlement, strictly ordered by
		// sequence; the unique constraint is what turns two concurrent
		// appends into a detectable conflict instead of a lost update.
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id              BIGSERIAL PRIMARY KEY,
			entitlement_id  UUID NOT NULL REFERENCES entitlements(id),
			member_id       UUID NOT NULL,
			entry_type      TEXT NOT NULL,
			change_amount   INT NOT NULL,
			remaining_after INT NOT NULL,
			booking_id      UUID,
			attendance_id   UUID,
			payment_id      UUID,
			description     TEXT NOT NULL DEFAULT '',
			sequence        INT NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (entitlement_id, sequence)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_member ON ledger_entries(member_id, created_at DESC)`,

		// At most one deduction per triggering booking.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_ledger_deduct_trigger
			ON ledger_entries(booking_id)
			WHERE entry_type = 'DEDUCT' AND booking_id IS NOT NULL`,
	}
}

// Migrate applies the schema. Statements are idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range Migrations() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
