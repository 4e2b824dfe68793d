package ledger_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clubpass/internal/entitlement"
	"clubpass/internal/ledger"
)

// setupTestDB attempts to connect to a PostgreSQL database for testing.
// It skips the test if the connection cannot be established.
func setupTestDB(t testing.TB) *sql.DB {
	t.Helper()

	pgUser := os.Getenv("PGUSER")
	pgPassword := os.Getenv("PGPASSWORD")
	pgHost := os.Getenv("PGHOST")
	pgPort := os.Getenv("PGPORT")
	pgDB := os.Getenv("PGDATABASE")

	if pgUser == "" {
		pgUser = "user"
	}
	if pgPassword == "" {
		pgPassword = "password"
	}
	if pgHost == "" {
		pgHost = "localhost"
	}
	if pgPort == "" {
		pgPort = "5432"
	}
	if pgDB == "" {
		pgDB = "testdb"
	}

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		pgHost, pgPort, pgUser, pgPassword, pgDB)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("failed to open database connection: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Skipf("skipping: could not connect to postgres: %v", err)
	}

	if err := entitlement.Migrate(context.Background(), db); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}

	return db
}

// insertEntitlement seeds the parent row a ledger log hangs off.
func insertEntitlement(t testing.TB, db *sql.DB, memberID uuid.UUID) uuid.UUID {
	t.Helper()

	id := uuid.New()
	_, err := db.Exec(`
		INSERT INTO entitlements
			(id, member_id, product_id, product_name, kind, total_count,
			 remaining_count, purchase_date, status)
		VALUES ($1, $2, $3, 'Test Pass', 'simple_count', 10, 10, NOW(), 'active')
	`, id, memberID, uuid.New())
	if err != nil {
		t.Fatalf("failed to seed entitlement: %v", err)
	}
	return id
}

func TestAppendSequenceConflict(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	store := ledger.NewStore(db)
	ctx := context.Background()

	memberID := uuid.New()
	entitlementID := insertEntitlement(t, db, memberID)

	entry := ledger.Entry{
		EntitlementID:  entitlementID,
		MemberID:       memberID,
		Type:           ledger.TypeCharge,
		ChangeAmount:   10,
		RemainingAfter: 10,
	}

	appended, err := store.Append(ctx, 0, entry)
	require.NoError(t, err)
	assert.Equal(t, 1, appended.Sequence)

	// Re-appending at the same expected sequence must lose.
	_, err = store.Append(ctx, 0, entry)
	assert.ErrorIs(t, err, ledger.ErrConcurrencyConflict)

	seq, err := store.CurrentSequence(ctx, entitlementID)
	require.NoError(t, err)
	assert.Equal(t, 1, seq)
}

func TestAppendTxDuplicateBookingTrigger(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	store := ledger.NewStore(db)
	ctx := context.Background()

	memberID := uuid.New()
	entitlementID := insertEntitlement(t, db, memberID)
	bookingID := uuid.New()

	deduct := ledger.Entry{
		EntitlementID:  entitlementID,
		MemberID:       memberID,
		Type:           ledger.TypeDeduct,
		ChangeAmount:   -1,
		RemainingAfter: 9,
		BookingID:      &bookingID,
	}

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = store.AppendTx(ctx, tx, 1, deduct)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	// Same booking trigger again, next sequence slot: rejected.
	deduct.RemainingAfter = 8
	tx, err = db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = store.AppendTx(ctx, tx, 2, deduct)
	assert.ErrorIs(t, err, ledger.ErrDuplicateTrigger)
}

func TestAppendTxSequenceSlotTaken(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	store := ledger.NewStore(db)
	ctx := context.Background()

	memberID := uuid.New()
	entitlementID := insertEntitlement(t, db, memberID)

	entry := ledger.Entry{
		EntitlementID:  entitlementID,
		MemberID:       memberID,
		Type:           ledger.TypeCharge,
		ChangeAmount:   10,
		RemainingAfter: 10,
	}

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = store.AppendTx(ctx, tx, 1, entry)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx, err = db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = store.AppendTx(ctx, tx, 1, entry)
	assert.ErrorIs(t, err, ledger.ErrConcurrencyConflict)
}

func TestListByEntitlementOrder(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	store := ledger.NewStore(db)
	ctx := context.Background()

	memberID := uuid.New()
	entitlementID := insertEntitlement(t, db, memberID)

	types := []ledger.EntryType{ledger.TypeCharge, ledger.TypeDeduct, ledger.TypeAdjust}
	for i, typ := range types {
		_, err := store.Append(ctx, i, ledger.Entry{
			EntitlementID:  entitlementID,
			MemberID:       memberID,
			Type:           typ,
			ChangeAmount:   1,
			RemainingAfter: 10,
		})
		require.NoError(t, err)
	}

	entries, err := store.ListByEntitlement(ctx, entitlementID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, entry := range entries {
		assert.Equal(t, i+1, entry.Sequence, "log must be ordered oldest first")
		assert.Equal(t, types[i], entry.Type)
	}
}

func TestHistoryByMemberNewestFirstWithLimit(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	store := ledger.NewStore(db)
	ctx := context.Background()

	memberID := uuid.New()
	entitlementID := insertEntitlement(t, db, memberID)

	for i := 0; i < 5; i++ {
		_, err := store.Append(ctx, i, ledger.Entry{
			EntitlementID:  entitlementID,
			MemberID:       memberID,
			Type:           ledger.TypeDeduct,
			ChangeAmount:   -1,
			RemainingAfter: 10 - i,
		})
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}

	entries, err := store.HistoryByMember(ctx, memberID, 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, 5, entries[0].Sequence, "history must be newest first")
	assert.Equal(t, 4, entries[1].Sequence)
}

func TestDeleteForEntitlementTx(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	store := ledger.NewStore(db)
	ctx := context.Background()

	memberID := uuid.New()
	entitlementID := insertEntitlement(t, db, memberID)

	for i := 0; i < 3; i++ {
		_, err := store.Append(ctx, i, ledger.Entry{
			EntitlementID:  entitlementID,
			MemberID:       memberID,
			Type:           ledger.TypeDeduct,
			ChangeAmount:   -1,
			RemainingAfter: 10 - i,
		})
		require.NoError(t, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	deleted, err := store.DeleteForEntitlementTx(ctx, tx, entitlementID)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.EqualValues(t, 3, deleted)

	entries, err := store.ListByEntitlement(ctx, entitlementID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func BenchmarkAppend(b *testing.B) {
	db := setupTestDB(b)
	defer db.Close()
	store := ledger.NewStore(db)
	ctx := context.Background()

	memberID := uuid.New()
	entitlementID := insertEntitlement(b, db, memberID)

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, err := store.Append(ctx, i, ledger.Entry{
			EntitlementID:  entitlementID,
			MemberID:       memberID,
			Type:           ledger.TypeDeduct,
			ChangeAmount:   -1,
			RemainingAfter: 1,
		})
		if err != nil {
			b.Fatalf("Append failed: %v", err)
		}
	}
}
