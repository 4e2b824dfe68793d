// internal/chaos/experiments.go
package chaos

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RegisterExperiments registers the standing game-day scenarios.
func (e *Engine) RegisterExperiments() {
	e.Register(e.ConcurrentConsumeRaceExperiment())
	e.Register(e.DuplicateTriggerExperiment())
	e.Register(e.BookingServiceOutageExperiment())
}

// balanceConsistency counts entitlements whose cached balance is negative,
// exceeds the nominal total plus extensions, or disagrees with the latest
// ledger snapshot. Zero is the only acceptable value.
func (e *Engine) balanceConsistency() Metric {
	return Metric{
		Name: "balance_consistency",
		Query: func(ctx context.Context) (float64, error) {
			var inconsistencies int
			err := e.db.QueryRowContext(ctx, `
				SELECT COUNT(*)
				FROM entitlements ent
				LEFT JOIN LATERAL (
					SELECT remaining_after
					FROM ledger_entries
					WHERE entitlement_id = ent.id
					ORDER BY sequence DESC
					LIMIT 1
				) latest ON true
				WHERE ent.remaining_count < 0
				   OR (latest.remaining_after IS NOT NULL
				       AND ent.remaining_count IS NOT NULL
				       AND ent.remaining_count <> latest.remaining_after)
			`).Scan(&inconsistencies)
			return float64(inconsistencies), err
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}

// ConcurrentConsumeRaceExperiment fires many simultaneous check-in deductions
// at the same member and verifies the ledger never over-deducts.
func (e *Engine) ConcurrentConsumeRaceExperiment() Experiment {
	memberID := uuid.New()

	return Experiment{
		Name:        "concurrent-consume-race",
		Hypothesis:  "Row locking keeps balances and ledger snapshots consistent under concurrent check-ins",
		SteadyState: []Metric{e.balanceConsistency()},
		Method: []Action{
			{
				Type:   "concurrent-requests",
				Target: "passes-service",
				Execute: func(ctx context.Context) error {
					var wg sync.WaitGroup
					for i := 0; i < 50; i++ {
						wg.Add(1)
						go func() {
							defer wg.Done()
							bookingID := uuid.New()
							e.postConsume(ctx, memberID, &bookingID)
						}()
					}
					wg.Wait()
					return nil
				},
			},
		},
		Rollback: []Action{},
		Validation: []Assertion{
			{
				Metric:    "balance_consistency",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "No balance may drift from its ledger snapshot",
			},
		},
		Duration:    30 * time.Second,
		BlastRadius: 0.1,
	}
}

// DuplicateTriggerExperiment replays the same booking trigger many times and
// verifies exactly one DEDUCT entry lands.
func (e *Engine) DuplicateTriggerExperiment() Experiment {
	memberID := uuid.New()
	bookingID := uuid.New()

	duplicateDeducts := Metric{
		Name: "duplicate_deducts",
		Query: func(ctx context.Context) (float64, error) {
			var duplicates int
			err := e.db.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM (
					SELECT booking_id
					FROM ledger_entries
					WHERE entry_type = 'DEDUCT' AND booking_id IS NOT NULL
					GROUP BY booking_id
					HAVING COUNT(*) > 1
				) dup
			`).Scan(&duplicates)
			return float64(duplicates), err
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}

	return Experiment{
		Name:        "duplicate-trigger-replay",
		Hypothesis:  "Replaying a booking trigger deducts at most once",
		SteadyState: []Metric{duplicateDeducts},
		Method: []Action{
			{
				Type:   "replay-trigger",
				Target: "passes-service",
				Execute: func(ctx context.Context) error {
					var wg sync.WaitGroup
					for i := 0; i < 20; i++ {
						wg.Add(1)
						go func() {
							defer wg.Done()
							e.postConsume(ctx, memberID, &bookingID)
						}()
					}
					wg.Wait()
					return nil
				},
			},
		},
		Rollback: []Action{},
		Validation: []Assertion{
			{
				Metric:    "duplicate_deducts",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "A booking trigger must never produce two DEDUCT entries",
			},
		},
		Duration:    30 * time.Second,
		BlastRadius: 0.1,
	}
}

// BookingServiceOutageExperiment verifies reconciliation degrades to a
// zero-usage read instead of failing check-ins when the booking service is
// unreachable.
func (e *Engine) BookingServiceOutageExperiment() Experiment {
	return Experiment{
		Name:        "booking-service-outage",
		Hypothesis:  "Check-in deductions keep succeeding while the usage history source is down",
		SteadyState: []Metric{e.balanceConsistency()},
		Method: []Action{
			{
				Type:   "network-partition",
				Target: "booking-service",
				Execute: func(ctx context.Context) error {
					// In production: apply a NetworkPolicy blocking booking traffic.
					return nil
				},
			},
		},
		Rollback: []Action{
			{
				Type:   "restore-network",
				Target: "booking-service",
				Execute: func(ctx context.Context) error {
					return nil
				},
			},
		},
		Validation: []Assertion{
			{
				Metric:    "balance_consistency",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Degraded reads must not corrupt balances",
			},
		},
		Duration:    2 * time.Minute,
		BlastRadius: 0.3,
	}
}

func (e *Engine) postConsume(ctx context.Context, memberID uuid.UUID, bookingID *uuid.UUID) {
	payload := struct {
		MemberID  uuid.UUID  `json:"member_id"`
		BookingID *uuid.UUID `json:"booking_id,omitempty"`
	}{MemberID: memberID, BookingID: bookingID}

	body, err := json.Marshal(payload)
	if err != nil {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/consume", e.serviceURL), bytes.NewBuffer(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}
