package entitlement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestUsageCountsUsed(t *testing.T) {
	assert.Equal(t, 3, UsageCounts{ConfirmedBookings: 3, CheckedInAttendances: 2}.Used())
	assert.Equal(t, 4, UsageCounts{ConfirmedBookings: 1, CheckedInAttendances: 4}.Used())
	assert.Equal(t, 0, UsageCounts{}.Used())
}

func TestReconcileRemaining(t *testing.T) {
	tests := []struct {
		name           string
		total          int
		productNominal int
		usage          UsageCounts
		want           int
	}{
		{
			name:  "history-supported usage",
			total: 10,
			usage: UsageCounts{ConfirmedBookings: 3, CheckedInAttendances: 2},
			want:  7,
		},
		{
			name:  "attendance wins over bookings",
			total: 10,
			usage: UsageCounts{ConfirmedBookings: 2, CheckedInAttendances: 5},
			want:  5,
		},
		{
			name:  "over-consumed floors at zero",
			total: 4,
			usage: UsageCounts{CheckedInAttendances: 9},
			want:  0,
		},
		{
			name:           "missing total falls back to product nominal",
			total:          0,
			productNominal: 8,
			usage:          UsageCounts{ConfirmedBookings: 3},
			want:           5,
		},
		{
			name:  "missing total and product falls back to default",
			total: 0,
			usage: UsageCounts{ConfirmedBookings: 4},
			want:  6,
		},
		{
			name:  "untouched pass keeps full balance",
			total: 12,
			want:  12,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Entitlement{Kind: KindSimpleCount, TotalCount: tt.total}
			got := ReconcileRemaining(e, tt.productNominal, tt.usage)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReconcileRemainingIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		e := &Entitlement{
			Kind:       KindSimpleCount,
			TotalCount: rapid.IntRange(0, 50).Draw(t, "total"),
		}
		nominal := rapid.IntRange(0, 50).Draw(t, "nominal")
		usage := UsageCounts{
			ConfirmedBookings:    rapid.IntRange(0, 60).Draw(t, "bookings"),
			CheckedInAttendances: rapid.IntRange(0, 60).Draw(t, "attendances"),
		}

		first := ReconcileRemaining(e, nominal, usage)
		second := ReconcileRemaining(e, nominal, usage)

		assert.Equal(t, first, second, "same inputs must converge on the same balance")
		assert.GreaterOrEqual(t, first, 0)
	})
}
