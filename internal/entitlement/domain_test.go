package entitlement

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProduct(kind Kind) *Product {
	p := &Product{
		ID:   uuid.New(),
		Name: "10er Karte Krafttraining",
		Kind: kind,
	}
	switch kind {
	case KindSimpleCount:
		p.SessionCount = 10
	case KindItemizedPackage:
		p.Items = []PackageItemTemplate{
			{Name: "Krafttraining", Quantity: 6},
			{Name: "Yoga", Quantity: 4},
		}
	case KindTimeLimited:
		p.ValidDays = 30
	}
	return p
}

func TestNewEntitlementSimpleCount(t *testing.T) {
	now := time.Now().UTC()
	memberID := uuid.New()

	e, err := NewEntitlement(memberID, testProduct(KindSimpleCount), nil, now)
	require.NoError(t, err)

	assert.Equal(t, memberID, e.MemberID)
	assert.Equal(t, StatusActive, e.Status)
	assert.Equal(t, 10, e.TotalCount)
	remaining, ok := e.Remaining()
	require.True(t, ok)
	assert.Equal(t, 10, remaining)
	assert.Nil(t, e.ExpiryDate)
	assert.Equal(t, 1, e.Version)
}

func TestNewEntitlementItemizedPackage(t *testing.T) {
	now := time.Now().UTC()

	e, err := NewEntitlement(uuid.New(), testProduct(KindItemizedPackage), nil, now)
	require.NoError(t, err)

	assert.Equal(t, 10, e.TotalCount)
	remaining, ok := e.Remaining()
	require.True(t, ok)
	assert.Equal(t, 10, remaining)
	assert.Equal(t, e.ItemSum(), remaining)
	require.Len(t, e.Items, 2)
	assert.Equal(t, 6, e.Items[0].RemainingQuantity)
}

func TestNewEntitlementTimeLimited(t *testing.T) {
	now := time.Now().UTC()

	e, err := NewEntitlement(uuid.New(), testProduct(KindTimeLimited), nil, now)
	require.NoError(t, err)

	_, ok := e.Remaining()
	assert.False(t, ok, "time-limited passes carry no session balance")
	require.NotNil(t, e.ExpiryDate)
	assert.Equal(t, now.AddDate(0, 0, 30), *e.ExpiryDate)
	assert.False(t, e.ExpiredAt(now))
	assert.True(t, e.ExpiredAt(now.AddDate(0, 0, 31)))
}

func TestNewEntitlementCoachExplicitOnly(t *testing.T) {
	now := time.Now().UTC()
	defaultCoach := uuid.New()

	p := testProduct(KindSimpleCount)
	p.DefaultCoachID = &defaultCoach

	e, err := NewEntitlement(uuid.New(), p, nil, now)
	require.NoError(t, err)
	assert.Nil(t, e.AssignedCoachID, "product default coach must not be backfilled")

	explicit := uuid.New()
	e, err = NewEntitlement(uuid.New(), p, &explicit, now)
	require.NoError(t, err)
	require.NotNil(t, e.AssignedCoachID)
	assert.Equal(t, explicit, *e.AssignedCoachID)
}

func TestNewEntitlementValidation(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		name     string
		memberID uuid.UUID
		product  *Product
	}{
		{"nil member", uuid.Nil, testProduct(KindSimpleCount)},
		{"nil product", uuid.New(), nil},
		{"zero session count", uuid.New(), &Product{ID: uuid.New(), Kind: KindSimpleCount}},
		{"empty package", uuid.New(), &Product{ID: uuid.New(), Kind: KindItemizedPackage}},
		{"zero validity", uuid.New(), &Product{ID: uuid.New(), Kind: KindTimeLimited}},
		{"unknown kind", uuid.New(), &Product{ID: uuid.New(), Kind: Kind("weird")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEntitlement(tt.memberID, tt.product, nil, now)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestSetRemainingStatusTransitions(t *testing.T) {
	now := time.Now().UTC()
	e, err := NewEntitlement(uuid.New(), testProduct(KindSimpleCount), nil, now)
	require.NoError(t, err)

	e.setRemaining(0)
	assert.Equal(t, StatusUsedUp, e.Status)

	e.setRemaining(3)
	assert.Equal(t, StatusActive, e.Status, "credit reactivates a used-up pass")

	e.Status = StatusExpired
	e.setRemaining(5)
	assert.Equal(t, StatusExpired, e.Status, "expiry is one-way")

	e.setRemaining(-2)
	remaining, _ := e.Remaining()
	assert.Equal(t, 0, remaining, "balance never goes negative")
}

func TestMatchesHint(t *testing.T) {
	e := &Entitlement{ProductName: "10er Karte Krafttraining", Category: "gym"}

	assert.True(t, e.MatchesHint(""))
	assert.True(t, e.MatchesHint("GYM"), "category match is case-insensitive")
	assert.True(t, e.MatchesHint("krafttraining"), "name substring fallback")
	assert.False(t, e.MatchesHint("yoga"))
}
