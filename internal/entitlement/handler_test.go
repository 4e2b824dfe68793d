package entitlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clubpass/internal/ledger"
)

// fakeService lets each test script the engine's answer.
type fakeService struct {
	grantFn   func(ctx context.Context, memberID, productID uuid.UUID, coachID *uuid.UUID) (*Entitlement, error)
	consumeFn func(ctx context.Context, memberID uuid.UUID, categoryHint string, preselectedID *uuid.UUID, trig Trigger) (*DeductionResult, error)
	balanceFn func(ctx context.Context, entitlementID uuid.UUID) (int, error)
	removeFn  func(ctx context.Context, entitlementID uuid.UUID) error
	getFn     func(ctx context.Context, entitlementID uuid.UUID) (*Entitlement, error)
}

func (f *fakeService) Grant(ctx context.Context, memberID, productID uuid.UUID, coachID *uuid.UUID) (*Entitlement, error) {
	return f.grantFn(ctx, memberID, productID, coachID)
}

func (f *fakeService) Extend(ctx context.Context, entitlementID uuid.UUID, addedCount int) (*Entitlement, error) {
	return &Entitlement{ID: entitlementID}, nil
}

func (f *fakeService) Adjust(ctx context.Context, entitlementID uuid.UUID, delta int, reason string) (*Entitlement, error) {
	return &Entitlement{ID: entitlementID}, nil
}

func (f *fakeService) Consume(ctx context.Context, memberID uuid.UUID, categoryHint string, preselectedID *uuid.UUID, trig Trigger) (*DeductionResult, error) {
	return f.consumeFn(ctx, memberID, categoryHint, preselectedID, trig)
}

func (f *fakeService) Balance(ctx context.Context, entitlementID uuid.UUID) (int, error) {
	return f.balanceFn(ctx, entitlementID)
}

func (f *fakeService) Remove(ctx context.Context, entitlementID uuid.UUID) error {
	return f.removeFn(ctx, entitlementID)
}

func (f *fakeService) History(ctx context.Context, memberID uuid.UUID, limit int) ([]ledger.Entry, error) {
	return nil, nil
}

func (f *fakeService) Get(ctx context.Context, entitlementID uuid.UUID) (*Entitlement, error) {
	return f.getFn(ctx, entitlementID)
}

func (f *fakeService) ListByMember(ctx context.Context, memberID uuid.UUID) ([]*Entitlement, error) {
	return nil, nil
}

func newTestRouter(svc Service) http.Handler {
	r := chi.NewRouter()
	NewHandler(svc).Routes(r)
	return r
}

func TestHandleGrant(t *testing.T) {
	memberID := uuid.New()
	productID := uuid.New()
	fake := &fakeService{
		grantFn: func(ctx context.Context, mID, pID uuid.UUID, coachID *uuid.UUID) (*Entitlement, error) {
			assert.Equal(t, memberID, mID)
			assert.Equal(t, productID, pID)
			return &Entitlement{ID: uuid.New(), MemberID: mID, Status: StatusActive}, nil
		},
	}
	router := newTestRouter(fake)

	body, _ := json.Marshal(map[string]string{
		"member_id":  memberID.String(),
		"product_id": productID.String(),
	})
	req := httptest.NewRequest(http.MethodPost, "/entitlements", bytes.NewBuffer(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var got Entitlement
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, memberID, got.MemberID)
}

func TestHandleGrantValidation(t *testing.T) {
	router := newTestRouter(&fakeService{})

	// Missing product_id fails validation before the service is reached.
	body, _ := json.Marshal(map[string]string{"member_id": uuid.New().String()})
	req := httptest.NewRequest(http.MethodPost, "/entitlements", bytes.NewBuffer(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleConsumeDeducted(t *testing.T) {
	fake := &fakeService{
		consumeFn: func(ctx context.Context, memberID uuid.UUID, hint string, pre *uuid.UUID, trig Trigger) (*DeductionResult, error) {
			return &DeductionResult{EntitlementID: uuid.New(), Before: 10, After: 9}, nil
		},
	}
	router := newTestRouter(fake)

	body, _ := json.Marshal(map[string]string{"member_id": uuid.New().String()})
	req := httptest.NewRequest(http.MethodPost, "/consume", bytes.NewBuffer(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Outcome string           `json:"outcome"`
		Result  *DeductionResult `json:"result"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "deducted", resp.Outcome)
	require.NotNil(t, resp.Result)
	assert.Equal(t, 9, resp.Result.After)
}

func TestHandleConsumeSkippedIsNotAnError(t *testing.T) {
	fake := &fakeService{
		consumeFn: func(ctx context.Context, memberID uuid.UUID, hint string, pre *uuid.UUID, trig Trigger) (*DeductionResult, error) {
			return nil, ErrNoEligibleEntitlement
		},
	}
	router := newTestRouter(fake)

	body, _ := json.Marshal(map[string]string{"member_id": uuid.New().String()})
	req := httptest.NewRequest(http.MethodPost, "/consume", bytes.NewBuffer(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, "no eligible pass is an outcome, not an HTTP failure")
	var resp struct {
		Outcome string `json:"outcome"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "deduct_skipped", resp.Outcome)
}

func TestHandleConsumeErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"duplicate trigger", ErrDuplicateTrigger, http.StatusConflict},
		{"invalid state", ErrInvalidState, http.StatusConflict},
		{"conflict exhausted", ErrConcurrencyConflict, http.StatusServiceUnavailable},
		{"internal", fmt.Errorf("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeService{
				consumeFn: func(ctx context.Context, memberID uuid.UUID, hint string, pre *uuid.UUID, trig Trigger) (*DeductionResult, error) {
					return nil, tt.err
				},
			}
			router := newTestRouter(fake)

			body, _ := json.Marshal(map[string]string{"member_id": uuid.New().String()})
			req := httptest.NewRequest(http.MethodPost, "/consume", bytes.NewBuffer(body))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestHandleBalance(t *testing.T) {
	id := uuid.New()
	fake := &fakeService{
		balanceFn: func(ctx context.Context, entitlementID uuid.UUID) (int, error) {
			assert.Equal(t, id, entitlementID)
			return 7, nil
		},
	}
	router := newTestRouter(fake)

	req := httptest.NewRequest(http.MethodGet, "/entitlements/"+id.String()+"/balance", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]int
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 7, resp["remaining_count"])
}

func TestHandleBalanceNotFound(t *testing.T) {
	fake := &fakeService{
		balanceFn: func(ctx context.Context, entitlementID uuid.UUID) (int, error) {
			return 0, ErrNotFound
		},
	}
	router := newTestRouter(fake)

	req := httptest.NewRequest(http.MethodGet, "/entitlements/"+uuid.New().String()+"/balance", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleRemove(t *testing.T) {
	id := uuid.New()
	fake := &fakeService{
		removeFn: func(ctx context.Context, entitlementID uuid.UUID) error {
			assert.Equal(t, id, entitlementID)
			return nil
		},
	}
	router := newTestRouter(fake)

	req := httptest.NewRequest(http.MethodDelete, "/entitlements/"+id.String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandleInvalidID(t *testing.T) {
	router := newTestRouter(&fakeService{})

	req := httptest.NewRequest(http.MethodGet, "/entitlements/not-a-uuid/balance", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
