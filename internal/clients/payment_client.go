// internal/clients/payment_client.go
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
)

type PaymentClient struct {
	baseURL string
	breaker *gobreaker.CircuitBreaker
}

func NewPaymentClient(baseURL string) *PaymentClient {
	return &PaymentClient{baseURL: baseURL, breaker: newBreaker("payments")}
}

func (c *PaymentClient) RecordGrantPayment(ctx context.Context, memberID, entitlementID, productID uuid.UUID, amountCents int64) error {
	payload := struct {
		MemberID      uuid.UUID `json:"member_id"`
		EntitlementID uuid.UUID `json:"entitlement_id"`
		ProductID     uuid.UUID `json:"product_id"`
		AmountCents   int64     `json:"amount_cents"`
	}{
		MemberID:      memberID,
		EntitlementID: entitlementID,
		ProductID:     productID,
		AmountCents:   amountCents,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/payments/grants", c.baseURL), bytes.NewBuffer(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		// 409 means the payment was already recorded for this grant.
		if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict {
			return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}
		return nil, nil
	})
	return err
}

func (c *PaymentClient) DeleteGrantPayments(ctx context.Context, entitlementID uuid.UUID) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		url := fmt.Sprintf("%s/payments/grants/%s", c.baseURL, entitlementID)
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
		if err != nil {
			return nil, err
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
			return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}
		return nil, nil
	})
	return err
}
