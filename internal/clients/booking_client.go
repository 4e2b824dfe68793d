// internal/clients/booking_client.go
package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
)

// BookingClient reads the booking service's usage history and drives the
// detach step when an entitlement is removed.
type BookingClient struct {
	baseURL string
	breaker *gobreaker.CircuitBreaker
}

func NewBookingClient(baseURL string) *BookingClient {
	return &BookingClient{baseURL: baseURL, breaker: newBreaker("bookings")}
}

func (c *BookingClient) CountConfirmedBookings(ctx context.Context, entitlementID uuid.UUID) (int, error) {
	return c.count(ctx, fmt.Sprintf("%s/bookings/count?entitlement_id=%s&status=confirmed", c.baseURL, entitlementID))
}

func (c *BookingClient) CountCheckedInAttendances(ctx context.Context, entitlementID uuid.UUID) (int, error) {
	return c.count(ctx, fmt.Sprintf("%s/attendances/count?entitlement_id=%s&status=checked_in", c.baseURL, entitlementID))
}

func (c *BookingClient) count(ctx context.Context, url string) (int, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return 0, err
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return 0, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}

		var body struct {
			Count int `json:"count"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return 0, err
		}
		return body.Count, nil
	})
	if err != nil {
		return 0, err
	}
	return result.(int), nil
}

func (c *BookingClient) DetachEntitlement(ctx context.Context, entitlementID uuid.UUID) (int, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		url := fmt.Sprintf("%s/bookings/detach-entitlement/%s", c.baseURL, entitlementID)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			return 0, err
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return 0, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}

		var body struct {
			Detached int `json:"detached"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return 0, err
		}
		return body.Detached, nil
	})
	if err != nil {
		return 0, err
	}
	return result.(int), nil
}
