// internal/clients/member_client.go
package clients

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
)

// newBreaker builds the circuit breaker shared by all collaborator clients.
// Trips after 5 consecutive failures, probes again after 30 seconds.
func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

type MemberClient struct {
	baseURL string
	breaker *gobreaker.CircuitBreaker
}

func NewMemberClient(baseURL string) *MemberClient {
	return &MemberClient{baseURL: baseURL, breaker: newBreaker("members")}
}

func (c *MemberClient) MemberExists(ctx context.Context, memberID uuid.UUID) (bool, error) {
	exists, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/members/%s", c.baseURL, memberID), nil)
		if err != nil {
			return false, err
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			return false, err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			return true, nil
		case http.StatusNotFound:
			return false, nil
		default:
			return false, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}
	})
	if err != nil {
		return false, err
	}
	return exists.(bool), nil
}
