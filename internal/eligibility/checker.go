// Package eligibility consults the external cooldown/schedule service.
package eligibility

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/GeekRover/Blood-link-sub000/internal/errs"
	"github.com/GeekRover/Blood-link-sub000/internal/matching"
)

// HTTPChecker queries the eligibility service over HTTP. Calls run through
// a circuit breaker so a struggling collaborator degrades matching instead
// of stalling it.
type HTTPChecker struct {
	Endpoint string
	Client   *http.Client
	breaker  *gobreaker.CircuitBreaker
}

func NewHTTPChecker(endpoint string) *HTTPChecker {
	return &HTTPChecker{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 2 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "eligibility",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
	}
}

// IsEligible asks whether the donor may donate at the given time. Any
// transport or breaker failure surfaces as a collaborator error; the
// matching engine excludes the candidate rather than aborting.
func (c *HTTPChecker) IsEligible(ctx context.Context, donorID string, at time.Time) (matching.Eligibility, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		u := fmt.Sprintf("%s/donors/%s/eligibility?at=%s",
			c.Endpoint, url.PathEscape(donorID), url.QueryEscape(at.Format(time.RFC3339)))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.Client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("eligibility service returned %d", resp.StatusCode)
		}
		var e matching.Eligibility
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
			return nil, err
		}
		return e, nil
	})
	if err != nil {
		return matching.Eligibility{}, errs.Collaborator("eligibility", err)
	}
	return out.(matching.Eligibility), nil
}
