package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Checker is implemented by anything that can report its own health.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// HTTPChecker reports whether a remote API answers at all. Any status below
// 500 counts as reachable: unauthenticated probes of the Stripe API get 401.
type HTTPChecker struct {
	name   string
	url    string
	client *http.Client
}

// NewHTTPChecker creates a reachability checker for url.
func NewHTTPChecker(name, url string) *HTTPChecker {
	return &HTTPChecker{
		name: name,
		url:  url,
		client: &http.Client{
			Timeout: 3 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
}

// HealthCheck performs a GET against the configured URL.
func (h *HTTPChecker) HealthCheck(ctx context.Context) error {
	if h.url == "" {
		return fmt.Errorf("%s url not configured", h.name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", h.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%s unhealthy: unexpected status code %d", h.name, resp.StatusCode)
	}
	return nil
}

// All runs checkers in order and returns the first failure.
type All []Checker

// HealthCheck implements Checker.
func (a All) HealthCheck(ctx context.Context) error {
	for _, c := range a {
		if err := c.HealthCheck(ctx); err != nil {
			return err
		}
	}
	return nil
}
