// Package materializer implements the notification enrichment pipeline:
// targeting evaluation, template/variant selection, rendering, persistence,
// and hand-off to the priority queue.
package materializer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/justinndidit/notify-pipeline/internal/httpx"
)

// serviceTokenTTL bounds how long a minted service-to-service token is
// valid; short enough that a leaked token from a log line is useless soon
// after.
const serviceTokenTTL = 2 * time.Minute

// Client is an HTTP client for the user-preference, template, and
// site-settings lookup services, tuned with a connection-reuse transport,
// exponential retry, and a circuit breaker so a slow or failing upstream
// can't stall the whole materializer.
type Client struct {
	logger  zerolog.Logger
	http    *http.Client
	breaker *gobreaker.CircuitBreaker

	name          string
	serviceSecret []byte
}

// NewClient builds a Client whose circuit breaker trips after repeated
// upstream failures and probes again after its recovery window. When
// serviceSecret is non-empty, every outbound request carries a freshly
// minted, short-lived service JWT asserting this materializer's identity to
// the upstream service.
func NewClient(name string, serviceSecret string, logger zerolog.Logger) *Client {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})

	return &Client{
		logger: logger,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		breaker:       breaker,
		name:          name,
		serviceSecret: []byte(serviceSecret),
	}
}

// mintServiceToken signs a short-lived HS256 token asserting this client's
// name as the subject, for upstream services that require internal callers
// to authenticate the same way end-user connections do.
func (c *Client) mintServiceToken() (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": c.name,
		"iat": now.Unix(),
		"exp": now.Add(serviceTokenTTL).Unix(),
	})
	return token.SignedString(c.serviceSecret)
}

// GetJSON issues a GET against url through the circuit breaker with
// exponential backoff on transient failures, decoding the standard
// httpx.Response envelope into out's Data field.
func (c *Client) GetJSON(ctx context.Context, url string, out interface{}) error {
	var envelope httpx.Response

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.doWithRetry(ctx, url, &envelope)
	})
	_ = result
	if err != nil {
		return err
	}

	if !envelope.Success {
		return fmt.Errorf("upstream returned failure: %s", envelope.Error)
	}

	raw, err := json.Marshal(envelope.Data)
	if err != nil {
		return fmt.Errorf("re-marshal envelope data: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode envelope data: %w", err)
	}
	return nil
}

func (c *Client) doWithRetry(ctx context.Context, url string, out *httpx.Response) error {
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		if len(c.serviceSecret) > 0 {
			token, err := c.mintServiceToken()
			if err != nil {
				return backoff.Permanent(fmt.Errorf("mint service token: %w", err))
			}
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(fmt.Errorf("client error: %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("server error: %d", resp.StatusCode)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		c.logger.Error().Err(err).Str("url", url).Msg("upstream request failed after retries")
		return err
	}
	return nil
}
