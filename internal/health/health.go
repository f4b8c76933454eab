// Package health aggregates component-level connectivity checks (bus,
// Redis, the embedded event store, Postgres) into the single
// GET /health/detailed response every HTTP-facing binary exposes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/justinndidit/notify-pipeline/internal/httpx"
)

// Status is one component's or the aggregate's health verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// checkTimeout bounds any single component check so one wedged dependency
// can't hang the whole health endpoint.
const checkTimeout = 3 * time.Second

// Check probes one dependency and returns a non-nil error if it's
// unreachable or unhealthy.
type Check func(ctx context.Context) error

// Component names a dependency and the check that verifies it.
type Component struct {
	Name  string
	Check Check
}

// Detail is one component's reported status in the aggregated response.
type Detail struct {
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Report is the full GET /health/detailed payload.
type Report struct {
	Status  Status            `json:"status"`
	Service string            `json:"service"`
	Details map[string]Detail `json:"details"`
}

// Aggregate runs every component's check with a bounded timeout and
// derives the overall status: healthy if all pass, degraded if some (but
// not all) fail, unhealthy if all fail. An empty component list is
// healthy.
func Aggregate(ctx context.Context, components []Component) (Status, map[string]Detail) {
	details := make(map[string]Detail, len(components))
	failures := 0

	for _, c := range components {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.Check(checkCtx)
		cancel()

		if err != nil {
			failures++
			details[c.Name] = Detail{Status: StatusUnhealthy, Error: err.Error()}
			continue
		}
		details[c.Name] = Detail{Status: StatusHealthy}
	}

	switch {
	case len(components) == 0 || failures == 0:
		return StatusHealthy, details
	case failures == len(components):
		return StatusUnhealthy, details
	default:
		return StatusDegraded, details
	}
}

// HTTPStatus maps an aggregate Status to the response code §6 mandates:
// 200 healthy, 207 degraded, 503 unhealthy.
func HTTPStatus(s Status) int {
	switch s {
	case StatusHealthy:
		return http.StatusOK
	case StatusDegraded:
		return http.StatusMultiStatus
	default:
		return http.StatusServiceUnavailable
	}
}

// Handler builds the GET /health/detailed handler for service, aggregating
// components on every request.
func Handler(service string, components []Component) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, details := Aggregate(r.Context(), components)
		httpx.WriteJSON(w, HTTPStatus(status), Report{Status: status, Service: service, Details: details})
	}
}

// Simple writes the plain GET /health liveness response every binary
// exposes regardless of dependency health — it answers "is the process
// up", not "are its dependencies reachable".
func Simple(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": service})
	}
}
