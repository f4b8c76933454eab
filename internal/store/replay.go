package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itchyny/gojq"
	"golang.org/x/time/rate"

	"github.com/justinndidit/notify-pipeline/internal/events"
)

// Producer is the subset of bus.Producer Replay needs.
type Producer interface {
	ProduceEvent(ctx context.Context, e *events.Event) error
}

// ReplayOptions configures a replay run.
type ReplayOptions struct {
	Range Range
	// Filter is an optional gojq expression evaluated against the event's
	// JSON representation; events for which it evaluates falsy are
	// skipped. An empty string matches every event.
	Filter string
	// Registry, when non-nil, re-runs each event through its
	// MigrateToLatest before republishing, so replayed history always
	// lands on today's consumers in today's shape.
	Registry *events.Registry
	// RateLimit throttles republish calls; nil disables throttling.
	RateLimit *rate.Limiter
	// OnProgress is invoked after every event is processed (published or
	// skipped), for operator-facing progress reporting.
	OnProgress func(processed, published int)
}

// Replay scans the store's timestamp index over the requested range,
// applies the optional filter and schema migration, and republishes
// matching events through producer.
func Replay(ctx context.Context, s *Store, producer Producer, opts ReplayOptions) (processed, published int, err error) {
	var compiled *gojq.Code
	if opts.Filter != "" {
		query, err := gojq.Parse(opts.Filter)
		if err != nil {
			return 0, 0, fmt.Errorf("parse replay filter: %w", err)
		}
		compiled, err = gojq.Compile(query)
		if err != nil {
			return 0, 0, fmt.Errorf("compile replay filter: %w", err)
		}
	}

	scanErr := s.ScanByTimestamp(opts.Range, func(e *events.Event) (bool, error) {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}

		processed++

		if compiled != nil {
			match, err := matchesFilter(compiled, e)
			if err != nil {
				return false, fmt.Errorf("evaluate filter for event %s: %w", e.ID, err)
			}
			if !match {
				if opts.OnProgress != nil {
					opts.OnProgress(processed, published)
				}
				return true, nil
			}
		}

		out := e
		if opts.Registry != nil {
			migrated, err := opts.Registry.MigrateToLatest(e)
			if err != nil {
				return false, fmt.Errorf("migrate event %s: %w", e.ID, err)
			}
			out = migrated
		}

		if opts.RateLimit != nil {
			if err := opts.RateLimit.Wait(ctx); err != nil {
				return false, err
			}
		}

		if err := producer.ProduceEvent(ctx, out); err != nil {
			return false, fmt.Errorf("republish event %s: %w", e.ID, err)
		}
		published++

		if opts.OnProgress != nil {
			opts.OnProgress(processed, published)
		}

		return true, nil
	})

	return processed, published, scanErr
}

func matchesFilter(code *gojq.Code, e *events.Event) (bool, error) {
	asMap, err := eventToMap(e)
	if err != nil {
		return false, err
	}

	iter := code.Run(asMap)
	v, ok := iter.Next()
	if !ok {
		return false, nil
	}
	if err, ok := v.(error); ok {
		return false, err
	}

	switch result := v.(type) {
	case bool:
		return result, nil
	case nil:
		return false, nil
	default:
		return true, nil
	}
}

func eventToMap(e *events.Event) (map[string]any, error) {
	var payload any
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			return nil, err
		}
	}
	return map[string]any{
		"id":             e.ID,
		"type":           e.Type,
		"version":        e.Version,
		"organizationId": e.OrganizationID,
		"siteId":         e.SiteID,
		"source":         e.Source,
		"occurredAt":     e.OccurredAt.Format(time.RFC3339),
		"correlationId":  e.CorrelationID,
		"payload":        payload,
		"metadata":       e.Metadata,
	}, nil
}
