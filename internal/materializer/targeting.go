package materializer

import (
	"context"
	"fmt"
	"sync"

	"github.com/open-policy-agent/opa/rego"
)

// TargetingEngine evaluates Rego policies deciding whether a recipient
// should receive a notification, given event data and their preferences.
// The default policy is compiled once; per-template policy overrides are
// compiled on first use and cached by template id, since the same template
// is evaluated repeatedly across a stream of events.
type TargetingEngine struct {
	defaultQuery rego.PreparedEvalQuery

	mu      sync.Mutex
	queries map[string]rego.PreparedEvalQuery
}

// defaultPolicy allows delivery unless the event payload explicitly
// suppresses notifications; per-template overrides layer richer rules
// against eventData (e.g. minimum order value, specific SKUs).
const defaultPolicy = `
package notify.targeting

default allow = true

allow = false {
	input.eventData.suppressNotifications == true
}
`

// NewTargetingEngine compiles the default policy (or policy, if non-empty)
// into a prepared query.
func NewTargetingEngine(ctx context.Context, policy string) (*TargetingEngine, error) {
	if policy == "" {
		policy = defaultPolicy
	}

	query, err := compilePolicy(ctx, policy)
	if err != nil {
		return nil, fmt.Errorf("compile targeting policy: %w", err)
	}

	return &TargetingEngine{defaultQuery: query, queries: make(map[string]rego.PreparedEvalQuery)}, nil
}

func compilePolicy(ctx context.Context, policy string) (rego.PreparedEvalQuery, error) {
	return rego.New(
		rego.Query("data.notify.targeting.allow"),
		rego.Module("targeting.rego", policy),
	).PrepareForEval(ctx)
}

// Input is the evaluation context passed to a targeting policy.
type Input struct {
	Channel     string         `json:"channel"`
	SiteID      string         `json:"siteId"`
	UserID      string         `json:"userId"`
	EventData   map[string]any `json:"eventData"`
	Preferences UserPreference `json:"preferences"`
}

// Allow evaluates templateID's policy override (policySource), falling
// back to the default policy when policySource is empty, and reports
// whether delivery should proceed.
func (e *TargetingEngine) Allow(ctx context.Context, templateID, policySource string, in Input) (bool, error) {
	query := e.defaultQuery
	if policySource != "" {
		compiled, err := e.policyFor(ctx, templateID, policySource)
		if err != nil {
			return false, err
		}
		query = compiled
	}

	results, err := query.Eval(ctx, rego.EvalInput(map[string]any{
		"channel":   in.Channel,
		"siteId":    in.SiteID,
		"userId":    in.UserID,
		"eventData": in.EventData,
		"preferences": map[string]any{
			"opt_ins":     in.Preferences.OptIns,
			"daily_limit": in.Preferences.DailyLimit,
		},
	}))
	if err != nil {
		return false, fmt.Errorf("evaluate targeting policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}

	allowed, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("unexpected targeting policy result type %T", results[0].Expressions[0].Value)
	}
	return allowed, nil
}

func (e *TargetingEngine) policyFor(ctx context.Context, templateID, policySource string) (rego.PreparedEvalQuery, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if q, ok := e.queries[templateID]; ok {
		return q, nil
	}

	q, err := compilePolicy(ctx, policySource)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("compile targeting policy override for template %s: %w", templateID, err)
	}
	e.queries[templateID] = q
	return q, nil
}
