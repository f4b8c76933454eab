// Package webhook implements provider-tagged webhook ingress: signature
// verification against the raw request body, then normalization into the
// canonical event envelope.
package webhook

import (
	"net/http"
	"time"

	"github.com/justinndidit/notify-pipeline/internal/events"
)

// RawRequest carries exactly what a Provider needs to verify and normalize
// a delivery: the raw, unparsed body (signatures are computed over bytes,
// never over a re-marshaled struct) and the relevant headers.
type RawRequest struct {
	Body       []byte
	Headers    map[string]string
	ReceivedAt time.Time
}

// Header returns a header value by name in any letter case: the gateway
// records keys in net/http's canonical form, and name is canonicalized the
// same way before the lookup.
func (r *RawRequest) Header(name string) string {
	return r.Headers[http.CanonicalHeaderKey(name)]
}

// Provider verifies and normalizes deliveries from one third-party webhook
// source. Each provider owns its own signature scheme and payload shape.
type Provider interface {
	// Name identifies the provider for logging and routing, e.g. "shopify".
	Name() string
	// Verify checks the delivery's signature against secret, returning an
	// apperror.KindAuthentication error on mismatch.
	Verify(secret string, r *RawRequest) error
	// Normalize converts a verified delivery into the canonical envelope.
	// OrganizationID and CorrelationID are not knowable from the payload
	// alone for every provider; callers fill those in from routing context
	// after Normalize returns.
	Normalize(r *RawRequest) (*events.Event, error)
}

// Registry maps provider name to Provider implementation, used by the
// gateway to dispatch `/webhooks/{provider}` routes.
type Registry map[string]Provider

// NewRegistry builds a lookup table from a list of providers.
func NewRegistry(providers ...Provider) Registry {
	reg := make(Registry, len(providers))
	for _, p := range providers {
		reg[p.Name()] = p
	}
	return reg
}
