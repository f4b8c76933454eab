package events

import "github.com/Masterminds/semver/v3"

// RegisterDefaults declares the schema versions this deployment knows about
// for the commerce event types the Shopify and WooCommerce providers map
// topics onto. Provider-prefixed fallback types (e.g. "stripe.*",
// "woocommerce.*") are not registered, so the producer rejects them. New
// event types and migrations are added here as upstream webhook payloads
// change shape.
func RegisterDefaults(r *Registry) {
	for _, eventType := range []string{
		"order.created", "order.updated", "order.paid", "order.fulfilled",
		"checkout.started", "checkout.updated",
	} {
		r.Register(eventType, SchemaVersion{Version: semver.MustParse("1.0.0")})
	}
}
