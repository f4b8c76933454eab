package events

import (
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// SchemaVersion describes one declared revision of an event type's payload
// shape.
type SchemaVersion struct {
	Version    *semver.Version
	Deprecated bool
	// Validate returns a list of human-readable validation failures, or nil
	// if payload conforms to this version's shape.
	Validate func(payload json.RawMessage) []string
}

// Migration transforms a decoded payload from one version to the very next
// version in its chain. Migrations are applied one edge at a time; the
// registry walks the chain so callers never write N^2 transforms.
type Migration struct {
	From *semver.Version
	To   *semver.Version
	Transform func(payload map[string]any) (map[string]any, error)
}

// Registry holds the declared versions and migration edges for every known
// event type.
type Registry struct {
	versions   map[string][]SchemaVersion
	migrations map[string][]Migration
}

// NewRegistry returns an empty registry ready for type registration.
func NewRegistry() *Registry {
	return &Registry{
		versions:   make(map[string][]SchemaVersion),
		migrations: make(map[string][]Migration),
	}
}

// Register declares a schema version for an event type. Versions may be
// registered in any order; Latest and migration-path resolution sort them.
func (r *Registry) Register(eventType string, v SchemaVersion) {
	r.versions[eventType] = append(r.versions[eventType], v)
}

// RegisterMigration declares a directed edge in the migration graph for an
// event type.
func (r *Registry) RegisterMigration(eventType string, m Migration) {
	r.migrations[eventType] = append(r.migrations[eventType], m)
}

// Latest returns the highest non-deprecated registered version for a type,
// or nil if the type has no registered versions.
func (r *Registry) Latest(eventType string) *semver.Version {
	var latest *semver.Version
	for _, v := range r.versions[eventType] {
		if v.Deprecated {
			continue
		}
		if latest == nil || v.Version.GreaterThan(latest) {
			latest = v.Version
		}
	}
	return latest
}

// ValidationErrors runs the declared Validate func for the event's exact
// registered version, if one exists.
func (r *Registry) ValidationErrors(e *Event) ([]string, error) {
	target, err := semver.NewVersion(e.Version)
	if err != nil {
		return nil, fmt.Errorf("parse event version %q: %w", e.Version, err)
	}
	for _, v := range r.versions[e.Type] {
		if v.Version.Equal(target) {
			if v.Validate == nil {
				return nil, nil
			}
			return v.Validate(e.Payload), nil
		}
	}
	return []string{fmt.Sprintf("no schema registered for %s@%s", e.Type, e.Version)}, nil
}

// MigrateToLatest walks the migration graph from the event's declared
// version to the latest registered version, applying each edge's Transform
// in turn. If the event is already at latest, it is returned unchanged.
func (r *Registry) MigrateToLatest(e *Event) (*Event, error) {
	latest := r.Latest(e.Type)
	if latest == nil {
		return e, nil
	}

	current, err := semver.NewVersion(e.Version)
	if err != nil {
		return nil, fmt.Errorf("parse event version %q: %w", e.Version, err)
	}
	if current.Equal(latest) {
		return e, nil
	}

	path, err := r.migrationPath(e.Type, current, latest)
	if err != nil {
		return nil, err
	}

	var payload map[string]any
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode payload for migration: %w", err)
	}

	for _, m := range path {
		payload, err = m.Transform(payload)
		if err != nil {
			return nil, fmt.Errorf("migrate %s %s->%s: %w", e.Type, m.From, m.To, err)
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode migrated payload: %w", err)
	}

	out := e.Clone()
	out.Payload = raw
	out.Version = latest.String()
	if out.Metadata == nil {
		out.Metadata = make(map[string]any, 1)
	}
	out.Metadata["migrated"] = true
	return out, nil
}

// migrationPath performs a breadth-first search over the declared migration
// edges from `from` to `to`, returning the ordered edge list to apply.
func (r *Registry) migrationPath(eventType string, from, to *semver.Version) ([]Migration, error) {
	edges := r.migrations[eventType]

	type node struct {
		version *semver.Version
		path    []Migration
	}

	visited := map[string]bool{from.String(): true}
	queue := []node{{version: from}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if cur.version.Equal(to) {
			return cur.path, nil
		}

		for _, e := range edges {
			if !e.From.Equal(cur.version) {
				continue
			}
			key := e.To.String()
			if visited[key] {
				continue
			}
			visited[key] = true
			nextPath := make([]Migration, len(cur.path), len(cur.path)+1)
			copy(nextPath, cur.path)
			nextPath = append(nextPath, e)
			queue = append(queue, node{version: e.To, path: nextPath})
		}
	}

	return nil, fmt.Errorf("no migration path for %s from %s to %s", eventType, from, to)
}
