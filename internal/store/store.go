// Package store implements the embedded, durable event store used for
// historical query and replay, backed by bbolt.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/justinndidit/notify-pipeline/internal/events"
)

var (
	bucketEvents        = []byte("events")
	bucketByType         = []byte("events_by_type")
	bucketByOrganization = []byte("events_by_organization")
	bucketBySite         = []byte("events_by_site")
	bucketByTimestamp    = []byte("events_by_timestamp")
	bucketByCorrelation  = []byte("events_by_correlation")
)

// Store is a bbolt-backed append-only event log with secondary indexes for
// id, type, organizationId, siteId, timestamp and correlationId lookups.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the bolt database file under dataDir and ensures
// every bucket exists.
func Open(dataDir string) (*Store, error) {
	db, err := bolt.Open(filepath.Join(dataDir, "events.db"), 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketEvents, bucketByType, bucketByOrganization, bucketBySite, bucketByTimestamp, bucketByCorrelation} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close releases the underlying file handle.
func (s *Store) Close() error { return s.db.Close() }

// HealthCheck confirms the bolt database file is still readable by opening
// a read-only transaction against it.
func (s *Store) HealthCheck() error {
	return s.db.View(func(tx *bolt.Tx) error { return nil })
}

// timestampKey builds a lexicographically sortable key from a time, so a
// bolt cursor range-scan over bucketByTimestamp returns events in
// chronological order.
func timestampKey(t time.Time, eventID string) []byte {
	buf := make([]byte, 8+len(eventID))
	binary.BigEndian.PutUint64(buf, uint64(t.UnixNano()))
	copy(buf[8:], eventID)
	return buf
}

// Append persists an event and updates every secondary index.
func (s *Store) Append(e *events.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", e.ID, err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketEvents).Put([]byte(e.ID), body); err != nil {
			return err
		}

		typeIdx, err := tx.Bucket(bucketByType).CreateBucketIfNotExists([]byte(e.Type))
		if err != nil {
			return err
		}
		if err := typeIdx.Put([]byte(e.ID), nil); err != nil {
			return err
		}

		orgIdx, err := tx.Bucket(bucketByOrganization).CreateBucketIfNotExists([]byte(e.OrganizationID))
		if err != nil {
			return err
		}
		if err := orgIdx.Put([]byte(e.ID), nil); err != nil {
			return err
		}

		if e.SiteID != "" {
			siteIdx, err := tx.Bucket(bucketBySite).CreateBucketIfNotExists([]byte(e.SiteID))
			if err != nil {
				return err
			}
			if err := siteIdx.Put([]byte(e.ID), nil); err != nil {
				return err
			}
		}

		if err := tx.Bucket(bucketByTimestamp).Put(timestampKey(e.OccurredAt, e.ID), []byte(e.ID)); err != nil {
			return err
		}

		if e.CorrelationID != "" {
			corrIdx, err := tx.Bucket(bucketByCorrelation).CreateBucketIfNotExists([]byte(e.CorrelationID))
			if err != nil {
				return err
			}
			if err := corrIdx.Put([]byte(e.ID), nil); err != nil {
				return err
			}
		}

		return nil
	})
}

// Get fetches a single event by id.
func (s *Store) Get(id string) (*events.Event, error) {
	var e events.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		body := tx.Bucket(bucketEvents).Get([]byte(id))
		if body == nil {
			return fmt.Errorf("event %s not found", id)
		}
		return json.Unmarshal(body, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetByCorrelationID returns every event sharing a correlation id.
func (s *Store) GetByCorrelationID(correlationID string) ([]*events.Event, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketByCorrelation).Bucket([]byte(correlationID))
		if idx == nil {
			return nil
		}
		return idx.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return s.getAll(ids)
}

// GetBySiteID returns every event scoped to siteID, the lookup the replay
// tooling and support endpoints use to bound a query to one tenant site
// instead of a whole organization.
func (s *Store) GetBySiteID(siteID string) ([]*events.Event, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketBySite).Bucket([]byte(siteID))
		if idx == nil {
			return nil
		}
		return idx.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return s.getAll(ids)
}

func (s *Store) getAll(ids []string) ([]*events.Event, error) {
	out := make([]*events.Event, 0, len(ids))
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		for _, id := range ids {
			body := b.Get([]byte(id))
			if body == nil {
				continue
			}
			var e events.Event
			if err := json.Unmarshal(body, &e); err != nil {
				return err
			}
			out = append(out, &e)
		}
		return nil
	})
	return out, err
}

// Range describes a [From, To] time window for timestamp-indexed scans;
// both bounds are inclusive.
type Range struct {
	From time.Time
	To   time.Time
}

// ScanByTimestamp walks bucketByTimestamp between the range bounds,
// invoking fn for each event in chronological order. fn returning false
// stops the scan early.
func (s *Store) ScanByTimestamp(r Range, fn func(*events.Event) (bool, error)) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketByTimestamp).Cursor()
		eventsBucket := tx.Bucket(bucketEvents)

		min := timestampKey(r.From, "")
		max := timestampKey(r.To, "\xff\xff\xff\xff")

		for k, v := c.Seek(min); k != nil && string(k) <= string(max); k, v = c.Next() {
			body := eventsBucket.Get(v)
			if body == nil {
				continue
			}
			var e events.Event
			if err := json.Unmarshal(body, &e); err != nil {
				return err
			}
			cont, err := fn(&e)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		return nil
	})
}
