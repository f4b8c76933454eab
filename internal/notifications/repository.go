// Package notifications is the Postgres-backed system of record for
// notification lifecycle state and the analytics events recorded against
// each notification, implementing the materializer's Store contract.
package notifications

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/justinndidit/notify-pipeline/internal/materializer"
)

// Repository persists notification state to Postgres. It implements
// materializer.Store directly so the materializer never depends on the
// storage package beyond the narrow interface it declares.
type Repository struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// New wraps an existing connection pool.
func New(pool *pgxpool.Pool, logger zerolog.Logger) *Repository {
	return &Repository{pool: pool, logger: logger}
}

// CreateNotification inserts a new notification row in "pending" state.
func (r *Repository) CreateNotification(ctx context.Context, n *materializer.Record) error {
	query := `
		INSERT INTO notifications (
			id, site_id, user_id, template_id, event_type, correlation_id,
			channel, priority, status, variables, metadata, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12
		)
	`

	_, err := r.pool.Exec(ctx, query,
		n.ID,
		n.SiteID,
		n.UserID,
		n.TemplateID,
		n.EventType,
		n.CorrelationID,
		n.Channel,
		n.Priority,
		n.Status,
		JSONMap(n.Variables),
		JSONMap(n.Metadata),
		n.CreatedAt,
	)
	if err != nil {
		r.logger.Error().Err(err).Str("notificationId", n.ID).Msg("failed to create notification")
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

// UpdateStatus transitions a notification's status, stamping the
// corresponding lifecycle timestamp column the first time that status is
// reached.
func (r *Repository) UpdateStatus(ctx context.Context, id, status string) error {
	column := statusTimestampColumn(status)

	var query string
	if column != "" {
		query = fmt.Sprintf(`
			UPDATE notifications
			SET status = $1, %s = COALESCE(%s, NOW()), updated_at = NOW()
			WHERE id = $2
		`, column, column)
	} else {
		query = `UPDATE notifications SET status = $1, updated_at = NOW() WHERE id = $2`
	}

	tag, err := r.pool.Exec(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("update status for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("notification %s not found", id)
	}
	return nil
}

func statusTimestampColumn(status string) string {
	switch status {
	case materializer.StatusQueued:
		return "queued_at"
	case materializer.StatusFiltered:
		return "filtered_at"
	case materializer.StatusDelivered:
		return "delivered_at"
	case materializer.StatusFailed:
		return "failed_at"
	default:
		return ""
	}
}

// UpdateFailure marks a notification failed, records the error, and bumps
// its retry count for the worker's retry-eligibility check.
func (r *Repository) UpdateFailure(ctx context.Context, id, errorCode, errorMessage string) error {
	query := `
		UPDATE notifications
		SET status = 'failed',
		    error_code = $1,
		    error_message = $2,
		    retry_count = retry_count + 1,
		    failed_at = COALESCE(failed_at, NOW()),
		    updated_at = NOW()
		WHERE id = $3
	`

	tag, err := r.pool.Exec(ctx, query, errorCode, errorMessage, id)
	if err != nil {
		return fmt.Errorf("update failure for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("notification %s not found", id)
	}
	return nil
}

// RecordEvent appends an analytics event tied to a notification, used for
// the status-history timeline an operator sees when debugging a delivery.
func (r *Repository) RecordEvent(ctx context.Context, notificationID, correlationID, eventType string, detail map[string]any) error {
	query := `
		INSERT INTO notification_events (
			id, notification_id, correlation_id, event_type, event_data, event_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.pool.Exec(ctx, query,
		uuid.NewString(),
		notificationID,
		correlationID,
		eventType,
		JSONMap(detail),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record event %s for %s: %w", eventType, notificationID, err)
	}
	return nil
}

// SentInWindow counts notifications successfully queued for siteID/userID
// within the trailing window, the frequency cap's rolling-window counter.
func (r *Repository) SentInWindow(ctx context.Context, siteID, userID string, window time.Duration) (int, error) {
	query := `
		SELECT COUNT(*) FROM notifications
		WHERE site_id = $1
		  AND user_id = $2
		  AND status IN ('queued', 'delivered')
		  AND created_at >= $3
	`

	var count int
	cutoff := time.Now().UTC().Add(-window)
	if err := r.pool.QueryRow(ctx, query, siteID, userID, cutoff).Scan(&count); err != nil {
		return 0, fmt.Errorf("count sent in window for site %s user %s: %w", siteID, userID, err)
	}
	return count, nil
}

var recordColumns = `id, site_id, user_id, template_id, event_type, correlation_id, channel, priority,
		       status, variables, metadata, created_at`

// GetByID fetches a single notification, returning apperror-compatible
// ErrNoRows semantics via pgx.ErrNoRows pass-through for callers to match
// on.
func (r *Repository) GetByID(ctx context.Context, id string) (*materializer.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM notifications WHERE id = $1`

	row := r.pool.QueryRow(ctx, query, id)
	return scanRecord(row)
}

// GetByCorrelationID fetches the notification tied to a correlation id, the
// lookup used by the replay and support tooling endpoints.
func (r *Repository) GetByCorrelationID(ctx context.Context, correlationID string) (*materializer.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM notifications WHERE correlation_id = $1`

	row := r.pool.QueryRow(ctx, query, correlationID)
	return scanRecord(row)
}

func scanRecord(row pgx.Row) (*materializer.Record, error) {
	var n materializer.Record
	var variables, metadata JSONMap

	err := row.Scan(&n.ID, &n.SiteID, &n.UserID, &n.TemplateID, &n.EventType, &n.CorrelationID,
		&n.Channel, &n.Priority, &n.Status, &variables, &metadata, &n.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan notification: %w", err)
	}
	n.Variables = map[string]any(variables)
	n.Metadata = map[string]any(metadata)
	return &n, nil
}

// GetUserNotificationsWithCursor returns a recipient's recent notifications
// ordered newest-first, paginated by a created_at cursor rather than
// offset so the widget feed stays stable while new notifications arrive.
func (r *Repository) GetUserNotificationsWithCursor(ctx context.Context, userID string, limit int, cursor *time.Time) ([]materializer.Record, *time.Time, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM notifications
		WHERE user_id = $1 AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY created_at DESC
		LIMIT $3
	`

	rows, err := r.pool.Query(ctx, query, userID, cursor, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("list notifications for %s: %w", userID, err)
	}
	defer rows.Close()

	records := make([]materializer.Record, 0, limit)
	for rows.Next() {
		var n materializer.Record
		var variables, metadata JSONMap
		if err := rows.Scan(&n.ID, &n.SiteID, &n.UserID, &n.TemplateID, &n.EventType, &n.CorrelationID,
			&n.Channel, &n.Priority, &n.Status, &variables, &metadata, &n.CreatedAt); err != nil {
			return nil, nil, fmt.Errorf("scan notification row: %w", err)
		}
		n.Variables = map[string]any(variables)
		n.Metadata = map[string]any(metadata)
		records = append(records, n)
	}

	var next *time.Time
	if len(records) == limit {
		t := records[len(records)-1].CreatedAt
		next = &t
	}
	return records, next, nil
}

// GetFailedForRetry returns failed notifications still within their retry
// budget, highest priority first and oldest first within a priority, for
// the worker's retry sweep. FOR UPDATE SKIP
// LOCKED lets multiple worker instances sweep concurrently without
// double-processing the same row.
func (r *Repository) GetFailedForRetry(ctx context.Context, maxRetries, limit int) ([]materializer.Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM notifications
		WHERE status = 'failed'
		  AND retry_count < $1
		  AND failed_at > NOW() - INTERVAL '24 hours'
		ORDER BY CASE priority WHEN 'urgent' THEN 4 WHEN 'high' THEN 3 WHEN 'normal' THEN 2 ELSE 1 END DESC, created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`

	rows, err := r.pool.Query(ctx, query, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed-for-retry notifications: %w", err)
	}
	defer rows.Close()

	records := make([]materializer.Record, 0, limit)
	for rows.Next() {
		var n materializer.Record
		var variables, metadata JSONMap
		if err := rows.Scan(&n.ID, &n.SiteID, &n.UserID, &n.TemplateID, &n.EventType, &n.CorrelationID,
			&n.Channel, &n.Priority, &n.Status, &variables, &metadata, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan failed-for-retry row: %w", err)
		}
		n.Variables = map[string]any(variables)
		n.Metadata = map[string]any(metadata)
		records = append(records, n)
	}
	return records, nil
}
