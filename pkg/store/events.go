package store

import (
	"context"
	"time"

	"github.com/openfoundry/foundry/pkg/engine"
)

// AppendLifecycleEvent appends to a configuration's event log.
func (s *SQLiteStore) AppendLifecycleEvent(ctx context.Context, event *engine.LifecycleEvent) error {
	query := `
		INSERT INTO lifecycle_events (config_id, version, type, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.ConfigID,
		event.Version,
		event.Type,
		event.Message,
		event.Details,
		event.Timestamp,
	)
	if err != nil {
		return engine.NewInternalError("failed to append lifecycle event", err).WithResource(event.ConfigID)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return engine.NewInternalError("failed to get event id", err)
	}
	event.ID = id

	return nil
}

// ListLifecycleEvents returns a configuration's event log, oldest first.
func (s *SQLiteStore) ListLifecycleEvents(ctx context.Context, configID string, limit int) ([]*engine.LifecycleEvent, error) {
	if limit <= 0 {
		limit = 200
	}

	query := `
		SELECT id, config_id, version, type, message, details, timestamp
		FROM lifecycle_events
		WHERE config_id = ?
		ORDER BY id ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, configID, limit)
	if err != nil {
		return nil, engine.NewInternalError("failed to list lifecycle events", err).WithResource(configID)
	}
	defer rows.Close()

	events := []*engine.LifecycleEvent{}
	for rows.Next() {
		event := &engine.LifecycleEvent{}
		err := rows.Scan(
			&event.ID,
			&event.ConfigID,
			&event.Version,
			&event.Type,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, engine.NewInternalError("failed to scan lifecycle event", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.NewInternalError("error iterating lifecycle events", err)
	}

	return events, nil
}

// AuditEntry is one row of the operator-facing audit trail.
type AuditEntry struct {
	ID         int64     `json:"id"`
	Action     string    `json:"action"`
	Actor      string    `json:"actor,omitempty"`
	ResourceID string    `json:"resource_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// CreateAuditEntry records one audit trail row.
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	query := `
		INSERT INTO audit (action, actor, resource_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.ResourceID,
		entry.Details,
		entry.Timestamp,
	)
	if err != nil {
		return engine.NewInternalError("failed to create audit entry", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return engine.NewInternalError("failed to get audit entry id", err)
	}
	entry.ID = id

	return nil
}

// ListAuditEntries returns audit rows for a resource, newest first.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, resourceID string, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, action, actor, resource_id, details, timestamp
		FROM audit
		WHERE resource_id = ?
		ORDER BY id DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, resourceID, limit)
	if err != nil {
		return nil, engine.NewInternalError("failed to list audit entries", err).WithResource(resourceID)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.ResourceID,
			&entry.Details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, engine.NewInternalError("failed to scan audit entry", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.NewInternalError("error iterating audit entries", err)
	}

	return entries, nil
}
