package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openfoundry/foundry/pkg/engine"
	"github.com/openfoundry/foundry/pkg/store/cursor"
)

const configColumns = `seq, id, project_id, version, is_draft, state, update_available, needs_attention,
	definition, last_validated, last_deployed, last_undeployed,
	approved_version, approved_comment, deployed_version, workspace_ref,
	created_at, user_modified_at, last_save, updated_at`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConfig(row rowScanner) (*engine.Configuration, uint64, error) {
	cfg := &engine.Configuration{}
	var (
		seq             uint64
		needsAttention  string
		definition      string
		lastValidated   sql.NullString
		lastDeployed    sql.NullString
		lastUndeployed  sql.NullString
		approvedVersion sql.NullInt64
		deployedVersion sql.NullInt64
	)

	err := row.Scan(
		&seq,
		&cfg.ID,
		&cfg.ProjectID,
		&cfg.Version,
		&cfg.IsDraft,
		&cfg.State,
		&cfg.UpdateAvailable,
		&needsAttention,
		&definition,
		&lastValidated,
		&lastDeployed,
		&lastUndeployed,
		&approvedVersion,
		&cfg.ApprovedComment,
		&deployedVersion,
		&cfg.WorkspaceRef,
		&cfg.CreatedAt,
		&cfg.UserModifiedAt,
		&cfg.LastSave,
		&cfg.UpdatedAt,
	)
	if err != nil {
		return nil, 0, err
	}

	if err := json.Unmarshal([]byte(needsAttention), &cfg.NeedsAttention); err != nil {
		return nil, 0, fmt.Errorf("failed to decode needs_attention: %w", err)
	}
	if err := json.Unmarshal([]byte(definition), &cfg.Definition); err != nil {
		return nil, 0, fmt.Errorf("failed to decode definition: %w", err)
	}
	if cfg.LastValidated, err = decodeSummary(lastValidated); err != nil {
		return nil, 0, err
	}
	if cfg.LastDeployed, err = decodeSummary(lastDeployed); err != nil {
		return nil, 0, err
	}
	if cfg.LastUndeployed, err = decodeSummary(lastUndeployed); err != nil {
		return nil, 0, err
	}
	if approvedVersion.Valid {
		cfg.ApprovedVersion = &approvedVersion.Int64
	}
	if deployedVersion.Valid {
		cfg.DeployedVersion = &deployedVersion.Int64
	}

	return cfg, seq, nil
}

func decodeSummary(col sql.NullString) (*engine.ActionSummary, error) {
	if !col.Valid || col.String == "" {
		return nil, nil
	}
	summary := &engine.ActionSummary{}
	if err := json.Unmarshal([]byte(col.String), summary); err != nil {
		return nil, fmt.Errorf("failed to decode action summary: %w", err)
	}
	return summary, nil
}

// CreateConfig inserts a configuration and its first version snapshot in
// one transaction.
func (s *SQLiteStore) CreateConfig(ctx context.Context, cfg *engine.Configuration) error {
	definition, err := json.Marshal(cfg.Definition)
	if err != nil {
		return engine.NewInternalError("failed to encode definition", err).WithResource(cfg.ID)
	}
	needsAttention, err := json.Marshal(cfg.NeedsAttention)
	if err != nil {
		return engine.NewInternalError("failed to encode needs_attention", err).WithResource(cfg.ID)
	}
	if cfg.NeedsAttention == nil {
		needsAttention = []byte("[]")
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return engine.NewInternalError("failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO configs (
			id, project_id, version, is_draft, state, update_available, needs_attention,
			definition, approved_comment, workspace_ref,
			created_at, user_modified_at, last_save, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		cfg.ID,
		cfg.ProjectID,
		cfg.Version,
		cfg.IsDraft,
		cfg.State,
		cfg.UpdateAvailable,
		string(needsAttention),
		string(definition),
		cfg.ApprovedComment,
		cfg.WorkspaceRef,
		cfg.CreatedAt,
		cfg.UserModifiedAt,
		cfg.LastSave,
		cfg.UpdatedAt,
	)
	if err != nil {
		return engine.NewInternalError("failed to create configuration", err).WithResource(cfg.ID)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO config_versions (config_id, version, state, definition, created_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		cfg.ID, cfg.Version, cfg.State, string(definition), cfg.CreatedAt,
	)
	if err != nil {
		return engine.NewInternalError("failed to create version snapshot", err).WithResource(cfg.ID)
	}

	if err := tx.Commit(); err != nil {
		return engine.NewInternalError("failed to commit configuration", err).WithResource(cfg.ID)
	}

	return nil
}

// GetConfigByID loads a configuration by its id.
func (s *SQLiteStore) GetConfigByID(ctx context.Context, configID string) (*engine.Configuration, error) {
	query := `SELECT ` + configColumns + ` FROM configs WHERE id = ?`

	cfg, _, err := scanConfig(s.db.QueryRowContext(ctx, query, configID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("configuration not found", nil).WithResource(configID)
	}
	if err != nil {
		return nil, engine.NewInternalError("failed to get configuration", err).WithResource(configID)
	}

	return cfg, nil
}

// ListConfigIDs returns the ids of all configurations in a project.
func (s *SQLiteStore) ListConfigIDs(ctx context.Context, projectID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM configs WHERE project_id = ? ORDER BY seq ASC`, projectID)
	if err != nil {
		return nil, engine.NewInternalError("failed to list configuration ids", err).WithResource(projectID)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, engine.NewInternalError("failed to scan configuration id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.NewInternalError("error iterating configuration ids", err)
	}

	return ids, nil
}

// ListConfigs returns one page of a project's configurations in creation
// order. An empty token starts from the beginning; the returned token is
// empty on the last page. Rows deleted since the token was issued are
// skipped, never an error.
func (s *SQLiteStore) ListConfigs(ctx context.Context, projectID, token string, limit int) ([]*engine.Configuration, string, error) {
	if limit <= 0 {
		limit = 50
	}

	var afterSeq uint64
	if token != "" {
		c, err := cursor.Decode(token)
		if err != nil {
			return nil, "", engine.NewValidationError("invalid page token", err)
		}
		if err := cursor.ValidateFilterHash(c, projectID); err != nil {
			return nil, "", engine.NewValidationError("page token does not match project", err)
		}
		afterSeq = c.Seq
	}

	query := `SELECT ` + configColumns + `
		FROM configs
		WHERE project_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, projectID, afterSeq, limit+1)
	if err != nil {
		return nil, "", engine.NewInternalError("failed to list configurations", err).WithResource(projectID)
	}
	defer rows.Close()

	configs := []*engine.Configuration{}
	seqs := []uint64{}
	for rows.Next() {
		cfg, seq, err := scanConfig(rows)
		if err != nil {
			return nil, "", engine.NewInternalError("failed to scan configuration", err)
		}
		configs = append(configs, cfg)
		seqs = append(seqs, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, "", engine.NewInternalError("error iterating configurations", err)
	}

	var next string
	if len(configs) > limit {
		configs = configs[:limit]
		next, err = cursor.Encode(cursor.New(seqs[limit-1], projectID))
		if err != nil {
			return nil, "", engine.NewInternalError("failed to encode page token", err)
		}
	}

	return configs, next, nil
}

// CompareAndSwapState transitions (configID, version) from one state to
// another atomically. The version snapshot row is kept in step.
func (s *SQLiteStore) CompareAndSwapState(ctx context.Context, configID string, version int64, from, to engine.ConfigState) error {
	return s.swapState(ctx, configID, version, from, to, "")
}

// ApproveVersion performs the approval state swap and records the
// approved-version pointer and comment in the same transaction, so a crash
// cannot leave an approved configuration without its pointer.
func (s *SQLiteStore) ApproveVersion(ctx context.Context, configID string, version int64, from engine.ConfigState, comment string) error {
	return s.swapState(ctx, configID, version, from, engine.StateApproved,
		", approved_version = ?, approved_comment = ?, is_draft = 0", version, comment)
}

func (s *SQLiteStore) swapState(ctx context.Context, configID string, version int64, from, to engine.ConfigState, extraSet string, extraArgs ...interface{}) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return engine.NewInternalError("failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	args := append([]interface{}{to}, extraArgs...)
	args = append(args, configID, version, from)
	result, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE configs
		SET state = ?%s, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ? AND state = ?
	`, extraSet), args...)
	if err != nil {
		return engine.NewInternalError("failed to swap state", err).WithResource(configID)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return engine.NewInternalError("failed to get rows affected", err)
	}
	if rows == 0 {
		// Disambiguate: missing row vs. a state or version that moved.
		var current engine.ConfigState
		var currentVersion int64
		err := tx.QueryRowContext(ctx,
			`SELECT state, version FROM configs WHERE id = ?`, configID).
			Scan(&current, &currentVersion)
		if errors.Is(err, sql.ErrNoRows) {
			return engine.NewNotFoundError("configuration not found", nil).WithResource(configID)
		}
		if err != nil {
			return engine.NewInternalError("failed to inspect configuration", err).WithResource(configID)
		}
		if currentVersion != version {
			return engine.NewConflictError(
				fmt.Sprintf("version %d is no longer current (now %d)", version, currentVersion), nil).
				WithResource(configID).WithCode(engine.ErrCodeStateChanged)
		}
		return engine.NewConflictError(
			fmt.Sprintf("state changed: expected %s, found %s", from, current), nil).
			WithResource(configID).WithCode(engine.ErrCodeStateChanged)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE config_versions SET state = ? WHERE config_id = ? AND version = ?
	`, to, configID, version)
	if err != nil {
		return engine.NewInternalError("failed to update version snapshot state", err).WithResource(configID)
	}

	if err := tx.Commit(); err != nil {
		return engine.NewInternalError("failed to commit state swap", err).WithResource(configID)
	}

	return nil
}

// SetActionSummary folds a completed job summary into the configuration's
// last_validated/last_deployed/last_undeployed field.
func (s *SQLiteStore) SetActionSummary(ctx context.Context, configID string, summary *engine.ActionSummary) error {
	var column string
	switch summary.Action {
	case engine.ActionValidate:
		column = "last_validated"
	case engine.ActionDeploy:
		column = "last_deployed"
	case engine.ActionUndeploy:
		column = "last_undeployed"
	default:
		return engine.NewValidationError(fmt.Sprintf("action %s has no summary slot", summary.Action), nil)
	}

	encoded, err := json.Marshal(summary)
	if err != nil {
		return engine.NewInternalError("failed to encode action summary", err).WithResource(configID)
	}

	query := fmt.Sprintf(
		`UPDATE configs SET %s = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, column)

	result, err := s.db.ExecContext(ctx, query, string(encoded), configID)
	if err != nil {
		return engine.NewInternalError("failed to set action summary", err).WithResource(configID)
	}

	return requireRow(result, "configuration", configID)
}

// SetDeployedVersion updates the deployed-version pointer; nil clears it.
func (s *SQLiteStore) SetDeployedVersion(ctx context.Context, configID string, version *int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE configs SET deployed_version = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		nullableInt64(version), configID)
	if err != nil {
		return engine.NewInternalError("failed to set deployed version", err).WithResource(configID)
	}

	return requireRow(result, "configuration", configID)
}

// SetOutputs records the outputs of the last passed deployment on the
// configuration's definition.
func (s *SQLiteStore) SetOutputs(ctx context.Context, configID string, outputs []engine.OutputValue) error {
	encoded, err := json.Marshal(outputs)
	if err != nil {
		return engine.NewInternalError("failed to encode outputs", err).WithResource(configID)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE configs
		SET definition = json_set(definition, '$.outputs', json(?)),
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, string(encoded), configID)
	if err != nil {
		return engine.NewInternalError("failed to set outputs", err).WithResource(configID)
	}

	return requireRow(result, "configuration", configID)
}

// SetApprovedVersion updates the approved-version pointer and comment. An
// approval also clears the draft flag.
func (s *SQLiteStore) SetApprovedVersion(ctx context.Context, configID string, version *int64, comment string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE configs
		SET approved_version = ?, approved_comment = ?,
		    is_draft = CASE WHEN ? IS NULL THEN is_draft ELSE 0 END,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, nullableInt64(version), comment, nullableInt64(version), configID)
	if err != nil {
		return engine.NewInternalError("failed to set approved version", err).WithResource(configID)
	}

	return requireRow(result, "configuration", configID)
}

// SetWorkspaceRef records the provisioning-engine workspace backing the
// configuration.
func (s *SQLiteStore) SetWorkspaceRef(ctx context.Context, configID, ref string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE configs SET workspace_ref = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		ref, configID)
	if err != nil {
		return engine.NewInternalError("failed to set workspace ref", err).WithResource(configID)
	}

	return requireRow(result, "configuration", configID)
}

// SetUpdateAvailable flips the update-available marker.
func (s *SQLiteStore) SetUpdateAvailable(ctx context.Context, configID string, available bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE configs SET update_available = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		available, configID)
	if err != nil {
		return engine.NewInternalError("failed to set update_available", err).WithResource(configID)
	}

	return requireRow(result, "configuration", configID)
}

// AddNeedsAttention appends an unresolved issue marker.
func (s *SQLiteStore) AddNeedsAttention(ctx context.Context, configID string, entry engine.NeedsAttention) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return engine.NewInternalError("failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT needs_attention FROM configs WHERE id = ?`, configID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.NewNotFoundError("configuration not found", nil).WithResource(configID)
	}
	if err != nil {
		return engine.NewInternalError("failed to read needs_attention", err).WithResource(configID)
	}

	var entries []engine.NeedsAttention
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return engine.NewInternalError("failed to decode needs_attention", err).WithResource(configID)
	}
	entries = append(entries, entry)
	encoded, err := json.Marshal(entries)
	if err != nil {
		return engine.NewInternalError("failed to encode needs_attention", err).WithResource(configID)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE configs SET needs_attention = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(encoded), configID)
	if err != nil {
		return engine.NewInternalError("failed to write needs_attention", err).WithResource(configID)
	}

	if err := tx.Commit(); err != nil {
		return engine.NewInternalError("failed to commit needs_attention", err).WithResource(configID)
	}

	return nil
}

// ClearNeedsAttention removes resolved issue markers by event id. An empty
// slice clears all markers.
func (s *SQLiteStore) ClearNeedsAttention(ctx context.Context, configID string, eventIDs []string) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return engine.NewInternalError("failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT needs_attention FROM configs WHERE id = ?`, configID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.NewNotFoundError("configuration not found", nil).WithResource(configID)
	}
	if err != nil {
		return engine.NewInternalError("failed to read needs_attention", err).WithResource(configID)
	}

	var entries []engine.NeedsAttention
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return engine.NewInternalError("failed to decode needs_attention", err).WithResource(configID)
	}

	kept := []engine.NeedsAttention{}
	if len(eventIDs) > 0 {
		drop := make(map[string]bool, len(eventIDs))
		for _, id := range eventIDs {
			drop[id] = true
		}
		for _, e := range entries {
			if !drop[e.EventID] {
				kept = append(kept, e)
			}
		}
	}

	encoded, err := json.Marshal(kept)
	if err != nil {
		return engine.NewInternalError("failed to encode needs_attention", err).WithResource(configID)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE configs SET needs_attention = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(encoded), configID)
	if err != nil {
		return engine.NewInternalError("failed to write needs_attention", err).WithResource(configID)
	}

	if err := tx.Commit(); err != nil {
		return engine.NewInternalError("failed to commit needs_attention", err).WithResource(configID)
	}

	return nil
}

// DeleteConfig removes a configuration row. Version snapshots cascade;
// lifecycle events are retained as an audit trail.
func (s *SQLiteStore) DeleteConfig(ctx context.Context, configID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM configs WHERE id = ?`, configID)
	if err != nil {
		return engine.NewInternalError("failed to delete configuration", err).WithResource(configID)
	}

	return requireRow(result, "configuration", configID)
}

func nullableInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
