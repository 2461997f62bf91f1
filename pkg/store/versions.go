package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openfoundry/foundry/pkg/engine"
)

// ConfigVersion is one stored definition snapshot.
type ConfigVersion struct {
	Summary    engine.VersionSummary
	Definition engine.ConfigDefinition
}

// AppendVersion stores a new definition snapshot and makes it the current
// version. Version numbers come from the configuration's high-water mark,
// so a number is never reused even after other versions are deleted. The
// previous current snapshot is marked superceded unless it is the deployed
// version.
func (s *SQLiteStore) AppendVersion(ctx context.Context, configID string, def *engine.ConfigDefinition, now time.Time) (*engine.Configuration, error) {
	definition, err := json.Marshal(def)
	if err != nil {
		return nil, engine.NewInternalError("failed to encode definition", err).WithResource(configID)
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return nil, engine.NewInternalError("failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	var deployed sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT version, deployed_version FROM configs WHERE id = ?`, configID).
		Scan(&current, &deployed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("configuration not found", nil).WithResource(configID)
	}
	if err != nil {
		return nil, engine.NewInternalError("failed to read current version", err).WithResource(configID)
	}

	next := current + 1

	if !deployed.Valid || deployed.Int64 != current {
		_, err = tx.ExecContext(ctx, `
			UPDATE config_versions SET state = ?
			WHERE config_id = ? AND version = ? AND state NOT IN (?, ?)
		`, engine.StateSuperceded, configID, current, engine.StateDiscarded, engine.StateDeleted)
		if err != nil {
			return nil, engine.NewInternalError("failed to supersede previous version", err).WithResource(configID)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO config_versions (config_id, version, state, definition, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, configID, next, engine.StateDraft, string(definition), now)
	if err != nil {
		return nil, engine.NewInternalError("failed to insert version snapshot", err).WithResource(configID)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE configs
		SET version = ?, is_draft = 1, state = ?, definition = ?,
		    approved_version = NULL, approved_comment = '',
		    user_modified_at = ?, last_save = ?, updated_at = ?
		WHERE id = ?
	`, next, engine.StateDraft, string(definition), now, now, now, configID)
	if err != nil {
		return nil, engine.NewInternalError("failed to advance current version", err).WithResource(configID)
	}

	if err := tx.Commit(); err != nil {
		return nil, engine.NewInternalError("failed to commit version append", err).WithResource(configID)
	}

	return s.GetConfigByID(ctx, configID)
}

// GetVersion loads one stored version snapshot.
func (s *SQLiteStore) GetVersion(ctx context.Context, configID string, version int64) (*ConfigVersion, error) {
	query := `
		SELECT config_id, version, state, definition, created_at
		FROM config_versions
		WHERE config_id = ? AND version = ?
	`

	v := &ConfigVersion{}
	var definition string
	err := s.db.QueryRowContext(ctx, query, configID, version).Scan(
		&v.Summary.ConfigID,
		&v.Summary.Version,
		&v.Summary.State,
		&definition,
		&v.Summary.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError(
			fmt.Sprintf("version %d not found", version), nil).WithResource(configID)
	}
	if err != nil {
		return nil, engine.NewInternalError("failed to get version", err).WithResource(configID)
	}

	if err := json.Unmarshal([]byte(definition), &v.Definition); err != nil {
		return nil, engine.NewInternalError("failed to decode version definition", err).WithResource(configID)
	}

	return v, nil
}

// ListVersions returns all stored versions of a configuration in version
// order.
func (s *SQLiteStore) ListVersions(ctx context.Context, configID string) ([]engine.VersionSummary, error) {
	query := `
		SELECT config_id, version, state, created_at
		FROM config_versions
		WHERE config_id = ?
		ORDER BY version ASC
	`

	rows, err := s.db.QueryContext(ctx, query, configID)
	if err != nil {
		return nil, engine.NewInternalError("failed to list versions", err).WithResource(configID)
	}
	defer rows.Close()

	versions := []engine.VersionSummary{}
	for rows.Next() {
		var v engine.VersionSummary
		if err := rows.Scan(&v.ConfigID, &v.Version, &v.State, &v.CreatedAt); err != nil {
			return nil, engine.NewInternalError("failed to scan version", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.NewInternalError("error iterating versions", err)
	}

	return versions, nil
}

// DeleteVersion removes one stored version snapshot. Deleting the deployed
// version or the current version is a conflict; the version number is
// never handed out again either way.
func (s *SQLiteStore) DeleteVersion(ctx context.Context, configID string, version int64) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return engine.NewInternalError("failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	var deployed sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT version, deployed_version FROM configs WHERE id = ?`, configID).
		Scan(&current, &deployed)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.NewNotFoundError("configuration not found", nil).WithResource(configID)
	}
	if err != nil {
		return engine.NewInternalError("failed to inspect configuration", err).WithResource(configID)
	}

	if deployed.Valid && deployed.Int64 == version {
		return engine.NewConflictError(
			fmt.Sprintf("version %d is deployed and cannot be deleted", version), nil).
			WithResource(configID).WithCode(engine.ErrCodeVersionDeployed)
	}
	if version == current {
		return engine.NewConflictError(
			fmt.Sprintf("version %d is the current version and cannot be deleted", version), nil).
			WithResource(configID)
	}

	result, err := tx.ExecContext(ctx,
		`DELETE FROM config_versions WHERE config_id = ? AND version = ?`, configID, version)
	if err != nil {
		return engine.NewInternalError("failed to delete version", err).WithResource(configID)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return engine.NewInternalError("failed to get rows affected", err)
	}
	if rows == 0 {
		return engine.NewNotFoundError(
			fmt.Sprintf("version %d not found", version), nil).WithResource(configID)
	}

	if err := tx.Commit(); err != nil {
		return engine.NewInternalError("failed to commit version delete", err).WithResource(configID)
	}

	return nil
}

// DeleteAllVersions removes every stored snapshot of a configuration. It
// is called when the configuration itself is deleted and refuses to run
// while a version is still deployed.
func (s *SQLiteStore) DeleteAllVersions(ctx context.Context, configID string) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return engine.NewInternalError("failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var deployed sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT deployed_version FROM configs WHERE id = ?`, configID).
		Scan(&deployed)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.NewNotFoundError("configuration not found", nil).WithResource(configID)
	}
	if err != nil {
		return engine.NewInternalError("failed to inspect configuration", err).WithResource(configID)
	}

	if deployed.Valid {
		return engine.NewConflictError(
			fmt.Sprintf("version %d is deployed and cannot be deleted", deployed.Int64), nil).
			WithResource(configID).WithCode(engine.ErrCodeVersionDeployed)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM config_versions WHERE config_id = ?`, configID); err != nil {
		return engine.NewInternalError("failed to delete versions", err).WithResource(configID)
	}

	if err := tx.Commit(); err != nil {
		return engine.NewInternalError("failed to commit version delete", err).WithResource(configID)
	}

	return nil
}
