package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/openfoundry/foundry/pkg/engine"
)

// ClaimJob atomically records an in-flight job for (configID, version).
// The primary key on (config_id, version) makes a second claim fail, which
// is the at-most-one-job-in-flight guarantee.
func (s *SQLiteStore) ClaimJob(ctx context.Context, claim *engine.JobClaim) error {
	query := `
		INSERT INTO job_claims (config_id, version, action, job_id, engine_job_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		claim.ConfigID,
		claim.Version,
		claim.Action,
		claim.JobID,
		claim.EngineJobID,
		claim.Status,
		claim.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return engine.NewConflictError("a job is already in flight for this version", err).
				WithResource(claim.ConfigID).WithCode(engine.ErrCodeJobInFlight)
		}
		return engine.NewInternalError("failed to claim job", err).WithResource(claim.ConfigID)
	}

	return nil
}

// GetJobClaim returns the claim for (configID, version), or NotFound.
func (s *SQLiteStore) GetJobClaim(ctx context.Context, configID string, version int64) (*engine.JobClaim, error) {
	query := `
		SELECT config_id, version, action, job_id, engine_job_id, status, created_at
		FROM job_claims
		WHERE config_id = ? AND version = ?
	`

	claim := &engine.JobClaim{}
	err := s.db.QueryRowContext(ctx, query, configID, version).Scan(
		&claim.ConfigID,
		&claim.Version,
		&claim.Action,
		&claim.JobID,
		&claim.EngineJobID,
		&claim.Status,
		&claim.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("no job claim found", nil).WithResource(configID)
	}
	if err != nil {
		return nil, engine.NewInternalError("failed to get job claim", err).WithResource(configID)
	}

	return claim, nil
}

// UpdateJobClaim updates the engine job reference and status of an
// existing claim.
func (s *SQLiteStore) UpdateJobClaim(ctx context.Context, configID string, version int64, engineJobID string, status engine.JobStatus) error {
	query := `
		UPDATE job_claims
		SET engine_job_id = ?, status = ?
		WHERE config_id = ? AND version = ?
	`

	result, err := s.db.ExecContext(ctx, query, engineJobID, status, configID, version)
	if err != nil {
		return engine.NewInternalError("failed to update job claim", err).WithResource(configID)
	}

	return requireRow(result, "job claim", configID)
}

// ReleaseJob removes the claim for (configID, version). Releasing an
// already-released claim is not an error.
func (s *SQLiteStore) ReleaseJob(ctx context.Context, configID string, version int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM job_claims WHERE config_id = ? AND version = ?`, configID, version)
	if err != nil {
		return engine.NewInternalError("failed to release job claim", err).WithResource(configID)
	}

	return nil
}

// isUniqueViolation reports whether the driver error is a primary-key or
// unique-constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}
