package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/openfoundry/foundry/pkg/engine"
)

// envDefaults is the JSON shape of the environments.defaults column.
type envDefaults struct {
	Authorization     *engine.Authorization     `json:"authorization,omitempty"`
	Inputs            engine.PropertyBag        `json:"inputs,omitempty"`
	ComplianceProfile *engine.ComplianceProfile `json:"compliance_profile,omitempty"`
}

// CreateEnvironment inserts a new environment record.
func (s *SQLiteStore) CreateEnvironment(ctx context.Context, env *engine.Environment) error {
	defaults, err := json.Marshal(envDefaults{
		Authorization:     env.Authorization,
		Inputs:            env.Inputs,
		ComplianceProfile: env.ComplianceProfile,
	})
	if err != nil {
		return engine.NewInternalError("failed to encode environment defaults", err).WithResource(env.ID)
	}

	query := `
		INSERT INTO environments (id, project_id, name, description, defaults, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		env.ID,
		env.ProjectID,
		env.Name,
		env.Description,
		string(defaults),
		env.CreatedAt,
		env.UpdatedAt,
	)
	if err != nil {
		return engine.NewInternalError("failed to create environment", err).WithResource(env.ID)
	}

	return nil
}

// GetEnvironment retrieves an environment by id.
func (s *SQLiteStore) GetEnvironment(ctx context.Context, id string) (*engine.Environment, error) {
	query := `
		SELECT id, project_id, name, description, defaults, created_at, updated_at
		FROM environments
		WHERE id = ?
	`

	env := &engine.Environment{}
	var defaults string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&env.ID,
		&env.ProjectID,
		&env.Name,
		&env.Description,
		&defaults,
		&env.CreatedAt,
		&env.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("environment not found", nil).WithResource(id)
	}
	if err != nil {
		return nil, engine.NewInternalError("failed to get environment", err).WithResource(id)
	}

	var d envDefaults
	if err := json.Unmarshal([]byte(defaults), &d); err != nil {
		return nil, engine.NewInternalError("failed to decode environment defaults", err).WithResource(id)
	}
	env.Authorization = d.Authorization
	env.Inputs = d.Inputs
	env.ComplianceProfile = d.ComplianceProfile

	return env, nil
}

// UpdateEnvironment updates the mutable fields of an environment.
func (s *SQLiteStore) UpdateEnvironment(ctx context.Context, env *engine.Environment) error {
	defaults, err := json.Marshal(envDefaults{
		Authorization:     env.Authorization,
		Inputs:            env.Inputs,
		ComplianceProfile: env.ComplianceProfile,
	})
	if err != nil {
		return engine.NewInternalError("failed to encode environment defaults", err).WithResource(env.ID)
	}

	query := `
		UPDATE environments
		SET name = ?, description = ?, defaults = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, env.Name, env.Description, string(defaults), env.UpdatedAt, env.ID)
	if err != nil {
		return engine.NewInternalError("failed to update environment", err).WithResource(env.ID)
	}

	return requireRow(result, "environment", env.ID)
}

// DeleteEnvironment removes an environment row. The referenced-by-configs
// check lives in the registry.
func (s *SQLiteStore) DeleteEnvironment(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM environments WHERE id = ?`, id)
	if err != nil {
		return engine.NewInternalError("failed to delete environment", err).WithResource(id)
	}

	return requireRow(result, "environment", id)
}

// ListEnvironments returns all environments of a project in name order.
func (s *SQLiteStore) ListEnvironments(ctx context.Context, projectID string) ([]*engine.Environment, error) {
	query := `
		SELECT id, project_id, name, description, defaults, created_at, updated_at
		FROM environments
		WHERE project_id = ?
		ORDER BY name ASC
	`

	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, engine.NewInternalError("failed to list environments", err).WithResource(projectID)
	}
	defer rows.Close()

	envs := []*engine.Environment{}
	for rows.Next() {
		env := &engine.Environment{}
		var defaults string
		err := rows.Scan(
			&env.ID,
			&env.ProjectID,
			&env.Name,
			&env.Description,
			&defaults,
			&env.CreatedAt,
			&env.UpdatedAt,
		)
		if err != nil {
			return nil, engine.NewInternalError("failed to scan environment", err)
		}
		var d envDefaults
		if err := json.Unmarshal([]byte(defaults), &d); err != nil {
			return nil, engine.NewInternalError("failed to decode environment defaults", err).WithResource(env.ID)
		}
		env.Authorization = d.Authorization
		env.Inputs = d.Inputs
		env.ComplianceProfile = d.ComplianceProfile
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		return nil, engine.NewInternalError("error iterating environments", err)
	}

	return envs, nil
}

// CountConfigsReferencingEnvironment counts configurations whose current
// definition references the environment.
func (s *SQLiteStore) CountConfigsReferencingEnvironment(ctx context.Context, envID string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM configs
		WHERE json_extract(definition, '$.environment_id') = ?
	`

	var count int
	if err := s.db.QueryRowContext(ctx, query, envID).Scan(&count); err != nil {
		return 0, engine.NewInternalError("failed to count environment references", err).WithResource(envID)
	}

	return count, nil
}
