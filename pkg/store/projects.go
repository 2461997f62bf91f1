package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/openfoundry/foundry/pkg/engine"
	"github.com/openfoundry/foundry/pkg/store/cursor"
)

// CreateProject inserts a new project record.
func (s *SQLiteStore) CreateProject(ctx context.Context, p *engine.Project) error {
	query := `
		INSERT INTO projects (id, crn, name, description, location, resource_group, state, destroy_on_delete, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		p.ID,
		p.CRN,
		p.Name,
		p.Description,
		p.Location,
		p.ResourceGroup,
		p.State,
		p.DestroyOnDelete,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		return engine.NewInternalError("failed to create project", err).WithResource(p.ID)
	}

	return nil
}

// GetProject retrieves a project by id.
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*engine.Project, error) {
	query := `
		SELECT id, crn, name, description, location, resource_group, state, destroy_on_delete, created_at, updated_at
		FROM projects
		WHERE id = ?
	`

	p := &engine.Project{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&p.ID,
		&p.CRN,
		&p.Name,
		&p.Description,
		&p.Location,
		&p.ResourceGroup,
		&p.State,
		&p.DestroyOnDelete,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("project not found", nil).WithResource(id)
	}
	if err != nil {
		return nil, engine.NewInternalError("failed to get project", err).WithResource(id)
	}

	return p, nil
}

// UpdateProject updates the mutable fields of a project.
func (s *SQLiteStore) UpdateProject(ctx context.Context, p *engine.Project) error {
	query := `
		UPDATE projects
		SET name = ?, description = ?, destroy_on_delete = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, p.Name, p.Description, p.DestroyOnDelete, p.UpdatedAt, p.ID)
	if err != nil {
		return engine.NewInternalError("failed to update project", err).WithResource(p.ID)
	}

	return requireRow(result, "project", p.ID)
}

// SetProjectState updates the project lifecycle state.
func (s *SQLiteStore) SetProjectState(ctx context.Context, id string, state engine.ProjectState) error {
	query := `UPDATE projects SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, state, id)
	if err != nil {
		return engine.NewInternalError("failed to set project state", err).WithResource(id)
	}

	return requireRow(result, "project", id)
}

// DeleteProject removes a project row. Environments and configurations
// cascade at the schema level; admission rules live in the registry.
func (s *SQLiteStore) DeleteProject(ctx context.Context, id string) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return engine.NewInternalError("failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Re-check claims inside the delete transaction. A submit that claimed
	// a job before this point is visible here; one that claims after it
	// loses its state swap against the cascaded config delete.
	var claims int64
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM job_claims j
		JOIN configs c ON c.id = j.config_id
		WHERE c.project_id = ?
	`, id).Scan(&claims)
	if err != nil {
		return engine.NewInternalError("failed to count project job claims", err).WithResource(id)
	}
	if claims > 0 {
		return engine.NewConflictError(
			fmt.Sprintf("project has %d jobs in flight", claims), nil).
			WithResource(id).WithCode(engine.ErrCodeProjectNotEmpty)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return engine.NewInternalError("failed to delete project", err).WithResource(id)
	}
	if err := requireRow(result, "project", id); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return engine.NewInternalError("failed to commit project delete", err).WithResource(id)
	}

	return nil
}

// CountJobClaimsForProject returns the number of in-flight job claims held
// by the project's configurations.
func (s *SQLiteStore) CountJobClaimsForProject(ctx context.Context, projectID string) (int64, error) {
	var claims int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM job_claims j
		JOIN configs c ON c.id = j.config_id
		WHERE c.project_id = ?
	`, projectID).Scan(&claims)
	if err != nil {
		return 0, engine.NewInternalError("failed to count project job claims", err).WithResource(projectID)
	}
	return claims, nil
}

// ListProjects returns one page of projects in creation order. An empty
// token starts from the beginning; the returned token is empty on the last
// page.
func (s *SQLiteStore) ListProjects(ctx context.Context, token string, limit int) ([]*engine.Project, string, error) {
	if limit <= 0 {
		limit = 50
	}

	var afterSeq uint64
	if token != "" {
		c, err := cursor.Decode(token)
		if err != nil {
			return nil, "", engine.NewValidationError("invalid page token", err)
		}
		afterSeq = c.Seq
	}

	query := `
		SELECT seq, id, crn, name, description, location, resource_group, state, destroy_on_delete, created_at, updated_at
		FROM projects
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, afterSeq, limit+1)
	if err != nil {
		return nil, "", engine.NewInternalError("failed to list projects", err)
	}
	defer rows.Close()

	projects := []*engine.Project{}
	seqs := []uint64{}
	for rows.Next() {
		p := &engine.Project{}
		var seq uint64
		err := rows.Scan(
			&seq,
			&p.ID,
			&p.CRN,
			&p.Name,
			&p.Description,
			&p.Location,
			&p.ResourceGroup,
			&p.State,
			&p.DestroyOnDelete,
			&p.CreatedAt,
			&p.UpdatedAt,
		)
		if err != nil {
			return nil, "", engine.NewInternalError("failed to scan project", err)
		}
		projects = append(projects, p)
		seqs = append(seqs, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, "", engine.NewInternalError("error iterating projects", err)
	}

	var next string
	if len(projects) > limit {
		projects = projects[:limit]
		next, err = cursor.Encode(cursor.New(seqs[limit-1], ""))
		if err != nil {
			return nil, "", engine.NewInternalError("failed to encode page token", err)
		}
	}

	return projects, next, nil
}

// requireRow converts a zero-rows-affected result into NotFound.
func requireRow(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return engine.NewInternalError("failed to get rows affected", err)
	}
	if rows == 0 {
		return engine.NewNotFoundError(fmt.Sprintf("%s not found", kind), nil).WithResource(id)
	}
	return nil
}
