package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openfoundry/foundry/pkg/engine"
	"github.com/openfoundry/foundry/pkg/store"
)

// Store is the persistence surface the registries depend on. Implemented
// by store.SQLiteStore.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, p *engine.Project) error
	GetProject(ctx context.Context, id string) (*engine.Project, error)
	UpdateProject(ctx context.Context, p *engine.Project) error
	SetProjectState(ctx context.Context, id string, state engine.ProjectState) error
	DeleteProject(ctx context.Context, id string) error
	ListProjects(ctx context.Context, token string, limit int) ([]*engine.Project, string, error)

	// Environments
	CreateEnvironment(ctx context.Context, env *engine.Environment) error
	GetEnvironment(ctx context.Context, id string) (*engine.Environment, error)
	UpdateEnvironment(ctx context.Context, env *engine.Environment) error
	DeleteEnvironment(ctx context.Context, id string) error
	ListEnvironments(ctx context.Context, projectID string) ([]*engine.Environment, error)
	CountConfigsReferencingEnvironment(ctx context.Context, envID string) (int, error)

	// Configurations
	CreateConfig(ctx context.Context, cfg *engine.Configuration) error
	GetConfigByID(ctx context.Context, configID string) (*engine.Configuration, error)
	ListConfigs(ctx context.Context, projectID, token string, limit int) ([]*engine.Configuration, string, error)
	ListConfigIDs(ctx context.Context, projectID string) ([]string, error)
	DeleteConfig(ctx context.Context, configID string) error
	CompareAndSwapState(ctx context.Context, configID string, version int64, from, to engine.ConfigState) error
	SetUpdateAvailable(ctx context.Context, configID string, available bool) error
	ClearNeedsAttention(ctx context.Context, configID string, eventIDs []string) error
	GetJobClaim(ctx context.Context, configID string, version int64) (*engine.JobClaim, error)
	CountJobClaimsForProject(ctx context.Context, projectID string) (int64, error)

	// Versions
	AppendVersion(ctx context.Context, configID string, def *engine.ConfigDefinition, now time.Time) (*engine.Configuration, error)
	GetVersion(ctx context.Context, configID string, version int64) (*store.ConfigVersion, error)
	ListVersions(ctx context.Context, configID string) ([]engine.VersionSummary, error)
	DeleteVersion(ctx context.Context, configID string, version int64) error
	DeleteAllVersions(ctx context.Context, configID string) error

	// Trail
	AppendLifecycleEvent(ctx context.Context, event *engine.LifecycleEvent) error
	CreateAuditEntry(ctx context.Context, entry *store.AuditEntry) error
}

// newID returns a fresh entity identifier.
func newID() string { return uuid.New().String() }

// projectCRN builds the cloud resource name for a project.
func projectCRN(location, resourceGroup, id string) string {
	return fmt.Sprintf("crn:v1:foundry:public:project:%s:%s:%s::", location, resourceGroup, id)
}

// audit records one audit-trail row, best effort: a failed audit write
// never fails the operation it describes.
func audit(ctx context.Context, s Store, action, actor, resourceID string, details interface{}) {
	var encoded string
	if details != nil {
		if data, err := json.Marshal(details); err == nil {
			encoded = string(data)
		}
	}
	_ = s.CreateAuditEntry(ctx, &store.AuditEntry{
		Action:     action,
		Actor:      actor,
		ResourceID: resourceID,
		Details:    encoded,
		Timestamp:  time.Now(),
	})
}
