package query

import (
	"context"
	"log/slog"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/planproof/planproof/internal/api"
	"github.com/planproof/planproof/internal/compliance"
	"github.com/planproof/planproof/internal/project"
)

// Queries answers reads from cache when fresh and refetches otherwise. It
// also implements stream.Invalidator so completed checks evict the stale
// project history and record entries.
type Queries struct {
	api    *api.Client
	cache  *expirable.LRU[Key, any]
	logger *slog.Logger
}

func New(client *api.Client, logger *slog.Logger) *Queries {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queries{
		api:    client,
		cache:  newCache(),
		logger: logger,
	}
}

// Projects lists projects, cached.
func (q *Queries) Projects(ctx context.Context) ([]project.Project, error) {
	key := Key{Kind: kindProjects}
	if v, ok := q.cache.Get(key); ok {
		return v.([]project.Project), nil
	}
	projects, err := q.api.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	q.cache.Add(key, projects)
	return projects, nil
}

// Compliances lists a project's compliance history, cached per project. A
// project with no history yields a cached empty slice, not an error.
func (q *Queries) Compliances(ctx context.Context, projectID int64) ([]compliance.Record, error) {
	key := Key{Kind: kindCompliances, ID: projectID}
	if v, ok := q.cache.Get(key); ok {
		return v.([]compliance.Record), nil
	}
	records, err := q.api.ListRecords(ctx, projectID)
	if err != nil {
		return nil, err
	}
	q.cache.Add(key, records)
	return records, nil
}

// ComplianceRecord fetches a single record, cached per compliance id.
func (q *Queries) ComplianceRecord(ctx context.Context, complianceID int64) (*compliance.Record, error) {
	key := Key{Kind: kindComplianceRecord, ID: complianceID}
	if v, ok := q.cache.Get(key); ok {
		return v.(*compliance.Record), nil
	}
	record, err := q.api.GetRecord(ctx, complianceID)
	if err != nil {
		return nil, err
	}
	q.cache.Add(key, record)
	return record, nil
}

// CreateProject creates the project then evicts the project list.
func (q *Queries) CreateProject(ctx context.Context, req project.CreateRequest) (*project.Project, error) {
	created, err := q.api.CreateProject(ctx, req)
	if err != nil {
		return nil, err
	}
	q.InvalidateProjects()
	return created, nil
}

// UpdateDecision applies the review decision then evicts both the record and
// the parent project's history list.
func (q *Queries) UpdateDecision(ctx context.Context, projectID, complianceID int64, decision compliance.Decision) (*compliance.Record, error) {
	record, err := q.api.UpdateDecision(ctx, projectID, complianceID, decision)
	if err != nil {
		return nil, err
	}
	q.InvalidateComplianceRecord(complianceID)
	q.InvalidateCompliances(projectID)
	return record, nil
}

func (q *Queries) InvalidateProjects() {
	q.cache.Remove(Key{Kind: kindProjects})
}

func (q *Queries) InvalidateCompliances(projectID int64) {
	q.cache.Remove(Key{Kind: kindCompliances, ID: projectID})
	q.logger.Debug("invalidated compliance list", slog.Int64("project_id", projectID))
}

func (q *Queries) InvalidateComplianceRecord(complianceID int64) {
	q.cache.Remove(Key{Kind: kindComplianceRecord, ID: complianceID})
	q.logger.Debug("invalidated compliance record", slog.Int64("compliance_id", complianceID))
}
