package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/planproof/planproof/internal/project"
	"github.com/planproof/planproof/pkg/cerr"
)

// ListProjects returns all projects visible to the authenticated user. The
// backend must answer with a JSON array; anything else is an Internal error.
func (c *Client) ListProjects(ctx context.Context) ([]project.Project, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/project/get", nil, &raw); err != nil {
		return nil, err
	}
	var projects []project.Project
	if err := json.Unmarshal(raw, &projects); err != nil {
		return nil, cerr.NewError(cerr.Internal, "project list response was not an array", err)
	}
	return projects, nil
}

// CreateProject registers a new plan submission and returns the stored record.
func (c *Client) CreateProject(ctx context.Context, req project.CreateRequest) (*project.Project, error) {
	var created project.Project
	if err := c.do(ctx, http.MethodPost, "/project/create", req, &created); err != nil {
		return nil, err
	}
	return &created, nil
}
