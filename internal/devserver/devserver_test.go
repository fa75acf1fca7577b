package devserver

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planproof/planproof/internal/api"
	"github.com/planproof/planproof/internal/compliance"
	"github.com/planproof/planproof/internal/project"
	"github.com/planproof/planproof/internal/query"
	"github.com/planproof/planproof/internal/stream"
	"github.com/planproof/planproof/pkg/cerr"
)

func startStub(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(New(Options{StepDelay: 10 * time.Millisecond}).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func registerClient(t *testing.T, srv *httptest.Server) *api.Client {
	t.Helper()
	bootstrap := api.New(srv.URL, api.StaticToken(""))
	token, user, err := bootstrap.Register(context.Background(), "reviewer@example.com", "pw", "Reviewer")
	require.NoError(t, err)
	require.NotNil(t, user)
	return api.New(srv.URL, api.StaticToken(token))
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	srv := startStub(t)
	c := api.New(srv.URL, api.StaticToken(""))
	_, err := c.ListProjects(context.Background())
	assert.True(t, cerr.IsCode(err, cerr.Unauthenticated))
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	srv := startStub(t)
	registerClient(t, srv)

	c := api.New(srv.URL, api.StaticToken(""))
	_, _, err := c.Login(context.Background(), "reviewer@example.com", "wrong")
	assert.True(t, cerr.IsCode(err, cerr.Unauthenticated))

	token, _, err := c.Login(context.Background(), "reviewer@example.com", "pw")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestMeReturnsRegisteredUser(t *testing.T) {
	srv := startStub(t)
	c := registerClient(t, srv)

	user, err := c.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "reviewer@example.com", user.Email)
	assert.True(t, user.IsActive)
}

func TestEndToEndComplianceCheck(t *testing.T) {
	srv := startStub(t)
	c := registerClient(t, srv)
	ctx := context.Background()

	p, err := c.CreateProject(ctx, project.CreateRequest{
		ApplicantName: "Ada Lovelace",
		Location:      "12 Analytical Way",
		BuildingType:  "residential",
	})
	require.NoError(t, err)

	q := query.New(c, nil)

	// Prime the cache so completion-driven invalidation is observable.
	records, err := q.Compliances(ctx, p.ProjectID)
	require.NoError(t, err)
	assert.Empty(t, records)

	task, err := c.StartCheck(ctx, p.ProjectID, "plan.pdf", strings.NewReader("%PDF-1.4 fake"), api.CheckOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, task.WebsocketURL)

	tracker := stream.NewTracker(srv.URL, stream.WebsocketDialer{}, q, nil)
	defer tracker.Close()
	updates, cancel := tracker.Subscribe()
	defer cancel()

	require.NoError(t, tracker.Follow(ctx, task))

	var final stream.Update
	sawProgress := false
	deadline := time.After(10 * time.Second)
	for final.State != stream.StateCompleted {
		select {
		case u, ok := <-updates:
			require.True(t, ok, "update channel closed before completion")
			require.NotEqual(t, stream.StateFailed, u.State, "task failed: %v", u.Err)
			if u.State == stream.StateStreaming && u.Progress.Step != "" {
				sawProgress = true
			}
			final = u
		case <-deadline:
			t.Fatal("timed out waiting for completion")
		}
	}
	assert.True(t, sawProgress)
	require.NotNil(t, final.Result)
	require.NotNil(t, final.Result.Approved)
	assert.True(t, *final.Result.Approved)

	// Completion invalidated the cached history; the refetch sees the result.
	records, err = q.Compliances(ctx, p.ProjectID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, final.ComplianceID, records[0].ComplianceID)
	assert.Equal(t, "approved", records[0].Status())
}

func TestDecisionLifecycle(t *testing.T) {
	srv := startStub(t)
	c := registerClient(t, srv)
	ctx := context.Background()

	p, err := c.CreateProject(ctx, project.CreateRequest{ApplicantName: "Ada"})
	require.NoError(t, err)
	task, err := c.StartCheck(ctx, p.ProjectID, "plan.pdf", strings.NewReader("x"), api.CheckOptions{})
	require.NoError(t, err)

	rec, err := c.GetRecord(ctx, task.ComplianceID)
	require.NoError(t, err)
	assert.Equal(t, compliance.DecisionPending, rec.Decision)

	rec, err = c.UpdateDecision(ctx, p.ProjectID, task.ComplianceID, compliance.DecisionConditionalApproval)
	require.NoError(t, err)
	assert.Equal(t, compliance.DecisionConditionalApproval, rec.Decision)

	_, err = c.UpdateDecision(ctx, p.ProjectID, 99999, compliance.DecisionApproved)
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
}

func TestDownloadReturnsRecordDocument(t *testing.T) {
	srv := startStub(t)
	c := registerClient(t, srv)
	ctx := context.Background()

	p, err := c.CreateProject(ctx, project.CreateRequest{ApplicantName: "Ada"})
	require.NoError(t, err)
	task, err := c.StartCheck(ctx, p.ProjectID, "plan.pdf", strings.NewReader("x"), api.CheckOptions{})
	require.NoError(t, err)

	data, err := c.Download(ctx, p.ProjectID, task.ComplianceID)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"compliance_id"`)
}
