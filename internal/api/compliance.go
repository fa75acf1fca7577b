package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"

	"github.com/planproof/planproof/internal/compliance"
	"github.com/planproof/planproof/pkg/cerr"
)

// CheckOptions tune backend-side result reuse for a compliance check. The
// zero value means "use the cache, TTL one hour", matching the backend
// defaults.
type CheckOptions struct {
	NoCache  bool
	CacheTTL int
}

func (o CheckOptions) query() string {
	ttl := o.CacheTTL
	if ttl <= 0 {
		ttl = 3600
	}
	q := url.Values{}
	q.Set("use_cache", strconv.FormatBool(!o.NoCache))
	q.Set("cache_ttl", strconv.Itoa(ttl))
	return q.Encode()
}

// StartCheck uploads a plan file and launches an asynchronous compliance
// check. The returned descriptor carries the task id and websocket URL to
// follow with a stream.Tracker; the check itself runs on the backend.
func (c *Client) StartCheck(ctx context.Context, projectID int64, filename string, contents io.Reader, opts CheckOptions) (*compliance.TaskDescriptor, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "failed to build upload form", err)
	}
	if _, err := io.Copy(fw, contents); err != nil {
		return nil, cerr.NewError(cerr.Internal, "failed to read plan file", err)
	}
	if err := mw.Close(); err != nil {
		return nil, cerr.NewError(cerr.Internal, "failed to finalize upload form", err)
	}

	endpoint := fmt.Sprintf("/compliance/check/%d?%s", projectID, opts.query())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &body)
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "failed to build request", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var task compliance.TaskDescriptor
	if err := c.send(req, endpoint, &task); err != nil {
		return nil, err
	}
	if task.TaskID == "" {
		return nil, cerr.NewError(cerr.Internal, "check response carried no task_id", nil)
	}
	return &task, nil
}

// ListRecords returns the compliance history for a project, newest layout or
// old, normalized by Record.UnmarshalJSON. A 404 means the project simply has
// no history yet and yields an empty slice.
func (c *Client) ListRecords(ctx context.Context, projectID int64) ([]compliance.Record, error) {
	var records []compliance.Record
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/compliance/record/%d", projectID), nil, &records)
	if cerr.IsCode(err, cerr.NotFound) {
		return []compliance.Record{}, nil
	}
	if err != nil {
		return nil, err
	}
	return records, nil
}

// GetRecord fetches a single compliance record by its id.
func (c *Client) GetRecord(ctx context.Context, complianceID int64) (*compliance.Record, error) {
	var record compliance.Record
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/compliance/compliance-record/%d", complianceID), nil, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// UpdateDecision sets the human review decision on a record and returns the
// updated record.
func (c *Client) UpdateDecision(ctx context.Context, projectID, complianceID int64, decision compliance.Decision) (*compliance.Record, error) {
	if !decision.Valid() {
		return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("invalid decision %q", decision), nil)
	}
	body := map[string]compliance.Decision{"compliance_decision": decision}
	var record compliance.Record
	if err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/compliance/%d/%d/decision", projectID, complianceID), body, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Download returns the exported result document for a record as raw bytes.
func (c *Client) Download(ctx context.Context, projectID, complianceID int64) ([]byte, error) {
	return c.raw(ctx, fmt.Sprintf("/compliance/%d/%d/download", projectID, complianceID))
}
