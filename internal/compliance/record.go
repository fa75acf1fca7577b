package compliance

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskDescriptor is returned by the launch endpoint for an asynchronous
// compliance check. It is immutable; the compliance and project ids may be
// absent until the backend creates the record and reports them over the
// stream.
type TaskDescriptor struct {
	TaskID       string `json:"task_id"`
	Status       string `json:"status"`
	Message      string `json:"message,omitempty"`
	WebsocketURL string `json:"websocket_url"`
	ComplianceID int64  `json:"compliance_id,omitempty"`
	ProjectID    int64  `json:"project_id,omitempty"`
}

// Progress is the latest known stage of a check still being computed.
// Percent is not monotonic; last write wins.
type Progress struct {
	Step    string  `json:"step,omitempty"`
	Percent float64 `json:"progress,omitempty"`
}

// Violation is a single code violation reported by the analysis.
type Violation struct {
	Code          string `json:"code"`
	Description   string `json:"description"`
	Severity      string `json:"severity"`
	Location      string `json:"location,omitempty"`
	Found         string `json:"found,omitempty"`
	Required      string `json:"required,omitempty"`
	Fix           string `json:"fix,omitempty"`
	CodeReference string `json:"code_reference,omitempty"`
}

// Finding is a text- or image-based observation from the analysis.
type Finding struct {
	Description string `json:"description"`
	Location    string `json:"location,omitempty"`
	Severity    string `json:"severity,omitempty"`
	Status      string `json:"status,omitempty"`
}

// Section points into the building code document referenced by the result.
type Section struct {
	Title       string `json:"title,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Page        int    `json:"page,omitempty"`
	Snippet     string `json:"snippet,omitempty"`
}

// Result is the canonical shape of an analysis outcome. Both historical
// response layouts (nested under compliance_result, or flat on the record)
// normalize into this one form at the decode boundary, so nothing downstream
// branches on shape.
type Result struct {
	Approved         *bool           `json:"approved,omitempty"`
	Score            float64         `json:"score,omitempty"`
	Confidence       float64         `json:"confidence,omitempty"`
	Summary          string          `json:"summary,omitempty"`
	Violations       []Violation     `json:"violations,omitempty"`
	TextFindings     []Finding       `json:"text_based_findings,omitempty"`
	ImageFindings    []Finding       `json:"image_based_findings,omitempty"`
	DetailedAnalysis json.RawMessage `json:"detailed_analysis,omitempty"`
	Recommendations  []string        `json:"recommendations,omitempty"`
	RelevantSections []Section       `json:"relevant_sections,omitempty"`
}

// Record is a persisted compliance check outcome.
type Record struct {
	ComplianceID int64
	ProjectID    int64
	RevisionDate time.Time
	Decision     Decision
	Result       Result
}

type recordEnvelope struct {
	ComplianceID int64     `json:"compliance_id"`
	ProjectID    int64     `json:"project_id"`
	RevisionDate time.Time `json:"revision_date"`
	Decision     Decision  `json:"compliance_decision,omitempty"`
	Nested       *Result   `json:"compliance_result,omitempty"`
}

// UnmarshalJSON accepts both record layouts and normalizes into the
// canonical Result.
func (r *Record) UnmarshalJSON(data []byte) error {
	var env recordEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("failed to decode compliance record: %w", err)
	}
	r.ComplianceID = env.ComplianceID
	r.ProjectID = env.ProjectID
	r.RevisionDate = env.RevisionDate
	r.Decision = env.Decision
	if env.Nested != nil {
		r.Result = *env.Nested
		return nil
	}
	// Flat layout: result fields live directly on the record object.
	var flat Result
	if err := json.Unmarshal(data, &flat); err != nil {
		return fmt.Errorf("failed to decode flat compliance result: %w", err)
	}
	r.Result = flat
	return nil
}

// MarshalJSON always emits the nested layout.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordEnvelope{
		ComplianceID: r.ComplianceID,
		ProjectID:    r.ProjectID,
		RevisionDate: r.RevisionDate,
		Decision:     r.Decision,
		Nested:       &r.Result,
	})
}

// Status derives a coarse display status from the result: pending until the
// analysis reports its approved flag.
func (r *Record) Status() string {
	if r.Result.Approved == nil {
		return "pending"
	}
	if *r.Result.Approved {
		return "approved"
	}
	return "rejected"
}
