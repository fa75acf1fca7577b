package compliance

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordUnmarshalNestedLayout(t *testing.T) {
	data := []byte(`{
		"compliance_id": 5,
		"project_id": 42,
		"revision_date": "2025-03-01T10:00:00Z",
		"compliance_decision": "CONDITIONAL_APPROVAL",
		"compliance_result": {
			"approved": true,
			"score": 87.5,
			"confidence": 0.92,
			"summary": "Mostly compliant",
			"violations": [
				{"code": "FL-104", "description": "Setback too small", "severity": "major"}
			],
			"recommendations": ["Increase rear setback"]
		}
	}`)

	var rec Record
	require.NoError(t, json.Unmarshal(data, &rec))

	assert.Equal(t, int64(5), rec.ComplianceID)
	assert.Equal(t, int64(42), rec.ProjectID)
	assert.Equal(t, DecisionConditionalApproval, rec.Decision)
	require.NotNil(t, rec.Result.Approved)
	assert.True(t, *rec.Result.Approved)
	assert.Equal(t, 87.5, rec.Result.Score)
	require.Len(t, rec.Result.Violations, 1)
	assert.Equal(t, "FL-104", rec.Result.Violations[0].Code)
	assert.Equal(t, "approved", rec.Status())
}

func TestRecordUnmarshalFlatLayout(t *testing.T) {
	data := []byte(`{
		"compliance_id": 6,
		"project_id": 42,
		"revision_date": "2025-03-02T09:30:00Z",
		"approved": false,
		"score": 41,
		"summary": "Multiple critical violations",
		"text_based_findings": [{"description": "Missing egress plan"}]
	}`)

	var rec Record
	require.NoError(t, json.Unmarshal(data, &rec))

	assert.Equal(t, int64(6), rec.ComplianceID)
	require.NotNil(t, rec.Result.Approved)
	assert.False(t, *rec.Result.Approved)
	assert.Equal(t, float64(41), rec.Result.Score)
	require.Len(t, rec.Result.TextFindings, 1)
	assert.Equal(t, "rejected", rec.Status())
}

func TestRecordStatusPendingWithoutApprovedFlag(t *testing.T) {
	var rec Record
	require.NoError(t, json.Unmarshal([]byte(`{"compliance_id": 7, "project_id": 42}`), &rec))
	assert.Nil(t, rec.Result.Approved)
	assert.Equal(t, "pending", rec.Status())
}

func TestRecordMarshalEmitsNestedLayout(t *testing.T) {
	approved := true
	rec := Record{
		ComplianceID: 9,
		ProjectID:    3,
		Decision:     DecisionApproved,
		Result:       Result{Approved: &approved, Score: 99},
	}

	out, err := json.Marshal(rec)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &raw))
	assert.Contains(t, raw, "compliance_result")
	assert.NotContains(t, raw, "approved")
}

func TestParseDecision(t *testing.T) {
	for _, valid := range []string{"APPROVED", "REJECTED", "CONDITIONAL_APPROVAL", "NEEDS_REVISION", "PENDING"} {
		d, err := ParseDecision(valid)
		require.NoError(t, err)
		assert.True(t, d.Valid())
	}

	_, err := ParseDecision("approved")
	assert.Error(t, err)
}
