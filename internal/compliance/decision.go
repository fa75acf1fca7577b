package compliance

import "fmt"

// Decision is the human-set disposition on a compliance record. It is
// independent of the AI-derived approved flag and changes only through the
// decision endpoint, never through the task stream.
type Decision string

const (
	DecisionApproved            Decision = "APPROVED"
	DecisionRejected            Decision = "REJECTED"
	DecisionConditionalApproval Decision = "CONDITIONAL_APPROVAL"
	DecisionNeedsRevision       Decision = "NEEDS_REVISION"
	DecisionPending             Decision = "PENDING"
)

var decisions = map[Decision]struct{}{
	DecisionApproved:            {},
	DecisionRejected:            {},
	DecisionConditionalApproval: {},
	DecisionNeedsRevision:       {},
	DecisionPending:             {},
}

func (d Decision) Valid() bool {
	_, ok := decisions[d]
	return ok
}

// ParseDecision validates a user-supplied decision string.
func ParseDecision(s string) (Decision, error) {
	d := Decision(s)
	if !d.Valid() {
		return "", fmt.Errorf("unknown compliance decision %q", s)
	}
	return d, nil
}
