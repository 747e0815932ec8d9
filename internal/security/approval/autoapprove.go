package approval

import "context"

// AutoApprove is a Handler that grants every request with a fixed
// decision, logging nothing and never blocking. Grounded on the
// teacher's internal/headless.AutoApproveChecker — the same auto-approve
// escape hatch for headless/CI runs, generalized from a fixed "approve"
// action to the full DecisionKind vocabulary so a headless run can still
// choose, e.g., DecisionApproveSession to avoid re-approving every call.
type AutoApprove struct {
	Decision DecisionKind
}

// NewAutoApprove creates a handler that always answers with kind.
func NewAutoApprove(kind DecisionKind) *AutoApprove {
	return &AutoApprove{Decision: kind}
}

func (a *AutoApprove) IsAvailable() bool { return true }

func (a *AutoApprove) RequestApproval(ctx context.Context, req Request) (Decision, error) {
	return Decision{Kind: a.Decision, Reason: "auto-approved (headless)"}, nil
}
