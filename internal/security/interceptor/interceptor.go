package interceptor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sentra-run/sentra/internal/security/action"
	"github.com/sentra-run/sentra/internal/security/allowance"
	"github.com/sentra-run/sentra/internal/security/approval"
	"github.com/sentra-run/sentra/internal/security/audit"
	"github.com/sentra-run/sentra/internal/security/budget"
	"github.com/sentra-run/sentra/internal/security/capability"
	"github.com/sentra-run/sentra/internal/security/crypto"
	"github.com/sentra-run/sentra/internal/security/policy"
)

// Authorization is the successful outcome of Intercept: the audit entry
// that was appended to record the decision, and the proof it carried.
type Authorization struct {
	Entry *audit.Entry
	Proof audit.Proof
}

// Options carries per-call context Intercept needs beyond the action
// itself: the serialized size of the action's arguments (for the
// policy engine's size cap), the budget cost this action should
// reserve, and free-text shown to a human approver.
type Options struct {
	ArgsSize     int
	Cost         float64
	AgentContext string
	Risk         approval.RiskAssessment
}

// Interceptor is the sole funnel every SensitiveAction passes through
// (spec §4.7, C10). It composes every other security-core package:
// policy decides whether an action needs approval at all, capability
// and allowance stores supply reusable proof without re-asking a
// human, the approval manager is the last resort, and both budget
// trackers are checked only after authorization succeeds. Every path
// — success, denial, or internal failure — ends in an audit append;
// a failed append fails the call it was recording (spec §4.6).
type Interceptor struct {
	Policy          *policy.Engine
	Capabilities    *capability.Store
	Allowances      *allowance.Store
	Approval        *approval.Manager
	Audit           *audit.Log
	SessionBudget   *budget.Tracker
	WorkspaceBudget *budget.Tracker
	RuntimeKey      crypto.KeyPair
	WorkspaceRoot   string
}

// Intercept runs the full authorize-then-spend algorithm for one
// action within one session, returning the audit entry that recorded
// its outcome. On any denial or internal error the returned error is
// a *SecurityError.
func (i *Interceptor) Intercept(ctx context.Context, sessionID string, act action.SensitiveAction, opts Options) (*Authorization, error) {
	decision := i.Policy.Check(act, opts.ArgsSize)
	if decision.Outcome == policy.Blocked {
		return nil, i.denyWithAudit(ctx, sessionID, act, audit.ProofSystemReason(decision.Reason), newErr(KindPolicyViolation, decision.Reason))
	}

	proof, err := i.resolveAuthorization(ctx, sessionID, act, decision, opts)
	if err != nil {
		return nil, err
	}

	if err := i.reserveBudgets(ctx, sessionID, act, proof, opts.Cost); err != nil {
		return nil, err
	}

	entry, err := i.Audit.Append(ctx, sessionID, auditActionFor(act), proof, audit.Success())
	if err != nil {
		return nil, wrapErr(KindStorageError, err)
	}
	return &Authorization{Entry: entry, Proof: proof}, nil
}

// resolveAuthorization finds proof that act is allowed: no proof is
// needed when policy says Allow; otherwise an existing capability
// token is tried first, then a reusable allowance, and only then is a
// human asked.
func (i *Interceptor) resolveAuthorization(ctx context.Context, sessionID string, act action.SensitiveAction, decision policy.Decision, opts Options) (audit.Proof, error) {
	if decision.Outcome == policy.Allow {
		return audit.ProofNotRequiredReason("policy allows"), nil
	}

	if ref, err := i.Capabilities.FindMatchingAndConsume(ctx, act.Resource(), act.Permission()); err != nil {
		return audit.Proof{}, wrapErr(KindStorageError, err)
	} else if ref != nil {
		return audit.ProofFromCapability(ref.Token.ID, ref.Hash), nil
	}

	if matched, err := i.Allowances.FindMatchingAndConsume(ctx, act, i.WorkspaceRoot); err != nil {
		return audit.Proof{}, wrapErr(KindStorageError, err)
	} else if matched != nil {
		return audit.ProofFromAllowance(matched.ID, matched.Signature), nil
	}

	return i.requestApproval(ctx, sessionID, act, opts)
}

func (i *Interceptor) requestApproval(ctx context.Context, sessionID string, act action.SensitiveAction, opts Options) (audit.Proof, error) {
	risk := opts.Risk
	if risk.Level == "" {
		risk = approval.RiskAssessment{Level: act.DefaultRisk()}
	}

	resp, err := i.Approval.Request(ctx, sessionID, act, risk, opts.AgentContext)
	if errors.Is(err, approval.ErrNoHandler) {
		return audit.Proof{}, i.denyWithAudit(ctx, sessionID, act, audit.ProofNotRequiredReason("no approval handler"), newErr(KindNoApprovalHandler, "no approval handler registered"))
	}
	if err != nil {
		return audit.Proof{}, wrapErr(KindCancelled, err)
	}

	switch resp.Kind {
	case approval.DecisionDeny:
		reason := resp.Reason
		if reason == "" {
			reason = "denied by user"
		}
		return audit.Proof{}, i.denyWithAudit(ctx, sessionID, act, audit.ProofFromUserApproval(resp.ResponseID, resp.Signature), newErr(KindApprovalDenied, reason))

	case approval.DecisionApprove:
		return audit.ProofFromUserApproval(resp.ResponseID, resp.Signature), nil

	case approval.DecisionApproveSession:
		return i.mintCapability(ctx, sessionID, act, resp, capability.ScopeSession, nil)

	case approval.DecisionApproveAlways:
		return i.mintCapability(ctx, sessionID, act, resp, capability.ScopePersistent, nil)

	case approval.DecisionApproveWorkspace:
		return i.mintAllowance(ctx, sessionID, act, resp)

	default:
		return audit.Proof{}, i.denyWithAudit(ctx, sessionID, act, audit.ProofNotRequiredReason("unrecognized decision"), newErr(KindApprovalDenied, "unrecognized approval decision"))
	}
}

// mintCapability records the grant in the audit chain first, then
// signs a token that links back to that entry's id (spec §4.7: the
// capability a one-time decision produces must itself be traceable to
// the approval that authorized it).
func (i *Interceptor) mintCapability(ctx context.Context, sessionID string, act action.SensitiveAction, resp approval.Decision, scope capability.Scope, expiresAt *time.Time) (audit.Proof, error) {
	grantEntry, err := i.Audit.Append(ctx, sessionID, audit.Action{Kind: audit.ActionCapabilityGranted, Reason: fmt.Sprintf("approve:%s", resp.Kind)}, audit.ProofFromUserApproval(resp.ResponseID, resp.Signature), audit.Success())
	if err != nil {
		return audit.Proof{}, wrapErr(KindStorageError, err)
	}

	token, err := capability.New(i.RuntimeKey, act.Resource(), []action.Permission{act.Permission()}, scope, grantEntry.ID, expiresAt, nil)
	if err != nil {
		return audit.Proof{}, wrapErr(KindInvalidPattern, err)
	}
	if err := i.Capabilities.Add(ctx, token); err != nil {
		return audit.Proof{}, wrapErr(KindStorageError, err)
	}

	return audit.ProofFromCapability(token.ID, token.Hash()), nil
}

func (i *Interceptor) mintAllowance(ctx context.Context, sessionID string, act action.SensitiveAction, resp approval.Decision) (audit.Proof, error) {
	pat, ok := allowancePatternFor(act)
	if !ok {
		// Not every action kind maps to a reusable allowance pattern
		// (e.g. one-off financial transactions); fall back to a plain
		// approval proof instead of minting.
		return audit.ProofFromUserApproval(resp.ResponseID, resp.Signature), nil
	}

	grantEntry, err := i.Audit.Append(ctx, sessionID, audit.Action{Kind: audit.ActionAllowanceCreated, Reason: "approve_workspace"}, audit.ProofFromUserApproval(resp.ResponseID, resp.Signature), audit.Success())
	if err != nil {
		return audit.Proof{}, wrapErr(KindStorageError, err)
	}

	alw := allowance.New(i.RuntimeKey, pat, nil, nil, false, i.WorkspaceRoot)
	if err := i.Allowances.Add(ctx, alw, i.RuntimeKey.Public); err != nil {
		return audit.Proof{}, wrapErr(KindStorageError, err)
	}
	_ = grantEntry

	return audit.ProofFromAllowance(alw.ID, alw.Signature), nil
}

func allowancePatternFor(act action.SensitiveAction) (allowance.Pattern, bool) {
	switch act.Kind {
	case action.KindMcpToolCall:
		return allowance.ExactTool(act.Server, act.Tool), true
	case action.KindFileRead, action.KindFileDelete, action.KindFileWriteOutsideSandbox:
		return allowance.FilePrefix(act.Path), true
	case action.KindExecuteCommand:
		return allowance.Command(act.Command), true
	default:
		return allowance.Pattern{}, false
	}
}

// reserveBudgets checks and reserves against the session tracker, then
// the workspace tracker, rolling the session reservation back if the
// workspace check denies — the two trackers must never disagree about
// whether the spend happened.
func (i *Interceptor) reserveBudgets(ctx context.Context, sessionID string, act action.SensitiveAction, proof audit.Proof, cost float64) error {
	if cost <= 0 {
		return nil
	}

	if i.SessionBudget != nil {
		res := i.SessionBudget.CheckAndReserve(cost)
		if res.Outcome == budget.OutcomeDenied {
			return i.denyWithAudit(ctx, sessionID, act, proof, budgetExceeded(BudgetSession, res.Remaining, cost))
		}
	}

	if i.WorkspaceBudget != nil {
		res := i.WorkspaceBudget.CheckAndReserve(cost)
		if res.Outcome == budget.OutcomeDenied {
			if i.SessionBudget != nil {
				i.SessionBudget.Refund(cost)
			}
			return i.denyWithAudit(ctx, sessionID, act, proof, budgetExceeded(BudgetWorkspace, res.Remaining, cost))
		}
	}

	return nil
}

// denyWithAudit appends a failure entry recording secErr before
// returning it, so every denial is itself chained into the audit log
// (spec §4.6: failures are audited, not just successes). If the audit
// append itself fails, that storage failure takes precedence — a
// denial that couldn't even be recorded must not look like a clean
// rejection.
func (i *Interceptor) denyWithAudit(ctx context.Context, sessionID string, act action.SensitiveAction, proof audit.Proof, secErr *SecurityError) *SecurityError {
	if _, err := i.Audit.Append(ctx, sessionID, auditActionFor(act), proof, audit.Failure(secErr.Error())); err != nil {
		return wrapErr(KindStorageError, err)
	}
	return secErr
}

func auditActionFor(act action.SensitiveAction) audit.Action {
	switch act.Kind {
	case action.KindMcpToolCall:
		return audit.Action{Kind: audit.ActionToolCall, Server: act.Server, Tool: act.Tool}
	default:
		return audit.Action{Kind: audit.ActionToolCall, Reason: fmt.Sprintf("%s:%s", act.Kind, act.Resource())}
	}
}
