// Package bootstrap assembles the security core packages into one running
// interceptor, the way a deployment actually needs it built rather than
// how a unit test builds it: a persisted runtime keypair, a file-backed
// kv.Store shared across capability/allowance/audit namespaces, a policy
// engine from the loaded SecurityConfig, and the two budget trackers.
//
// Nothing downstream of New ever touches crypto/kv/policy/budget
// directly again — callers hold only the assembled *interceptor.Interceptor.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/sentra-run/sentra/internal/security/allowance"
	"github.com/sentra-run/sentra/internal/security/approval"
	"github.com/sentra-run/sentra/internal/security/audit"
	"github.com/sentra-run/sentra/internal/security/budget"
	"github.com/sentra-run/sentra/internal/security/capability"
	"github.com/sentra-run/sentra/internal/security/crypto"
	"github.com/sentra-run/sentra/internal/security/interceptor"
	"github.com/sentra-run/sentra/internal/security/kv"
	"github.com/sentra-run/sentra/internal/security/pattern"
	"github.com/sentra-run/sentra/internal/security/policy"
	"github.com/sentra-run/sentra/internal/logging"
	"github.com/sentra-run/sentra/internal/storage"
	"github.com/sentra-run/sentra/pkg/types"
)

const runtimeKeySeedKey = "runtime:keyseed"

// runtimeKeySeed is the persisted record of the runtime's own signing
// key, so capability/allowance/audit signatures stay verifiable across
// process restarts instead of re-keying (and orphaning every
// previously-issued token) on every launch.
type runtimeKeySeed struct {
	Seed []byte `json:"seed"`
}

// policyConfig translates a loaded types.SecurityConfig into a
// policy.Config, starting from the named preset and applying any
// explicit overrides.
func policyConfig(cfg *types.SecurityConfig) policy.Config {
	var base policy.Config
	switch {
	case cfg == nil:
		base = policy.Default()
	default:
		switch cfg.Policy {
		case "permissive":
			base = policy.Permissive()
		case "strict":
			base = policy.Strict()
		default:
			base = policy.Default()
		}
	}
	if cfg == nil {
		return base
	}
	if cfg.RequireApprovalForDelete != nil {
		base.RequireApprovalForDelete = *cfg.RequireApprovalForDelete
	}
	if cfg.RequireApprovalForNetwork != nil {
		base.RequireApprovalForNetwork = *cfg.RequireApprovalForNetwork
	}
	if cfg.RequireApprovalForExec != nil {
		base.RequireApprovalForExec = *cfg.RequireApprovalForExec
	}
	if cfg.MaxArgumentSize > 0 {
		base.MaxArgumentSize = cfg.MaxArgumentSize
	}
	for _, raw := range cfg.DeniedCommands {
		pat, err := pattern.New(raw)
		if err != nil {
			logging.Logger.Warn().Err(err).Str("pattern", raw).Msg("ignoring invalid denied command pattern")
			continue
		}
		base.DeniedCommandPatterns = append(base.DeniedCommandPatterns, pat)
	}
	return base
}

// loadOrCreateRuntimeKey fetches the persisted runtime keypair, minting
// and persisting a new one on first run.
func loadOrCreateRuntimeKey(ctx context.Context, backing kv.Store) (crypto.KeyPair, error) {
	var seed runtimeKeySeed
	if err := backing.Get(ctx, runtimeKeySeedKey, &seed); err == nil && len(seed.Seed) > 0 {
		return crypto.KeyPairFromSeed(seed.Seed)
	}

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return crypto.KeyPair{}, fmt.Errorf("bootstrap: generate runtime key: %w", err)
	}
	if err := backing.Put(ctx, runtimeKeySeedKey, runtimeKeySeed{Seed: kp.Private.Seed()}); err != nil {
		return crypto.KeyPair{}, fmt.Errorf("bootstrap: persist runtime key: %w", err)
	}
	return kp, nil
}

// New assembles the full security core backed by store (the same
// file-based storage the rest of the process uses — capability,
// allowance, and audit records live under their own top-level namespace
// so they never collide with session/message storage) and scoped to
// workspaceRoot. approvalHandler may be nil; it can be registered later
// via the returned Interceptor's Approval manager.
func New(ctx context.Context, store *storage.Storage, workspaceRoot string, cfg *types.SecurityConfig, approvalHandler approval.Handler) (*interceptor.Interceptor, error) {
	backing := kv.NewFileStore(store)

	runtimeKey, err := loadOrCreateRuntimeKey(ctx, backing)
	if err != nil {
		return nil, err
	}

	sessionBudget, workspaceBudget, perActionMax, warnPct := 0.0, 0.0, 0.0, 0.0
	if cfg != nil {
		sessionBudget = cfg.SessionBudget
		workspaceBudget = cfg.WorkspaceBudget
		perActionMax = cfg.PerActionMax
		warnPct = cfg.WarningThresholdPercent
	}
	// Zero limits mean "untracked" budgets would wrongly deny every
	// positive reservation (projected spend > 0); treat them as unbounded.
	if sessionBudget <= 0 {
		sessionBudget = 1e12
	}
	if workspaceBudget <= 0 {
		workspaceBudget = 1e12
	}

	approvalMgr := approval.New()
	if approvalHandler != nil {
		approvalMgr.RegisterHandler(approvalHandler)
	}

	i := &interceptor.Interceptor{
		Policy:          policy.New(policyConfig(cfg)),
		Capabilities:    capability.NewStore(backing, runtimeKey.Public),
		Allowances:      allowance.NewStore(backing),
		Approval:        approvalMgr,
		Audit:           audit.New(backing, runtimeKey, logging.Logger),
		SessionBudget:   budget.New(sessionBudget, perActionMax, warnPct),
		WorkspaceBudget: budget.New(workspaceBudget, perActionMax, warnPct),
		RuntimeKey:      runtimeKey,
		WorkspaceRoot:   workspaceRoot,
	}
	return i, nil
}
