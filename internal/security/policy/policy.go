// Package policy implements the configuration-driven decision function
// of spec §4.3 (C8): `Check(action) -> {Allow, RequiresApproval, Blocked}`
// is pure — it consults only the Config it was built from and the action
// itself, never external state. Grounded on the teacher's
// action-type-to-PermissionAction mapping, generalized from a fixed
// handful of tool kinds to the full SensitiveAction union.
package policy

import (
	"strings"

	"github.com/sentra-run/sentra/internal/security/action"
	"github.com/sentra-run/sentra/internal/security/pattern"
)

// Outcome is the closed result of a policy check.
type Outcome string

const (
	Allow            Outcome = "allow"
	RequiresApproval Outcome = "requires_approval"
	Blocked          Outcome = "blocked"
)

// Decision is the outcome plus, for Blocked, the reason a human or log
// line needs.
type Decision struct {
	Outcome Outcome
	Reason  string
}

func allow() Decision            { return Decision{Outcome: Allow} }
func requiresApproval() Decision { return Decision{Outcome: RequiresApproval} }
func blocked(reason string) Decision {
	return Decision{Outcome: Blocked, Reason: reason}
}

// Config is the policy configuration. All fields are data, never code,
// per spec §4.3.
type Config struct {
	RequireApprovalForDelete  bool
	RequireApprovalForNetwork bool
	RequireApprovalForExec    bool
	MaxArgumentSize           int
	DeniedCommandPatterns     []pattern.Pattern
}

// Default returns the spec's documented defaults: approval required for
// delete/network/exec, no argument size cap, no denied commands.
func Default() Config {
	return Config{
		RequireApprovalForDelete:  true,
		RequireApprovalForNetwork: true,
		RequireApprovalForExec:    true,
		MaxArgumentSize:           0,
	}
}

// Permissive disables the delete, network and exec approval gates; only
// path traversal and explicitly denied commands still block. Access-control
// changes, capability grants and financial transactions still require
// approval under every preset.
func Permissive() Config {
	return Config{
		RequireApprovalForDelete:  false,
		RequireApprovalForNetwork: false,
		RequireApprovalForExec:    false,
	}
}

// Strict requires approval for every gateable category and caps
// argument size at 64 KiB.
func Strict() Config {
	return Config{
		RequireApprovalForDelete:  true,
		RequireApprovalForNetwork: true,
		RequireApprovalForExec:    true,
		MaxArgumentSize:           64 * 1024,
	}
}

// Engine evaluates SensitiveActions against a Config.
type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Check is the pure policy decision function. Path-traversal detection
// on file actions always wins as Blocked, regardless of other settings,
// and uses component iteration rather than substring search (spec §4.1,
// §4.3).
func (e *Engine) Check(act action.SensitiveAction, argsSize int) Decision {
	if isFileAction(act.Kind) && containsPathTraversal(act.Path) {
		return blocked("path traversal detected in file action")
	}

	if e.cfg.MaxArgumentSize > 0 && argsSize > e.cfg.MaxArgumentSize {
		return blocked("argument too large")
	}

	if act.Kind == action.KindExecuteCommand {
		for _, denied := range e.cfg.DeniedCommandPatterns {
			if denied.Matches(commandResource(act.Command)) {
				return blocked("command matches denied pattern")
			}
		}
	}

	switch act.Kind {
	case action.KindFileDelete:
		if e.cfg.RequireApprovalForDelete {
			return requiresApproval()
		}
	case action.KindNetworkRequest, action.KindTransmitData, action.KindPluginHttpRequest:
		if e.cfg.RequireApprovalForNetwork {
			return requiresApproval()
		}
	case action.KindExecuteCommand:
		if e.cfg.RequireApprovalForExec {
			return requiresApproval()
		}
	case action.KindAccessControlChange, action.KindCapabilityGrant, action.KindFinancialTransaction:
		return requiresApproval()
	}

	return allow()
}

func isFileAction(k action.Kind) bool {
	return k == action.KindFileRead || k == action.KindFileDelete ||
		k == action.KindFileWriteOutsideSandbox || k == action.KindPluginFileAccess
}

func containsPathTraversal(path string) bool {
	for _, segment := range strings.Split(path, "/") {
		if segment == ".." {
			return true
		}
	}
	return false
}

func commandResource(command string) string {
	return "exec://" + command
}
