// Package wasm implements the WASM guest host of spec §4.10 (C12): it
// loads plugin guest modules under wazero, exposes a narrow
// host-function ABI to them, and gates every guest-initiated HTTP or
// filesystem action through the security interceptor before it
// happens.
//
// Grounded on astrid-capsule's engine/wasm/host_state.rs for the
// shape of per-guest state (plugin id, workspace root, scoped KV,
// event-bus handle, subscription map, security gate, connector
// capability flag) and on the teacher's use of a narrow host-function
// surface in internal/mcp for bridging an external process's calls
// back into the runtime.
package wasm

import (
	"context"
	"fmt"
	"sync"

	"github.com/sentra-run/sentra/internal/connector"
	"github.com/sentra-run/sentra/internal/security/action"
	"github.com/sentra-run/sentra/internal/security/interceptor"
	"github.com/sentra-run/sentra/internal/security/kv"
)

// Gate is the subset of *interceptor.Interceptor the sandbox needs:
// gating guest-initiated HTTP and filesystem actions. Accepting the
// narrow interface (rather than the concrete type) keeps this package
// testable without constructing a full interceptor.
type Gate interface {
	Intercept(ctx context.Context, sessionID string, act action.SensitiveAction, opts interceptor.Options) (*interceptor.Authorization, error)
}

// HostState is the per-guest record every host function closes over.
// One is created per loaded plugin instance and lives for that
// instance's lifetime.
type HostState struct {
	PluginID      string
	SessionID     string
	WorkspaceRoot string

	kv  kv.Store
	ipc *ipcBus

	Config map[string]string

	// Security gates guest HTTP/filesystem actions through the
	// interceptor. Nil means ungated (used for plugins loaded before
	// the security core is wired, or in tests).
	Security Gate

	HasConnectorCapability bool
	connectors             *connector.Router

	mu                 sync.Mutex
	registeredConnectors []connector.Descriptor
}

// NewHostState builds the host state for one guest instance. store is
// the process-wide security kv.Store; guest keys are namespaced under
// "plugin:{pluginID}:" so one plugin can never read another's data.
func NewHostState(pluginID, sessionID, workspaceRoot string, store kv.Store, router *connector.Router, config map[string]string) *HostState {
	return &HostState{
		PluginID:      pluginID,
		SessionID:     sessionID,
		WorkspaceRoot: workspaceRoot,
		kv:            store,
		ipc:           newIPCBus(),
		Config:        config,
		connectors:    router,
	}
}

func (s *HostState) kvKey(key string) string {
	return fmt.Sprintf("plugin:%s:%s", s.PluginID, key)
}

// RegisterConnector records a connector descriptor declared by the
// guest at runtime, enforcing the same per-plugin limit and
// duplicate-rejection rule as the inbound router itself (the guest's
// own bookkeeping must agree with the router it's about to register
// into).
func (s *HostState) RegisterConnector(d connector.Descriptor) error {
	if !s.HasConnectorCapability {
		return fmt.Errorf("wasm: plugin %q did not declare Connector capability", s.PluginID)
	}
	s.mu.Lock()
	if len(s.registeredConnectors) >= connector.MaxChannelsPerPlugin {
		s.mu.Unlock()
		return fmt.Errorf("wasm: connector registration limit reached for plugin %q", s.PluginID)
	}
	for _, existing := range s.registeredConnectors {
		if existing.Name == d.Name && existing.Platform == d.Platform {
			s.mu.Unlock()
			return fmt.Errorf("wasm: duplicate connector %q/%q", d.Name, d.Platform)
		}
	}
	s.registeredConnectors = append(s.registeredConnectors, d)
	s.mu.Unlock()

	if s.connectors != nil {
		return s.connectors.RegisterConnector(d)
	}
	return nil
}

// Connectors returns the connectors this guest has registered so far.
func (s *HostState) Connectors() []connector.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]connector.Descriptor, len(s.registeredConnectors))
	copy(out, s.registeredConnectors)
	return out
}
