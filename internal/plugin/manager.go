// Package plugin is the top-level orchestrator over the two plugin
// hosts (internal/sandbox/wasm for WASM guests, C12; internal/plugin/subprocess
// for external binaries, C13) and the manifest watcher that drives them
// (internal/plugin/manifest, C18). It is the one place that turns a
// manifest file appearing on disk into a running, security-gated
// plugin instance.
package plugin

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/sentra-run/sentra/internal/connector"
	"github.com/sentra-run/sentra/internal/plugin/manifest"
	"github.com/sentra-run/sentra/internal/plugin/subprocess"
	"github.com/sentra-run/sentra/internal/sandbox/wasm"
	"github.com/sentra-run/sentra/internal/security/kv"
)

// Manager loads manifests into running plugin hosts and tears them
// down again on unload, fanning out to the WASM or subprocess host
// depending on the manifest's declared type.
type Manager struct {
	workspaceRoot string
	gate          wasm.Gate // also satisfies subprocess.Gate (same method shape)
	kvStore       kv.Store
	connectors    *connector.Router

	wasmHost *wasm.Host

	mu        sync.Mutex
	guests    map[string]*wasm.Guest
	processes map[string]*subprocess.Host
}

// NewManager constructs a Manager. gate may be nil to run every loaded
// plugin ungated (tests, or a security-disabled configuration).
func NewManager(ctx context.Context, workspaceRoot string, gate wasm.Gate, kvStore kv.Store, connectors *connector.Router) (*Manager, error) {
	wasmHost, err := wasm.NewHost(ctx)
	if err != nil {
		return nil, fmt.Errorf("plugin: init wasm host: %w", err)
	}
	return &Manager{
		workspaceRoot: workspaceRoot,
		gate:          gate,
		kvStore:       kvStore,
		connectors:    connectors,
		wasmHost:      wasmHost,
		guests:        make(map[string]*wasm.Guest),
		processes:     make(map[string]*subprocess.Host),
	}, nil
}

// Watch constructs and starts a manifest.Watcher over dir, wired to
// m.Load/m.Unload.
func (m *Manager) Watch(ctx context.Context, dir string) (*manifest.Watcher, error) {
	w, err := manifest.NewWatcher(dir, m.Load, m.Unload)
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// Load instantiates the plugin a manifest describes.
func (m *Manager) Load(ctx context.Context, man manifest.Manifest) error {
	switch man.Type {
	case manifest.TypeWASM:
		return m.loadWASM(ctx, man)
	case manifest.TypeSubprocess:
		return m.loadSubprocess(ctx, man)
	default:
		return fmt.Errorf("plugin: unknown manifest type %q", man.Type)
	}
}

func (m *Manager) loadWASM(ctx context.Context, man manifest.Manifest) error {
	wasmBytes, err := os.ReadFile(man.Path)
	if err != nil {
		return fmt.Errorf("plugin: read wasm module: %w", err)
	}

	hasConnector := false
	for _, c := range man.Connectors {
		if c == "connector" {
			hasConnector = true
		}
	}
	state := wasm.NewHostState(man.ID, "", m.workspaceRoot, m.kvStore, m.connectors, man.Config)
	state.HasConnectorCapability = hasConnector || len(man.Connectors) > 0
	state.Security = m.gate

	m.wasmHost.SetAllowPatterns(man.ID, man.Connectors)

	guest, err := m.wasmHost.Load(ctx, state, wasmBytes)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.guests[man.ID] = guest
	m.mu.Unlock()
	return nil
}

func (m *Manager) loadSubprocess(ctx context.Context, man manifest.Manifest) error {
	host := subprocess.NewHost(subprocess.Config{
		PluginID:    man.ID,
		Command:     man.Command,
		Env:         man.Env,
		SHA256:      man.SHA256,
		MaxRestarts: 5,
	}, m.connectors, m.gate, nil, nil, nil)

	if err := host.Start(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.processes[man.ID] = host
	m.mu.Unlock()
	return nil
}

// Unload tears down whichever host is running the given plugin id.
func (m *Manager) Unload(ctx context.Context, id string) error {
	m.mu.Lock()
	guest, hasGuest := m.guests[id]
	delete(m.guests, id)
	host, hasHost := m.processes[id]
	delete(m.processes, id)
	m.mu.Unlock()

	if hasGuest {
		return guest.Close(ctx)
	}
	if hasHost {
		return host.Close()
	}
	return nil
}

// Close tears down every loaded plugin and the WASM runtime.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	guests := m.guests
	m.guests = make(map[string]*wasm.Guest)
	processes := m.processes
	m.processes = make(map[string]*subprocess.Host)
	m.mu.Unlock()

	for _, g := range guests {
		g.Close(ctx)
	}
	for _, p := range processes {
		p.Close()
	}
	return m.wasmHost.Close(ctx)
}
