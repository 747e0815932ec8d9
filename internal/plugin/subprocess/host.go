package subprocess

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sentra-run/sentra/internal/connector"
	"github.com/sentra-run/sentra/internal/mcp"
	"github.com/sentra-run/sentra/internal/security/action"
	"github.com/sentra-run/sentra/internal/security/interceptor"
)

// Gate is the security interceptor surface a Host needs: one call
// gating a subprocess tool invocation before it reaches the plugin.
// Duck-typed against *interceptor.Interceptor, mirroring
// internal/sandbox/wasm.Gate, so either host can be security-gated
// without the two packages importing each other.
type Gate interface {
	Intercept(ctx context.Context, sessionID string, act action.SensitiveAction, opts interceptor.Options) (*interceptor.Authorization, error)
}

// SamplingHandler answers a plugin's `sampling/createMessage` request by
// running an LLM generation on the plugin's behalf.
type SamplingHandler interface {
	CreateMessage(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
}

// RootsHandler answers a plugin's `roots/list` request with the
// workspace roots it may operate against.
type RootsHandler interface {
	ListRoots(ctx context.Context) (json.RawMessage, error)
}

// ElicitationHandler answers a plugin's `elicitation/create` request by
// routing a structured prompt through the approval/elicitation pipeline
// to a human.
type ElicitationHandler interface {
	Elicit(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
}

// Capabilities records what the plugin declared during the
// initialization handshake.
type Capabilities struct {
	Tools       bool
	Resources   bool
	Prompts     bool
	Sampling    bool
	Roots       bool
	Elicitation bool
}

// Config describes one subprocess plugin to host.
type Config struct {
	PluginID    string
	Command     []string
	Env         map[string]string
	SHA256      string // optional; when set, Start verifies Command[0]'s digest before spawning
	MaxRestarts int
}

// Host manages one subprocess plugin's lifecycle: spawn, handshake,
// request bridging, notification surfacing, and restart.
type Host struct {
	cfg         Config
	router      *connector.Router
	gate        Gate
	sampling    SamplingHandler
	roots       RootsHandler
	elicitation ElicitationHandler

	mu       sync.Mutex
	bridge   *bridge
	caps     Capabilities
	restarts *RestartPolicy
	notices  chan ServerNotice
}

// NewHost constructs a Host. router may be nil if the plugin declares no
// Connector capability; gate may be nil to run ungated (tests only).
func NewHost(cfg Config, router *connector.Router, gate Gate, sampling SamplingHandler, roots RootsHandler, elicitation ElicitationHandler) *Host {
	return &Host{
		cfg:         cfg,
		router:      router,
		gate:        gate,
		sampling:    sampling,
		roots:       roots,
		elicitation: elicitation,
		restarts:    NewRestartPolicy(cfg.MaxRestarts),
		notices:     make(chan ServerNotice, serverNoticeCapacity),
	}
}

// Start spawns the subprocess, verifies its hash if configured, and
// performs the initialize/initialized handshake.
func (h *Host) Start(ctx context.Context) error {
	if h.cfg.SHA256 != "" {
		if err := verifyHash(h.cfg.Command[0], h.cfg.SHA256); err != nil {
			return fmt.Errorf("subprocess: %w", err)
		}
	}

	handlers := map[string]requestHandler{
		"sampling/createMessage": h.handleSampling,
		"roots/list":             h.handleRoots,
		"elicitation/create":     h.handleElicitation,
	}

	b, err := spawnBridge(ctx, h.cfg.Command, h.cfg.Env, handlers, h.handleNotification)
	if err != nil {
		return fmt.Errorf("subprocess: spawn: %w", err)
	}

	result, err := b.Call(ctx, "initialize", map[string]any{
		"protocolVersion": mcp.ProtocolVersion,
		"clientInfo":      map[string]string{"name": "sentra", "version": "0.1.0"},
		"capabilities":    map[string]any{},
	})
	if err != nil {
		b.Close()
		return fmt.Errorf("subprocess: initialize: %w", err)
	}

	var init initializeResult
	if err := json.Unmarshal(result, &init); err != nil {
		b.Close()
		return fmt.Errorf("subprocess: parse initialize result: %w", err)
	}

	if err := b.Notify("notifications/initialized", map[string]any{}); err != nil {
		b.Close()
		return fmt.Errorf("subprocess: initialized notify: %w", err)
	}

	h.mu.Lock()
	h.bridge = b
	h.caps = Capabilities{
		Tools:       init.Capabilities.Tools != nil,
		Resources:   init.Capabilities.Resources != nil,
		Prompts:     init.Capabilities.Prompts != nil,
		Sampling:    init.Capabilities.Sampling != nil,
		Roots:       init.Capabilities.Roots != nil,
		Elicitation: init.Capabilities.Elicitation != nil,
	}
	h.mu.Unlock()
	return nil
}

type initializeResult struct {
	ServerInfo   struct{ Name, Version string } `json:"serverInfo"`
	Capabilities struct {
		Tools       *struct{} `json:"tools,omitempty"`
		Resources   *struct{} `json:"resources,omitempty"`
		Prompts     *struct{} `json:"prompts,omitempty"`
		Sampling    *struct{} `json:"sampling,omitempty"`
		Roots       *struct{} `json:"roots,omitempty"`
		Elicitation *struct{} `json:"elicitation,omitempty"`
	} `json:"capabilities"`
}

func verifyHash(path, want string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read binary for hash check: %w", err)
	}
	sum := sha256.Sum256(data)
	got := hex.EncodeToString(sum[:])
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("binary hash mismatch: want %s, got %s", want, got)
	}
	return nil
}

// Capabilities returns what the plugin declared at handshake time.
func (h *Host) Capabilities() Capabilities {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.caps
}

// Notices returns the bounded stream of out-of-band announcements.
func (h *Host) Notices() <-chan ServerNotice {
	return h.notices
}

func (h *Host) push(n ServerNotice) {
	select {
	case h.notices <- n:
		return
	default:
	}
	// Channel full: drop the oldest pending notice to make room, rather
	// than blocking the subprocess's read loop on a slow consumer.
	select {
	case <-h.notices:
	default:
	}
	select {
	case h.notices <- n:
	default:
	}
}

func (h *Host) handleSampling(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	if h.sampling == nil {
		return nil, fmt.Errorf("sampling not supported by this host")
	}
	return h.sampling.CreateMessage(ctx, params)
}

func (h *Host) handleRoots(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
	if h.roots == nil {
		return nil, fmt.Errorf("roots not supported by this host")
	}
	return h.roots.ListRoots(ctx)
}

func (h *Host) handleElicitation(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	if h.elicitation == nil {
		return nil, fmt.Errorf("elicitation not supported by this host")
	}
	return h.elicitation.Elicit(ctx, params)
}

// handleNotification classifies an inbound notification and, for the
// astrid-specific kinds, applies the same §4.9 validation rules a WASM
// guest's register_connector/inbound message would go through before
// surfacing a ServerNotice.
func (h *Host) handleNotification(method string, params json.RawMessage) {
	switch method {
	case "notifications/tools/list_changed":
		h.push(ServerNotice{Kind: NoticeToolsListChanged, PluginID: h.cfg.PluginID})

	case "astrid/connector_register":
		var d connector.Descriptor
		if err := json.Unmarshal(params, &d); err != nil {
			return
		}
		// Anti-spoof: bind the plugin id from what the host itself
		// configured for this subprocess, never from the payload.
		d.PluginID = h.cfg.PluginID
		if h.router != nil {
			if err := h.router.RegisterConnector(d); err != nil {
				return
			}
		}
		h.push(ServerNotice{Kind: NoticeConnectorRegistered, PluginID: h.cfg.PluginID, Payload: params})

	case "astrid/inbound_message":
		var msg connector.InboundMessage
		if err := json.Unmarshal(params, &msg); err != nil {
			return
		}
		if h.router != nil {
			if err := h.router.Route(context.Background(), h.cfg.PluginID, msg); err != nil {
				return
			}
		}
		h.push(ServerNotice{Kind: NoticeInboundMessage, PluginID: h.cfg.PluginID, Payload: params})

	case "astrid/config_changed":
		h.push(ServerNotice{Kind: NoticeConfigChanged, PluginID: h.cfg.PluginID, Payload: params})
	}
}

// CallTool invokes a tool the plugin declared, gated through the
// security interceptor as an MCP tool call.
func (h *Host) CallTool(ctx context.Context, sessionID, toolName string, args json.RawMessage) (string, error) {
	h.mu.Lock()
	b := h.bridge
	pluginID := h.cfg.PluginID
	gate := h.gate
	h.mu.Unlock()

	if b == nil {
		return "", fmt.Errorf("subprocess: plugin %s not started", pluginID)
	}

	if gate != nil {
		if _, err := gate.Intercept(ctx, sessionID, action.McpToolCall(pluginID, toolName), interceptor.Options{
			ArgsSize:     len(args),
			AgentContext: fmt.Sprintf("subprocess plugin %s calling tool %s", pluginID, toolName),
		}); err != nil {
			return "", err
		}
	}

	var argsMap map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &argsMap); err != nil {
			return "", fmt.Errorf("subprocess: parse tool arguments: %w", err)
		}
	}

	result, err := b.Call(ctx, "tools/call", map[string]any{"name": toolName, "arguments": argsMap})
	if err != nil {
		return "", err
	}

	var parsed struct {
		Content []mcp.Content `json:"content"`
		IsError bool          `json:"isError"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return "", fmt.Errorf("subprocess: parse tool result: %w", err)
	}

	var out strings.Builder
	for _, c := range parsed.Content {
		if c.Type == "text" {
			out.WriteString(c.Text)
		}
	}
	if parsed.IsError {
		return "", fmt.Errorf("tool error: %s", out.String())
	}
	return out.String(), nil
}

// Alive reports whether the subprocess's bridge is still connected.
func (h *Host) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bridge != nil && h.bridge.Alive()
}

// TryRestart respawns the subprocess if it has died, consuming one slot
// from the restart policy. It returns false without restarting if the
// process is still alive or the restart allowance is exhausted.
func (h *Host) TryRestart(ctx context.Context) (bool, error) {
	if h.Alive() {
		return false, nil
	}
	ok, delay := h.restarts.TryReconnect()
	if !ok {
		return false, fmt.Errorf("subprocess: restart allowance exhausted for plugin %s (%d attempts)", h.cfg.PluginID, h.restarts.Attempts())
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return false, ctx.Err()
	}
	return true, h.Start(ctx)
}

// Close terminates the subprocess.
func (h *Host) Close() error {
	h.mu.Lock()
	b := h.bridge
	h.mu.Unlock()
	if b == nil {
		return nil
	}
	return b.Close()
}
