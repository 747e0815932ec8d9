package wasm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// hostModuleName is the single import namespace every guest module
// binds its ABI calls against. It is bound exactly once per runtime
// (not once per guest): wazero module instances share one host
// module, and host functions resolve which guest is calling via the
// calling module's own name (set to its plugin id at instantiation).
const hostModuleName = "sentra_host"

// Host loads and runs WASM guest modules under one wazero runtime,
// wiring the ABI of §4.10 against each guest's HostState.
type Host struct {
	runtime       wazero.Runtime
	allowPatterns map[string][]string // pluginID -> manifest http allow patterns

	mu     sync.RWMutex
	states map[string]*HostState // pluginID -> state, looked up per call
}

// NewHost creates a runtime-backed host and binds its ABI once. Call
// Close when the process shuts down to release the compiler cache.
func NewHost(ctx context.Context) (*Host, error) {
	rt := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("wasm: instantiate WASI: %w", err)
	}
	h := &Host{
		runtime:       rt,
		allowPatterns: make(map[string][]string),
		states:        make(map[string]*HostState),
	}
	builder := rt.NewHostModuleBuilder(hostModuleName)
	bindABI(builder, h)
	if _, err := builder.Instantiate(ctx); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("wasm: bind host module: %w", err)
	}
	return h, nil
}

func (h *Host) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}

// SetAllowPatterns records a plugin's manifest-declared HTTP host
// allow-list, consulted by the host.request function.
func (h *Host) SetAllowPatterns(pluginID string, patterns []string) {
	h.allowPatterns[pluginID] = patterns
}

// stateFor resolves the HostState for the guest module that is
// currently calling a host function, identified by its own name.
func (h *Host) stateFor(m api.Module) *HostState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.states[m.Name()]
}

// Guest is one loaded, instantiated guest module bound to a HostState.
type Guest struct {
	host   *Host
	module api.Module
	state  *HostState
}

// Load compiles and instantiates wasmBytes, registering state under
// its plugin id so host functions called from this instance resolve
// back to it.
func (h *Host) Load(ctx context.Context, state *HostState, wasmBytes []byte) (*Guest, error) {
	h.mu.Lock()
	if _, exists := h.states[state.PluginID]; exists {
		h.mu.Unlock()
		return nil, fmt.Errorf("wasm: plugin %q already loaded", state.PluginID)
	}
	h.states[state.PluginID] = state
	h.mu.Unlock()

	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		h.forget(state.PluginID)
		return nil, fmt.Errorf("wasm: compile %q: %w", state.PluginID, err)
	}
	cfg := wazero.NewModuleConfig().WithName(state.PluginID)
	mod, err := h.runtime.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		h.forget(state.PluginID)
		return nil, fmt.Errorf("wasm: instantiate %q: %w", state.PluginID, err)
	}
	return &Guest{host: h, module: mod, state: state}, nil
}

func (h *Host) forget(pluginID string) {
	h.mu.Lock()
	delete(h.states, pluginID)
	h.mu.Unlock()
}

func (g *Guest) Close(ctx context.Context) error {
	g.host.forget(g.state.PluginID)
	return g.module.Close(ctx)
}

// bindABI registers every §4.10 host function against builder. Each
// function reads its request out of the calling guest's memory at
// (reqPtr, reqLen), resolves that guest's HostState by its module
// name, and — on success — writes a JSON response into guest memory
// via its exported "allocate" function, returning the response as a
// packed (ptr<<32 | len) uint64. A guest that exceeds a size ceiling
// gets a trap (see limits.go), not a response.
func bindABI(builder wazero.HostModuleBuilder, h *Host) {
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, level, ptr, length uint32) {
			state := h.stateFor(m)
			if state == nil {
				return
			}
			msg := readMemory(m, ptr, length)
			trapIfOversize("log", "64 KiB", len(msg), MaxLogMessageBytes)
			logGuestMessage(state.PluginID, level, string(msg))
		}).
		Export("log")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, keyPtr, keyLen uint32) uint64 {
			state := h.stateFor(m)
			if state == nil {
				return 0
			}
			key := string(readMemory(m, keyPtr, keyLen))
			var v json.RawMessage
			if err := state.kv.Get(ctx, state.kvKey(key), &v); err != nil {
				return 0
			}
			trapIfOversize("kv.get", "10 MiB", len(v), MaxKVValueBytes)
			return writeResponse(ctx, m, v)
		}).
		Export("kv_get")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, keyPtr, keyLen, valPtr, valLen uint32) uint32 {
			state := h.stateFor(m)
			if state == nil {
				return 0
			}
			val := readMemory(m, valPtr, valLen)
			trapIfOversize("kv.set", "10 MiB", len(val), MaxKVValueBytes)
			key := string(readMemory(m, keyPtr, keyLen))
			if err := state.kv.Put(ctx, state.kvKey(key), json.RawMessage(val)); err != nil {
				return 0
			}
			return 1
		}).
		Export("kv_set")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, keyPtr, keyLen uint32) uint32 {
			state := h.stateFor(m)
			if state == nil {
				return 0
			}
			key := string(readMemory(m, keyPtr, keyLen))
			if err := state.kv.Delete(ctx, state.kvKey(key)); err != nil {
				return 0
			}
			return 1
		}).
		Export("kv_delete")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, topicPtr, topicLen, payloadPtr, payloadLen uint32) uint32 {
			state := h.stateFor(m)
			if state == nil {
				return 0
			}
			payload := readMemory(m, payloadPtr, payloadLen)
			trapIfOversize("ipc.publish", "64 KiB", len(payload), MaxIPCPayloadBytes)
			topic := string(readMemory(m, topicPtr, topicLen))
			if err := state.ipc.publish(topic, payload); err != nil {
				return 0
			}
			return 1
		}).
		Export("ipc_publish")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, topicPtr, topicLen uint32) uint64 {
			state := h.stateFor(m)
			if state == nil {
				return 0
			}
			topic := string(readMemory(m, topicPtr, topicLen))
			handle, err := state.ipc.subscribe(topic)
			if err != nil {
				return 0
			}
			return handle
		}).
		Export("ipc_subscribe")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, handle uint64) uint64 {
			state := h.stateFor(m)
			if state == nil {
				return 0
			}
			msg, ok, err := state.ipc.poll(handle)
			if err != nil || !ok {
				return 0
			}
			trapIfOversize("ipc.poll", "64 KiB", len(msg.Payload), MaxIPCPayloadBytes)
			return writeResponse(ctx, m, msg.Payload)
		}).
		Export("ipc_poll")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, reqPtr, reqLen uint32) uint64 {
			state := h.stateFor(m)
			if state == nil {
				return 0
			}
			raw := readMemory(m, reqPtr, reqLen)
			trapIfOversize("http.request", "8 MiB", len(raw), MaxHTTPBodyBytes*2)
			var req HTTPRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return 0
			}
			resp, err := dispatchHTTPRequest(ctx, h, state, req)
			if err != nil {
				return 0
			}
			return writeResponse(ctx, m, resp)
		}).
		Export("http_request")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, pathPtr, pathLen uint32) uint64 {
			state := h.stateFor(m)
			if state == nil {
				return 0
			}
			path := string(readMemory(m, pathPtr, pathLen))
			data, err := readGuestFile(ctx, state, path)
			if err != nil {
				return 0
			}
			return writeResponse(ctx, m, data)
		}).
		Export("fs_read")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, pathPtr, pathLen, dataPtr, dataLen uint32) uint32 {
			state := h.stateFor(m)
			if state == nil {
				return 0
			}
			data := readMemory(m, dataPtr, dataLen)
			path := string(readMemory(m, pathPtr, pathLen))
			if err := writeGuestFile(ctx, state, path, data); err != nil {
				return 0
			}
			return 1
		}).
		Export("fs_write")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, reqPtr, reqLen uint32) uint32 {
			state := h.stateFor(m)
			if state == nil {
				return 0
			}
			raw := readMemory(m, reqPtr, reqLen)
			desc, err := decodeConnectorDescriptor(state.PluginID, raw)
			if err != nil {
				return 0
			}
			if err := state.RegisterConnector(desc); err != nil {
				return 0
			}
			return 1
		}).
		Export("register_connector")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, keyPtr, keyLen uint32) uint64 {
			state := h.stateFor(m)
			if state == nil {
				return 0
			}
			key := string(readMemory(m, keyPtr, keyLen))
			v, ok := state.Config[key]
			if !ok {
				return 0
			}
			return writeResponse(ctx, m, []byte(v))
		}).
		Export("get_config")
}

// readMemory reads length bytes at ptr out of the calling module's
// linear memory. A guest that passes an out-of-bounds pointer gets a
// trap from wazero itself, before this function is even reached for
// the ok=false case — Read's bounds check is authoritative.
func readMemory(m api.Module, ptr, length uint32) []byte {
	data, ok := m.Memory().Read(ptr, length)
	if !ok {
		panic(&LimitExceeded{Function: "memory.read", Limit: "out of bounds"})
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out
}

// writeResponse allocates space in the guest's memory (via its
// exported "allocate" function) and copies resp into it, returning a
// packed (ptr<<32 | len) value the guest unpacks on its side of the
// ABI. A guest lacking "allocate" cannot receive host responses at
// all — it gets a zero value, equivalent to "no value".
func writeResponse(ctx context.Context, m api.Module, resp []byte) uint64 {
	if len(resp) == 0 {
		return 0
	}
	alloc := m.ExportedFunction("allocate")
	if alloc == nil {
		return 0
	}
	results, err := alloc.Call(ctx, uint64(len(resp)))
	if err != nil || len(results) == 0 {
		return 0
	}
	ptr := uint32(results[0])
	if !m.Memory().Write(ptr, resp) {
		return 0
	}
	return (uint64(ptr) << 32) | uint64(len(resp))
}

func logGuestMessage(pluginID string, level uint32, msg string) {
	// Routed through the runtime's structured logger by whatever
	// called SetGuestLogger; a nil sink means no logging dependency is
	// wired, rather than failing the guest call outright.
	if guestLogger != nil {
		guestLogger(pluginID, level, msg)
	}
}

// guestLogger is set by the plugin manager to route guest log()
// calls into the runtime's structured logger.
var guestLogger func(pluginID string, level uint32, msg string)

// SetGuestLogger installs the sink every guest's log() host call is
// routed through.
func SetGuestLogger(fn func(pluginID string, level uint32, msg string)) {
	guestLogger = fn
}
