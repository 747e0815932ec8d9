package wasm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/sentra-run/sentra/internal/connector"
)

// HTTPResponse is the ABI's response shape for http.request, mirrored
// back into guest memory as JSON.
type HTTPResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// guardedClient dials through guardedDialer's DNS-rebinding-safe
// resolver for every connection, so an allow-listed hostname can never
// be used to reach a private address behind it.
var guardedClient = &http.Client{
	Timeout: 30 * time.Second,
	Transport: &http.Transport{
		DialContext: guardedDialer(),
	},
}

// dispatchHTTPRequest validates req against the manifest allow-list and
// SSRF guard, gates it through the interceptor, and — only once both
// pass — performs it.
func dispatchHTTPRequest(ctx context.Context, h *Host, state *HostState, req HTTPRequest) ([]byte, error) {
	trapIfOversize("http.request", "4 MiB", len(req.Body), MaxHTTPBodyBytes)

	if err := validateHTTPRequest(req, h.allowPatterns[state.PluginID]); err != nil {
		return nil, err
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, err
	}

	if err := gateHTTP(ctx, state.Security, state.SessionID, state.PluginID, u.Hostname(), portFromURL(u), len(req.Body)); err != nil {
		return nil, fmt.Errorf("wasm: http.request denied: %w", err)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := guardedClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxHTTPBodyBytes))
	if err != nil {
		return nil, err
	}
	trapIfOversize("http.response", "4 MiB", len(body), MaxHTTPBodyBytes)

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return json.Marshal(HTTPResponse{Status: resp.StatusCode, Headers: headers, Body: body})
}

// readGuestFile confines path inside the guest's workspace root,
// gates the read through the interceptor, then reads it.
func readGuestFile(ctx context.Context, state *HostState, path string) ([]byte, error) {
	resolved, err := resolveGuestPath(state.WorkspaceRoot, path)
	if err != nil {
		return nil, err
	}
	if err := gateFS(ctx, state.Security, state.SessionID, state.PluginID, resolved, 0); err != nil {
		return nil, fmt.Errorf("wasm: fs.read denied: %w", err)
	}
	return os.ReadFile(resolved)
}

// writeGuestFile confines path inside the guest's workspace root,
// gates the write through the interceptor, then writes it.
func writeGuestFile(ctx context.Context, state *HostState, path string, data []byte) error {
	resolved, err := resolveGuestPath(state.WorkspaceRoot, path)
	if err != nil {
		return err
	}
	if err := gateFS(ctx, state.Security, state.SessionID, state.PluginID, resolved, len(data)); err != nil {
		return fmt.Errorf("wasm: fs.write denied: %w", err)
	}
	return os.WriteFile(resolved, data, 0o644)
}

// decodeConnectorDescriptor parses and size-validates a guest's
// register_connector call, projecting it into a connector.Descriptor
// bound to pluginID (the guest cannot register on another plugin's
// behalf; PluginID is always set by the host, never trusted from the
// guest payload).
func decodeConnectorDescriptor(pluginID string, raw []byte) (connector.Descriptor, error) {
	var in struct {
		Name     string   `json:"name"`
		Platform string   `json:"platform"`
		Channels []string `json:"channels,omitempty"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return connector.Descriptor{}, err
	}
	if in.Name == "" || in.Platform == "" {
		return connector.Descriptor{}, fmt.Errorf("wasm: connector descriptor missing name/platform")
	}
	return connector.Descriptor{PluginID: pluginID, Name: in.Name, Platform: in.Platform, Channels: in.Channels}, nil
}
