package wasm

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sentra-run/sentra/internal/security/action"
	"github.com/sentra-run/sentra/internal/security/interceptor"
)

// HTTPRequest is the guest-supplied request ABI.request() decodes into
// before validation.
type HTTPRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// validateHTTPRequest applies §4.10's SSRF guard and allow-pattern
// check, independent of wazero wiring so it can be unit tested
// directly. allowPatterns are the manifest's declared host allow
// patterns (exact host, or "*.example.com" suffix wildcard).
func validateHTTPRequest(req HTTPRequest, allowPatterns []string) error {
	u, err := url.Parse(req.URL)
	if err != nil {
		return fmt.Errorf("wasm: invalid url: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("wasm: url scheme must be https, got %q", u.Scheme)
	}
	for _, v := range req.Headers {
		if strings.ContainsAny(v, "\r\n") {
			return fmt.Errorf("wasm: header value contains CR/LF")
		}
	}
	if !hostAllowed(u.Hostname(), allowPatterns) {
		return fmt.Errorf("wasm: host %q not in manifest allow list", u.Hostname())
	}
	if err := rejectPrivateHost(u.Hostname()); err != nil {
		return err
	}
	return nil
}

func hostAllowed(host string, patterns []string) bool {
	for _, p := range patterns {
		if p == host {
			return true
		}
		if strings.HasPrefix(p, "*.") && strings.HasSuffix(host, p[1:]) {
			return true
		}
	}
	return false
}

// rejectPrivateHost is the SSRF guard of §4.10/§6.2: a guest-initiated
// request must not resolve to a loopback, private, or link-local
// address, regardless of what the hostname's DNS label claims to be.
func rejectPrivateHost(host string) error {
	ip := net.ParseIP(host)
	if ip == nil {
		// Not a literal IP; resolution happens at dial time in the real
		// transport, which must apply this same check per-address — see
		// guardedDialer.
		return nil
	}
	if isDisallowedIP(ip) {
		return fmt.Errorf("wasm: host %q resolves to a disallowed address", host)
	}
	return nil
}

func isDisallowedIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// guardedDialer wraps a net.Dialer so that even a hostname which
// resolves to a private address at connect time (DNS rebinding) is
// rejected, not just literal-IP URLs caught by validateHTTPRequest.
func guardedDialer() func(ctx context.Context, network, addr string) (net.Conn, error) {
	d := &net.Dialer{}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
		if err != nil {
			return nil, err
		}
		for _, ip := range ips {
			if isDisallowedIP(ip) {
				return nil, fmt.Errorf("wasm: resolved address %s is disallowed", ip)
			}
		}
		return d.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
	}
}

// resolveGuestPath canonicalizes a guest-supplied path and confirms it
// resolves inside workspaceRoot, rejecting any ".." escape (including
// one hidden behind a symlink-free lexical join).
func resolveGuestPath(workspaceRoot, guestPath string) (string, error) {
	if filepath.IsAbs(guestPath) {
		return "", fmt.Errorf("wasm: absolute guest paths are rejected: %q", guestPath)
	}
	joined := filepath.Join(workspaceRoot, guestPath)
	rel, err := filepath.Rel(workspaceRoot, joined)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("wasm: path %q escapes workspace root", guestPath)
	}
	return joined, nil
}

// gateHTTP projects a validated HTTP request to PluginHttpRequest and
// passes it through the interceptor before the guest's request is
// allowed to proceed.
func gateHTTP(ctx context.Context, gate Gate, sessionID, pluginID, host string, port int, argsSize int) error {
	if gate == nil {
		return nil
	}
	act := action.PluginHttpRequest(pluginID, host, port)
	_, err := gate.Intercept(ctx, sessionID, act, interceptor.Options{
		ArgsSize:     argsSize,
		AgentContext: fmt.Sprintf("plugin %s requesting network access to %s", pluginID, host),
	})
	return err
}

// gateFS projects a validated filesystem access to PluginFileAccess
// and passes it through the interceptor.
func gateFS(ctx context.Context, gate Gate, sessionID, pluginID, path string, argsSize int) error {
	if gate == nil {
		return nil
	}
	act := action.PluginFileAccess(pluginID, path)
	_, err := gate.Intercept(ctx, sessionID, act, interceptor.Options{
		ArgsSize:     argsSize,
		AgentContext: fmt.Sprintf("plugin %s accessing %s", pluginID, path),
	})
	return err
}

// portFromURL extracts a numeric port for the action projection,
// defaulting to 443 since every allowed URL scheme is https.
func portFromURL(u *url.URL) int {
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	return 443
}
