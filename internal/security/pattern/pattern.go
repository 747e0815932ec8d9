// Package pattern implements the resource patterns capabilities and
// allowances are matched against: a URI-like string with optional glob
// support (`mcp://filesystem:*`, `file:///home/user/**`) and a
// path-traversal guard that rejects a literal ".." path component in
// either the pattern or the resource being matched.
package pattern

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrInvalidPattern is wrapped by every construction failure.
type ErrInvalidPattern struct {
	Pattern string
	Reason  string
}

func (e *ErrInvalidPattern) Error() string {
	return fmt.Sprintf("pattern: invalid pattern %q: %s", e.Pattern, e.Reason)
}

// Pattern matches resource URIs, either exactly or via a glob.
type Pattern struct {
	source string
	isGlob bool
}

// New creates a pattern, auto-detecting glob syntax from the presence of
// any of '*', '?', '['. Returns ErrInvalidPattern if the pattern contains
// a path-traversal segment or the glob fails to compile.
func New(source string) (Pattern, error) {
	if containsPathTraversal(source) {
		return Pattern{}, &ErrInvalidPattern{Pattern: source, Reason: "path traversal detected: pattern contains '..' segment"}
	}

	if !isGlobSyntax(source) {
		return Pattern{source: source}, nil
	}

	if !doublestar.ValidatePattern(source) {
		return Pattern{}, &ErrInvalidPattern{Pattern: source, Reason: "invalid glob syntax"}
	}
	return Pattern{source: source, isGlob: true}, nil
}

// Exact creates a pattern that only ever matches its own source string
// byte-for-byte, even if that string happens to contain glob characters.
func Exact(source string) (Pattern, error) {
	if containsPathTraversal(source) {
		return Pattern{}, &ErrInvalidPattern{Pattern: source, Reason: "path traversal detected: pattern contains '..' segment"}
	}
	return Pattern{source: source}, nil
}

// FileDir creates a pattern matching every resource under a file
// directory, e.g. FileDir("/home/user") matches
// "file:///home/user/any/nested/file".
func FileDir(path string) (Pattern, error) {
	return New(fmt.Sprintf("file://%s/**", path))
}

// FileExact creates a pattern matching exactly one file path.
func FileExact(path string) (Pattern, error) {
	return Exact(fmt.Sprintf("file://%s", path))
}

// MCPTool creates a pattern matching exactly one tool on one MCP server.
func MCPTool(server, tool string) (Pattern, error) {
	return Exact(fmt.Sprintf("mcp://%s:%s", server, tool))
}

// MCPServer creates a pattern matching every tool on one MCP server.
func MCPServer(server string) (Pattern, error) {
	return New(fmt.Sprintf("mcp://%s:*", server))
}

// Matches reports whether resource satisfies this pattern. A resource
// containing a path-traversal segment is always rejected, regardless of
// whether the glob would otherwise match it.
func (p Pattern) Matches(resource string) bool {
	if containsPathTraversal(resource) {
		return false
	}
	if p.isGlob {
		matched, err := doublestar.Match(p.source, resource)
		return err == nil && matched
	}
	return p.source == resource
}

// String returns the pattern's source text.
func (p Pattern) String() string {
	return p.source
}

// IsGlob reports whether this pattern matches via glob semantics.
func (p Pattern) IsGlob() bool {
	return p.isGlob
}

// MarshalJSON serializes the pattern as its source string, so patterns
// round-trip through JSON exactly as they were written.
func (p Pattern) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.source)
}

// UnmarshalJSON reconstructs a pattern from its source string, replaying
// glob detection and the path-traversal guard.
func (p *Pattern) UnmarshalJSON(data []byte) error {
	var source string
	if err := json.Unmarshal(data, &source); err != nil {
		return err
	}
	parsed, err := New(source)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func isGlobSyntax(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

// containsPathTraversal detects a literal ".." path component anywhere in
// s, after stripping the "scheme://" prefix if present. It splits on '/'
// and compares whole components, so "file..bak" is accepted while
// "../etc/passwd" and "a/../b" are rejected.
func containsPathTraversal(s string) bool {
	path := s
	if idx := strings.Index(s, "://"); idx >= 0 {
		path = s[idx+3:]
	}
	for _, segment := range strings.Split(path, "/") {
		if segment == ".." {
			return true
		}
	}
	return false
}

// URI is a resource URI decomposed into its scheme and either a
// server/tool pair (mcp://server:tool) or a bare path (file:///path).
type URI struct {
	Scheme string
	Server string
	Tool   string
	Path   string
}

// ParseURI decomposes a resource string of the form "scheme://server:tool"
// or "scheme://path". Returns false if resource has no "://" separator.
func ParseURI(resource string) (URI, bool) {
	idx := strings.Index(resource, "://")
	if idx < 0 {
		return URI{}, false
	}
	scheme, rest := resource[:idx], resource[idx+3:]

	if scheme == "file" {
		return URI{Scheme: scheme, Path: rest}, true
	}

	if server, tool, ok := strings.Cut(rest, ":"); ok {
		return URI{Scheme: scheme, Server: server, Tool: tool}, true
	}
	return URI{Scheme: scheme, Server: rest}, true
}

// MCPUri builds a "mcp://server:tool" resource URI.
func MCPUri(server, tool string) URI {
	return URI{Scheme: "mcp", Server: server, Tool: tool}
}

// FileUri builds a "file://path" resource URI.
func FileUri(path string) URI {
	return URI{Scheme: "file", Path: path}
}

// ToURI renders the parsed components back into a resource string.
func (u URI) ToURI() string {
	switch {
	case u.Server != "" && u.Tool != "":
		return fmt.Sprintf("%s://%s:%s", u.Scheme, u.Server, u.Tool)
	case u.Server != "":
		return fmt.Sprintf("%s://%s", u.Scheme, u.Server)
	case u.Path != "":
		return fmt.Sprintf("%s://%s", u.Scheme, u.Path)
	default:
		return u.Scheme + "://"
	}
}
