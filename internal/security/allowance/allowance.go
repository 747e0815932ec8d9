// Package allowance implements the reusable-approval store (spec §4.4,
// C4): allowances are semantically weaker than capability tokens — they
// cover future actions of a *kind* (all tools on a server, any file
// under a prefix, a named command) rather than one exact resource URI.
// The store's central operation, FindMatchingAndConsume, is a single
// atomic read-modify-write so that N concurrent callers racing over one
// max-uses=1 allowance observe exactly one consumption (spec §8).
package allowance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/sentra-run/sentra/internal/security/action"
	"github.com/sentra-run/sentra/internal/security/crypto"
	"github.com/sentra-run/sentra/internal/security/kv"
	"github.com/sentra-run/sentra/internal/security/pattern"
)

var (
	ErrAlreadyExists    = errors.New("allowance: id already exists")
	ErrInvalidSignature = errors.New("allowance: invalid signature")
	ErrInvalidPattern   = errors.New("allowance: invalid pattern")
)

// PatternKind tags the shape of action an allowance covers.
type PatternKind string

const (
	// PatternExactTool covers one tool on one server.
	PatternExactTool PatternKind = "exact_tool"
	// PatternServerTools covers every tool on one server.
	PatternServerTools PatternKind = "server_tools"
	// PatternFilePrefix covers every file path under a prefix.
	PatternFilePrefix PatternKind = "file_prefix"
	// PatternCommand covers one named command, any arguments.
	PatternCommand PatternKind = "command"
)

// Pattern is the tagged action-pattern variant an allowance matches
// against. Exactly one of Server/Tool, Server, Prefix, Command is
// populated, selected by Kind.
type Pattern struct {
	Kind    PatternKind `json:"kind"`
	Server  string      `json:"server,omitempty"`
	Tool    string      `json:"tool,omitempty"`
	Prefix  string      `json:"prefix,omitempty"`
	Command string      `json:"command,omitempty"`
}

func ExactTool(server, tool string) Pattern {
	return Pattern{Kind: PatternExactTool, Server: server, Tool: tool}
}

func ServerTools(server string) Pattern {
	return Pattern{Kind: PatternServerTools, Server: server}
}

func FilePrefix(prefix string) Pattern {
	return Pattern{Kind: PatternFilePrefix, Prefix: prefix}
}

func Command(name string) Pattern {
	return Pattern{Kind: PatternCommand, Command: name}
}

// Matches reports whether this pattern covers act.
func (p Pattern) Matches(act action.SensitiveAction) bool {
	switch p.Kind {
	case PatternExactTool:
		return act.Kind == action.KindMcpToolCall && act.Server == p.Server && act.Tool == p.Tool
	case PatternServerTools:
		return act.Kind == action.KindMcpToolCall && act.Server == p.Server
	case PatternFilePrefix:
		isFileAction := act.Kind == action.KindFileRead || act.Kind == action.KindFileDelete ||
			act.Kind == action.KindFileWriteOutsideSandbox
		return isFileAction && strings.HasPrefix(act.Path, p.Prefix) && !containsTraversal(act.Path)
	case PatternCommand:
		return act.Kind == action.KindExecuteCommand && act.Command == p.Command
	default:
		return false
	}
}

func containsTraversal(path string) bool {
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

func (p Pattern) String() string {
	switch p.Kind {
	case PatternExactTool:
		return fmt.Sprintf("exact_tool:%s:%s", p.Server, p.Tool)
	case PatternServerTools:
		return fmt.Sprintf("server_tools:%s", p.Server)
	case PatternFilePrefix:
		return fmt.Sprintf("file_prefix:%s", p.Prefix)
	case PatternCommand:
		return fmt.Sprintf("command:%s", p.Command)
	default:
		return fmt.Sprintf("unknown:%s", p.Kind)
	}
}

// Allowance is a reusable, signed approval of future matching actions.
type Allowance struct {
	ID            string     `json:"id"`
	ActionPattern Pattern    `json:"action_pattern"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	MaxUses       *int       `json:"max_uses,omitempty"`
	UsesRemaining *int       `json:"uses_remaining,omitempty"`
	SessionOnly   bool       `json:"session_only"`
	WorkspaceRoot string     `json:"workspace_root,omitempty"`
	Signature     []byte     `json:"signature"`
}

func (a Allowance) canonical() []byte {
	return []byte(fmt.Sprintf("%s|%s|%d|%s|%v|%v|%t|%s",
		a.ID, a.ActionPattern.String(), a.CreatedAt.UnixNano(), expiresString(a.ExpiresAt),
		intPtrString(a.MaxUses), intPtrString(a.UsesRemaining), a.SessionOnly, a.WorkspaceRoot))
}

func expiresString(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func intPtrString(n *int) string {
	if n == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *n)
}

// New constructs and signs an allowance.
func New(kp crypto.KeyPair, actionPattern Pattern, expiresAt *time.Time, maxUses *int, sessionOnly bool, workspaceRoot string) Allowance {
	var usesRemaining *int
	if maxUses != nil {
		v := *maxUses
		usesRemaining = &v
	}
	a := Allowance{
		ID:            ulid.Make().String(),
		ActionPattern: actionPattern,
		CreatedAt:     time.Now().UTC(),
		ExpiresAt:     expiresAt,
		MaxUses:       maxUses,
		UsesRemaining: usesRemaining,
		SessionOnly:   sessionOnly,
		WorkspaceRoot: workspaceRoot,
	}
	a.Signature = kp.Sign(a.canonical())
	return a
}

// Verify checks the allowance's signature.
func (a Allowance) Verify(issuerPublicKey []byte) bool {
	return crypto.Verify(issuerPublicKey, a.canonical(), a.Signature)
}

func (a Allowance) expired(now time.Time) bool {
	if a.ExpiresAt != nil && now.After(*a.ExpiresAt) {
		return true
	}
	if a.UsesRemaining != nil && *a.UsesRemaining <= 0 {
		return true
	}
	return false
}

// Store holds allowances under "allowances:*". All mutation happens
// under one mutex so FindMatchingAndConsume observes the whole scan,
// filter, and decrement as a single atomic step.
type Store struct {
	mu      sync.Mutex
	backing kv.Store
}

func NewStore(backing kv.Store) *Store {
	return &Store{backing: backing}
}

func key(id string) string { return "allowances:" + id }

// Add persists a new allowance, verifying its signature first.
func (s *Store) Add(ctx context.Context, a Allowance, issuerPublicKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing Allowance
	if err := s.backing.Get(ctx, key(a.ID), &existing); err == nil {
		return ErrAlreadyExists
	} else if !errors.Is(err, kv.ErrNotFound) {
		return err
	}

	if !a.Verify(issuerPublicKey) {
		return ErrInvalidSignature
	}

	return s.backing.Put(ctx, key(a.ID), a)
}

// FindMatchingAndConsume atomically finds the first allowance matching
// act and scoped correctly for workspaceRoot, decrements its
// uses-remaining counter (removing it if that hits zero), and returns
// the matched allowance — all under one critical section so concurrent
// callers racing a max-uses=1 allowance never both succeed. Expired
// allowances encountered during the scan are dropped along the way.
func (s *Store) FindMatchingAndConsume(ctx context.Context, act action.SensitiveAction, workspaceRoot string) (*Allowance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var toDelete []string
	var match *Allowance

	err := s.backing.Scan(ctx, "allowances:", func(k string, data json.RawMessage) error {
		var a Allowance
		if err := json.Unmarshal(data, &a); err != nil {
			return nil
		}
		if a.expired(now) {
			toDelete = append(toDelete, a.ID)
			return nil
		}
		if match != nil {
			return nil
		}
		if a.WorkspaceRoot != "" && a.WorkspaceRoot != workspaceRoot {
			return nil
		}
		if !a.ActionPattern.Matches(act) {
			return nil
		}
		match = &a
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, id := range toDelete {
		_ = s.backing.Delete(ctx, key(id))
	}

	if match == nil {
		return nil, nil
	}

	if match.UsesRemaining != nil {
		remaining := *match.UsesRemaining - 1
		if remaining <= 0 {
			if err := s.backing.Delete(ctx, key(match.ID)); err != nil {
				return nil, err
			}
		} else {
			match.UsesRemaining = &remaining
			if err := s.backing.Put(ctx, key(match.ID), *match); err != nil {
				return nil, err
			}
		}
	}

	return match, nil
}

// Remove deletes an allowance by id.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backing.Delete(ctx, key(id))
}

// List returns every stored allowance.
func (s *Store) List(ctx context.Context) ([]Allowance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var allowances []Allowance
	err := s.backing.Scan(ctx, "allowances:", func(k string, data json.RawMessage) error {
		var a Allowance
		if err := json.Unmarshal(data, &a); err != nil {
			return nil
		}
		allowances = append(allowances, a)
		return nil
	})
	return allowances, err
}
