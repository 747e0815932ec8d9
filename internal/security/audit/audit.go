// Package audit implements the per-session cryptographic hash chain of
// spec §4.6 (C6): every authorization decision, tool call outcome,
// session lifecycle event, and capability/allowance mutation is recorded
// as a signed entry linked to the previous one by a BLAKE3 content hash.
// Append is the sole write path — the security interceptor is its only
// caller — and a failed append must fail the authorization it was
// recording, never be silently dropped (spec §4.6 "Failure policy").
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/sentra-run/sentra/internal/security/crypto"
	"github.com/sentra-run/sentra/internal/security/kv"
)

// ActionKind tags the closed set of events an audit entry may record.
type ActionKind string

const (
	ActionSessionStarted      ActionKind = "session_started"
	ActionSessionEnded        ActionKind = "session_ended"
	ActionToolCall            ActionKind = "tool_call"
	ActionServerStarted       ActionKind = "server_started"
	ActionServerStopped       ActionKind = "server_stopped"
	ActionCapabilityGranted   ActionKind = "capability_granted"
	ActionCapabilityRevoked   ActionKind = "capability_revoked"
	ActionAllowanceCreated    ActionKind = "allowance_created"
	ActionDeferredResolution  ActionKind = "deferred_resolution"
	ActionSubAgentSpawned     ActionKind = "sub_agent_spawned"
	ActionBudgetReserve       ActionKind = "budget_reserve"
	ActionBudgetRefund        ActionKind = "budget_refund"
	ActionApprovalDecision    ActionKind = "approval_decision"
)

// Action is the tagged audit action recorded in one entry.
type Action struct {
	Kind ActionKind `json:"kind"`

	UserID   string `json:"user_id,omitempty"`   // SessionStarted
	Frontend string `json:"frontend,omitempty"`  // SessionStarted

	Server   string `json:"server,omitempty"`    // ToolCall, ServerStarted/Stopped
	Tool     string `json:"tool,omitempty"`      // ToolCall
	ArgsHash string `json:"args_hash,omitempty"` // ToolCall, hex of blake3(args)

	CapabilityID string `json:"capability_id,omitempty"` // CapabilityGranted/Revoked
	AllowanceID  string `json:"allowance_id,omitempty"`   // AllowanceCreated

	RequestID string `json:"request_id,omitempty"` // DeferredResolution, ApprovalDecision
	Decision  string `json:"decision,omitempty"`    // ApprovalDecision

	ChildSessionID string `json:"child_session_id,omitempty"` // SubAgentSpawned
	ParentTurnID   string `json:"parent_turn_id,omitempty"`    // SubAgentSpawned

	Amount float64 `json:"amount,omitempty"` // BudgetReserve/Refund
	Scope  string  `json:"scope,omitempty"`  // BudgetReserve/Refund: session|workspace

	Reason string `json:"reason,omitempty"` // freeform context for any kind
}

func (a Action) description() string {
	return fmt.Sprintf("%s(%s)", a.Kind, a.Reason)
}

// ProofKind tags the closed set of authorization-proof variants.
type ProofKind string

const (
	ProofCapability    ProofKind = "capability"
	ProofAllowance     ProofKind = "allowance"
	ProofUserApproval  ProofKind = "user_approval"
	ProofSystem        ProofKind = "system"
	ProofNotRequired   ProofKind = "not_required"
)

// Proof is the tagged AuthorizationProof recorded on an entry.
type Proof struct {
	Kind ProofKind `json:"kind"`

	TokenID   string `json:"token_id,omitempty"`   // Capability
	TokenHash string `json:"token_hash,omitempty"` // Capability

	AllowanceID string `json:"allowance_id,omitempty"` // Allowance
	Signature   string `json:"signature,omitempty"`    // Allowance, UserApproval (hex)

	ResponseID string `json:"response_id,omitempty"` // UserApproval

	Reason string `json:"reason,omitempty"` // System, NotRequired
}

func ProofFromCapability(tokenID string, tokenHash crypto.ContentHash) Proof {
	return Proof{Kind: ProofCapability, TokenID: tokenID, TokenHash: tokenHash.String()}
}

func ProofFromAllowance(allowanceID string, signature []byte) Proof {
	return Proof{Kind: ProofAllowance, AllowanceID: allowanceID, Signature: fmt.Sprintf("%x", signature)}
}

func ProofFromUserApproval(responseID string, signature []byte) Proof {
	sig := ""
	if signature != nil {
		sig = fmt.Sprintf("%x", signature)
	}
	return Proof{Kind: ProofUserApproval, ResponseID: responseID, Signature: sig}
}

func ProofSystemReason(reason string) Proof {
	return Proof{Kind: ProofSystem, Reason: reason}
}

func ProofNotRequiredReason(reason string) Proof {
	return Proof{Kind: ProofNotRequired, Reason: reason}
}

// Outcome records whether the audited action succeeded.
type Outcome struct {
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
	Error   string `json:"error,omitempty"`
}

func Success() Outcome                  { return Outcome{Success: true} }
func SuccessWith(detail string) Outcome { return Outcome{Success: true, Detail: detail} }
func Failure(err string) Outcome        { return Outcome{Success: false, Error: err} }

// Entry is one signed, hash-chained record.
type Entry struct {
	ID            string          `json:"id"`
	SessionID     string          `json:"session_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Action        Action          `json:"action"`
	Authorization Proof           `json:"authorization"`
	Outcome       Outcome         `json:"outcome"`
	PreviousHash  crypto.ContentHash `json:"previous_hash"`
	Signature     []byte          `json:"signature"`
}

// canonical returns the bytes signed over and hashed into the next
// entry's previous_hash: every field but Signature.
func (e Entry) canonical() []byte {
	buf, _ := json.Marshal(struct {
		ID            string             `json:"id"`
		SessionID     string             `json:"session_id"`
		Timestamp     string             `json:"timestamp"`
		Action        Action             `json:"action"`
		Authorization Proof              `json:"authorization"`
		Outcome       Outcome            `json:"outcome"`
		PreviousHash  crypto.ContentHash `json:"previous_hash"`
	}{
		ID:            e.ID,
		SessionID:     e.SessionID,
		Timestamp:     e.Timestamp.UTC().Format(time.RFC3339Nano),
		Action:        e.Action,
		Authorization: e.Authorization,
		Outcome:       e.Outcome,
		PreviousHash:  e.PreviousHash,
	})
	return buf
}

// ContentHash is the value chained into the next entry's PreviousHash.
func (e Entry) ContentHash() crypto.ContentHash {
	return crypto.Hash(e.canonical())
}

// VerifySignature checks the entry's signature under the runtime key.
func (e Entry) VerifySignature(runtimePublicKey []byte) bool {
	return crypto.Verify(runtimePublicKey, e.canonical(), e.Signature)
}

// IssueKind tags the closed set of chain-verification problems.
type IssueKind string

const (
	IssueInvalidGenesis  IssueKind = "invalid_genesis"
	IssueInvalidSignature IssueKind = "invalid_signature"
	IssueBrokenLink      IssueKind = "broken_link"
)

// Issue describes one problem found while verifying a chain.
type Issue struct {
	Kind    IssueKind
	EntryID string
}

// VerifyResult is the outcome of verifying one session's chain.
type VerifyResult struct {
	Valid           bool
	EntriesVerified int
	Issues          []Issue
}

// Log is the append-only, per-session hash-chained audit log.
type Log struct {
	backing    kv.Store
	runtimeKey crypto.KeyPair
	logger     zerolog.Logger

	mu    sync.Mutex
	heads map[string]crypto.ContentHash
}

// New constructs an audit log over backing storage, signing every entry
// with runtimeKey (spec §9: the runtime key is global, initialized once
// at startup).
func New(backing kv.Store, runtimeKey crypto.KeyPair, logger zerolog.Logger) *Log {
	return &Log{
		backing:    backing,
		runtimeKey: runtimeKey,
		logger:     logger.With().Str("component", "audit").Logger(),
		heads:      make(map[string]crypto.ContentHash),
	}
}

func entryKey(id string) string      { return "entries:" + id }
func sessionIndexKey(sid string) string { return "session_index:" + sid }
func chainHeadKey(sid string) string  { return "chain_heads:" + sid }

// Append records one entry in session sid's chain: it reads the cached
// chain head (falling back to storage, then to the genesis all-zero
// hash), signs a new entry linking to it, and persists the entry, the
// session index, and the chain head under one critical section per
// session. The in-memory head cache is updated last.
func (l *Log) Append(ctx context.Context, sid string, act Action, proof Proof, outcome Outcome) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	previous, err := l.previousHashLocked(ctx, sid)
	if err != nil {
		return nil, fmt.Errorf("audit: resolve chain head: %w", err)
	}

	entry := Entry{
		ID:            ulid.Make().String(),
		SessionID:     sid,
		Timestamp:     time.Now().UTC(),
		Action:        act,
		Authorization: proof,
		Outcome:       outcome,
		PreviousHash:  previous,
	}
	entry.Signature = l.runtimeKey.Sign(entry.canonical())

	l.logger.Debug().Str("entry_id", entry.ID).Str("session_id", sid).Str("action", act.description()).Msg("appending audit entry")

	if err := l.backing.Put(ctx, entryKey(entry.ID), entry); err != nil {
		return nil, fmt.Errorf("audit: store entry: %w", err)
	}

	var index []string
	if err := l.backing.Get(ctx, sessionIndexKey(sid), &index); err != nil && !errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("audit: load session index: %w", err)
	}
	index = append(index, entry.ID)
	if err := l.backing.Put(ctx, sessionIndexKey(sid), index); err != nil {
		return nil, fmt.Errorf("audit: store session index: %w", err)
	}

	newHead := entry.ContentHash()
	if err := l.backing.Put(ctx, chainHeadKey(sid), newHead.String()); err != nil {
		return nil, fmt.Errorf("audit: store chain head: %w", err)
	}

	l.heads[sid] = newHead
	return &entry, nil
}

func (l *Log) previousHashLocked(ctx context.Context, sid string) (crypto.ContentHash, error) {
	if h, ok := l.heads[sid]; ok {
		return h, nil
	}

	var hexHash string
	err := l.backing.Get(ctx, chainHeadKey(sid), &hexHash)
	if err == nil {
		h, parseErr := crypto.ContentHashFromHex(hexHash)
		if parseErr != nil {
			return crypto.ContentHash{}, parseErr
		}
		l.heads[sid] = h
		return h, nil
	}
	if !errors.Is(err, kv.ErrNotFound) {
		return crypto.ContentHash{}, err
	}

	return crypto.Zero, nil
}

// Get retrieves one entry by id.
func (l *Log) Get(ctx context.Context, id string) (*Entry, error) {
	var e Entry
	if err := l.backing.Get(ctx, entryKey(id), &e); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

// SessionEntries returns every entry recorded for a session, in
// insertion order.
func (l *Log) SessionEntries(ctx context.Context, sid string) ([]Entry, error) {
	var index []string
	if err := l.backing.Get(ctx, sessionIndexKey(sid), &index); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	entries := make([]Entry, 0, len(index))
	for _, id := range index {
		var e Entry
		if err := l.backing.Get(ctx, entryKey(id), &e); err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				continue
			}
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// VerifyChain verifies session sid's chain: entries are sorted by
// timestamp, the genesis entry must have an all-zero previous hash,
// every entry's signature must verify, and every entry's previous_hash
// must equal the blake3 content hash of the entry before it. A single
// bad entry does not abort verification of the rest.
func (l *Log) VerifyChain(ctx context.Context, sid string) (VerifyResult, error) {
	entries, err := l.SessionEntries(ctx, sid)
	if err != nil {
		return VerifyResult{}, err
	}
	if len(entries) == 0 {
		return VerifyResult{Valid: true}, nil
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp.Before(entries[j].Timestamp) })

	var issues []Issue
	if !entries[0].PreviousHash.IsZero() {
		issues = append(issues, Issue{Kind: IssueInvalidGenesis, EntryID: entries[0].ID})
	}

	runtimePub := []byte(l.runtimeKey.Public)
	for _, e := range entries {
		if !e.VerifySignature(runtimePub) {
			issues = append(issues, Issue{Kind: IssueInvalidSignature, EntryID: e.ID})
		}
	}

	for i := 1; i < len(entries); i++ {
		prev, curr := entries[i-1], entries[i]
		if curr.PreviousHash != prev.ContentHash() {
			issues = append(issues, Issue{Kind: IssueBrokenLink, EntryID: curr.ID})
		}
	}

	return VerifyResult{Valid: len(issues) == 0, EntriesVerified: len(entries), Issues: issues}, nil
}
