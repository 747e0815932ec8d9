// Package approval implements the approval manager of spec §4.8 (C9):
// it deduplicates simultaneous approval requests sharing the same
// (action fingerprint, session), routes through at most one frontend
// handler at a time, and queues a request as "deferred" when no handler
// is registered so a frontend can consume it later. Grounded on the
// teacher's internal/permission.Checker — the pending-request,
// response-channel pattern is kept, generalized from a fixed permission
// type to the full SensitiveAction/ApprovalDecision vocabulary.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/sentra-run/sentra/internal/security/action"
)

// ErrNoHandler is returned by Request when no frontend handler is
// registered and the request has instead been queued as deferred.
var ErrNoHandler = errors.New("approval: no handler registered")

// RiskAssessment is advisory context shown to a human approver. The
// interceptor never branches on it (spec §9).
type RiskAssessment struct {
	Level       action.RiskLevel
	Reason      string
	Mitigations []string
}

// Request is one pending approval request.
type Request struct {
	ID          string
	SessionID   string
	Action      action.SensitiveAction
	Risk        RiskAssessment
	AgentContext string
}

// DecisionKind tags the closed set of decisions a handler may return.
type DecisionKind string

const (
	DecisionDeny            DecisionKind = "deny"
	DecisionApprove         DecisionKind = "approve"          // one-shot
	DecisionApproveSession  DecisionKind = "approve_session"
	DecisionApproveWorkspace DecisionKind = "approve_workspace"
	DecisionApproveAlways   DecisionKind = "approve_always"
)

// Decision is a frontend's answer to an approval Request.
type Decision struct {
	Kind      DecisionKind
	Reason    string // populated for Deny
	ResponseID string
	Signature []byte
}

// Handler is the frontend contract for approvals (spec §4.8, §6.4).
type Handler interface {
	RequestApproval(ctx context.Context, req Request) (Decision, error)
	IsAvailable() bool
}

func fingerprint(sessionID string, act action.SensitiveAction) string {
	return fmt.Sprintf("%s|%s|%s", sessionID, act.Kind, act.Resource())
}

// Manager deduplicates and routes approval requests.
type Manager struct {
	mu       sync.Mutex
	handler  Handler
	pending  map[string]*pendingEntry // fingerprint -> shared in-flight request
	deferred map[string][]Request     // sessionID -> queued requests (no handler was available)
}

type pendingEntry struct {
	waiters []chan Decision
}

// New constructs an approval manager with no handler registered.
func New() *Manager {
	return &Manager{
		pending:  make(map[string]*pendingEntry),
		deferred: make(map[string][]Request),
	}
}

// RegisterHandler installs the single active frontend handler, replacing
// any previous one.
func (m *Manager) RegisterHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// IsAvailable reports whether a handler is currently registered and
// reports itself available.
func (m *Manager) IsAvailable() bool {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	return h != nil && h.IsAvailable()
}

// Request submits an approval request. If another request for the same
// (session, action) fingerprint is already in flight, this call waits on
// that shared result rather than issuing a second round-trip to the
// handler. If no handler is available, the request is appended to the
// session's deferred queue and ErrNoHandler is returned — the caller
// (the interceptor) turns this into NoApprovalHandler.
func (m *Manager) Request(ctx context.Context, sessionID string, act action.SensitiveAction, risk RiskAssessment, agentContext string) (Decision, error) {
	fp := fingerprint(sessionID, act)

	m.mu.Lock()
	if entry, ok := m.pending[fp]; ok {
		waiter := make(chan Decision, 1)
		entry.waiters = append(entry.waiters, waiter)
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return Decision{}, ctx.Err()
		case d := <-waiter:
			return d, nil
		}
	}

	handler := m.handler
	if handler == nil || !handler.IsAvailable() {
		req := Request{ID: ulid.Make().String(), SessionID: sessionID, Action: act, Risk: risk, AgentContext: agentContext}
		m.deferred[sessionID] = append(m.deferred[sessionID], req)
		m.mu.Unlock()
		return Decision{}, ErrNoHandler
	}

	entry := &pendingEntry{}
	m.pending[fp] = entry
	m.mu.Unlock()

	req := Request{ID: ulid.Make().String(), SessionID: sessionID, Action: act, Risk: risk, AgentContext: agentContext}
	decision, err := handler.RequestApproval(ctx, req)

	m.mu.Lock()
	delete(m.pending, fp)
	waiters := entry.waiters
	m.mu.Unlock()

	for _, w := range waiters {
		w <- decision
	}

	if err != nil {
		return Decision{}, err
	}
	return decision, nil
}

// DeferredRequests returns and clears the queued requests for a session
// that arrived while no handler was available.
func (m *Manager) DeferredRequests(sessionID string) []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	reqs := m.deferred[sessionID]
	delete(m.deferred, sessionID)
	return reqs
}
