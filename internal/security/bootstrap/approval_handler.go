package bootstrap

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/sentra-run/sentra/internal/event"
	"github.com/sentra-run/sentra/internal/security/approval"
)

// EventApprovalHandler bridges the security interceptor's approval.Manager
// to the daemon's SSE event stream, the same publish-then-wait-on-a-
// channel shape the teacher's internal/permission.Checker uses for its
// own Ask/Respond round trip — generalized from one fixed permission type
// to the full ApprovalDecision vocabulary.
type EventApprovalHandler struct {
	mu      sync.Mutex
	pending map[string]chan approval.Decision
}

// NewEventApprovalHandler creates a handler that publishes approval
// requests on the global event bus and waits for a matching Respond call.
func NewEventApprovalHandler() *EventApprovalHandler {
	return &EventApprovalHandler{
		pending: make(map[string]chan approval.Decision),
	}
}

// IsAvailable always reports true: this handler never refuses a request,
// it only blocks until one arrives (or ctx is cancelled).
func (h *EventApprovalHandler) IsAvailable() bool { return true }

// RequestApproval publishes an approval.required event carrying the
// request's advisory risk context and blocks for a Respond call (or
// ctx.Done()).
func (h *EventApprovalHandler) RequestApproval(ctx context.Context, req approval.Request) (approval.Decision, error) {
	if req.ID == "" {
		req.ID = ulid.Make().String()
	}

	respCh := make(chan approval.Decision, 1)
	h.mu.Lock()
	h.pending[req.ID] = respCh
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, req.ID)
		h.mu.Unlock()
	}()

	event.Publish(event.Event{
		Type: event.ApprovalRequired,
		Data: event.ApprovalRequiredData{
			ID:           req.ID,
			SessionID:    req.SessionID,
			ActionKind:   string(req.Action.Kind),
			Resource:     req.Action.Resource(),
			RiskLevel:    string(req.Risk.Level),
			RiskReason:   req.Risk.Reason,
			Mitigations:  req.Risk.Mitigations,
			AgentContext: req.AgentContext,
		},
	})

	select {
	case <-ctx.Done():
		return approval.Decision{}, ctx.Err()
	case resp := <-respCh:
		return resp, nil
	}
}

// Respond delivers a decision to a pending RequestApproval call. It is a
// no-op if requestID has already resolved or was never requested — the
// caller (an HTTP handler) doesn't need to track which is which.
func (h *EventApprovalHandler) Respond(requestID string, decision approval.Decision) {
	h.mu.Lock()
	ch, ok := h.pending[requestID]
	h.mu.Unlock()
	if ok {
		ch <- decision
	}

	event.Publish(event.Event{
		Type: event.ApprovalResolved,
		Data: event.ApprovalResolvedData{
			ID:       requestID,
			Decision: string(decision.Kind),
		},
	})
}
