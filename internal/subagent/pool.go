// Package subagent implements the bounded sub-agent pool of spec
// §4.13 (C16): a semaphore-limited, depth-limited executor that wraps
// internal/executor.SubagentExecutor with the concurrency, depth, and
// cancellation-tree semantics a single subtask runner doesn't itself
// provide, plus partial-output extraction on every non-success
// termination path.
//
// Grounded on internal/executor/subagent.go (the single-subtask
// runner this pool bounds) and on the teacher's context-propagation
// style in internal/session (per-turn cancellation handles threaded
// through context.Context rather than a bespoke signal type).
package subagent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sentra-run/sentra/internal/storage"
	"github.com/sentra-run/sentra/internal/tool"
	"github.com/sentra-run/sentra/pkg/types"
)

// ErrDepthExceeded is returned by Spawn when the chain from the root
// turn to this spawn already reached MaxDepth.
var ErrDepthExceeded = fmt.Errorf("subagent: max depth exceeded")

type depthKey struct{}

// depthOf reads the current spawn depth carried on ctx, 0 if absent
// (a root-turn spawn).
func depthOf(ctx context.Context) int {
	if d, ok := ctx.Value(depthKey{}).(int); ok {
		return d
	}
	return 0
}

// TerminationKind closes the set of ways a sub-agent run can end
// (spec §4.13).
type TerminationKind string

const (
	Completed TerminationKind = "completed"
	Failed    TerminationKind = "failed"
	Timeout   TerminationKind = "timeout"
	Cancelled TerminationKind = "cancelled"
)

// Termination is the outcome of one Spawn call.
type Termination struct {
	Kind          TerminationKind
	Output        string // full output on Completed, partial output otherwise
	Reason        string // populated on Failed
	*tool.TaskResult
}

// Config bounds the pool: max simultaneous in-flight sub-agents and
// the max chain length from the root turn.
type Config struct {
	MaxConcurrent int
	MaxDepth      int
}

// Pool bounds concurrent sub-agent execution and tracks a
// cancellation tree rooted at each top-level spawn.
type Pool struct {
	inner   tool.TaskExecutor
	storage *storage.Storage
	sem     chan struct{}
	maxDepth int

	mu     sync.Mutex
	tokens map[string]*cancelToken // handle id -> token
	nextID uint64
}

// New wraps inner (the low-level single-subtask runner) in a bounded
// pool. storage is used only for partial-output extraction on
// non-success termination.
func New(inner tool.TaskExecutor, store *storage.Storage, cfg Config) *Pool {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 3
	}
	return &Pool{
		inner:    inner,
		storage:  store,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		maxDepth: cfg.MaxDepth,
		tokens:   make(map[string]*cancelToken),
	}
}

// cancelToken is one node in the cancellation tree: cancelling it
// cancels its context, which — because every child's context is
// derived via context.WithCancel(parent.ctx) — cancels every
// descendant transitively without the pool needing to walk the tree
// itself.
type cancelToken struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	depth  int
}

// Handle is returned by Spawn so a caller can later Cancel this
// sub-agent (and everything it itself spawned).
type Handle struct {
	ID    string
	Depth int
}

// Cancel cancels h and, transitively, every sub-agent h spawned.
func (p *Pool) Cancel(h Handle) {
	p.mu.Lock()
	tok, ok := p.tokens[h.ID]
	p.mu.Unlock()
	if ok {
		tok.cancel()
	}
}

// ExecuteSubtask implements tool.TaskExecutor, so a Pool can be handed
// straight to tool.TaskTool.SetExecutor. It blocks on the pool's
// semaphore before running, failing fast on depth rather than ever
// queuing past MaxDepth.
func (p *Pool) ExecuteSubtask(ctx context.Context, parentSessionID, agentName, prompt string, opts tool.TaskOptions) (*tool.TaskResult, error) {
	term, err := p.Spawn(ctx, parentSessionID, agentName, prompt, opts)
	if err != nil {
		return nil, err
	}
	if term.TaskResult != nil {
		return term.TaskResult, nil
	}
	return &tool.TaskResult{Output: term.Output, SessionID: parentSessionID, Error: term.Reason}, nil
}

// Spawn runs one sub-agent under the pool's concurrency and depth
// limits, returning its Termination. depth is derived from ctx (set
// by a parent Spawn call), so nested Task-tool calls made from within
// a sub-agent's own turn loop are depth-checked automatically as long
// as the child turn loop propagates the same context.
func (p *Pool) Spawn(ctx context.Context, parentSessionID, agentName, prompt string, opts tool.TaskOptions) (Termination, error) {
	depth := depthOf(ctx) + 1
	if depth > p.maxDepth {
		return Termination{}, fmt.Errorf("%w: depth %d exceeds max %d", ErrDepthExceeded, depth, p.maxDepth)
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return Termination{Kind: Cancelled, Output: syntheticNoOutput}, ctx.Err()
	}
	defer func() { <-p.sem }()

	childCtx, cancel := context.WithCancel(context.WithValue(ctx, depthKey{}, depth))
	defer cancel()

	tok := &cancelToken{ctx: childCtx, cancel: cancel, depth: depth}
	p.mu.Lock()
	p.nextID++
	tok.id = fmt.Sprintf("subagent-%d", p.nextID)
	p.tokens[tok.id] = tok
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.tokens, tok.id)
		p.mu.Unlock()
	}()

	result, err := p.inner.ExecuteSubtask(childCtx, parentSessionID, agentName, prompt, opts)

	switch {
	case err == nil:
		return Termination{Kind: Completed, Output: outputOf(result), TaskResult: result}, nil
	case childCtx.Err() == context.DeadlineExceeded:
		return Termination{Kind: Timeout, Output: p.partialOutput(result), Reason: err.Error()}, err
	case childCtx.Err() == context.Canceled:
		return Termination{Kind: Cancelled, Output: p.partialOutput(result), Reason: err.Error()}, err
	default:
		return Termination{Kind: Failed, Output: p.partialOutput(result), Reason: err.Error()}, err
	}
}

func outputOf(r *tool.TaskResult) string {
	if r == nil {
		return syntheticNoOutput
	}
	return r.Output
}

const syntheticNoOutput = "no text produced"

// partialOutput extracts the last assistant text message from the
// sub-agent's session, falling back to whatever the failed result
// itself carries, then to the synthetic marker.
func (p *Pool) partialOutput(result *tool.TaskResult) string {
	if result == nil || result.SessionID == "" || p.storage == nil {
		if result != nil && result.Output != "" {
			return result.Output
		}
		return syntheticNoOutput
	}
	if text := p.lastAssistantText(result.SessionID); text != "" {
		return text
	}
	if result.Output != "" {
		return result.Output
	}
	return syntheticNoOutput
}

func (p *Pool) lastAssistantText(sessionID string) string {
	ctx := context.Background()
	ids, err := p.storage.List(ctx, []string{"message", sessionID})
	if err != nil || len(ids) == 0 {
		return ""
	}
	// Message IDs are ULIDs: lexicographic order is chronological order.
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))

	for _, id := range ids {
		var msg types.Message
		if err := p.storage.Get(ctx, []string{"message", sessionID, id}, &msg); err != nil {
			continue
		}
		if msg.Role != "assistant" {
			continue
		}
		if text := p.messageText(sessionID, id); text != "" {
			return text
		}
	}
	return ""
}

func (p *Pool) messageText(sessionID, messageID string) string {
	ctx := context.Background()
	partIDs, err := p.storage.List(ctx, []string{"part", messageID})
	if err != nil {
		return ""
	}
	sort.Strings(partIDs)

	var text string
	for _, partID := range partIDs {
		var raw struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := p.storage.Get(ctx, []string{"part", messageID, partID}, &raw); err != nil {
			continue
		}
		if raw.Type == "text" && raw.Text != "" {
			text += raw.Text
		}
	}
	return text
}
