package wasm

import (
	"sync"
	"time"
)

// ipcMessage is one payload delivered to a subscription.
type ipcMessage struct {
	Topic   string
	Payload []byte
}

// subscriptionCapacity bounds each subscription's backlog; a slow
// guest that never polls drops new messages rather than growing
// memory without limit.
const subscriptionCapacity = 64

// ipcBus is the plugin-scoped publish/subscribe fabric backing
// ipc.publish/subscribe/poll. Grounded on the teacher's internal/event
// Bus for the subscriber-map-with-handles shape, narrowed to
// topic-keyed channels instead of a closed EventType enum since guest
// topics are arbitrary guest-chosen strings.
type ipcBus struct {
	mu            sync.Mutex
	subscriptions map[uint64]*subscription
	nextHandle    uint64

	limiter *rateLimiter
}

type subscription struct {
	topic string
	ch    chan ipcMessage
}

func newIPCBus() *ipcBus {
	return &ipcBus{
		subscriptions: make(map[uint64]*subscription),
		nextHandle:    1,
		limiter:       newRateLimiter(50, time.Second),
	}
}

// publish rate-limits and fans payload out to every subscription on
// topic, dropping (not blocking) on a full subscription channel.
func (b *ipcBus) publish(topic string, payload []byte) error {
	if !b.limiter.allow() {
		return &LimitExceeded{Function: "ipc.publish", Limit: "rate"}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscriptions {
		if sub.topic != topic {
			continue
		}
		select {
		case sub.ch <- ipcMessage{Topic: topic, Payload: payload}:
		default:
		}
	}
	return nil
}

// subscribe allocates a new subscription handle for topic, or returns
// an error once the 128-subscription ceiling is reached.
func (b *ipcBus) subscribe(topic string) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subscriptions) >= MaxSubscriptions {
		return 0, &LimitExceeded{Function: "ipc.subscribe", Limit: "subscription count"}
	}
	handle := b.nextHandle
	b.nextHandle++
	b.subscriptions[handle] = &subscription{topic: topic, ch: make(chan ipcMessage, subscriptionCapacity)}
	return handle, nil
}

// poll performs a non-blocking, cooperative receive on handle; ok is
// false when no message is currently queued.
func (b *ipcBus) poll(handle uint64) (msg ipcMessage, ok bool, err error) {
	b.mu.Lock()
	sub, found := b.subscriptions[handle]
	b.mu.Unlock()
	if !found {
		return ipcMessage{}, false, &LimitExceeded{Function: "ipc.poll", Limit: "unknown handle"}
	}
	select {
	case msg := <-sub.ch:
		return msg, true, nil
	default:
		return ipcMessage{}, false, nil
	}
}

func (b *ipcBus) unsubscribe(handle uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscriptions, handle)
}

// rateLimiter is a simple fixed-window counter, sufficient for bounding
// one guest's publish rate without pulling in a dedicated dependency
// for a single-window counter.
type rateLimiter struct {
	mu       sync.Mutex
	max      int
	window   time.Duration
	count    int
	windowAt time.Time
	now      func() time.Time
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	return &rateLimiter{max: max, window: window, now: time.Now}
}

func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if r.windowAt.IsZero() || now.Sub(r.windowAt) >= r.window {
		r.windowAt = now
		r.count = 0
	}
	if r.count >= r.max {
		return false
	}
	r.count++
	return true
}
