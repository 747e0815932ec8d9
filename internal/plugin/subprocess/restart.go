package subprocess

import (
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RestartPolicy tracks how many times a subprocess plugin has been
// restarted and computes the delay before the next attempt. TryReconnect
// is atomic on the counter: if two goroutines notice the same dead
// process at once, only one of them gets to consume the next restart
// slot.
type RestartPolicy struct {
	count   int32
	max     int32
	backoff backoff.BackOff
}

// NewRestartPolicy bounds restarts at max attempts, backing off
// exponentially between them (grounded on the teacher's use of
// cenkalti/backoff elsewhere in the provider retry path).
func NewRestartPolicy(max int) *RestartPolicy {
	if max <= 0 {
		max = 5
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0 // the cap is on attempt count, not wall clock
	return &RestartPolicy{max: int32(max), backoff: b}
}

// TryReconnect atomically consumes one restart slot. ok is false once
// max has been reached; delay is how long the caller should wait before
// actually attempting to respawn.
func (p *RestartPolicy) TryReconnect() (ok bool, delay time.Duration) {
	for {
		cur := atomic.LoadInt32(&p.count)
		if cur >= p.max {
			return false, 0
		}
		if atomic.CompareAndSwapInt32(&p.count, cur, cur+1) {
			return true, p.backoff.NextBackOff()
		}
	}
}

// Attempts returns the number of restarts consumed so far.
func (p *RestartPolicy) Attempts() int {
	return int(atomic.LoadInt32(&p.count))
}

// Reset clears the counter and backoff state, used after a connection
// has stayed healthy long enough that prior failures shouldn't count
// against the next one.
func (p *RestartPolicy) Reset() {
	atomic.StoreInt32(&p.count, 0)
	p.backoff.Reset()
}
