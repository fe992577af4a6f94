package runtime

import (
	"context"
	"sync"

	"github.com/nugget/thane-ai-agent/internal/automation"
)

// hashQueue holds the pending fired signals for one automation hash.
// Exactly one drain goroutine runs per hash at a time (per-hash
// serialization); while it runs, further arrivals are appended, and
// once the queue reaches QueueDepth the oldest pending signal is
// dropped in favor of the newest (coalesce-to-latest).
type hashQueue struct {
	mu       sync.Mutex
	pending  []automation.FiredSignal
	draining bool
}

// enqueueFired appends a fired signal to its automation's queue,
// coalescing on overflow, and starts a drain goroutine if one is not
// already running for that hash.
func (r *Runtime) enqueueFired(ctx context.Context, fired automation.FiredSignal) {
	r.mu.Lock()
	q, ok := r.queues[fired.AutomationHash]
	if !ok {
		q = &hashQueue{}
		r.queues[fired.AutomationHash] = q
	}
	r.mu.Unlock()

	q.mu.Lock()
	q.pending = append(q.pending, fired)
	if len(q.pending) > r.cfg.QueueDepth {
		dropped := len(q.pending) - r.cfg.QueueDepth
		r.log.Warn("coalescing fired signals, queue depth exceeded",
			"automation_hash", fired.AutomationHash,
			"dropped", dropped,
		)
		q.pending = q.pending[dropped:]
	}
	alreadyDraining := q.draining
	if !alreadyDraining {
		q.draining = true
	}
	q.mu.Unlock()

	if alreadyDraining {
		return
	}

	r.wg.Add(1)
	go r.drainQueue(ctx, q)
}

// drainQueue runs execution jobs for one automation hash, one at a
// time, until its queue is empty. Each job acquires the global worker
// semaphore, so total concurrent executions across every hash never
// exceeds WorkerCount even while many hashes drain in parallel.
func (r *Runtime) drainQueue(ctx context.Context, q *hashQueue) {
	defer r.wg.Done()
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		next := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		select {
		case r.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		r.runExecution(ctx, next)
		<-r.sem

		if ctx.Err() != nil {
			return
		}
	}
}
