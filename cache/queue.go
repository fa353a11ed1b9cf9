package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/creastat/tutoring/logging"
)

// Queue defaults.
const (
	DefaultDrainInterval = 2 * time.Second
	DefaultBatchSize     = 10
	DefaultOpTimeout     = 10 * time.Second
)

// Op is a deferred persistence operation.
type Op func(ctx context.Context) error

type queued struct {
	name string
	op   Op
	at   time.Time
}

// Queue is a global FIFO of deferred writes drained on a fixed interval.
// Enqueue never blocks on a running drain.
type Queue struct {
	mu      sync.Mutex
	pending []queued

	interval  time.Duration
	batchSize int
	opTimeout time.Duration

	// drainMu serializes drains so a slow batch is never run twice.
	drainMu sync.Mutex

	done   chan struct{}
	cancel context.CancelFunc
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithDrainInterval sets the drain period.
func WithDrainInterval(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.interval = d
		}
	}
}

// WithBatchSize sets the maximum number of ops run per drain.
func WithBatchSize(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.batchSize = n
		}
	}
}

// WithOpTimeout bounds each op.
func WithOpTimeout(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.opTimeout = d
		}
	}
}

// NewQueue creates an idle queue. Call Start to begin periodic draining.
func NewQueue(opts ...QueueOption) *Queue {
	q := &Queue{
		interval:  DefaultDrainInterval,
		batchSize: DefaultBatchSize,
		opTimeout: DefaultOpTimeout,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends op. name is used only for logging.
func (q *Queue) Enqueue(name string, op Op) {
	if op == nil {
		return
	}
	q.mu.Lock()
	q.pending = append(q.pending, queued{name: name, op: op, at: time.Now()})
	q.mu.Unlock()
}

// Len returns the number of pending ops.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// DrainOnce pops up to the batch size and runs them in order.
// Failures are logged and dropped. Returns the number of ops run and failed.
func (q *Queue) DrainOnce(ctx context.Context) (ran, failed int) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	q.mu.Lock()
	n := min(q.batchSize, len(q.pending))
	batch := make([]queued, n)
	copy(batch, q.pending[:n])
	q.pending = q.pending[n:]
	q.mu.Unlock()

	for _, item := range batch {
		ran++
		if err := q.run(ctx, item); err != nil {
			failed++
			logging.Warn().
				Err(err).
				Str("op", item.name).
				Dur("queued_for", time.Since(item.at)).
				Msg("deferred write failed")
		}
	}
	return ran, failed
}

func (q *Queue) run(ctx context.Context, item queued) (err error) {
	opCtx, cancel := context.WithTimeout(ctx, q.opTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return item.op(opCtx)
}

// Start drains on the configured interval until Stop is called or ctx ends.
// onTick, if set, runs after every drain.
func (q *Queue) Start(ctx context.Context, onTick func()) {
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})

	go func() {
		defer close(q.done)
		ticker := time.NewTicker(q.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.DrainOnce(context.WithoutCancel(ctx))
				if onTick != nil {
					onTick()
				}
			}
		}
	}()
}

// Stop halts periodic draining and flushes what is left using ctx.
func (q *Queue) Stop(ctx context.Context) {
	if q.cancel != nil {
		q.cancel()
		<-q.done
	}
	q.Flush(ctx)
}

// Flush drains until the queue is empty or ctx ends.
func (q *Queue) Flush(ctx context.Context) {
	for q.Len() > 0 && ctx.Err() == nil {
		q.DrainOnce(ctx)
	}
}
