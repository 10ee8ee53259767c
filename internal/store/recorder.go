package store

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/spatial-income/internal/nuts"
	"github.com/sells-group/spatial-income/internal/resilience"
)

// DefaultBatchSize is the number of iterations buffered before a flush.
const DefaultBatchSize = 500

// StatsRecorder is a nuts.Observer that buffers iteration statistics and
// writes them to a Store in batches from a single background writer. It is
// safe for concurrent use by all chains of a run, and Observe never waits on
// the store. Transient store errors are retried; the first permanent one
// stops further writes and is returned by Flush.
type StatsRecorder struct {
	ctx   context.Context
	st    Store
	runID string
	batch int
	retry resilience.RetryConfig

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu     sync.Mutex
	buf    []nuts.IterationStats
	saved  int
	err    error
	closed bool
}

// NewStatsRecorder creates a recorder for runID and starts its writer.
// batch <= 0 uses DefaultBatchSize. Flush must be called to stop the writer.
func NewStatsRecorder(ctx context.Context, st Store, runID string, batch int) *StatsRecorder {
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("store: save iterations")
	r := &StatsRecorder{
		ctx:   ctx,
		st:    st,
		runID: runID,
		batch: batch,
		retry: retry,
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go r.writer()
	return r
}

// Observe implements nuts.Observer.
func (r *StatsRecorder) Observe(s nuts.IterationStats) {
	r.mu.Lock()
	if r.err != nil || r.closed {
		r.mu.Unlock()
		return
	}
	r.buf = append(r.buf, s)
	full := len(r.buf) >= r.batch
	r.mu.Unlock()

	if full {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
}

// Flush stops the writer, writes any buffered rows and returns the first
// error seen. Observations after Flush are ignored.
func (r *StatsRecorder) Flush() error {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done

	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.writeBuffered()

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Saved is the number of rows written so far.
func (r *StatsRecorder) Saved() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saved
}

func (r *StatsRecorder) writer() {
	defer close(r.done)
	for {
		select {
		case <-r.wake:
			r.writeBuffered()
		case <-r.stop:
			return
		}
	}
}

// writeBuffered takes the buffer and writes it without holding the lock.
func (r *StatsRecorder) writeBuffered() {
	r.mu.Lock()
	if r.err != nil || len(r.buf) == 0 {
		r.mu.Unlock()
		return
	}
	rows := r.buf
	r.buf = nil
	r.mu.Unlock()

	err := resilience.Do(r.ctx, r.retry, func(ctx context.Context) error {
		return r.st.SaveIterations(ctx, r.runID, rows)
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.err = err
		r.buf = nil
		zap.L().Error("store: iteration stats dropped", zap.String("run_id", r.runID), zap.Error(err))
		return
	}
	r.saved += len(rows)
}
