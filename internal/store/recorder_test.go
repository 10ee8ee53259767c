package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/spatial-income/internal/nuts"
)

// failingStore rejects iteration writes.
type failingStore struct {
	Store
	calls int
}

func (f *failingStore) SaveIterations(context.Context, string, []nuts.IterationStats) error {
	f.calls++
	return eris.New("disk full")
}

// busyStore reports a locked database for the first busy writes.
type busyStore struct {
	Store
	busy  int
	calls int
	rows  int
}

func (b *busyStore) SaveIterations(_ context.Context, _ string, stats []nuts.IterationStats) error {
	b.calls++
	if b.calls <= b.busy {
		return eris.New("sqlite: save iterations: database is locked (5) (SQLITE_BUSY)")
	}
	b.rows += len(stats)
	return nil
}

func TestStatsRecorder_RetriesBusyStore(t *testing.T) {
	bs := &busyStore{busy: 2}
	rec := NewStatsRecorder(context.Background(), bs, "r", 4)
	rec.retry.InitialBackoff = time.Millisecond
	rec.retry.MaxBackoff = time.Millisecond

	for it := 0; it < 4; it++ {
		rec.Observe(nuts.IterationStats{Iteration: it})
	}
	require.NoError(t, rec.Flush())
	assert.Equal(t, 3, bs.calls)
	assert.Equal(t, 4, bs.rows)
	assert.Equal(t, 4, rec.Saved())
}

func TestStatsRecorder_BatchesAndFlushes(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	run, err := st.CreateRun(ctx, testSpec())
	require.NoError(t, err)

	rec := NewStatsRecorder(ctx, st, run.ID, 16)
	var wg sync.WaitGroup
	for chain := 0; chain < 2; chain++ {
		wg.Add(1)
		go func(chain int) {
			defer wg.Done()
			for it := 0; it < 50; it++ {
				rec.Observe(nuts.IterationStats{Chain: chain, Iteration: it, State: nuts.Sampling})
			}
		}(chain)
	}
	wg.Wait()

	require.NoError(t, rec.Flush())
	assert.Equal(t, 100, rec.Saved())

	n, err := st.CountIterations(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
}

func TestStatsRecorder_StopsAfterError(t *testing.T) {
	fs := &failingStore{}
	rec := NewStatsRecorder(context.Background(), fs, "r", 2)
	for it := 0; it < 10; it++ {
		rec.Observe(nuts.IterationStats{Iteration: it})
	}
	err := rec.Flush()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1, fs.calls)
	assert.Zero(t, rec.Saved())
}

func TestStatsRecorder_DefaultBatch(t *testing.T) {
	rec := NewStatsRecorder(context.Background(), &failingStore{}, "r", 0)
	assert.Equal(t, DefaultBatchSize, rec.batch)
	assert.NoError(t, rec.Flush())
}

// slowStore holds every write until release is closed.
type slowStore struct {
	Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once

	mu   sync.Mutex
	rows int
}

func (s *slowStore) SaveIterations(_ context.Context, _ string, stats []nuts.IterationStats) error {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	s.mu.Lock()
	s.rows += len(stats)
	s.mu.Unlock()
	return nil
}

func TestStatsRecorder_ObserveDoesNotWaitOnStore(t *testing.T) {
	ss := &slowStore{entered: make(chan struct{}), release: make(chan struct{})}
	rec := NewStatsRecorder(context.Background(), ss, "r", 1)

	rec.Observe(nuts.IterationStats{Chain: 0, Iteration: 0})
	select {
	case <-ss.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("writer never reached the store")
	}

	returned := make(chan struct{})
	go func() {
		for it := 0; it < 10; it++ {
			rec.Observe(nuts.IterationStats{Chain: 1, Iteration: it})
		}
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Observe blocked behind a store write")
	}

	close(ss.release)
	require.NoError(t, rec.Flush())
	assert.Equal(t, 11, ss.rows)
	assert.Equal(t, 11, rec.Saved())

	rec.Observe(nuts.IterationStats{Chain: 0, Iteration: 1})
	assert.Equal(t, 11, rec.Saved())
}
