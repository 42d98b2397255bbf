package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/probehq/probe/indexer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingRunner struct {
	mu      sync.Mutex
	batches []indexer.Batch
	gen     int64
}

func (r *recordingRunner) RunBatch(ctx context.Context, b indexer.Batch) (*indexer.BatchStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, b)
	r.gen++
	return &indexer.BatchStats{Checked: len(b.Paths), Generation: r.gen}, nil
}

func (r *recordingRunner) snapshot() []indexer.Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]indexer.Batch(nil), r.batches...)
}

func fastOptions() Options {
	return Options{
		Scheduler: SchedulerOptions{
			Debounce:       50 * time.Millisecond,
			MaxWait:        time.Second,
			StableCheck:    20 * time.Millisecond,
			BurstThreshold: 50,
			BurstWindow:    time.Second,
		},
		MaxRestarts:    2,
		RestartBackoff: 10 * time.Millisecond,
	}
}

func TestWatcher_FileWriteProducesBatch(t *testing.T) {
	root := t.TempDir()
	ignore, err := indexer.NewIgnoreMatcher(root, nil)
	require.NoError(t, err)

	runner := &recordingRunner{}
	w := New(root, ignore, runner, fastOptions())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool { return w.Health().State == HealthRunning }, 2*time.Second, 10*time.Millisecond)
	// Give the loop a moment to register its watches.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "debug.pyc"), []byte{0, 1}, 0644))

	require.Eventually(t, func() bool {
		for _, b := range runner.snapshot() {
			for _, p := range b.Paths {
				if p == "main.go" {
					return true
				}
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	for _, b := range runner.snapshot() {
		assert.NotContains(t, b.Paths, "debug.pyc")
	}
}

func TestWatcher_SupervisorDegradesAfterMaxRestarts(t *testing.T) {
	runner := &recordingRunner{}
	w := New(t.TempDir(), nil, runner, fastOptions())

	var mu sync.Mutex
	attempts := 0
	w.watch = func(ctx context.Context) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("inotify limit reached")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.Eventually(t, func() bool { return w.Health().State == HealthDegraded }, 2*time.Second, 10*time.Millisecond)

	h := w.Health()
	assert.Equal(t, 2, h.Restarts)
	assert.Contains(t, h.LastError, "inotify limit")
	mu.Lock()
	assert.Equal(t, 3, attempts)
	mu.Unlock()

	// Restarts queue full scans so missed events are reconciled; the
	// batch runner keeps working in degraded mode.
	require.Eventually(t, func() bool {
		for _, b := range runner.snapshot() {
			if b.Full {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	w.RequestFull("manual")
	require.Eventually(t, func() bool { return len(runner.snapshot()) >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestBatchQueue_Coalesces(t *testing.T) {
	q := newBatchQueue()
	q.Push(indexer.Batch{Paths: []string{"a.go"}})
	q.Push(indexer.Batch{Paths: []string{"b.go", "a.go"}})

	b, ok := q.take()
	require.True(t, ok)
	assert.False(t, b.Full)
	assert.Equal(t, []string{"a.go", "b.go"}, b.Paths)

	q.Push(indexer.Batch{Paths: []string{"c.go"}})
	q.Push(indexer.Batch{Full: true, Reason: "sweep"})
	q.Push(indexer.Batch{Paths: []string{"d.go"}})

	b, ok = q.take()
	require.True(t, ok)
	assert.True(t, b.Full)
	assert.Equal(t, "sweep", b.Reason)
	assert.Empty(t, b.Paths)

	_, ok = q.take()
	assert.False(t, ok)
}
