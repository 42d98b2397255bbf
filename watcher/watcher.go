package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/probehq/probe/indexer"
)

const gitHEAD = ".git/HEAD"

type HealthState string

const (
	HealthRunning    HealthState = "running"
	HealthRestarting HealthState = "restarting"
	HealthDegraded   HealthState = "degraded"
	HealthStopped    HealthState = "stopped"
)

// Health is what index_status reports about the watcher.
type Health struct {
	State     HealthState
	LastError string
	Restarts  int
	LastScan  time.Time
	Pending   int
	LastBatch *indexer.BatchStats
}

// Runner executes batches; *indexer.Indexer satisfies it.
type Runner interface {
	RunBatch(ctx context.Context, b indexer.Batch) (*indexer.BatchStats, error)
}

type Options struct {
	Scheduler      SchedulerOptions
	RescanInterval time.Duration
	MaxRestarts    int
	RestartBackoff time.Duration
}

// Watcher turns filesystem events into indexing batches. Events feed the
// Scheduler; ready batches go through a single coalescing queue to one
// runner goroutine, so batches never overlap.
type Watcher struct {
	root   string
	ignore *indexer.IgnoreMatcher
	runner Runner
	opts   Options

	mu     sync.Mutex
	sched  *Scheduler
	health Health

	queue *batchQueue
	wake  chan struct{}

	// watch is the event loop the supervisor restarts.
	watch func(ctx context.Context) error
}

func New(root string, ignore *indexer.IgnoreMatcher, runner Runner, opts Options) *Watcher {
	if opts.MaxRestarts < 0 {
		opts.MaxRestarts = 0
	}
	if opts.RestartBackoff <= 0 {
		opts.RestartBackoff = time.Second
	}
	w := &Watcher{
		root:   root,
		ignore: ignore,
		runner: runner,
		opts:   opts,
		queue:  newBatchQueue(),
		wake:   make(chan struct{}, 1),
		health: Health{State: HealthStopped},
	}
	w.sched = NewScheduler(opts.Scheduler, w.statPath)
	w.watch = w.watchLoop
	return w
}

// Run blocks until ctx is done. The event loop is supervised and restarted
// up to MaxRestarts times; past that the watcher reports degraded while the
// periodic sweep and queued batches keep running.
func (w *Watcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w.runBatches(ctx)
	}()
	go func() {
		defer wg.Done()
		w.sweep(ctx)
	}()

	w.supervise(ctx)
	<-ctx.Done()
	wg.Wait()

	w.mu.Lock()
	w.health.State = HealthStopped
	w.mu.Unlock()
	return nil
}

// RequestFull queues a full reconciliation scan ahead of the scheduler.
func (w *Watcher) RequestFull(reason string) {
	w.queue.Push(indexer.Batch{Full: true, Reason: reason})
}

func (w *Watcher) Health() Health {
	w.mu.Lock()
	defer w.mu.Unlock()
	h := w.health
	h.Pending = w.sched.Pending()
	if h.LastBatch != nil {
		last := *h.LastBatch
		h.LastBatch = &last
	}
	return h
}

func (w *Watcher) supervise(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.opts.RestartBackoff
	b.MaxElapsedTime = 0

	restarts := 0
	for {
		w.setHealth(HealthRunning, nil, restarts)
		if restarts > 0 {
			// Events may have been lost while the loop was down.
			w.RequestFull("watcher restart")
		}

		err := w.watch(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("watch loop exited")
		}

		restarts++
		if restarts > w.opts.MaxRestarts {
			log.Printf("Watcher failed %d times, giving up: %v", restarts, err)
			w.setHealth(HealthDegraded, err, restarts-1)
			return
		}
		log.Printf("Watcher failed, restarting (%d/%d): %v", restarts, w.opts.MaxRestarts, err)
		w.setHealth(HealthRestarting, err, restarts)

		select {
		case <-ctx.Done():
			return
		case <-time.After(b.NextBackOff()):
		}
	}
}

func (w *Watcher) setHealth(state HealthState, err error, restarts int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.health.State = state
	w.health.Restarts = restarts
	if err != nil {
		w.health.LastError = err.Error()
	}
}

func (w *Watcher) watchLoop(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fs watcher: %w", err)
	}
	defer fsw.Close()

	if err := w.addRecursive(fsw, w.root, false); err != nil {
		return err
	}
	// .git is skipped by the ignore rules; watch it alone for HEAD moves.
	if info, err := os.Stat(filepath.Join(w.root, ".git")); err == nil && info.IsDir() {
		if err := fsw.Add(filepath.Join(w.root, ".git")); err != nil {
			log.Printf("Failed to watch .git: %v", err)
		}
	}

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		w.resetTimer(timer)

		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return errors.New("event channel closed")
			}
			w.handleEvent(fsw, event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return errors.New("error channel closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				log.Printf("Watcher queue overflowed, scheduling full scan")
				w.observeFull("event overflow")
				continue
			}
			return fmt.Errorf("watcher error: %w", err)
		case <-timer.C:
			w.advance()
		case <-w.wake:
		}
	}
}

func (w *Watcher) resetTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	w.mu.Lock()
	next, ok := w.sched.NextDeadline()
	w.mu.Unlock()
	if !ok {
		timer.Reset(time.Hour)
		return
	}
	d := time.Until(next)
	if d < 0 {
		d = 0
	}
	timer.Reset(d)
}

func (w *Watcher) advance() {
	w.mu.Lock()
	b, ok := w.sched.Advance(time.Now())
	w.mu.Unlock()
	if ok {
		w.queue.Push(b)
	}
}

func (w *Watcher) observe(relPath string) {
	w.mu.Lock()
	w.sched.Observe(relPath, time.Now())
	w.mu.Unlock()
}

func (w *Watcher) observeFull(reason string) {
	w.mu.Lock()
	w.sched.ScheduleFull(reason, time.Now())
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Watcher) handleEvent(fsw *fsnotify.Watcher, event fsnotify.Event) {
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil || rel == "." {
		return
	}
	rel = filepath.ToSlash(rel)

	if rel == gitHEAD {
		w.observe(rel)
		return
	}
	if strings.HasPrefix(rel, ".git/") {
		return
	}
	if event.Op == fsnotify.Chmod {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if w.ignore != nil && w.ignore.ShouldSkipDir(rel) {
				return
			}
			// Files moved in with the directory produce no events of
			// their own.
			if err := w.addRecursive(fsw, event.Name, true); err != nil {
				log.Printf("Failed to add new directory %s: %v", rel, err)
			}
			return
		}
	}

	if w.ignore != nil && w.ignore.ShouldIgnore(rel) {
		return
	}
	w.observe(rel)
}

// addRecursive watches every directory under dir that the ignore rules
// keep. With observeFiles, the files found are fed to the scheduler.
func (w *Watcher) addRecursive(fsw *fsnotify.Watcher, dir string, observeFiles bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(w.root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel != "." && w.ignore != nil && w.ignore.ShouldSkipDir(rel) {
				return filepath.SkipDir
			}
			if err := fsw.Add(path); err != nil {
				log.Printf("Failed to watch %s: %v", path, err)
			}
			return nil
		}
		if observeFiles && (w.ignore == nil || !w.ignore.ShouldIgnore(rel)) {
			w.observe(rel)
		}
		return nil
	})
}

func (w *Watcher) statPath(relPath string) Stamp {
	info, err := os.Stat(filepath.Join(w.root, filepath.FromSlash(relPath)))
	if err != nil {
		return Stamp{}
	}
	return Stamp{Exists: true, Size: info.Size(), ModTime: info.ModTime()}
}

func (w *Watcher) sweep(ctx context.Context) {
	if w.opts.RescanInterval <= 0 {
		return
	}
	ticker := time.NewTicker(w.opts.RescanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RequestFull("periodic sweep")
		}
	}
}

func (w *Watcher) runBatches(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.queue.ready:
		}
		b, ok := w.queue.take()
		if !ok {
			continue
		}

		stats, err := w.runner.RunBatch(ctx, b)
		if err != nil {
			if errors.Is(err, indexer.ErrPaused) {
				log.Printf("Skipping %s batch: %v", b.Reason, err)
			} else if ctx.Err() == nil {
				log.Printf("Batch (%s) failed: %v", b.Reason, err)
			}
			continue
		}

		if stats.Indexed+stats.Removed+stats.Failed > 0 {
			log.Printf("Batch (%s): %d indexed, %d removed, %d failed, generation %d (%s)",
				b.Reason, stats.Indexed, stats.Removed, stats.Failed, stats.Generation, stats.Duration.Round(time.Millisecond))
		}
		w.mu.Lock()
		w.health.LastBatch = stats
		if b.Full {
			w.health.LastScan = time.Now()
		}
		w.mu.Unlock()
	}
}

// batchQueue holds at most one pending batch; pushes merge into it. A full
// batch absorbs any path batch.
type batchQueue struct {
	mu      sync.Mutex
	pending *indexer.Batch
	ready   chan struct{}
}

func newBatchQueue() *batchQueue {
	return &batchQueue{ready: make(chan struct{}, 1)}
}

func (q *batchQueue) Push(b indexer.Batch) {
	q.mu.Lock()
	switch {
	case q.pending == nil:
		cp := b
		cp.Paths = append([]string(nil), b.Paths...)
		q.pending = &cp
	case b.Full:
		if !q.pending.Full {
			q.pending.Reason = b.Reason
		}
		q.pending.Full = true
		q.pending.Paths = nil
	case q.pending.Full:
	default:
		q.pending.Paths = mergePaths(q.pending.Paths, b.Paths)
	}
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *batchQueue) take() (indexer.Batch, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending == nil {
		return indexer.Batch{}, false
	}
	b := *q.pending
	q.pending = nil
	return b, true
}

func mergePaths(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	for _, p := range a {
		seen[p] = true
	}
	for _, p := range b {
		if !seen[p] {
			a = append(a, p)
			seen[p] = true
		}
	}
	return a
}
