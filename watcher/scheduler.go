package watcher

import (
	"sort"
	"time"

	"github.com/probehq/probe/indexer"
)

// State is where one path stands between its first event and the batch that
// indexes it.
type State int

const (
	StateIdle State = iota
	StatePending
	StateStabilizing
	StateQueued
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStabilizing:
		return "stabilizing"
	case StateQueued:
		return "queued"
	default:
		return "idle"
	}
}

// Stamp is the size and modification time of a path. A missing path has
// Exists false and compares equal to any other missing stamp.
type Stamp struct {
	Exists  bool
	Size    int64
	ModTime time.Time
}

func (s Stamp) equal(o Stamp) bool {
	if !s.Exists || !o.Exists {
		return s.Exists == o.Exists
	}
	return s.Size == o.Size && s.ModTime.Equal(o.ModTime)
}

// StatFunc samples a workspace-relative path.
type StatFunc func(relPath string) Stamp

type SchedulerOptions struct {
	Debounce       time.Duration
	MaxWait        time.Duration
	StableCheck    time.Duration
	BurstThreshold int
	BurstWindow    time.Duration
}

type entry struct {
	state   State
	first   time.Time
	last    time.Time
	checkAt time.Time
	stamp   Stamp
}

// Scheduler is the per-path state machine behind the watcher. It owns no
// timers and no goroutines: callers feed it events with Observe, ask for the
// next deadline and call Advance when it passes.
type Scheduler struct {
	opts SchedulerOptions
	stat StatFunc

	entries map[string]*entry

	burst []time.Time

	full       bool
	fullReason string
	fullFirst  time.Time
	fullDue    time.Time
}

func NewScheduler(opts SchedulerOptions, stat StatFunc) *Scheduler {
	if opts.Debounce <= 0 {
		opts.Debounce = 3 * time.Second
	}
	if opts.MaxWait < opts.Debounce {
		opts.MaxWait = 10 * opts.Debounce
	}
	if opts.StableCheck <= 0 {
		opts.StableCheck = 300 * time.Millisecond
	}
	if opts.BurstThreshold <= 0 {
		opts.BurstThreshold = 50
	}
	if opts.BurstWindow <= 0 {
		opts.BurstWindow = 5 * time.Second
	}
	return &Scheduler{
		opts:    opts,
		stat:    stat,
		entries: make(map[string]*entry),
	}
}

// Observe records one filesystem event for relPath.
func (s *Scheduler) Observe(relPath string, now time.Time) {
	if relPath == gitHEAD {
		s.ScheduleFull("branch switch", now)
		return
	}

	if s.overBurst(now) {
		s.ScheduleFull("event burst", now)
		return
	}
	if s.full {
		// The pending full scan covers this path; keep deferring it while
		// the tree is still moving.
		s.deferFull(now)
		return
	}

	e, ok := s.entries[relPath]
	if !ok {
		s.entries[relPath] = &entry{state: StatePending, first: now, last: now}
		return
	}
	switch e.state {
	case StatePending:
		e.last = now
	case StateStabilizing:
		e.state = StatePending
		e.last = now
	}
}

// overBurst records now and reports whether more than BurstThreshold events
// arrived within BurstWindow.
func (s *Scheduler) overBurst(now time.Time) bool {
	cutoff := now.Add(-s.opts.BurstWindow)
	kept := s.burst[:0]
	for _, t := range s.burst {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.burst = append(kept, now)
	return len(s.burst) > s.opts.BurstThreshold
}

// ScheduleFull drops all per-path tracking and schedules one full scan one
// debounce window from now.
func (s *Scheduler) ScheduleFull(reason string, now time.Time) {
	s.entries = make(map[string]*entry)
	if !s.full {
		s.full = true
		s.fullReason = reason
		s.fullFirst = now
	}
	s.deferFull(now)
}

func (s *Scheduler) deferFull(now time.Time) {
	due := now.Add(s.opts.Debounce)
	if limit := s.fullFirst.Add(s.opts.MaxWait); due.After(limit) {
		due = limit
	}
	s.fullDue = due
}

// Advance moves every path whose deadline passed one step forward and
// returns the batch that is ready, if any.
func (s *Scheduler) Advance(now time.Time) (indexer.Batch, bool) {
	if s.full {
		if now.Before(s.fullDue) {
			return indexer.Batch{}, false
		}
		b := indexer.Batch{Full: true, Reason: s.fullReason}
		s.full = false
		s.fullReason = ""
		s.burst = s.burst[:0]
		return b, true
	}

	var ready []string
	for path, e := range s.entries {
		switch e.state {
		case StatePending:
			if now.Before(e.last.Add(s.opts.Debounce)) && now.Before(e.first.Add(s.opts.MaxWait)) {
				continue
			}
			e.stamp = s.stat(path)
			e.state = StateStabilizing
			e.checkAt = now.Add(s.opts.StableCheck)
		case StateStabilizing:
			if now.Before(e.checkAt) {
				continue
			}
			current := s.stat(path)
			if current.equal(e.stamp) || !now.Before(e.first.Add(s.opts.MaxWait)) {
				e.state = StateQueued
				ready = append(ready, path)
				continue
			}
			// Still being written.
			e.state = StatePending
			e.last = now
		}
	}

	if len(ready) == 0 {
		return indexer.Batch{}, false
	}
	sort.Strings(ready)
	for _, p := range ready {
		delete(s.entries, p)
	}
	return indexer.Batch{Paths: ready, Reason: "file events"}, true
}

// NextDeadline returns the earliest time at which Advance has work to do.
func (s *Scheduler) NextDeadline() (time.Time, bool) {
	if s.full {
		return s.fullDue, true
	}
	var next time.Time
	found := false
	for _, e := range s.entries {
		var at time.Time
		switch e.state {
		case StatePending:
			at = e.last.Add(s.opts.Debounce)
			if limit := e.first.Add(s.opts.MaxWait); limit.Before(at) {
				at = limit
			}
		case StateStabilizing:
			at = e.checkAt
		default:
			continue
		}
		if !found || at.Before(next) {
			next = at
			found = true
		}
	}
	return next, found
}

// State returns the state of relPath.
func (s *Scheduler) State(relPath string) State {
	if e, ok := s.entries[relPath]; ok {
		return e.state
	}
	return StateIdle
}

// Pending returns the number of tracked paths.
func (s *Scheduler) Pending() int { return len(s.entries) }

// FullScheduled reports whether a full scan is waiting.
func (s *Scheduler) FullScheduled() bool { return s.full }
