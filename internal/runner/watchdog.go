package runner

import (
	"sync"
	"time"

	"codexbridge/internal/store"
)

// watchdogs holds the four stall detectors for one run, each an
// independently cancellable timer:
//
//	run        — absolute wall-clock ceiling, never reset
//	noOutput   — reset by any output line
//	compaction — armed once "context compacted" is seen, then reset by output
//	final      — armed once the final answer landed, then reset by output
//
// The first to expire wins; the rest are cancelled with stop(). A RunTimeout
// that is due in the same tick as an idle watchdog takes precedence, since
// the absolute ceiling is authoritative.
type watchdogs struct {
	opts    Options
	started time.Time

	mu              sync.Mutex
	run             *time.Timer
	noOutput        *time.Timer
	compaction      *time.Timer
	final           *time.Timer
	compactionArmed bool
	finalArmed      bool

	fired    chan store.TimeoutKind
	done     chan struct{}
	stopOnce sync.Once
}

func newWatchdogs(opts Options, started time.Time) *watchdogs {
	w := &watchdogs{
		opts:    opts,
		started: started,
		fired:   make(chan store.TimeoutKind, 1),
		done:    make(chan struct{}),
	}
	if opts.RunTimeout > 0 {
		w.run = time.NewTimer(opts.RunTimeout)
	}
	if opts.NoOutputIdle > 0 {
		w.noOutput = time.NewTimer(opts.NoOutputIdle)
	}
	if opts.CompactionIdle > 0 {
		w.compaction = time.NewTimer(opts.CompactionIdle)
		w.compaction.Stop()
	}
	if opts.FinalResultIdle > 0 {
		w.final = time.NewTimer(opts.FinalResultIdle)
		w.final.Stop()
	}
	go w.watch()
	return w
}

func timerChan(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (w *watchdogs) watch() {
	select {
	case <-w.done:
	case <-timerChan(w.run):
		w.fire(store.TimeoutRun)
	case <-timerChan(w.final):
		w.fire(store.TimeoutFinalIdle)
	case <-timerChan(w.compaction):
		w.fire(store.TimeoutCompactionIdle)
	case <-timerChan(w.noOutput):
		w.fire(store.TimeoutNoOutputIdle)
	}
}

func (w *watchdogs) fire(kind store.TimeoutKind) {
	if kind != store.TimeoutRun && w.run != nil && time.Since(w.started) >= w.opts.RunTimeout {
		kind = store.TimeoutRun
	}
	select {
	case w.fired <- kind:
	default:
	}
}

// noteOutput resets every idle timer that is currently armed.
func (w *watchdogs) noteOutput() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.noOutput != nil {
		w.noOutput.Reset(w.opts.NoOutputIdle)
	}
	if w.compaction != nil && w.compactionArmed {
		w.compaction.Reset(w.opts.CompactionIdle)
	}
	if w.final != nil && w.finalArmed {
		w.final.Reset(w.opts.FinalResultIdle)
	}
}

// armCompaction starts the post-compaction idle clock. Idempotent.
func (w *watchdogs) armCompaction() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.compaction == nil || w.compactionArmed {
		return
	}
	w.compactionArmed = true
	w.compaction.Reset(w.opts.CompactionIdle)
}

// armFinal starts the post-answer idle clock. Idempotent.
func (w *watchdogs) armFinal() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.final == nil || w.finalArmed {
		return
	}
	w.finalArmed = true
	w.final.Reset(w.opts.FinalResultIdle)
}

// stop cancels all timers. Safe to call more than once.
func (w *watchdogs) stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		defer w.mu.Unlock()
		for _, t := range []*time.Timer{w.run, w.noOutput, w.compaction, w.final} {
			if t != nil {
				t.Stop()
			}
		}
	})
}
