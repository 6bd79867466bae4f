package runner

import (
	"testing"
	"time"

	"codexbridge/internal/store"
)

func waitFired(t *testing.T, w *watchdogs, within time.Duration) store.TimeoutKind {
	t.Helper()
	select {
	case kind := <-w.fired:
		return kind
	case <-time.After(within):
		t.Fatal("no watchdog fired in time")
		return store.TimeoutNone
	}
}

func TestWatchdogNoOutputFires(t *testing.T) {
	w := newWatchdogs(Options{NoOutputIdle: 50 * time.Millisecond, RunTimeout: time.Minute}, time.Now())
	defer w.stop()

	if kind := waitFired(t, w, time.Second); kind != store.TimeoutNoOutputIdle {
		t.Errorf("kind = %s, want %s", kind, store.TimeoutNoOutputIdle)
	}
}

func TestWatchdogOutputResetsIdle(t *testing.T) {
	w := newWatchdogs(Options{NoOutputIdle: 120 * time.Millisecond, RunTimeout: time.Minute}, time.Now())
	defer w.stop()

	// Keep producing output faster than the idle bound.
	for i := 0; i < 8; i++ {
		time.Sleep(40 * time.Millisecond)
		w.noteOutput()
	}
	select {
	case kind := <-w.fired:
		t.Fatalf("watchdog %s fired despite steady output", kind)
	default:
	}

	// Then go silent and it fires.
	if kind := waitFired(t, w, time.Second); kind != store.TimeoutNoOutputIdle {
		t.Errorf("kind = %s", kind)
	}
}

func TestWatchdogCompactionUnarmedUntilMarker(t *testing.T) {
	w := newWatchdogs(Options{
		CompactionIdle: 50 * time.Millisecond,
		NoOutputIdle:   300 * time.Millisecond,
		RunTimeout:     time.Minute,
	}, time.Now())
	defer w.stop()

	// Without the marker only the no-output clock runs; the compaction
	// timer must stay dormant well past its own bound.
	time.Sleep(150 * time.Millisecond)
	select {
	case kind := <-w.fired:
		if kind == store.TimeoutCompactionIdle {
			t.Fatal("compaction watchdog fired before being armed")
		}
	default:
	}

	w.armCompaction()
	if kind := waitFired(t, w, time.Second); kind != store.TimeoutCompactionIdle {
		t.Errorf("kind = %s, want %s", kind, store.TimeoutCompactionIdle)
	}
}

func TestWatchdogFinalArmedOnSignal(t *testing.T) {
	w := newWatchdogs(Options{
		FinalResultIdle: 50 * time.Millisecond,
		NoOutputIdle:    time.Minute,
		RunTimeout:      time.Minute,
	}, time.Now())
	defer w.stop()

	w.armFinal()
	if kind := waitFired(t, w, time.Second); kind != store.TimeoutFinalIdle {
		t.Errorf("kind = %s, want %s", kind, store.TimeoutFinalIdle)
	}
}

func TestWatchdogRunTimeoutPromotedOnTie(t *testing.T) {
	// Both clocks expire together; the absolute ceiling must win no
	// matter which timer the scheduler delivers first.
	started := time.Now()
	w := newWatchdogs(Options{
		NoOutputIdle: 80 * time.Millisecond,
		RunTimeout:   80 * time.Millisecond,
	}, started)
	defer w.stop()

	if kind := waitFired(t, w, time.Second); kind != store.TimeoutRun {
		t.Errorf("kind = %s, want %s", kind, store.TimeoutRun)
	}
}

func TestWatchdogIdleNotPromotedBeforeCeiling(t *testing.T) {
	w := newWatchdogs(Options{
		NoOutputIdle: 50 * time.Millisecond,
		RunTimeout:   time.Minute,
	}, time.Now())
	defer w.stop()

	if kind := waitFired(t, w, time.Second); kind != store.TimeoutNoOutputIdle {
		t.Errorf("kind = %s, want %s", kind, store.TimeoutNoOutputIdle)
	}
}

func TestWatchdogStopIsIdempotent(t *testing.T) {
	w := newWatchdogs(Options{NoOutputIdle: time.Minute, RunTimeout: time.Minute}, time.Now())
	w.stop()
	w.stop()
}

func TestWatchdogDisabledTimers(t *testing.T) {
	// All bounds zero: nothing can ever fire.
	w := newWatchdogs(Options{}, time.Now())
	defer w.stop()

	w.noteOutput()
	w.armCompaction()
	w.armFinal()

	select {
	case kind := <-w.fired:
		t.Fatalf("watchdog %s fired with all bounds disabled", kind)
	case <-time.After(100 * time.Millisecond):
	}
}
