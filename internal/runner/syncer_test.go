package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const testResumeID = "0199a213-81a4-7800-8000-4b28deadbeef"

func sessionLogPath(t *testing.T, home string) string {
	t.Helper()
	dir := filepath.Join(home, "sessions", "2026", "08", "23")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	return filepath.Join(dir, "rollout-2026-08-23T10-00-00-"+testResumeID+".jsonl")
}

func agentMessage(ts, text string) string {
	return fmt.Sprintf(`{"timestamp":%q,"type":"event_msg","payload":{"type":"agent_message","message":%q}}`, ts, text)
}

func agentReasoning(ts, text string) string {
	return fmt.Sprintf(`{"timestamp":%q,"type":"event_msg","payload":{"type":"agent_reasoning","text":%q}}`, ts, text)
}

func responseItem(ts, text string) string {
	return fmt.Sprintf(`{"timestamp":%q,"type":"response_item","payload":{"type":"message","role":"assistant","content":[{"type":"output_text","text":%q}]}}`, ts, text)
}

func appendLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	for _, line := range lines {
		if _, err := f.WriteString(line + "\n"); err != nil {
			t.Fatal(err)
		}
	}
}

func TestFindSessionFile(t *testing.T) {
	home := t.TempDir()
	path := sessionLogPath(t, home)
	appendLines(t, path, agentMessage("2026-08-23T10:00:00Z", "hi"))

	s := NewSyncer(home, 0)
	got, err := s.FindSessionFile(testResumeID)
	if err != nil {
		t.Fatal(err)
	}
	if got != path {
		t.Errorf("found %q, want %q", got, path)
	}

	if _, err := s.FindSessionFile("no-such-id"); err == nil {
		t.Error("missing resume id must error")
	}
}

func TestAssistantTextRecordShapes(t *testing.T) {
	home := t.TempDir()
	path := sessionLogPath(t, home)
	appendLines(t, path,
		agentMessage("2026-08-23T10:00:00Z", "streamed message"),
		`{"type":"event_msg","payload":{"type":"token_count"}}`,
		"not json at all",
		responseItem("2026-08-23T10:00:05Z", "final from response item"),
	)

	s := NewSyncer(home, 0)
	msg, err := s.LastAssistantMessage(testResumeID)
	if err != nil {
		t.Fatal(err)
	}
	if msg != "final from response item" {
		t.Errorf("last message = %q", msg)
	}
}

func TestLastAssistantMessageAfter(t *testing.T) {
	home := t.TempDir()
	path := sessionLogPath(t, home)
	appendLines(t, path, agentMessage("2026-08-23T10:00:00Z", "stale answer"))

	s := NewSyncer(home, 0)

	// Only a stale answer exists: must not be mistaken for a new result.
	cutoff := time.Date(2026, 8, 23, 11, 0, 0, 0, time.UTC)
	if _, err := s.LastAssistantMessageAfter(testResumeID, cutoff); err == nil {
		t.Fatal("stale answer accepted")
	}

	appendLines(t, path, agentMessage("2026-08-23T12:00:00Z", "fresh answer"))
	msg, err := s.LastAssistantMessageAfter(testResumeID, cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if msg != "fresh answer" {
		t.Errorf("message = %q", msg)
	}
}

type syncEvents struct {
	mu     sync.Mutex
	events []Event
}

func (c *syncEvents) emit(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *syncEvents) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *syncEvents) waitFor(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range c.snapshot() {
			if ev.Line == want {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("event %q never arrived; got %+v", want, c.snapshot())
}

func TestTailRunRelaysAppendedMessages(t *testing.T) {
	home := t.TempDir()
	path := sessionLogPath(t, home)
	// History from before the run: must be skipped, not replayed.
	appendLines(t, path, agentMessage("2026-08-23T09:00:00Z", "old history"))

	s := NewSyncer(home, 50*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := &syncEvents{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.TailRun(ctx, TailRequest{
			ResumeID:      testResumeID,
			SyncKey:       "alpha:" + testResumeID,
			ReasoningMode: "hidden",
		}, events.emit)
	}()

	// Let the tailer open the file and position at the end.
	time.Sleep(200 * time.Millisecond)

	appendLines(t, path,
		agentReasoning("2026-08-23T10:00:01Z", "thinking about the plan"),
		agentMessage("2026-08-23T10:00:02Z", "live message"),
	)

	events.waitFor(t, "live message")
	events.waitFor(t, "progress: internal reasoning in progress (content hidden).")

	for _, ev := range events.snapshot() {
		if ev.Line == "old history" {
			t.Error("pre-run history was replayed")
		}
		if strings.Contains(ev.Line, "thinking about the plan") {
			t.Error("raw reasoning content was forwarded")
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("TailRun did not stop on cancellation")
	}
}

func TestTailRunSkipsRepeatedMessage(t *testing.T) {
	home := t.TempDir()
	path := sessionLogPath(t, home)
	appendLines(t, path, agentMessage("2026-08-23T09:00:00Z", "seed"))

	s := NewSyncer(home, 50*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := &syncEvents{}
	go s.TailRun(ctx, TailRequest{ResumeID: testResumeID, SyncKey: "k"}, events.emit)

	time.Sleep(200 * time.Millisecond)
	appendLines(t, path,
		agentMessage("2026-08-23T10:00:01Z", "repeated"),
		agentMessage("2026-08-23T10:00:02Z", "repeated"),
		agentMessage("2026-08-23T10:00:03Z", "distinct"),
	)

	events.waitFor(t, "distinct")
	count := 0
	for _, ev := range events.snapshot() {
		if ev.Line == "repeated" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("repeated message delivered %d times, want 1", count)
	}
}

func TestReasoningNotice(t *testing.T) {
	if got := reasoningNotice("hidden", "secret deliberation"); strings.Contains(got, "secret") {
		t.Errorf("hidden mode leaked content: %q", got)
	}
	got := reasoningNotice("summary", "First I will plan the change, then run tests to verify.")
	if strings.Contains(got, "First I will") {
		t.Errorf("summary mode leaked content: %q", got)
	}
	if !strings.Contains(got, "planning") || !strings.Contains(got, "running tests") {
		t.Errorf("summary missing activity tags: %q", got)
	}
}

func TestSummarizeReasoningFallbackTag(t *testing.T) {
	got := summarizeReasoning("nothing matches here")
	if !strings.Contains(got, "organizing the task") {
		t.Errorf("fallback tag missing: %q", got)
	}
	if !strings.Contains(got, "20 chars") {
		t.Errorf("length note missing: %q", got)
	}
}

func TestTailRunResumesFromWatermark(t *testing.T) {
	home := t.TempDir()
	path := sessionLogPath(t, home)
	// Everything below already sat in the log before the process started.
	appendLines(t, path,
		agentMessage("2026-08-23T10:00:00Z", "before restart"),
		agentMessage("2026-08-23T10:00:05Z", "watermark message"),
		agentMessage("2026-08-23T10:00:10Z", "after restart"),
	)

	watermarkAt, err := time.Parse(time.RFC3339, "2026-08-23T10:00:05Z")
	if err != nil {
		t.Fatal(err)
	}

	// A fresh Syncer stands in for a restarted process; the persisted
	// watermark must resume the relay past what was already delivered.
	s := NewSyncer(home, 50*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := &syncEvents{}
	go s.TailRun(ctx, TailRequest{
		ResumeID:  testResumeID,
		SyncKey:   "alpha:" + testResumeID,
		SinceTS:   unixSeconds(watermarkAt),
		SinceHash: hashText("watermark message"),
	}, events.emit)

	events.waitFor(t, "after restart")
	for _, ev := range events.snapshot() {
		if ev.Line == "before restart" || ev.Line == "watermark message" {
			t.Errorf("already-relayed message re-delivered: %q", ev.Line)
		}
	}
}

func TestTailStateTracksRelayedMessages(t *testing.T) {
	home := t.TempDir()
	path := sessionLogPath(t, home)
	appendLines(t, path, agentMessage("2026-08-23T09:00:00Z", "seed"))

	s := NewSyncer(home, 50*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key := "alpha:" + testResumeID
	if ts, hash := s.TailState(key); ts != 0 || hash != "" {
		t.Fatalf("fresh state = %v %q", ts, hash)
	}

	events := &syncEvents{}
	go s.TailRun(ctx, TailRequest{ResumeID: testResumeID, SyncKey: key}, events.emit)

	time.Sleep(200 * time.Millisecond)
	appendLines(t, path, agentMessage("2026-08-23T10:00:01Z", "fresh output"))
	events.waitFor(t, "fresh output")

	ts, hash := s.TailState(key)
	if ts <= 0 {
		t.Errorf("watermark timestamp = %v", ts)
	}
	if hash != hashText("fresh output") {
		t.Errorf("watermark hash = %q", hash)
	}
}
