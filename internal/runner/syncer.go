package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Syncer tails the assistant's append-only JSONL session log, an event
// source independent of process stdout. It relays assistant messages live,
// gates reasoning records behind the configured display mode, and recovers
// the authoritative final answer after a run ends.
//
// Read offsets are cached per sync key — always a (botID, resumeID) pair —
// so bots never share tailing state and a later run resumes where the
// previous one stopped.
type Syncer struct {
	home     string
	interval time.Duration

	mu     sync.Mutex
	states map[string]*tailState
}

type tailState struct {
	path   string
	inode  uint64
	offset int64

	// Relay watermark: timestamp and content hash of the last relayed
	// assistant message. Persisted by the caller across restarts.
	lastTS   float64
	lastHash string
}

// TailRequest scopes one live-tail of the session log.
type TailRequest struct {
	ResumeID          string
	SyncKey           string
	SinceTS           float64 // persisted watermark seed, 0 when none
	SinceHash         string
	ReasoningMode     string // "hidden" (default) or "summary"
	ReasoningInterval time.Duration
}

// NewSyncer creates a Syncer rooted at the assistant home directory.
// An empty home falls back to $CODEX_HOME or ~/.codex.
func NewSyncer(home string, interval time.Duration) *Syncer {
	if home == "" {
		home = os.Getenv("CODEX_HOME")
	}
	if home == "" {
		if userHome, err := os.UserHomeDir(); err == nil {
			home = filepath.Join(userHome, ".codex")
		}
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Syncer{
		home:     home,
		interval: interval,
		states:   make(map[string]*tailState),
	}
}

// FindSessionFile locates the newest session log whose name contains the
// resume ID.
func (s *Syncer) FindSessionFile(resumeID string) (string, error) {
	sessionsDir := filepath.Join(s.home, "sessions")
	var (
		newest      string
		newestMtime time.Time
	)
	err := filepath.WalkDir(sessionsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree, keep walking
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".jsonl") {
			return nil
		}
		if !strings.Contains(d.Name(), resumeID) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if newest == "" || info.ModTime().After(newestMtime) {
			newest = path
			newestMtime = info.ModTime()
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if newest == "" {
		return "", fmt.Errorf("no session log for resume id %q: %w", resumeID, os.ErrNotExist)
	}
	return newest, nil
}

// --- JSONL record parsing ---

type logRecord struct {
	Timestamp string     `json:"timestamp"`
	Type      string     `json:"type"`
	Payload   logPayload `json:"payload"`
}

type logPayload struct {
	Type    string       `json:"type"`
	Message string       `json:"message"`
	Text    string       `json:"text"`
	Role    string       `json:"role"`
	Content []logContent `json:"content"`
}

type logContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func parseTimestamp(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// streamedText extracts the live-streamable text of an event_msg record and
// whether it is a reasoning record.
func streamedText(rec *logRecord) (text string, reasoning bool) {
	if rec.Type != "event_msg" {
		return "", false
	}
	switch rec.Payload.Type {
	case "agent_message":
		return strings.TrimSpace(rec.Payload.Message), false
	case "agent_reasoning":
		return strings.TrimSpace(rec.Payload.Text), true
	}
	return "", false
}

// assistantText extracts the final-answer text of a record, for either
// record shape the assistant writes.
func assistantText(rec *logRecord) string {
	if rec.Type == "event_msg" && rec.Payload.Type == "agent_message" {
		return strings.TrimSpace(rec.Payload.Message)
	}
	if rec.Type != "response_item" || rec.Payload.Type != "message" || rec.Payload.Role != "assistant" {
		return ""
	}
	var parts []string
	for _, item := range rec.Payload.Content {
		if item.Type == "output_text" && item.Text != "" {
			parts = append(parts, item.Text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// --- Live tailing ---

// TailRun polls the session log until ctx is cancelled, emitting newly
// appended assistant messages and reasoning notices. Poll failures (missing
// file, rotation, malformed records) skip the cycle and are retried; they
// are never fatal to the run.
func (s *Syncer) TailRun(ctx context.Context, req TailRequest, emit EmitFunc) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var (
		handle          *os.File
		lastMessage     string
		lastReasoningAt time.Time
	)
	defer func() {
		if handle != nil {
			handle.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if handle == nil {
			handle = s.openTail(req)
			if handle == nil {
				continue
			}
		}

		state := s.stateFor(req.SyncKey)
		if !s.stillValid(handle, state) {
			handle.Close()
			handle = nil
			continue
		}

		reader := bufio.NewReader(handle)
		for {
			line, err := reader.ReadString('\n')
			if err != nil && err != io.EOF {
				break
			}
			if err == io.EOF {
				// Partial trailing line: leave the offset untouched so the
				// next poll re-reads it once the writer finishes it.
				break
			}
			s.advance(req.SyncKey, int64(len(line)))

			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				continue
			}
			var rec logRecord
			if json.Unmarshal([]byte(trimmed), &rec) != nil {
				continue
			}
			text, reasoning := streamedText(&rec)
			if text == "" {
				continue
			}
			tsSec := 0.0
			if ts, ok := parseTimestamp(rec.Timestamp); ok {
				tsSec = unixSeconds(ts)
			}
			if reasoning {
				if s.behindWatermark(req.SyncKey, tsSec, "") {
					continue
				}
				if req.ReasoningInterval > 0 && time.Since(lastReasoningAt) < req.ReasoningInterval {
					continue
				}
				lastReasoningAt = time.Now()
				emit(Event{Kind: EventReasoning, Line: reasoningNotice(req.ReasoningMode, text), Stream: StreamNotice})
				continue
			}
			if text == lastMessage || s.behindWatermark(req.SyncKey, tsSec, text) {
				continue
			}
			lastMessage = text
			s.markRelayed(req.SyncKey, tsSec, text)
			emit(Event{Kind: EventOutput, Line: text, Stream: StreamStdout})
		}

		// Keep the handle positioned at the recorded offset.
		if _, err := handle.Seek(s.stateFor(req.SyncKey).offset, io.SeekStart); err != nil {
			handle.Close()
			handle = nil
		}
	}
}

// openTail resolves and opens the session log, reusing the cached offset
// when the same file is still in place. A fresh state starts at the end,
// unless the request carries a persisted watermark: then it rescans from the
// top and the watermark filters out everything already relayed, so the relay
// position survives a restart.
func (s *Syncer) openTail(req TailRequest) *os.File {
	path, err := s.FindSessionFile(req.ResumeID)
	if err != nil {
		return nil
	}
	handle, err := os.Open(path)
	if err != nil {
		return nil
	}
	info, err := handle.Stat()
	if err != nil {
		handle.Close()
		return nil
	}
	inode := inodeOf(info)

	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[req.SyncKey]
	if !ok || state.path != path || state.inode != inode || state.offset > info.Size() {
		state = &tailState{path: path, inode: inode, offset: info.Size()}
		if !ok && (req.SinceTS > 0 || req.SinceHash != "") {
			state.offset = 0
			state.lastTS = req.SinceTS
			state.lastHash = req.SinceHash
		}
		s.states[req.SyncKey] = state
	}
	if _, err := handle.Seek(state.offset, io.SeekStart); err != nil {
		handle.Close()
		return nil
	}
	return handle
}

// behindWatermark reports whether a record predates the relay watermark.
// An empty text skips the content-hash comparison.
func (s *Syncer) behindWatermark(syncKey string, tsSec float64, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[syncKey]
	if !ok {
		return false
	}
	if tsSec > 0 && state.lastTS > 0 && tsSec < state.lastTS {
		return true
	}
	return text != "" && state.lastHash != "" && state.lastHash == hashText(text)
}

func (s *Syncer) markRelayed(syncKey string, tsSec float64, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.states[syncKey]; ok {
		if tsSec > 0 {
			state.lastTS = tsSec
		}
		state.lastHash = hashText(text)
	}
}

// TailState returns the relay watermark for a sync key, for persisting
// across restarts. Zero values mean nothing has been relayed.
func (s *Syncer) TailState(syncKey string) (tsSec float64, hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.states[syncKey]; ok {
		return state.lastTS, state.lastHash
	}
	return 0, ""
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// stillValid detects rotation and truncation.
func (s *Syncer) stillValid(handle *os.File, state tailState) bool {
	info, err := os.Stat(state.path)
	if err != nil {
		s.reset(state.path)
		return false
	}
	if inodeOf(info) != state.inode || info.Size() < state.offset {
		s.reset(state.path)
		return false
	}
	return true
}

func (s *Syncer) stateFor(syncKey string) tailState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.states[syncKey]; ok {
		return *state
	}
	return tailState{}
}

func (s *Syncer) advance(syncKey string, delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.states[syncKey]; ok {
		state.offset += delta
	}
}

func (s *Syncer) reset(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, state := range s.states {
		if state.path == path {
			delete(s.states, key)
		}
	}
}

func inodeOf(info os.FileInfo) uint64 {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return stat.Ino
	}
	return 0
}

// --- Final-answer recovery ---

// LastAssistantMessage returns the newest assistant message in the session
// log, regardless of age.
func (s *Syncer) LastAssistantMessage(resumeID string) (string, error) {
	msg, _, err := s.scanAssistantMessages(resumeID)
	return msg, err
}

// LastAssistantMessageAfter returns the newest assistant message recorded at
// or after the given time, so a stale answer from a previous run is never
// mistaken for this run's result.
func (s *Syncer) LastAssistantMessageAfter(resumeID string, since time.Time) (string, error) {
	msg, ts, err := s.scanAssistantMessages(resumeID)
	if err != nil {
		return "", err
	}
	if msg == "" || ts.IsZero() || ts.Before(since) {
		return "", errors.New("no assistant message newer than run start")
	}
	return msg, nil
}

func (s *Syncer) scanAssistantMessages(resumeID string) (string, time.Time, error) {
	path, err := s.FindSessionFile(resumeID)
	if err != nil {
		return "", time.Time{}, err
	}
	file, err := os.Open(path)
	if err != nil {
		return "", time.Time{}, err
	}
	defer file.Close()

	var (
		lastMsg string
		lastTS  time.Time
	)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec logRecord
		if json.Unmarshal([]byte(line), &rec) != nil {
			continue
		}
		if text := assistantText(&rec); text != "" {
			lastMsg = text
			if ts, ok := parseTimestamp(rec.Timestamp); ok {
				lastTS = ts
			} else {
				lastTS = time.Time{}
			}
		}
	}
	return lastMsg, lastTS, scanner.Err()
}

// --- Reasoning display ---

// reasoningNotice renders a reasoning record per the display mode. Raw
// reasoning content is never forwarded.
func reasoningNotice(mode, text string) string {
	if strings.EqualFold(strings.TrimSpace(mode), "summary") {
		return summarizeReasoning(text)
	}
	return "progress: internal reasoning in progress (content hidden)."
}

var reasoningTags = []struct {
	keywords []string
	tag      string
}{
	{[]string{"plan"}, "planning"},
	{[]string{"analyze", "analysis", "assess"}, "analyzing requirements"},
	{[]string{"config", "env"}, "checking configuration"},
	{[]string{"error", "fail"}, "investigating a failure"},
	{[]string{"test", "pytest", "playwright"}, "running tests"},
	{[]string{"deploy", "systemctl", "service"}, "service operations"},
	{[]string{"refactor"}, "refactoring"},
	{[]string{"readme", "doc"}, "updating documentation"},
	{[]string{"verify"}, "verifying results"},
	{[]string{"final", "summary"}, "composing the final reply"},
	{[]string{"sqlite", "db", "jsonl"}, "inspecting data and logs"},
}

// summarizeReasoning produces a keyword-tag synopsis of a reasoning record.
// The original text is summarized only by coarse activity tags and length.
func summarizeReasoning(text string) string {
	lowered := strings.ToLower(text)
	var tags []string
	for _, entry := range reasoningTags {
		for _, kw := range entry.keywords {
			if strings.Contains(lowered, kw) {
				tags = append(tags, entry.tag)
				break
			}
		}
	}
	if len(tags) == 0 {
		tags = []string{"organizing the task"}
	}
	if len(tags) > 4 {
		tags = tags[:4]
	}
	return fmt.Sprintf("reasoning summary: %s (original hidden, %d chars)",
		strings.Join(tags, "; "), len(strings.TrimSpace(text)))
}
