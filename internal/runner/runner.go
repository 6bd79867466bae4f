// Package runner owns one external assistant CLI invocation per run.
//
// It spawns the process (optionally under a PTY), streams its output as
// events, arms four watchdog timers against distinct stall modes, and
// recovers the authoritative final message from the assistant's own session
// log when the process goes quiet instead of exiting.
package runner

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"codexbridge/internal/store"
)

// Stream identifies which process stream produced an output line.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	StreamNotice Stream = "notice"
)

// EventKind classifies runner events.
type EventKind int

const (
	// EventOutput is one line of process or session-log output.
	EventOutput EventKind = iota
	// EventReasoning is a placeholder or synopsis for hidden deliberation.
	EventReasoning
)

// Event is a single observation from a running process. Completion is not an
// Event; Run returns a Result once the process reaches a terminal state, and
// callers deliver their terminal notice after Run returns, so the terminal
// signal is always last.
type Event struct {
	Kind   EventKind
	Line   string
	Stream Stream
}

// EmitFunc receives events in production order per source.
type EmitFunc func(Event)

// Options configures how the assistant CLI is invoked and supervised.
type Options struct {
	Command       string   // assistant binary, e.g. "codex"
	ExtraArgs     []string // pass-through CLI arguments
	InputMode     string   // "stdin" (default) or "arg"
	ApprovalsMode string   // injected as a /approvals directive in interactive mode
	SkipGitCheck  bool     // pass --skip-git-repo-check in resume mode
	UsePTY        bool     // allocate a pseudo-terminal (interactive mode only)

	RunTimeout      time.Duration // absolute ceiling; 0 disables
	NoOutputIdle    time.Duration // silence bound; 0 disables
	CompactionIdle  time.Duration // silence bound after "context compacted"
	FinalResultIdle time.Duration // silence bound after the final answer landed
	KillGrace       time.Duration // SIGTERM→SIGKILL grace

	Syncer            *Syncer       // session-log tailer; nil disables live relay
	SyncStream        bool          // relay session-log records during the run
	ReasoningMode     string        // "hidden" (default) or "summary"
	ReasoningInterval time.Duration // minimum gap between reasoning notices
}

// Request describes one run.
type Request struct {
	RunID    string
	Command  string // the user's instruction text
	ResumeID string // assistant context handle; empty selects interactive mode
	Workdir  string
	SyncKey  string // (botID, resumeID)-scoped offset cache key

	// Persisted session-log watermark from a previous process, so the relay
	// resumes where it left off instead of discarding history at EOF.
	SyncTS   float64
	SyncHash string
}

// Result is the terminal outcome of a run.
type Result struct {
	Status       store.RunStatus
	TimeoutKind  store.TimeoutKind
	ExitCode     *int
	FinalMessage string // authoritative final output, empty if none recovered
}

// Runner spawns and supervises assistant processes.
type Runner struct {
	opts Options
}

// New creates a Runner.
func New(opts Options) *Runner {
	if opts.InputMode == "" {
		opts.InputMode = "stdin"
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = 5 * time.Second
	}
	return &Runner{opts: opts}
}

const compactionMarker = "context compacted"

func isContextCompacted(line string) bool {
	return strings.Contains(strings.ToLower(line), compactionMarker)
}

// buildArgs assembles the CLI argument vector. Resume mode uses the
// non-interactive `exec ... resume <id>` sub-invocation; interactive mode
// runs the bare binary. Returns the argv and whether resume mode is active.
func (r *Runner) buildArgs(req Request, lastMessagePath string) ([]string, bool) {
	args := []string{r.opts.Command}

	if req.ResumeID != "" {
		args = append(args, "exec")
		if r.opts.SkipGitCheck {
			args = append(args, "--skip-git-repo-check")
		}
		if lastMessagePath != "" {
			args = append(args, "--output-last-message", lastMessagePath)
		}
		args = append(args, r.opts.ExtraArgs...)
		args = append(args, "resume", req.ResumeID)
		if r.opts.InputMode == "arg" {
			args = append(args, req.Command)
		} else {
			args = append(args, "-")
		}
		return args, true
	}

	if lastMessagePath != "" {
		args = append(args, "--output-last-message", lastMessagePath)
	}
	args = append(args, r.opts.ExtraArgs...)
	if r.opts.InputMode == "arg" {
		args = append(args, req.Command)
	}
	return args, false
}

// buildInput renders the stdin payload. The approvals directive only works
// in interactive stdin mode; arg mode cannot inject it.
func (r *Runner) buildInput(command string, resumeMode bool) string {
	if !resumeMode && r.opts.ApprovalsMode != "" {
		return fmt.Sprintf("/approvals %s\n%s\n", r.opts.ApprovalsMode, command)
	}
	return command + "\n"
}

// buildEnv fixes the child environment: no cursor-position probing and a
// known terminal type, so interactive CLIs behave deterministically.
func buildEnv() []string {
	env := os.Environ()
	env = setDefault(env, "PROMPT_TOOLKIT_NO_CPR", "1")
	env = setDefault(env, "TERM", "xterm-256color")
	return env
}

func setDefault(env []string, key, value string) []string {
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			return env
		}
	}
	return append(env, prefix+value)
}

// normalizeForDedupe collapses line-ending and trailing-whitespace noise so
// the same message arriving via stdout and the session log hashes equal.
func normalizeForDedupe(text string) string {
	normalized := strings.ReplaceAll(text, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	lines := strings.Split(normalized, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(normalizeForDedupe(text)))
	return hex.EncodeToString(sum[:])
}

// dedupeSet drops repeated payloads within one run.
type dedupeSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newDedupeSet() *dedupeSet {
	return &dedupeSet{seen: make(map[string]struct{})}
}

// observe returns false if the text was already emitted this run.
func (d *dedupeSet) observe(text string) bool {
	if text == "" {
		return true
	}
	digest := hashText(text)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[digest]; ok {
		return false
	}
	d.seen[digest] = struct{}{}
	return true
}

// Run executes one assistant invocation and blocks until it reaches a
// terminal state. Events are delivered through emit in per-source order;
// cancellation of ctx terminates the process and yields a Cancelled result.
func (r *Runner) Run(ctx context.Context, req Request, emit EmitFunc) (*Result, error) {
	lastMessagePath := prepareLastMessageFile()
	if lastMessagePath != "" {
		defer os.Remove(lastMessagePath)
	}

	args, resumeMode := r.buildArgs(req, lastMessagePath)
	runStarted := time.Now()

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = req.Workdir
	cmd.Env = buildEnv()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var (
		proc   *process
		err    error
		dedupe = newDedupeSet()
	)
	if r.opts.UsePTY && !resumeMode {
		proc, err = startPTY(cmd, r.buildInput(req.Command, resumeMode), r.opts.InputMode)
	} else {
		proc, err = startPipes(cmd, r.buildInput(req.Command, resumeMode), r.opts.InputMode)
	}
	if err != nil {
		return nil, fmt.Errorf("spawning %s: %w", r.opts.Command, err)
	}
	log.Printf("run %s: started %s pid=%d (resume=%v pty=%v)",
		req.RunID, r.opts.Command, cmd.Process.Pid, resumeMode, proc.pty != nil)

	dogs := newWatchdogs(r.opts, runStarted)
	defer dogs.stop()

	// Kill path shared by watchdogs and cancellation: SIGTERM the process
	// group, escalate to SIGKILL after the grace period.
	var (
		killOnce  sync.Once
		killTimer *time.Timer
	)
	kill := func() {
		killOnce.Do(func() {
			killTimer = terminateGroup(cmd, r.opts.KillGrace)
		})
	}

	emitOutput := func(line string, s Stream) {
		if s != StreamStderr && !dedupe.observe(line) {
			return
		}
		dogs.noteOutput()
		emit(Event{Kind: EventOutput, Line: line, Stream: s})
	}

	var wg sync.WaitGroup

	readersDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(readersDone)
		proc.readOutput(func(line string, s Stream) {
			if isContextCompacted(line) {
				dogs.armCompaction()
			}
			emitOutput(line, s)
		})
	}()

	// Session-log tailer: relays assistant messages and reasoning notices
	// while the process runs, independent of stdout buffering.
	activeResume := req.ResumeID
	tailCtx, stopTail := context.WithCancel(ctx)
	defer stopTail()
	if r.opts.Syncer != nil && r.opts.SyncStream && activeResume != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.opts.Syncer.TailRun(tailCtx, TailRequest{
				ResumeID:          activeResume,
				SyncKey:           req.SyncKey,
				SinceTS:           req.SyncTS,
				SinceHash:         req.SyncHash,
				ReasoningMode:     r.opts.ReasoningMode,
				ReasoningInterval: r.opts.ReasoningInterval,
			}, func(ev Event) {
				if ev.Kind == EventOutput && !dedupe.observe(ev.Line) {
					return
				}
				dogs.noteOutput()
				emit(ev)
			})
		}()
	}

	// Final-result arming: the terminal-result signal is the last-message
	// capture file turning non-empty before the process exits.
	armCtx, stopArm := context.WithCancel(ctx)
	defer stopArm()
	if lastMessagePath != "" && r.opts.FinalResultIdle > 0 {
		go watchFinalMarker(armCtx, lastMessagePath, dogs.armFinal)
	}

	// Supervise: first of process exit, watchdog fire, or cancellation wins.
	// Wait closes the stdout/stderr pipes, so the readers must drain to EOF
	// before the child is reaped or trailing output is lost.
	waitErr := make(chan error, 1)
	go func() {
		<-readersDone
		waitErr <- cmd.Wait()
	}()

	var (
		firedKind store.TimeoutKind
		cancelled bool
		exitErr   error
	)
	select {
	case exitErr = <-waitErr:
	case firedKind = <-dogs.fired:
		log.Printf("run %s: watchdog %s fired, terminating pid=%d", req.RunID, firedKind, cmd.Process.Pid)
		kill()
		exitErr = <-waitErr
	case <-ctx.Done():
		cancelled = true
		log.Printf("run %s: cancelled, terminating pid=%d", req.RunID, cmd.Process.Pid)
		kill()
		exitErr = <-waitErr
	}

	// The child is reaped; the pending SIGKILL must not hit a process group
	// id the kernel may have reused.
	if killTimer != nil {
		killTimer.Stop()
	}

	dogs.stop()
	stopArm()
	stopTail()
	proc.close()
	wg.Wait()

	result := &Result{}
	result.FinalMessage = r.recoverFinalMessage(lastMessagePath, activeResume, runStarted)
	if result.FinalMessage != "" && dedupe.observe(result.FinalMessage) {
		emit(Event{Kind: EventOutput, Line: result.FinalMessage, Stream: StreamStdout})
	}

	switch {
	case cancelled:
		result.Status = store.RunCancelled
	case firedKind != store.TimeoutNone:
		result.Status = store.RunTimedOut
		result.TimeoutKind = firedKind
	default:
		code := exitCode(exitErr)
		result.ExitCode = &code
		if code == 0 {
			result.Status = store.RunCompleted
		} else {
			result.Status = store.RunFailed
		}
	}
	return result, nil
}

// recoverFinalMessage reads the authoritative final output: the capture file
// first, then the session log restricted to entries newer than run start.
func (r *Runner) recoverFinalMessage(lastMessagePath, resumeID string, runStarted time.Time) string {
	if msg := readLastMessageFile(lastMessagePath); msg != "" {
		return msg
	}
	if r.opts.Syncer != nil && resumeID != "" {
		if msg, err := r.opts.Syncer.LastAssistantMessageAfter(resumeID, runStarted); err == nil {
			return msg
		}
	}
	return ""
}

func prepareLastMessageFile() string {
	f, err := os.CreateTemp("", "codexbridge-last-message-*.txt")
	if err != nil {
		return ""
	}
	path := f.Name()
	f.Close()
	return path
}

func readLastMessageFile(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// watchFinalMarker arms the final-result watchdog once the capture file has
// content. Polls coarsely; the file appears at most once per run.
func watchFinalMarker(ctx context.Context, path string, arm func()) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if info, err := os.Stat(path); err == nil && info.Size() > 0 {
				arm()
				return
			}
		}
	}
}

// terminateGroup SIGTERMs the process group and schedules the SIGKILL
// escalation. The caller stops the returned timer once the child is reaped.
func terminateGroup(cmd *exec.Cmd, grace time.Duration) *time.Timer {
	if cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid
	// Negative pid signals the whole process group (Setpgid above).
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	return time.AfterFunc(grace, func() {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	})
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// --- process I/O ---

// process wraps either a pipe-backed or PTY-backed child.
type process struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
	pty    *os.File
}

func startPipes(cmd *exec.Cmd, input, inputMode string) (*process, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	var stdin io.WriteCloser
	if inputMode == "stdin" {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	if stdin != nil {
		io.WriteString(stdin, input)
		stdin.Close()
	}
	return &process{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

// readOutput streams lines from both pipes (or the PTY) until EOF. Per-source
// ordering is preserved; stdout/stderr interleaving is best effort.
func (p *process) readOutput(handle func(line string, s Stream)) {
	if p.pty != nil {
		p.readPTY(handle)
		return
	}

	var wg sync.WaitGroup
	scan := func(r io.Reader, s Stream) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			handle(strings.TrimRight(scanner.Text(), "\r"), s)
		}
	}
	wg.Add(2)
	go scan(p.stdout, StreamStdout)
	go scan(p.stderr, StreamStderr)
	wg.Wait()
}

func (p *process) close() {
	if p.pty != nil {
		p.pty.Close()
	}
}
