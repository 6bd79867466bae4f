package runner

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"codexbridge/internal/store"
)

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		name       string
		opts       Options
		req        Request
		capture    string
		want       []string
		wantResume bool
	}{
		{
			name:       "resume stdin",
			opts:       Options{Command: "codex", InputMode: "stdin", SkipGitCheck: true},
			req:        Request{Command: "fix it", ResumeID: "abc123"},
			capture:    "/tmp/last",
			want:       []string{"codex", "exec", "--skip-git-repo-check", "--output-last-message", "/tmp/last", "resume", "abc123", "-"},
			wantResume: true,
		},
		{
			name:       "resume arg mode",
			opts:       Options{Command: "codex", InputMode: "arg"},
			req:        Request{Command: "fix it", ResumeID: "abc123"},
			want:       []string{"codex", "exec", "resume", "abc123", "fix it"},
			wantResume: true,
		},
		{
			name:       "resume with extra args",
			opts:       Options{Command: "codex", InputMode: "stdin", ExtraArgs: []string{"--model", "fast"}},
			req:        Request{Command: "go", ResumeID: "r1"},
			want:       []string{"codex", "exec", "--model", "fast", "resume", "r1", "-"},
			wantResume: true,
		},
		{
			name: "interactive stdin",
			opts: Options{Command: "codex", InputMode: "stdin"},
			req:  Request{Command: "hello"},
			want: []string{"codex"},
		},
		{
			name:    "interactive arg with capture",
			opts:    Options{Command: "codex", InputMode: "arg"},
			req:     Request{Command: "hello"},
			capture: "/tmp/last",
			want:    []string{"codex", "--output-last-message", "/tmp/last", "hello"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(tt.opts)
			got, resume := r.buildArgs(tt.req, tt.capture)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("args = %q, want %q", got, tt.want)
			}
			if resume != tt.wantResume {
				t.Errorf("resume = %v, want %v", resume, tt.wantResume)
			}
		})
	}
}

func TestBuildInput(t *testing.T) {
	r := New(Options{Command: "codex", ApprovalsMode: "3"})

	// The approvals directive only works interactively.
	if got := r.buildInput("do it", false); got != "/approvals 3\ndo it\n" {
		t.Errorf("interactive input = %q", got)
	}
	if got := r.buildInput("do it", true); got != "do it\n" {
		t.Errorf("resume input = %q", got)
	}

	plain := New(Options{Command: "codex"})
	if got := plain.buildInput("do it", false); got != "do it\n" {
		t.Errorf("no-approvals input = %q", got)
	}
}

func TestSetDefaultDoesNotOverride(t *testing.T) {
	env := []string{"TERM=dumb", "PATH=/bin"}
	env = setDefault(env, "TERM", "xterm-256color")
	env = setDefault(env, "PROMPT_TOOLKIT_NO_CPR", "1")

	joined := strings.Join(env, "\n")
	if !strings.Contains(joined, "TERM=dumb") || strings.Contains(joined, "TERM=xterm-256color") {
		t.Errorf("existing TERM must win: %q", env)
	}
	if !strings.Contains(joined, "PROMPT_TOOLKIT_NO_CPR=1") {
		t.Errorf("missing default: %q", env)
	}
}

func TestDedupeNormalization(t *testing.T) {
	d := newDedupeSet()
	if !d.observe("hello world  \n") {
		t.Fatal("first observation must pass")
	}
	// Same payload with different line endings and trailing whitespace.
	if d.observe("hello world\r\n") {
		t.Error("normalized duplicate must be dropped")
	}
	if !d.observe("hello world!") {
		t.Error("distinct text must pass")
	}
	if !d.observe("") {
		t.Error("empty text is never deduped")
	}
}

// --- process supervision, against a stand-in CLI script ---

// writeScript creates an executable stand-in for the assistant binary. The
// bridge always passes "--output-last-message <path>" first, so $2 is the
// capture file.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-cli")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) emit(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Line)
	}
	return out
}

func runScript(t *testing.T, ctx context.Context, opts Options, req Request) (*Result, *eventLog) {
	t.Helper()
	if ctx == nil {
		ctx = context.Background()
	}
	log := &eventLog{}
	res, err := New(opts).Run(ctx, req, log.emit)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res, log
}

func TestRunCompletes(t *testing.T) {
	script := writeScript(t, `echo "hello"
echo "world"`)
	res, log := runScript(t, nil,
		Options{Command: script, InputMode: "stdin", KillGrace: time.Second},
		Request{RunID: "r1", Command: "ignored"})

	if res.Status != store.RunCompleted {
		t.Fatalf("status = %s, want completed", res.Status)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Errorf("exit code = %v", res.ExitCode)
	}
	lines := log.lines()
	if len(lines) < 2 || lines[0] != "hello" || lines[1] != "world" {
		t.Errorf("events = %q", lines)
	}
}

func TestRunFailureExitCode(t *testing.T) {
	script := writeScript(t, `echo "boom" >&2
exit 3`)
	res, log := runScript(t, nil,
		Options{Command: script, InputMode: "stdin", KillGrace: time.Second},
		Request{RunID: "r1", Command: "x"})

	if res.Status != store.RunFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.ExitCode == nil || *res.ExitCode != 3 {
		t.Errorf("exit code = %v, want 3", res.ExitCode)
	}
	found := false
	log.mu.Lock()
	for _, ev := range log.events {
		if ev.Stream == StreamStderr && ev.Line == "boom" {
			found = true
		}
	}
	log.mu.Unlock()
	if !found {
		t.Errorf("stderr line not relayed: %q", log.lines())
	}
}

func TestRunStdinReachesProcess(t *testing.T) {
	script := writeScript(t, `read line
echo "got:$line"`)
	res, log := runScript(t, nil,
		Options{Command: script, InputMode: "stdin", KillGrace: time.Second},
		Request{RunID: "r1", Command: "ping"})

	if res.Status != store.RunCompleted {
		t.Fatalf("status = %s", res.Status)
	}
	if lines := log.lines(); len(lines) == 0 || lines[0] != "got:ping" {
		t.Errorf("events = %q", lines)
	}
}

func TestRunArgModePassesCommand(t *testing.T) {
	// argv: --output-last-message <path> <command>
	script := writeScript(t, `shift 2
echo "arg:$1"`)
	res, log := runScript(t, nil,
		Options{Command: script, InputMode: "arg", KillGrace: time.Second},
		Request{RunID: "r1", Command: "ping"})

	if res.Status != store.RunCompleted {
		t.Fatalf("status = %s", res.Status)
	}
	if lines := log.lines(); len(lines) == 0 || lines[0] != "arg:ping" {
		t.Errorf("events = %q", lines)
	}
}

func TestRunCapturesFinalMessage(t *testing.T) {
	script := writeScript(t, `echo "working"
printf "final answer" > "$2"`)
	res, log := runScript(t, nil,
		Options{Command: script, InputMode: "stdin", KillGrace: time.Second},
		Request{RunID: "r1", Command: "x"})

	if res.Status != store.RunCompleted {
		t.Fatalf("status = %s", res.Status)
	}
	if res.FinalMessage != "final answer" {
		t.Errorf("final message = %q", res.FinalMessage)
	}
	lines := log.lines()
	if lines[len(lines)-1] != "final answer" {
		t.Errorf("final message must be emitted last: %q", lines)
	}
}

func TestRunCancelled(t *testing.T) {
	script := writeScript(t, `sleep 30`)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res, _ := runScript(t, ctx,
		Options{Command: script, InputMode: "stdin", KillGrace: 500 * time.Millisecond},
		Request{RunID: "r1", Command: "x"})

	if res.Status != store.RunCancelled {
		t.Fatalf("status = %s, want cancelled", res.Status)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancellation took %s", elapsed)
	}
}

func TestRunNoOutputIdleTimeout(t *testing.T) {
	script := writeScript(t, `sleep 30`)
	res, _ := runScript(t, nil,
		Options{
			Command:      script,
			InputMode:    "stdin",
			KillGrace:    500 * time.Millisecond,
			NoOutputIdle: 300 * time.Millisecond,
			RunTimeout:   time.Minute,
		},
		Request{RunID: "r1", Command: "x"})

	if res.Status != store.RunTimedOut {
		t.Fatalf("status = %s, want timed_out", res.Status)
	}
	if res.TimeoutKind != store.TimeoutNoOutputIdle {
		t.Errorf("kind = %s, want %s", res.TimeoutKind, store.TimeoutNoOutputIdle)
	}
}

func TestRunTimeoutAuthoritativeOnTie(t *testing.T) {
	script := writeScript(t, `sleep 30`)
	res, _ := runScript(t, nil,
		Options{
			Command:      script,
			InputMode:    "stdin",
			KillGrace:    500 * time.Millisecond,
			NoOutputIdle: 300 * time.Millisecond,
			RunTimeout:   300 * time.Millisecond,
		},
		Request{RunID: "r1", Command: "x"})

	if res.Status != store.RunTimedOut {
		t.Fatalf("status = %s, want timed_out", res.Status)
	}
	if res.TimeoutKind != store.TimeoutRun {
		t.Errorf("kind = %s, want %s (absolute ceiling wins ties)", res.TimeoutKind, store.TimeoutRun)
	}
}

func TestRunCompactionIdleTimeout(t *testing.T) {
	script := writeScript(t, `echo "Context compacted"
sleep 30`)
	res, _ := runScript(t, nil,
		Options{
			Command:        script,
			InputMode:      "stdin",
			KillGrace:      500 * time.Millisecond,
			NoOutputIdle:   10 * time.Second,
			CompactionIdle: 300 * time.Millisecond,
			RunTimeout:     time.Minute,
		},
		Request{RunID: "r1", Command: "x"})

	if res.Status != store.RunTimedOut {
		t.Fatalf("status = %s, want timed_out", res.Status)
	}
	if res.TimeoutKind != store.TimeoutCompactionIdle {
		t.Errorf("kind = %s, want %s", res.TimeoutKind, store.TimeoutCompactionIdle)
	}
}

func TestRunFinalResultIdleTimeout(t *testing.T) {
	// The capture file turns non-empty, then the process hangs instead of
	// exiting. The final-result watchdog reclaims it and the answer is
	// still recovered.
	script := writeScript(t, `printf "the answer" > "$2"
sleep 30`)
	res, _ := runScript(t, nil,
		Options{
			Command:         script,
			InputMode:       "stdin",
			KillGrace:       500 * time.Millisecond,
			NoOutputIdle:    20 * time.Second,
			FinalResultIdle: 300 * time.Millisecond,
			RunTimeout:      time.Minute,
		},
		Request{RunID: "r1", Command: "x"})

	if res.Status != store.RunTimedOut {
		t.Fatalf("status = %s, want timed_out", res.Status)
	}
	if res.TimeoutKind != store.TimeoutFinalIdle {
		t.Errorf("kind = %s, want %s", res.TimeoutKind, store.TimeoutFinalIdle)
	}
	if res.FinalMessage != "the answer" {
		t.Errorf("final message = %q", res.FinalMessage)
	}
}

func TestRunDeduplicatesRepeatedOutput(t *testing.T) {
	script := writeScript(t, `echo "same line"
echo "same line"
echo "other line"`)
	res, log := runScript(t, nil,
		Options{Command: script, InputMode: "stdin", KillGrace: time.Second},
		Request{RunID: "r1", Command: "x"})

	if res.Status != store.RunCompleted {
		t.Fatalf("status = %s", res.Status)
	}
	count := 0
	for _, line := range log.lines() {
		if line == "same line" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("duplicate delivered %d times, want 1", count)
	}
}

func TestRunDeliversAllOutputOnFastExit(t *testing.T) {
	// The child floods output and exits immediately. Reaping it must wait
	// for the pipe readers to drain, or trailing lines are lost.
	script := writeScript(t, `i=0
while [ $i -lt 500 ]; do
  echo "line $i"
  i=$((i+1))
done`)
	res, log := runScript(t, nil,
		Options{Command: script, InputMode: "stdin", KillGrace: time.Second},
		Request{RunID: "r1", Command: "x"})

	if res.Status != store.RunCompleted {
		t.Fatalf("status = %s", res.Status)
	}
	count := 0
	for _, line := range log.lines() {
		if strings.HasPrefix(line, "line ") {
			count++
		}
	}
	if count != 500 {
		t.Errorf("lost output: received %d of 500 lines", count)
	}
	lines := log.lines()
	if lines[0] != "line 0" || lines[len(lines)-1] != "line 499" {
		t.Errorf("ordering broken: first %q, last %q", lines[0], lines[len(lines)-1])
	}
}

func TestTerminateGroupEscalationStopped(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "sleep 30")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}

	timer := terminateGroup(cmd, time.Hour)
	if timer == nil {
		t.Fatal("no escalation timer returned")
	}
	_ = cmd.Wait()

	// The child died on SIGTERM; the SIGKILL escalation must be stoppable
	// so it never signals a reused process group.
	if !timer.Stop() {
		t.Error("escalation fired even though the child already exited")
	}
}
