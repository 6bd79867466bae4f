// Package orchestrator serializes command runs per session and fans the
// runner's event stream out to delivery and persistence.
//
// Each (bot, user) session executes at most one run at a time; a second
// Submit while a run is active is rejected with ErrBusy rather than queued.
// Sessions are independent, so runs for different users proceed concurrently.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"codexbridge/internal/runner"
	"codexbridge/internal/store"
	"codexbridge/internal/stream"
)

var (
	// ErrBusy is returned by Submit while the session already has an
	// active run.
	ErrBusy = errors.New("a run is already active for this session")
	// ErrNothingToRetry is returned by Retry when the session has no
	// previous command.
	ErrNothingToRetry = errors.New("no previous command to retry")
)

// ProcessRunner executes one command invocation to a terminal state.
// Satisfied by *runner.Runner; tests substitute fakes.
type ProcessRunner interface {
	Run(ctx context.Context, req runner.Request, emit runner.EmitFunc) (*runner.Result, error)
}

// DeliverFunc sends one text unit back to the chat that submitted the run.
type DeliverFunc func(text string)

// SubmitRequest carries everything needed to start a run for a session.
type SubmitRequest struct {
	BotID    string
	UserID   int64
	ChatID   int64
	Command  string
	ResumeID string // binding used only when the session is first created
	Workdir  string // same
	Deliver  DeliverFunc
}

// Status is a point-in-time view of a session for the /status surface.
type Status struct {
	SessionID       string
	BotID           string
	UserID          int64
	ResumeID        string
	Workdir         string
	Active          bool
	RunID           string
	RunStatus       store.RunStatus
	Elapsed         time.Duration
	LastActivityAge time.Duration
}

type activeRun struct {
	runID     string
	cancel    context.CancelFunc
	startedAt time.Time

	mu           sync.Mutex
	lastActivity time.Time

	done chan struct{}
}

func (a *activeRun) noteActivity() {
	a.mu.Lock()
	a.lastActivity = time.Now()
	a.mu.Unlock()
}

func (a *activeRun) activityAge() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Since(a.lastActivity)
}

// Orchestrator owns the per-session single-flight discipline.
type Orchestrator struct {
	store     *store.Store
	runner    ProcessRunner
	syncer    *runner.Syncer // optional, backs the LastResult log fallback
	streamCfg stream.Config

	mu         sync.Mutex
	active     map[string]*activeRun // sessionID -> in-flight run
	lastResult map[string]string     // sessionID -> cached final output
}

// New creates an orchestrator. syncer may be nil.
func New(st *store.Store, pr ProcessRunner, syncer *runner.Syncer, streamCfg stream.Config) *Orchestrator {
	return &Orchestrator{
		store:      st,
		runner:     pr,
		syncer:     syncer,
		streamCfg:  streamCfg,
		active:     make(map[string]*activeRun),
		lastResult: make(map[string]string),
	}
}

// Submit starts a run for the session bound to (botID, userID), creating the
// session on first contact. Returns the queued run, or ErrBusy while a run
// is already active. The run itself proceeds on a background goroutine.
func (o *Orchestrator) Submit(req SubmitRequest) (*store.Run, error) {
	sess, err := o.store.GetOrCreateSession(req.BotID, req.UserID, req.ResumeID, req.Workdir)
	if err != nil {
		return nil, fmt.Errorf("resolving session: %w", err)
	}

	o.mu.Lock()
	if _, busy := o.active[sess.ID]; busy {
		o.mu.Unlock()
		return nil, ErrBusy
	}

	run := &store.Run{
		ID:          store.NewID("run"),
		SessionID:   sess.ID,
		CommandText: req.Command,
		Status:      store.RunQueued,
		SubmittedAt: time.Now().UTC(),
	}
	if err := o.store.CreateRun(run); err != nil {
		o.mu.Unlock()
		return nil, fmt.Errorf("creating run: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ar := &activeRun{
		runID:        run.ID,
		cancel:       cancel,
		startedAt:    time.Now(),
		lastActivity: time.Now(),
		done:         make(chan struct{}),
	}
	o.active[sess.ID] = ar
	o.mu.Unlock()

	if req.ChatID != 0 {
		if err := o.store.SetLastChatID(sess.ID, req.ChatID); err != nil {
			log.Printf("run %s: recording chat id: %v", run.ID, err)
		}
	}

	go o.execute(ctx, sess, run, req, ar)
	return run, nil
}

// Cancel stops the session's active run, if any. Returns true when a run was
// signalled; false when the session was already idle. Safe to call
// repeatedly.
func (o *Orchestrator) Cancel(botID string, userID int64) (bool, error) {
	sess, err := o.store.GetSession(botID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	o.mu.Lock()
	ar, ok := o.active[sess.ID]
	o.mu.Unlock()
	if !ok {
		return false, nil
	}
	log.Printf("run %s: cancel requested for session %s", ar.runID, sess.ID)
	ar.cancel()
	return true, nil
}

// Retry resubmits the session's most recent command. The session must be
// idle; an active run yields ErrBusy via Submit.
func (o *Orchestrator) Retry(req SubmitRequest) (*store.Run, error) {
	sess, err := o.store.GetSession(req.BotID, req.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNothingToRetry
		}
		return nil, err
	}
	runs, err := o.store.ListRuns(sess.ID)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrNothingToRetry
	}
	req.Command = runs[0].CommandText
	return o.Submit(req)
}

// Status reports the session's current run state.
func (o *Orchestrator) Status(botID string, userID int64) (*Status, error) {
	sess, err := o.store.GetSession(botID, userID)
	if err != nil {
		return nil, err
	}

	st := &Status{
		SessionID: sess.ID,
		BotID:     sess.BotID,
		UserID:    sess.UserID,
		ResumeID:  sess.ResumeID,
		Workdir:   sess.Workdir,
	}

	o.mu.Lock()
	ar, ok := o.active[sess.ID]
	o.mu.Unlock()
	if ok {
		st.Active = true
		st.RunID = ar.runID
		st.RunStatus = store.RunRunning
		st.Elapsed = time.Since(ar.startedAt)
		st.LastActivityAge = ar.activityAge()
		return st, nil
	}

	last, err := o.store.LatestTerminalRun(sess.ID)
	if err == nil {
		st.RunID = last.ID
		st.RunStatus = last.Status
		if !last.StartedAt.IsZero() && !last.EndedAt.IsZero() {
			st.Elapsed = last.EndedAt.Sub(last.StartedAt)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return st, nil
}

// LastResult returns the session's most recent final output: the in-memory
// cache first, then the persisted session row, then the assistant's own
// session log. Empty string when nothing has completed yet.
func (o *Orchestrator) LastResult(botID string, userID int64) (string, error) {
	sess, err := o.store.GetSession(botID, userID)
	if err != nil {
		return "", err
	}

	o.mu.Lock()
	cached, ok := o.lastResult[sess.ID]
	o.mu.Unlock()
	if ok && cached != "" {
		return cached, nil
	}

	if sess.LastResult != "" {
		return sess.LastResult, nil
	}

	if o.syncer != nil && sess.ResumeID != "" {
		if msg, err := o.syncer.LastAssistantMessage(sess.ResumeID); err == nil && msg != "" {
			return msg, nil
		}
	}
	return "", nil
}

// WaitIdle blocks until the session has no active run, or ctx expires.
// Used by shutdown and by tests.
func (o *Orchestrator) WaitIdle(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	ar, ok := o.active[sessionID]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-ar.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every active run and waits for them to settle.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	running := make([]*activeRun, 0, len(o.active))
	for _, ar := range o.active {
		running = append(running, ar)
	}
	o.mu.Unlock()

	for _, ar := range running {
		ar.cancel()
	}
	for _, ar := range running {
		select {
		case <-ar.done:
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) execute(ctx context.Context, sess *store.Session, run *store.Run, req SubmitRequest, ar *activeRun) {
	defer func() {
		o.mu.Lock()
		delete(o.active, sess.ID)
		o.mu.Unlock()
		close(ar.done)
		ar.cancel()
	}()

	started := time.Now()
	if err := o.store.MarkRunStarted(run.ID, started); err != nil {
		log.Printf("run %s: marking started: %v", run.ID, err)
	}

	deliver := req.Deliver
	if deliver == nil {
		deliver = func(string) {}
	}
	broker := stream.New(o.streamCfg, func(chunk string, final bool) {
		deliver(chunk)
	})
	broker.Start()

	emit := func(ev runner.Event) {
		ar.noteActivity()
		streamName := string(ev.Stream)
		if ev.Kind == runner.EventReasoning {
			streamName = string(runner.StreamNotice)
		}
		if err := o.store.AppendTranscript(run.ID, streamName, ev.Line); err != nil {
			log.Printf("run %s: appending transcript: %v", run.ID, err)
		}
		broker.Push(ev.Line, ev.Stream == runner.StreamStderr)
	}

	syncKey := sess.BotID + ":" + sess.ResumeID
	res, err := o.runner.Run(ctx, runner.Request{
		RunID:    run.ID,
		Command:  req.Command,
		ResumeID: sess.ResumeID,
		Workdir:  sess.Workdir,
		SyncKey:  syncKey,
		SyncTS:   sess.SyncTS,
		SyncHash: sess.SyncHash,
	}, emit)

	// Flush everything buffered before the terminal notice so the terminal
	// signal is the last thing the chat sees.
	broker.Stop()

	// Persist the relay watermark so a restarted process resumes the
	// session-log relay where this one stopped.
	if o.syncer != nil {
		if ts, hash := o.syncer.TailState(syncKey); hash != "" {
			if serr := o.store.SetSyncState(sess.ID, ts, hash); serr != nil {
				log.Printf("run %s: persisting sync state: %v", run.ID, serr)
			}
		}
	}

	elapsed := time.Since(started).Round(time.Second)
	if err != nil {
		if ferr := o.store.FinishRun(run.ID, store.RunFailed, store.TimeoutNone, nil, err.Error()); ferr != nil {
			log.Printf("run %s: finishing: %v", run.ID, ferr)
		}
		log.Printf("run %s: failed after %s: %v", run.ID, elapsed, err)
		deliver(fmt.Sprintf("failed after %s: %v", elapsed, err))
		return
	}

	if ferr := o.store.FinishRun(run.ID, res.Status, res.TimeoutKind, res.ExitCode, ""); ferr != nil {
		log.Printf("run %s: finishing: %v", run.ID, ferr)
	}
	if res.FinalMessage != "" {
		o.mu.Lock()
		o.lastResult[sess.ID] = res.FinalMessage
		o.mu.Unlock()
		if serr := o.store.SetLastResult(sess.ID, res.FinalMessage); serr != nil {
			log.Printf("run %s: caching last result: %v", run.ID, serr)
		}
	}

	log.Printf("run %s: %s after %s", run.ID, res.Status, elapsed)
	deliver(terminalNotice(res, elapsed))
}

func terminalNotice(res *runner.Result, elapsed time.Duration) string {
	switch res.Status {
	case store.RunCompleted:
		return fmt.Sprintf("done in %s", elapsed)
	case store.RunCancelled:
		return fmt.Sprintf("stopped after %s", elapsed)
	case store.RunTimedOut:
		return fmt.Sprintf("timed out (%s) after %s", res.TimeoutKind, elapsed)
	default:
		if res.ExitCode != nil {
			return fmt.Sprintf("failed (exit %d) after %s", *res.ExitCode, elapsed)
		}
		return fmt.Sprintf("failed after %s", elapsed)
	}
}
