package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CZERTAINLY/Autovisor/internal/log"
	"github.com/CZERTAINLY/Autovisor/internal/model"
	"github.com/CZERTAINLY/Autovisor/internal/registry"
	"github.com/CZERTAINLY/Autovisor/internal/status"
)

const DefaultShutdownGrace = 5 * time.Second

// Job outcomes reported to Metrics.
const (
	OutcomeCompleted  = "completed"
	OutcomeErrored    = "errored"
	OutcomeStopped    = "stopped"
	OutcomeSuperseded = "superseded"
)

// Publisher fans events out to observers. *broadcast.Hub implements it.
type Publisher interface {
	Publish(ev model.Event) int
}

// Metrics is notified about job lifecycle changes. *metrics.Metrics
// implements it.
type Metrics interface {
	JobStarted(family string)
	JobEnded(family, outcome string)
	Snapshot(snap model.Snapshot)
}

type Supervisor struct {
	reg      *registry.Registry
	pub      Publisher
	metrics  Metrics
	families []string
	logs     *logBook
	grace    time.Duration

	requests chan request
	procs    chan procEvent
	closed   chan struct{}
	wg       sync.WaitGroup
}

type Option func(*Supervisor)

// WithFamilies lists families always present in snapshots.
func WithFamilies(families ...string) Option {
	return func(s *Supervisor) {
		s.families = append([]string(nil), families...)
	}
}

func WithMetrics(m Metrics) Option {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

// WithLogBuffer sets how many output events are kept per job and for how
// many finished jobs they are kept.
func WithLogBuffer(size, finished int) Option {
	return func(s *Supervisor) {
		s.logs = newLogBook(size, finished)
	}
}

// WithShutdownGrace bounds how long Do waits for terminated jobs to exit.
func WithShutdownGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		s.grace = d
	}
}

func NewSupervisor(pub Publisher, opts ...Option) *Supervisor {
	s := &Supervisor{
		reg:      registry.New(),
		pub:      pub,
		logs:     newLogBook(DefaultLogBuffer, DefaultLogFinished),
		grace:    DefaultShutdownGrace,
		requests: make(chan request),
		procs:    make(chan procEvent, 256),
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Started describes a successfully launched job.
type Started struct {
	Key   model.JobKey
	PID   int
	RunID string
}

type op int

const (
	opStart op = iota
	opPause
	opResume
	opStop
)

func (o op) String() string {
	switch o {
	case opStart:
		return "start"
	case opPause:
		return "pause"
	case opResume:
		return "resume"
	case opStop:
		return "stop"
	}
	return fmt.Sprintf("op(%d)", int(o))
}

type request struct {
	op    op
	key   model.JobKey
	cmd   Command
	reply chan reply
}

type reply struct {
	started Started
	err     error
}

// procEvent carries a child callback onto the control loop. Exactly one
// of log and result is set.
type procEvent struct {
	key    model.JobKey
	runID  string
	log    *model.LogEvent
	result *Result
}

// Start launches cmd as the job key. A job already active under key is
// terminated and replaced. Failing to spawn returns *model.LaunchError and
// leaves the registry untouched.
func (s *Supervisor) Start(ctx context.Context, key model.JobKey, cmd Command) (Started, error) {
	r := s.call(ctx, request{op: opStart, key: key, cmd: cmd})
	return r.started, r.err
}

// Pause stops the job with SIGSTOP. It returns model.ErrNotFound for an
// inactive key and *model.SignalError when the signal was not delivered.
func (s *Supervisor) Pause(ctx context.Context, key model.JobKey) error {
	return s.call(ctx, request{op: opPause, key: key}).err
}

// Resume continues a paused job with SIGCONT.
func (s *Supervisor) Resume(ctx context.Context, key model.JobKey) error {
	return s.call(ctx, request{op: opResume, key: key}).err
}

// Stop sends SIGTERM and forgets the job immediately.
func (s *Supervisor) Stop(ctx context.Context, key model.JobKey) error {
	return s.call(ctx, request{op: opStop, key: key}).err
}

// Snapshot summarizes the active jobs.
func (s *Supervisor) Snapshot() model.Snapshot {
	return status.Summarize(s.reg, s.families...)
}

// RecentLogs returns up to limit most recent output lines of key, oldest
// first. Output of finished jobs stays available for a while.
func (s *Supervisor) RecentLogs(key model.JobKey, limit int) []model.LogEvent {
	return s.logs.recent(key, limit)
}

// Get returns the active record of key.
func (s *Supervisor) Get(key model.JobKey) (registry.Record, bool) {
	return s.reg.Get(key)
}

func (s *Supervisor) call(ctx context.Context, req request) reply {
	req.reply = make(chan reply, 1)
	select {
	case s.requests <- req:
	case <-s.closed:
		return reply{err: model.ErrSupervisorClosed}
	case <-ctx.Done():
		return reply{err: ctx.Err()}
	}
	select {
	case r := <-req.reply:
		return r
	case <-ctx.Done():
		return reply{err: ctx.Err()}
	}
}

// Do runs the supervisor control loop. Every registry mutation and every
// broadcast happens here. It multiplexes:
//  1. requests (start/pause/resume/stop): executed and answered in order.
//  2. process callbacks (output lines, exits): relayed to observers and
//     reconciled with the registry.
//  3. context cancellation: terminates the loop and begins shutdown.
//
// Shutdown sends SIGTERM to every registered job, removes it and waits up
// to the shutdown grace period for the children to exit. Do must be called
// once. It returns nil on cancellation.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor")
	defer s.shutdown(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-s.requests:
			req.reply <- s.handle(ctx, req)
		case ev := <-s.procs:
			s.handleProc(ctx, ev)
		}
	}
}

func (s *Supervisor) handle(ctx context.Context, req request) reply {
	if err := req.key.Validate(); err != nil {
		return reply{err: err}
	}
	switch req.op {
	case opStart:
		return s.handleStart(ctx, req.key, req.cmd)
	case opPause:
		return reply{err: s.handleSignal(ctx, req.key, sigPause, "SIGSTOP", model.StatePaused, model.EventJobPaused)}
	case opResume:
		return reply{err: s.handleSignal(ctx, req.key, sigResume, "SIGCONT", model.StateRunning, model.EventJobResumed)}
	case opStop:
		return reply{err: s.handleStop(ctx, req.key)}
	}
	return reply{err: fmt.Errorf("operation %s not supported", req.op)}
}

func (s *Supervisor) handleStart(ctx context.Context, key model.JobKey, cmd Command) reply {
	runID := uuid.NewString()
	runner := NewRunner()
	jctx := log.ContextAttrs(ctx, slog.String("job_key", key.String()), slog.String("run_id", runID))
	err := runner.Start(jctx, cmd, func(stream model.Stream, line string) {
		s.deliver(procEvent{
			key:   key,
			runID: runID,
			log:   &model.LogEvent{Stream: stream, Line: line, Time: time.Now().UTC()},
		})
	})
	if err != nil {
		slog.ErrorContext(ctx, "job launch failed", "job_key", key.String(), "path", cmd.Path, "error", err)
		return reply{err: &model.LaunchError{Key: key, Command: cmd.Path, Err: err}}
	}

	res := runner.Result()
	rec := registry.Record{
		Key:     key,
		RunID:   runID,
		Process: runner,
		State:   model.StateRunning,
		Command: cmd.Path,
		Args:    res.Args,
		Started: res.Started,
	}
	s.logs.reset(key)
	if prev, ok := s.reg.Put(rec); ok {
		slog.InfoContext(ctx, "superseding active job", "job_key", key.String(), "pid", prev.PID())
		s.terminate(ctx, prev)
		s.publish(model.Event{Kind: model.EventJobStopped, Key: key, Message: "superseded by a new run"})
		s.jobEnded(key, OutcomeSuperseded)
	}

	s.wg.Go(func() {
		<-runner.Done()
		res := runner.Result()
		s.deliver(procEvent{key: key, runID: runID, result: &res})
	})

	slog.InfoContext(ctx, "job started", "job_key", key.String(), "pid", res.Pid, "path", cmd.Path)
	if s.metrics != nil {
		s.metrics.JobStarted(key.Family)
	}
	s.publishStatus()
	return reply{started: Started{Key: key, PID: res.Pid, RunID: runID}}
}

func (s *Supervisor) handleSignal(ctx context.Context, key model.JobKey, sig os.Signal, name string, state model.State, kind model.EventKind) error {
	rec, ok := s.reg.Get(key)
	if !ok {
		return model.NotFound(key)
	}
	if err := rec.Process.Signal(sig); err != nil {
		slog.WarnContext(ctx, "signal delivery failed", "job_key", key.String(), "signal", name, "error", err)
		return &model.SignalError{Key: key, Signal: name, Err: err}
	}
	s.reg.SetState(key, state)
	slog.InfoContext(ctx, "job signalled", "job_key", key.String(), "signal", name, "state", state)
	s.publish(model.Event{Kind: kind, Key: key})
	s.publishStatus()
	return nil
}

func (s *Supervisor) handleStop(ctx context.Context, key model.JobKey) error {
	rec, ok := s.reg.Remove(key)
	if !ok {
		return model.NotFound(key)
	}
	s.terminate(ctx, rec)
	s.logs.finish(key)
	slog.InfoContext(ctx, "job stopped", "job_key", key.String(), "pid", rec.PID())
	s.publish(model.Event{Kind: model.EventJobStopped, Key: key})
	s.jobEnded(key, OutcomeStopped)
	s.publishStatus()
	return nil
}

func (s *Supervisor) handleProc(ctx context.Context, ev procEvent) {
	switch {
	case ev.log != nil:
		s.handleOutput(ctx, ev)
	case ev.result != nil:
		s.handleExit(ctx, ev)
	}
}

func (s *Supervisor) handleOutput(ctx context.Context, ev procEvent) {
	// output of a superseded run must not pollute the buffer of the current one
	if rec, ok := s.reg.Get(ev.key); !ok || rec.RunID == ev.runID {
		s.logs.add(ev.key, *ev.log)
	}
	slog.DebugContext(ctx, "job output", "job_key", ev.key.String(), "family", ev.key.Family, "stream", ev.log.Stream, "line", ev.log.Line)
	s.pub.Publish(model.LogLineEvent(ev.key, *ev.log))
}

// handleExit reconciles a process exit. Exits of runs no longer in the
// registry (stopped, superseded, shut down) are ignored.
func (s *Supervisor) handleExit(ctx context.Context, ev procEvent) {
	rec, ok := s.reg.RemoveRun(ev.key, ev.runID)
	if !ok {
		slog.DebugContext(ctx, "exit of inactive run ignored", "job_key", ev.key.String(), "run_id", ev.runID)
		return
	}
	s.logs.finish(ev.key)

	res := *ev.result
	var exitErr *exec.ExitError
	if res.Err == nil || errors.As(res.Err, &exitErr) {
		code := res.ExitCode()
		msg := ""
		if res.State != nil {
			msg = res.State.String()
		}
		slog.InfoContext(ctx, "job completed", "job_key", ev.key.String(), "pid", rec.PID(), "exit_code", code)
		s.publish(model.Event{Kind: model.EventJobCompleted, Key: ev.key, ExitCode: &code, Message: msg})
		s.jobEnded(ev.key, OutcomeCompleted)
	} else {
		perr := &model.ProcessRuntimeError{Key: ev.key, Err: res.Err}
		slog.ErrorContext(ctx, "job failed", "job_key", ev.key.String(), "pid", rec.PID(), "error", perr)
		s.publish(model.Event{Kind: model.EventJobErrored, Key: ev.key, Error: res.Err.Error()})
		s.jobEnded(ev.key, OutcomeErrored)
	}
	s.publishStatus()
}

// terminate sends SIGTERM to the job. A paused job gets SIGCONT as well,
// a stopped process does not act on SIGTERM until continued.
func (s *Supervisor) terminate(ctx context.Context, rec registry.Record) {
	err := rec.Process.Signal(sigTerm)
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.WarnContext(ctx, "terminating job failed", "job_key", rec.Key.String(), "pid", rec.PID(), "error", err)
	}
	if rec.State == model.StatePaused {
		_ = rec.Process.Signal(sigResume)
	}
}

// deliver hands a process callback to the control loop. After shutdown the
// event is dropped.
func (s *Supervisor) deliver(ev procEvent) {
	select {
	case s.procs <- ev:
	case <-s.closed:
	}
}

func (s *Supervisor) shutdown(ctx context.Context) {
	recs := s.reg.All()
	for _, rec := range recs {
		s.reg.Remove(rec.Key)
		slog.InfoContext(ctx, "terminating job on shutdown", "job_key", rec.Key.String(), "pid", rec.PID())
		s.terminate(ctx, rec)
		s.logs.finish(rec.Key)
		s.publish(model.Event{Kind: model.EventJobStopped, Key: rec.Key, Message: "supervisor shutdown"})
		s.jobEnded(rec.Key, OutcomeStopped)
	}
	if len(recs) > 0 {
		s.publishStatus()
	}
	close(s.closed)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.grace):
		slog.WarnContext(ctx, "jobs still running after shutdown grace period", "grace", s.grace)
	}
}

func (s *Supervisor) publish(ev model.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	s.pub.Publish(ev)
}

func (s *Supervisor) publishStatus() {
	snap := s.Snapshot()
	if s.metrics != nil {
		s.metrics.Snapshot(snap)
	}
	s.pub.Publish(model.StatusEvent(snap))
}

func (s *Supervisor) jobEnded(key model.JobKey, outcome string) {
	if s.metrics != nil {
		s.metrics.JobEnded(key.Family, outcome)
	}
}
