package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/CZERTAINLY/Autovisor/internal/model"
)

var (
	ErrNotStarted     = errors.New("process not started")
	ErrAlreadyStarted = errors.New("process already started")
)

const (
	// maxLineSize bounds a single captured output line.
	maxLineSize = 1024 * 1024
	// flushDelay is how long an unterminated line waits for its newline.
	flushDelay = 100 * time.Millisecond
	readSize   = 32 * 1024
)

// OutputFunc receives every output line of a child. It is called from the
// stream reading goroutines, lines of one stream arrive in order. Lines do
// not include the newline.
type OutputFunc func(stream model.Stream, line string)

type Command struct {
	Path string
	Args []string
	Env  []string // appended to the environment of autovisor
	Dir  string
}

type Result struct {
	Path    string
	Args    []string
	Pid     int
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Err     error
}

// ExitCode returns the exit code of the process, -1 when it did not exit
// normally.
func (r Result) ExitCode() int {
	if r.State == nil {
		return -1
	}
	return r.State.ExitCode()
}

// Runner runs a single child process in its own process group. It
// implements registry.Process.
type Runner struct {
	mx     sync.RWMutex
	cmd    *exec.Cmd
	result Result
	done   chan struct{}
}

func NewRunner() *Runner {
	return &Runner{
		result: Result{Err: ErrNotStarted},
		done:   make(chan struct{}),
	}
}

// Start spawns the process and returns without waiting for it. Stdout and
// stderr are read line by line and passed to output. Use Done and Result
// to learn how the process ended.
func (r *Runner) Start(ctx context.Context, proto Command, output OutputFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return ErrAlreadyStarted
	}

	r.result = Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
	}

	cmd := exec.Command(proto.Path, proto.Args...)
	if len(proto.Env) > 0 {
		cmd.Env = append(os.Environ(), proto.Env...)
	}
	cmd.Dir = proto.Dir
	detach(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.result.Err = err
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		r.result.Err = err
		return err
	}

	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		return err
	}
	r.cmd = cmd
	r.result.Pid = cmd.Process.Pid

	var readers sync.WaitGroup
	readers.Go(func() {
		processOutput(ctx, stdout, model.StreamStdout, output)
	})
	readers.Go(func() {
		processOutput(ctx, stderr, model.StreamStderr, output)
	})
	go r.wait(cmd, &readers)
	return nil
}

// processOutput relays r to output line by line. A line longer than
// maxLineSize is delivered in maxLineSize pieces. An unterminated tail is
// delivered once the stream stayed idle for flushDelay, the rest of that
// line then arrives as a new one.
func processOutput(ctx context.Context, r io.Reader, stream model.Stream, output OutputFunc) {
	emit := func(line []byte) {
		if output != nil {
			output(stream, string(bytes.TrimSuffix(line, []byte{'\r'})))
		}
	}

	chunks := make(chan []byte)
	errc := make(chan error, 1)
	go func() {
		defer close(chunks)
		for {
			buf := make([]byte, readSize)
			n, err := r.Read(buf)
			if n > 0 {
				chunks <- buf[:n]
			}
			if err != nil {
				errc <- err
				return
			}
		}
	}()

	var pending []byte
	flush := time.NewTimer(flushDelay)
	flush.Stop()
	defer flush.Stop()
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				if len(pending) > 0 {
					emit(pending)
				}
				if err := <-errc; !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
					slog.ErrorContext(ctx, "processing output", "stream", stream, "error", err)
				}
				return
			}
			pending = append(pending, chunk...)
			for {
				i := bytes.IndexByte(pending, '\n')
				if i < 0 {
					break
				}
				emit(pending[:i])
				pending = pending[i+1:]
			}
			for len(pending) >= maxLineSize {
				emit(pending[:maxLineSize])
				pending = pending[maxLineSize:]
			}
			if len(pending) > 0 {
				flush.Reset(flushDelay)
			} else {
				flush.Stop()
			}
		case <-flush.C:
			emit(pending)
			pending = nil
		}
	}
}

// wait reaps the process once both output streams hit EOF, so every line
// is delivered before Done is closed.
func (r *Runner) wait(cmd *exec.Cmd, readers *sync.WaitGroup) {
	readers.Wait()
	err := cmd.Wait()
	stopped := time.Now().UTC()

	r.mx.Lock()
	defer r.mx.Unlock()
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.Err = err
	close(r.done)
}

// Done is closed once the process has exited and was reaped.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Result returns the last known result, with ErrNotStarted before Start and
// a nil State while the process runs.
func (r *Runner) Result() Result {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.result
}

func (r *Runner) PID() int {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.result.Pid
}

// Signal delivers sig to the whole process group of the child.
func (r *Runner) Signal(sig os.Signal) error {
	r.mx.RLock()
	cmd := r.cmd
	r.mx.RUnlock()
	if cmd == nil {
		return ErrNotStarted
	}
	select {
	case <-r.done:
		return os.ErrProcessDone
	default:
	}
	return signalGroup(cmd.Process.Pid, sig)
}
