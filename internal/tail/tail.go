// Package tail follows the shared append-only log file on behalf of
// observers.
//
// Attaching an observer to a job key sends it the last lines of the file,
// then polls the file and sends every complete line appended afterwards,
// exactly once. A byte offset tracks what was delivered: a trailing line
// without a newline is held back until it is completed, a truncated or
// replaced file is read again from the start.
package tail

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/CZERTAINLY/Autovisor/internal/broadcast"
	"github.com/CZERTAINLY/Autovisor/internal/model"
)

const (
	DefaultBacklog  = 50
	DefaultInterval = time.Second
)

var ErrClosed = errors.New("tailer closed")

// Sender delivers an event to a single observer. *broadcast.Hub implements it.
type Sender interface {
	Send(o *broadcast.Observer, ev model.Event) bool
}

type Tailer struct {
	path     string
	backlog  int
	interval time.Duration
	sender   Sender

	mx      sync.Mutex
	closed  bool
	watches map[watchID]*watch
}

type watchID struct {
	observer string
	key      model.JobKey
}

type watch struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Tailer)

// WithBacklog sets the number of lines sent on attach.
func WithBacklog(n int) Option {
	return func(t *Tailer) {
		t.backlog = n
	}
}

// WithInterval sets the poll period.
func WithInterval(d time.Duration) Option {
	return func(t *Tailer) {
		if d > 0 {
			t.interval = d
		}
	}
}

func New(path string, sender Sender, opts ...Option) *Tailer {
	t := &Tailer{
		path:     path,
		backlog:  DefaultBacklog,
		interval: DefaultInterval,
		sender:   sender,
		watches:  make(map[watchID]*watch),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tailer) Path() string {
	return t.path
}

// Attach sends the backlog to o and starts following the file for it. The
// watch ends when ctx is done, o is unsubscribed, or Detach is called.
// Attaching the same observer and key twice is a no-op.
func (t *Tailer) Attach(ctx context.Context, o *broadcast.Observer, key model.JobKey) error {
	id := watchID{observer: o.ID(), key: key}

	t.mx.Lock()
	if t.closed {
		t.mx.Unlock()
		return ErrClosed
	}
	if _, ok := t.watches[id]; ok {
		t.mx.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	w := &watch{cancel: cancel, done: make(chan struct{})}
	t.watches[id] = w
	t.mx.Unlock()

	f := &follower{path: t.path}
	lines, err := f.start(t.backlog)
	if err != nil {
		t.forget(id, w)
		cancel()
		close(w.done)
		return err
	}
	t.send(o, key, lines)

	go t.follow(ctx, o, id, w, f)
	return nil
}

// Detach stops the watch of o on key and waits for it to end.
func (t *Tailer) Detach(o *broadcast.Observer, key model.JobKey) {
	id := watchID{observer: o.ID(), key: key}
	t.mx.Lock()
	w, ok := t.watches[id]
	delete(t.watches, id)
	t.mx.Unlock()
	if ok {
		w.cancel()
		<-w.done
	}
}

// DetachAll stops every watch of o and waits for them to end.
func (t *Tailer) DetachAll(o *broadcast.Observer) {
	t.mx.Lock()
	var ws []*watch
	for id, w := range t.watches {
		if id.observer == o.ID() {
			ws = append(ws, w)
			delete(t.watches, id)
		}
	}
	t.mx.Unlock()
	for _, w := range ws {
		w.cancel()
		<-w.done
	}
}

// Close stops all watches. Attach fails afterwards.
func (t *Tailer) Close() {
	t.mx.Lock()
	t.closed = true
	ws := make([]*watch, 0, len(t.watches))
	for id, w := range t.watches {
		ws = append(ws, w)
		delete(t.watches, id)
	}
	t.mx.Unlock()
	for _, w := range ws {
		w.cancel()
		<-w.done
	}
}

// Len returns the number of active watches.
func (t *Tailer) Len() int {
	t.mx.Lock()
	defer t.mx.Unlock()
	return len(t.watches)
}

// Recent returns up to limit last non-empty lines of the file, including an
// unterminated trailing line. A missing file has no lines.
func (t *Tailer) Recent(limit int) ([]string, error) {
	f, err := os.Open(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	lines, _, partial, err := readLines(f, limit)
	if err != nil {
		return nil, fmt.Errorf("reading log file: %w", err)
	}
	if strings.TrimSpace(partial) != "" && limit != 0 {
		lines = append(lines, partial)
		if limit > 0 && len(lines) > limit {
			lines = lines[len(lines)-limit:]
		}
	}
	return lines, nil
}

func (t *Tailer) follow(ctx context.Context, o *broadcast.Observer, id watchID, w *watch, f *follower) {
	defer close(w.done)
	defer t.forget(id, w)
	defer w.cancel()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.Done():
			return
		case <-ticker.C:
			lines, err := f.poll()
			if err != nil {
				slog.WarnContext(ctx, "polling log file", "path", t.path, "error", err)
				continue
			}
			t.send(o, id.key, lines)
		}
	}
}

func (t *Tailer) send(o *broadcast.Observer, key model.JobKey, lines []string) {
	for _, line := range lines {
		ev := model.LogLineEvent(key, model.LogEvent{
			Stream: model.StreamFileTail,
			Line:   line,
			Time:   time.Now().UTC(),
		})
		if !t.sender.Send(o, ev) {
			slog.Debug("file tail line not delivered", "observer", o.ID(), "job_key", key.String())
		}
	}
}

func (t *Tailer) forget(id watchID, w *watch) {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.watches[id] == w {
		delete(t.watches, id)
	}
}

// follower remembers how far a single watch has read.
type follower struct {
	path   string
	offset int64
	info   os.FileInfo
}

// start returns the last backlog complete lines and positions the offset
// right after them.
func (f *follower) start(backlog int) ([]string, error) {
	return f.read(backlog)
}

// poll returns complete lines appended since the last call.
func (f *follower) poll() ([]string, error) {
	fi, err := os.Stat(f.path)
	if errors.Is(err, os.ErrNotExist) {
		f.offset, f.info = 0, nil
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if f.info != nil && !os.SameFile(f.info, fi) {
		f.offset = 0
	}
	if fi.Size() < f.offset {
		f.offset = 0
	}
	unchanged := f.info != nil && fi.ModTime().Equal(f.info.ModTime()) && fi.Size() == f.info.Size()
	if unchanged || fi.Size() == f.offset {
		f.info = fi
		return nil, nil
	}
	return f.read(-1)
}

func (f *follower) read(keep int) ([]string, error) {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		f.offset, f.info = 0, nil
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	fi, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat log file: %w", err)
	}
	if (f.info != nil && !os.SameFile(f.info, fi)) || fi.Size() < f.offset {
		f.offset = 0
	}
	if _, err := file.Seek(f.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking log file: %w", err)
	}
	lines, consumed, _, err := readLines(file, keep)
	if err != nil {
		return nil, fmt.Errorf("reading log file: %w", err)
	}
	f.offset += consumed
	f.info = fi
	return lines, nil
}

// readLines reads r to the end. It returns the last keep non-empty complete
// lines (all of them when keep is negative), the number of bytes those
// complete lines span and the unterminated rest.
func readLines(r io.Reader, keep int) (lines []string, consumed int64, partial string, err error) {
	br := bufio.NewReader(r)
	for {
		s, err := br.ReadString('\n')
		if errors.Is(err, io.EOF) {
			return lines, consumed, s, nil
		}
		if err != nil {
			return nil, 0, "", err
		}
		consumed += int64(len(s))
		line := strings.TrimRight(s, "\r\n")
		if keep == 0 || strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
		if keep > 0 && len(lines) > keep {
			lines = lines[1:]
		}
	}
}
