package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/Autovisor/internal/broadcast"
	"github.com/CZERTAINLY/Autovisor/internal/model"
)

const writeTimeout = 10 * time.Second

var errObserverClosed = errors.New("observer closed")

// Commands understood on /ws.
const (
	cmdRequestLogs = "requestLogs"
	cmdPause       = "pauseProcess"
	cmdResume      = "resumeProcess"
	cmdStop        = "stopProcess"
)

type wsCommand struct {
	Type       string `json:"type"`
	ProcessKey string `json:"processKey"`
}

// serveWS registers the connection as an observer. It receives the current
// status first and every broadcast afterwards until either side disconnects.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		slog.WarnContext(r.Context(), "websocket accept", "error", err)
		return
	}
	defer c.CloseNow()

	o := s.hub.Subscribe()
	defer s.hub.Unsubscribe(o)
	defer s.tail.DetachAll(o)

	ctx := r.Context()
	slog.InfoContext(ctx, "observer connected", "observer", o.ID(), "remote", r.RemoteAddr)
	s.hub.Send(o, model.StatusEvent(s.sup.Snapshot()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.readLoop(ctx, c, o)
	})
	g.Go(func() error {
		return writeLoop(ctx, c, o)
	})
	err = g.Wait()

	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure, status == websocket.StatusGoingAway:
		err = nil
	case errors.Is(err, errObserverClosed), errors.Is(err, context.Canceled):
		err = nil
	}
	if err != nil {
		slog.DebugContext(r.Context(), "observer connection ended", "observer", o.ID(), "error", err)
	}
	slog.InfoContext(r.Context(), "observer disconnected", "observer", o.ID(), "dropped", o.Dropped())
	_ = c.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) readLoop(ctx context.Context, c *websocket.Conn, o *broadcast.Observer) error {
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return err
		}
		var cmd wsCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			slog.WarnContext(ctx, "malformed observer message", "observer", o.ID(), "error", err)
			continue
		}
		if err := s.command(ctx, o, cmd); err != nil {
			s.reject(o, cmd, err)
		}
	}
}

func (s *Server) command(ctx context.Context, o *broadcast.Observer, cmd wsCommand) error {
	switch cmd.Type {
	case cmdRequestLogs, cmdPause, cmdResume, cmdStop:
	default:
		slog.DebugContext(ctx, "unknown observer command", "observer", o.ID(), "type", cmd.Type)
		return nil
	}
	key, err := model.ParseJobKey(cmd.ProcessKey)
	if err != nil {
		return err
	}

	switch cmd.Type {
	case cmdRequestLogs:
		return s.tail.Attach(ctx, o, key)
	case cmdPause:
		return s.sup.Pause(ctx, key)
	case cmdResume:
		return s.sup.Resume(ctx, key)
	default:
		return s.sup.Stop(ctx, key)
	}
}

// reject answers the observer that sent cmd and nobody else.
func (s *Server) reject(o *broadcast.Observer, cmd wsCommand, err error) {
	ev := model.Event{
		Kind:    model.EventRejected,
		Error:   err.Error(),
		Message: "Failed to " + cmd.Type,
		Time:    time.Now(),
	}
	if key, perr := model.ParseJobKey(cmd.ProcessKey); perr == nil {
		ev.Key = key
	}
	s.hub.Send(o, ev)
}

func writeLoop(ctx context.Context, c *websocket.Conn, o *broadcast.Observer) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.Done():
			return errObserverClosed
		case ev, ok := <-o.Events():
			if !ok {
				return errObserverClosed
			}
			if err := write(ctx, c, ev); err != nil {
				return err
			}
		}
	}
}

func write(ctx context.Context, c *websocket.Conn, ev model.Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c, ev)
}
