// Package bus mirrors broadcast events to NATS, so consumers outside the
// process can follow job activity.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/CZERTAINLY/Autovisor/internal/model"
)

const DefaultPrefix = "autovisor.events"

// Conn is the part of *nats.Conn the client uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

type Client struct {
	conn   Conn
	prefix string
}

func New(conn Conn, prefix string) *Client {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Client{conn: conn, prefix: prefix}
}

// Connect dials url and reconnects forever on connection loss.
func Connect(ctx context.Context, url, prefix string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.Name("autovisor"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.WarnContext(ctx, "nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.InfoContext(ctx, "nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats %s: %w", url, err)
	}
	return New(nc, prefix), nil
}

// Subject returns the subject events of kind are published on.
func (c *Client) Subject(kind model.EventKind) string {
	return c.prefix + "." + string(kind)
}

func (c *Client) PublishEvent(ev model.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling %s event: %w", ev.Kind, err)
	}
	return c.conn.Publish(c.Subject(ev.Kind), b)
}

// Forward publishes events until the channel is closed or ctx is done.
// Publish failures are logged and skipped.
func (c *Client) Forward(ctx context.Context, events <-chan model.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := c.PublishEvent(ev); err != nil {
				slog.WarnContext(ctx, "publishing event to nats", "kind", ev.Kind, "error", err)
			}
		}
	}
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Drain()
}
