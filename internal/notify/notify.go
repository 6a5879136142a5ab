// Package notify fans room events out to observers. Delivery is best effort:
// a failing observer never fails the mutation that produced the event.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Event kinds.
const (
	KindDelta    = "delta"
	KindPresence = "presence"
	KindReset    = "reset"
)

// Event is one room change.
type Event struct {
	RoomID  string    `json:"roomId"`
	Kind    string    `json:"type"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// Notifier delivers events. Implementations must not block for long.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Fanout delivers to every notifier and logs individual failures.
type Fanout struct {
	notifiers []Notifier
	logger    *slog.Logger
}

// NewFanout combines notifiers; nil entries are skipped.
func NewFanout(logger *slog.Logger, notifiers ...Notifier) *Fanout {
	f := &Fanout{logger: logger}
	for _, n := range notifiers {
		if n != nil {
			f.notifiers = append(f.notifiers, n)
		}
	}
	return f
}

// Notify never returns an error; failures are logged.
func (f *Fanout) Notify(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	for _, n := range f.notifiers {
		if err := n.Notify(ctx, ev); err != nil {
			f.logger.Warn("notify", slog.String("room", ev.RoomID), slog.String("type", ev.Kind), slog.String("error", err.Error()))
		}
	}
	return nil
}

// publisher is the part of *nats.Conn the NATS notifier uses.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes events on <prefix>.<roomId>.<type> with core NATS, which is
// at-most-once.
type NATS struct {
	conn   publisher
	prefix string
	close  func()
}

// DialNATS connects to url and returns a notifier publishing under prefix.
func DialNATS(url, prefix string, logger *slog.Logger) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.Name("cardroom"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATS{conn: conn, prefix: prefix, close: conn.Close}, nil
}

// NewNATS wraps an existing connection.
func NewNATS(conn publisher, prefix string) *NATS {
	return &NATS{conn: conn, prefix: prefix}
}

// Subject returns the subject an event is published on.
func (n *NATS) Subject(ev Event) string {
	if n.prefix == "" {
		return ev.RoomID + "." + ev.Kind
	}
	return n.prefix + "." + ev.RoomID + "." + ev.Kind
}

// Notify publishes ev as JSON.
func (n *NATS) Notify(_ context.Context, ev Event) error {
	if n == nil || n.conn == nil {
		return errors.New("nats notifier is not connected")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := n.conn.Publish(n.Subject(ev), data); err != nil {
		return fmt.Errorf("publish %s: %w", n.Subject(ev), err)
	}
	return nil
}

// Close closes the connection if DialNATS opened it.
func (n *NATS) Close() {
	if n != nil && n.close != nil {
		n.close()
	}
}
