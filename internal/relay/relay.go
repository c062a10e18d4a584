// Package relay republishes server events from the bus to NATS so that
// other processes can follow every managed server.
package relay

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/ernie/urtwarden/internal/domain"
	"github.com/ernie/urtwarden/internal/eventbus"
)

// HandlerID is the id the relay registers its handlers under
const HandlerID = "relay"

// Relay publishes every server event as a domain.Event JSON message on
// <prefix>.<session>.<event>
type Relay struct {
	conn   *nats.Conn
	prefix string
	log    logrus.FieldLogger
	now    func() time.Time
}

// Connect dials the NATS server. The connection reconnects on its own for
// as long as the relay lives.
func Connect(url, prefix string, log logrus.FieldLogger) (*Relay, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "relay")

	conn, err := nats.Connect(url,
		nats.Name("urtwarden"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.WithField("url", c.ConnectedUrl()).Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return &Relay{conn: conn, prefix: prefix, log: log, now: time.Now}, nil
}

// Attach binds the relay to every server event on the bus
func (r *Relay) Attach(bus *eventbus.Bus) error {
	for _, tag := range domain.ServerEventTags {
		if err := bus.AddEvent(eventbus.ListenerServerEvent, HandlerID, tag, r.publish, 0); err != nil {
			bus.Unregister(HandlerID)
			return fmt.Errorf("attaching relay to %s: %w", tag, err)
		}
	}
	return nil
}

// Detach removes the relay's handlers from the bus
func (r *Relay) Detach(bus *eventbus.Bus) {
	bus.Unregister(HandlerID)
}

// Close flushes pending messages and closes the connection
func (r *Relay) Close() error {
	return r.conn.Drain()
}

func (r *Relay) publish(c *eventbus.Call) error {
	ev := domain.Event{
		Type:      c.Event,
		Session:   c.Session.Name(),
		Timestamp: r.now().UTC(),
		Data:      c.Data,
	}
	if run, ok := c.Session.(interface{ Run() string }); ok {
		ev.Run = run.Run()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", c.Event, err)
	}
	if err := r.conn.Publish(Subject(r.prefix, ev.Session, ev.Type), data); err != nil {
		return fmt.Errorf("publishing %s: %w", c.Event, err)
	}
	return nil
}

// Subject builds the subject for one event. Characters NATS treats as token
// separators or wildcards are replaced in each token.
func Subject(prefix, session, event string) string {
	return strings.Join([]string{prefix, subjectToken(session), subjectToken(event)}, ".")
}

var tokenReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_", "\t", "_")

func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return tokenReplacer.Replace(s)
}
