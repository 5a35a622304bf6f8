package events

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/deployq/deployq/internal/deployq/configuration"
)

const defaultSubject = "deployq.events"

// NatsPublisher publishes events as JSON on "<subject>.<event type>".
type NatsPublisher struct {
	conn    *nats.Conn
	subject string
}

func NewNatsPublisher(config configuration.NatsConfig) (*NatsPublisher, error) {
	options := []nats.Option{
		nats.Name("deployq"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("disconnected from nats")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Infof("reconnected to nats at %s", c.ConnectedUrl())
		}),
	}
	if config.Timeout > 0 {
		options = append(options, nats.Timeout(config.Timeout))
	}
	conn, err := nats.Connect(strings.Join(config.Servers, ","), options...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	subject := config.Subject
	if subject == "" {
		subject = defaultSubject
	}
	return &NatsPublisher{conn: conn, subject: subject}, nil
}

func (p *NatsPublisher) Publish(event *DeploymentEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(p.conn.Publish(p.subject+"."+string(event.Type), data))
}

// Close flushes buffered events before closing the connection.
func (p *NatsPublisher) Close() {
	if err := p.conn.FlushTimeout(5 * time.Second); err != nil {
		log.WithError(err).Warn("failed to flush nats events")
	}
	p.conn.Close()
}

// Check reports the connection as unhealthy while the client is disconnected.
func (p *NatsPublisher) Check() error {
	if !p.conn.IsConnected() {
		return errors.Errorf("nats connection is %s", p.conn.Status())
	}
	return nil
}
