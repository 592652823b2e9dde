package broadcast

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSChannel carries worker envelopes over a NATS subject, letting one
// orchestrator steer stations spread across many simulator processes.
type NATSChannel struct {
	conn    *nats.Conn
	subject string
	log     *zap.Logger
}

// NewNATSChannel connects to NATS and binds the channel to a subject.
func NewNATSChannel(url, subject string, log *zap.Logger) (*NATSChannel, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info("Connected to NATS worker channel",
		zap.String("url", url),
		zap.String("subject", subject),
	)
	return &NATSChannel{conn: nc, subject: subject, log: log}, nil
}

func (c *NATSChannel) Publish(data []byte) error {
	return c.conn.Publish(c.subject, data)
}

func (c *NATSChannel) Subscribe(handler func(data []byte)) (Subscription, error) {
	sub, err := c.conn.Subscribe(c.subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", c.subject, err)
	}
	return sub, nil
}

func (c *NATSChannel) Close() error {
	c.conn.Close()
	return nil
}
