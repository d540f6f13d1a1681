package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/log-sentinel/pkg/logger"
	"github.com/supporttools/log-sentinel/pkg/types"
)

// NATSChannel publishes alerts as JSON to a NATS subject. The connection is
// opened on first use and reused afterwards.
type NATSChannel struct {
	config  types.NATSConfig
	timeout time.Duration
	log     *logrus.Entry

	mu   sync.Mutex
	conn *nats.Conn
}

type natsPayload struct {
	Subject  string         `json:"subject"`
	Body     string         `json:"body"`
	CycleID  string         `json:"cycleId"`
	HostName string         `json:"hostName"`
	Breaches []types.Breach `json:"breaches"`
	SentAt   time.Time      `json:"sentAt"`
}

// NewNATSChannel creates a NATS channel. timeout bounds connect and flush.
func NewNATSChannel(config types.NATSConfig, timeout time.Duration) (*NATSChannel, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	if config.Subject == "" {
		config.Subject = types.DefaultNATSSubject
	}
	if config.Name == "" {
		config.Name = TypeNATS
	}
	return &NATSChannel{
		config:  config,
		timeout: timeout,
		log:     logger.ForComponent("alert").WithField(logger.FieldChannel, config.Name),
	}, nil
}

func (n *NATSChannel) Name() string          { return n.config.Name }
func (n *NATSChannel) Type() string          { return TypeNATS }
func (n *NATSChannel) Budget() time.Duration { return n.timeout }

func (n *NATSChannel) connection() (*nats.Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn != nil && !n.conn.IsClosed() {
		return n.conn, nil
	}

	opts := []nats.Option{
		nats.Name("log-sentinel"),
		nats.Timeout(n.timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				n.log.WithError(err).Warn("NATS connection lost")
			}
		}),
	}
	if n.config.Token != "" {
		opts = append(opts, nats.Token(n.config.Token))
	}

	conn, err := nats.Connect(n.config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", n.config.URL, err)
	}
	n.conn = conn
	return conn, nil
}

// Send publishes msg and waits for the server to acknowledge the flush.
func (n *NATSChannel) Send(ctx context.Context, msg Message) (int, error) {
	data, err := encodeNATSPayload(msg, time.Now())
	if err != nil {
		return 0, &types.DeliveryError{Channel: n.config.Name, Err: err}
	}

	conn, err := n.connection()
	if err != nil {
		return 1, &types.DeliveryError{Channel: n.config.Name, Err: err}
	}
	if err := conn.Publish(n.config.Subject, data); err != nil {
		return 1, &types.DeliveryError{Channel: n.config.Name, Err: fmt.Errorf("publish failed: %w", err)}
	}

	flushTimeout := n.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < flushTimeout {
			flushTimeout = remaining
		}
	}
	if flushTimeout <= 0 {
		return 1, &types.DeliveryError{Channel: n.config.Name, Err: context.DeadlineExceeded}
	}
	if err := conn.FlushTimeout(flushTimeout); err != nil {
		return 1, &types.DeliveryError{Channel: n.config.Name, Err: fmt.Errorf("flush failed: %w", err)}
	}
	return 1, nil
}

// Close closes the connection if one was opened.
func (n *NATSChannel) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil {
		return nil
	}
	n.conn.Close()
	n.conn = nil
	return nil
}

func encodeNATSPayload(msg Message, at time.Time) ([]byte, error) {
	data, err := json.Marshal(natsPayload{
		Subject:  msg.Subject,
		Body:     msg.Body,
		CycleID:  msg.CycleID,
		HostName: msg.HostName,
		Breaches: msg.Breaches,
		SentAt:   at.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}
