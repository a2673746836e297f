// Package natsdeliver delivers scheduling messages by publishing them to a
// NATS subject, from where mail gateways or push fan-out workers pick them
// up. Publish failures surface as temporary delivery errors so the
// schedule status on the object reflects a retryable condition.
package natsdeliver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/keulen/groupdav/scheduling"
	"github.com/keulen/groupdav/scheduling/itip"
	"github.com/keulen/groupdav/storage"
)

// Config holds NATS publisher configuration.
type Config struct {
	URL            string        `yaml:"url"`
	Subject        string        `yaml:"subject"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait"`
	MaxReconnects  int           `yaml:"max_reconnects"`
}

// DefaultConfig returns a default NATS configuration.
func DefaultConfig() *Config {
	return &Config{
		URL:            nats.DefaultURL,
		Subject:        "groupdav.scheduling",
		ConnectTimeout: 5 * time.Second,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  10,
	}
}

// Publisher implements scheduling.Deliverer over a NATS connection.
type Publisher struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

// NewPublisher connects to NATS with the given configuration.
func NewPublisher(config *Config, logger *slog.Logger) (*Publisher, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	options := []nats.Option{
		nats.Timeout(config.ConnectTimeout),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(config.URL, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", config.URL, err)
	}
	logger.Info("connected to NATS", "url", conn.ConnectedUrl(), "subject", config.Subject)

	return &Publisher{
		conn:    conn,
		subject: config.Subject,
		logger:  logger,
	}, nil
}

// envelope is the wire representation of one scheduling message.
type envelope struct {
	ID                string `json:"id"`
	Sender            string `json:"sender"`
	Recipient         string `json:"recipient"`
	Method            string `json:"method"`
	UID               string `json:"uid"`
	Sequence          int    `json:"sequence"`
	SignificantChange bool   `json:"significant_change"`
	CalendarData      string `json:"calendar_data"`
	PublishedAt       string `json:"published_at"`
}

// Deliver publishes one message. The context deadline is honored via a
// flush with timeout so a wedged broker cannot stall the mutation.
func (p *Publisher) Deliver(ctx context.Context, msg *itip.Message) error {
	raw := ""
	if msg.Calendar != nil {
		var err error
		raw, err = storage.EncodeCalendar(msg.Calendar)
		if err != nil {
			return &scheduling.DeliveryError{Temporary: false, Err: err}
		}
	}

	payload, err := json.Marshal(envelope{
		ID:                msg.ID,
		Sender:            msg.Sender,
		Recipient:         msg.Recipient,
		Method:            string(msg.Method),
		UID:               msg.UID,
		Sequence:          msg.Sequence,
		SignificantChange: msg.SignificantChange,
		CalendarData:      raw,
		PublishedAt:       time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return &scheduling.DeliveryError{Temporary: false, Err: err}
	}

	if err := p.conn.Publish(p.subject, payload); err != nil {
		return &scheduling.DeliveryError{Temporary: true, Err: err}
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return &scheduling.DeliveryError{Temporary: true, Err: err}
	}

	p.logger.Debug("published scheduling message",
		"subject", p.subject, "recipient", msg.Recipient, "method", string(msg.Method))
	return nil
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}

var _ scheduling.Deliverer = (*Publisher)(nil)
