// Package publish forwards decoded readings to NATS, one subject per
// reading kind.
package publish

import (
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/shaunagostinho/wmrd/internal/wmr"
)

// Config holds publisher configuration.
type Config struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	URL           string `yaml:"url" json:"url"`
	SubjectPrefix string `yaml:"subject_prefix" json:"subjectPrefix"`
	ClientName    string `yaml:"client_name" json:"clientName"`
	ReconnectWait int    `yaml:"reconnect_wait_ms" json:"reconnectWaitMs"`
}

// conn is the part of *nats.Conn the publisher uses.
type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// Publisher is a wmr.Handler that publishes every reading as JSON on
// <prefix>.<kind>.
type Publisher struct {
	nc     conn
	prefix string
	log    *zap.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

// Connect dials the NATS server. The connection keeps retrying in the
// background when the server is unreachable at startup.
func Connect(cfg Config, log *zap.Logger) (*Publisher, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "wmrd"
	}
	wait := 2 * time.Second
	if cfg.ReconnectWait > 0 {
		wait = time.Duration(cfg.ReconnectWait) * time.Millisecond
	}
	log = log.Named("nats")

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ClientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(wait),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("reconnected", zap.String("url", c.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error("async error", zap.Error(err))
		}),
	)
	if err != nil {
		return nil, err
	}
	log.Info("publishing readings", zap.String("url", cfg.URL), zap.String("prefix", subjectPrefix(cfg)))
	return newPublisher(nc, subjectPrefix(cfg), log), nil
}

func subjectPrefix(cfg Config) string {
	if cfg.SubjectPrefix == "" {
		return "wmr"
	}
	return cfg.SubjectPrefix
}

func newPublisher(nc conn, prefix string, log *zap.Logger) *Publisher {
	return &Publisher{nc: nc, prefix: prefix, log: log}
}

// Subject returns the subject a reading of kind k is published on.
func (p *Publisher) Subject(k wmr.Kind) string {
	return p.prefix + "." + k.String()
}

// HandleReading publishes r. Failures are logged and counted; they never
// reach the session.
func (p *Publisher) HandleReading(r wmr.Reading) {
	data, err := json.Marshal(r)
	if err != nil {
		p.failed.Add(1)
		p.log.Error("cannot encode reading", zap.Stringer("kind", r.Kind), zap.Error(err))
		return
	}
	if err := p.nc.Publish(p.Subject(r.Kind), data); err != nil {
		p.failed.Add(1)
		if errors.Is(err, nats.ErrConnectionClosed) {
			return
		}
		p.log.Warn("publish failed", zap.Stringer("kind", r.Kind), zap.Error(err))
		return
	}
	p.published.Add(1)
}

// stats returns how many readings were published and how many failed.
func (p *Publisher) stats() (published, failed uint64) {
	return p.published.Load(), p.failed.Load()
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() error {
	published, failed := p.stats()
	p.log.Info("closing publisher", zap.Uint64("published", published), zap.Uint64("failed", failed))
	return p.nc.Drain()
}
