// Package stream publishes committed ledger deltas to NATS JetStream so
// downstream consumers can replay the ledger history.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/evetabi/yesno/internal/config"
	"github.com/evetabi/yesno/internal/ledger"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher is a ledger.Sink that writes each delta to
// "<prefix>.<op>.<market id>" on a file-backed stream.
type Publisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	prefix string
	log    *slog.Logger
}

// Connect dials NATS, ensures the stream exists and returns a Publisher.
func Connect(ctx context.Context, cfg config.NATSConfig, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "nats")

	nc, err := nats.Connect(cfg.URL,
		nats.Name("yesno-ledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("stream.Connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("stream.Connect: jetstream: %w", err)
	}
	if err := EnsureStream(ctx, js, cfg); err != nil {
		nc.Close()
		return nil, err
	}

	log.Info("nats connected", "url", nc.ConnectedUrl(), "stream", cfg.Stream)
	return &Publisher{nc: nc, js: js, prefix: cfg.Subject, log: log}, nil
}

// EnsureStream creates or updates the ledger stream covering prefix.>.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg config.NATSConfig) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{cfg.Subject + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     cfg.MaxAge,
		Replicas:   max(cfg.Replicas, 1),
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("stream.EnsureStream %s: %w", cfg.Stream, err)
	}
	return nil
}

// Subject returns the NATS subject d is published on.
func Subject(prefix string, d *ledger.Delta) string {
	return prefix + "." + d.Subject()
}

// Commit implements ledger.Sink. The ledger seq is the JetStream message id,
// so a retried publish inside the duplicate window is stored once.
func (p *Publisher) Commit(ctx context.Context, d *ledger.Delta) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("stream.Commit: marshal: %w", err)
	}
	subj := Subject(p.prefix, d)
	ack, err := p.js.Publish(ctx, subj, data, jetstream.WithMsgID(strconv.FormatUint(d.Seq, 10)))
	if err != nil {
		return fmt.Errorf("stream.Commit %s: %w", subj, err)
	}
	if ack.Duplicate {
		p.log.Debug("duplicate delta ignored by stream", "seq", d.Seq, "subject", subj)
	}
	return nil
}

// Close drains pending publishes and closes the connection.
func (p *Publisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.log.Warn("nats drain failed", "err", err)
	}
}
