package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/evetabi/yesno/internal/ledger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// marketTTL bounds how long a cached market outlives its last delta.
const marketTTL = 24 * time.Hour

// Signal is the compact message published for every committed delta.
type Signal struct {
	Seq      uint64     `json:"seq"`
	Op       ledger.Op  `json:"op"`
	Subject  string     `json:"subject"`
	MarketID *uuid.UUID `json:"market_id,omitempty"`
	At       time.Time  `json:"at"`
}

// SignalFor builds the Signal announcing d.
func SignalFor(d *ledger.Delta) Signal {
	s := Signal{Seq: d.Seq, Op: d.Op, Subject: d.Subject(), At: d.At}
	if d.Market != nil {
		id := d.Market.ID
		s.MarketID = &id
	}
	return s
}

// Bus is a ledger.Sink that announces each delta on a pub/sub channel and
// keeps the latest copy of each market under "<channel>:market:<id>".
type Bus struct {
	rdb     *redis.Client
	channel string
}

// NewBus creates a Bus publishing on channel.
func NewBus(c *Client, channel string) *Bus {
	return &Bus{rdb: c.rdb, channel: channel}
}

func (b *Bus) marketKey(id uuid.UUID) string {
	return b.channel + ":market:" + id.String()
}

// Commit implements ledger.Sink.
func (b *Bus) Commit(ctx context.Context, d *ledger.Delta) error {
	payload, err := json.Marshal(SignalFor(d))
	if err != nil {
		return fmt.Errorf("redis: marshal signal: %w", err)
	}

	pipe := b.rdb.TxPipeline()
	if d.Market != nil {
		m, err := json.Marshal(d.Market)
		if err != nil {
			return fmt.Errorf("redis: marshal market: %w", err)
		}
		pipe.Set(ctx, b.marketKey(d.Market.ID), m, marketTTL)
	}
	pipe.Publish(ctx, b.channel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish %s: %w", b.channel, err)
	}
	return nil
}
