// Package publish hands poll results to the outside world: change events to
// Kafka and a snapshot of the current shipments to Redis.
package publish

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/BearBump/ptrack/internal/broker/kafka"
	"github.com/BearBump/ptrack/internal/broker/messages"
	"github.com/BearBump/ptrack/internal/cache"
	"github.com/BearBump/ptrack/internal/services/changeset"
	"github.com/pkg/errors"
)

const DefaultSnapshotKey = "ptrack:snapshot"

type Producer interface {
	PublishBatch(ctx context.Context, topic string, msgs []kafka.Message) error
}

// Snapshot is what status bar readers load instead of polling carriers themselves.
type Snapshot struct {
	At      time.Time         `json:"at"`
	Entries []changeset.Entry `json:"entries"`
}

type Publisher struct {
	producer Producer
	cache    cache.BytesCache
	logger   *slog.Logger

	topic       string
	snapshotKey string
	snapshotTTL time.Duration
	retries     int
	retryDelay  time.Duration
}

// New returns a publisher; producer and cache are optional.
func New(producer Producer, c cache.BytesCache, topic string) *Publisher {
	return &Publisher{
		producer:    producer,
		cache:       c,
		logger:      slog.Default(),
		topic:       topic,
		snapshotKey: DefaultSnapshotKey,
		snapshotTTL: 20 * time.Minute,
		retries:     5,
		retryDelay:  150 * time.Millisecond,
	}
}

func (p *Publisher) WithSnapshot(key string, ttl time.Duration) *Publisher {
	if key != "" {
		p.snapshotKey = key
	}
	if ttl > 0 {
		p.snapshotTTL = ttl
	}
	return p
}

func (p *Publisher) WithRetry(retries int, delay time.Duration) *Publisher {
	if retries > 0 {
		p.retries = retries
	}
	if delay > 0 {
		p.retryDelay = delay
	}
	return p
}

func (p *Publisher) WithLogger(l *slog.Logger) *Publisher {
	if l != nil {
		p.logger = l
	}
	return p
}

// Publish emits one ShipmentChanged per changed entry of res and refreshes the
// snapshot. Both sinks are attempted even if the first one fails.
func (p *Publisher) Publish(ctx context.Context, res changeset.Result) error {
	evErr := p.publishEvents(ctx, res)
	if evErr != nil {
		p.logger.Error("publish shipment events", "topic", p.topic, "error", evErr.Error())
	}
	snapErr := p.storeSnapshot(ctx, res)
	if snapErr != nil {
		p.logger.Error("store snapshot", "key", p.snapshotKey, "error", snapErr.Error())
	}
	if evErr != nil {
		return evErr
	}
	return snapErr
}

func (p *Publisher) publishEvents(ctx context.Context, res changeset.Result) error {
	if p.producer == nil {
		return nil
	}
	changed := res.Changed()
	if len(changed) == 0 {
		return nil
	}
	at := res.At
	if at.IsZero() {
		at = time.Now()
	}
	msgs := make([]kafka.Message, 0, len(changed))
	for _, e := range changed {
		m := messages.NewShipmentChanged(e, at)
		b, err := json.Marshal(m)
		if err != nil {
			return errors.Wrap(err, "marshal kafka msg")
		}
		msgs = append(msgs, kafka.Message{Key: []byte(m.Key()), Value: b})
	}

	// Kafka may not be ready right after startup.
	var pubErr error
	for i := 0; i < p.retries; i++ {
		if pubErr = p.producer.PublishBatch(ctx, p.topic, msgs); pubErr == nil {
			p.logger.Debug("published shipment events", "topic", p.topic, "count", len(msgs))
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * p.retryDelay):
		}
	}
	return pubErr
}

func (p *Publisher) storeSnapshot(ctx context.Context, res changeset.Result) error {
	if p.cache == nil {
		return nil
	}
	b, err := json.Marshal(Snapshot{At: res.At, Entries: res.Current()})
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}
	return p.cache.Set(ctx, p.snapshotKey, b, p.snapshotTTL)
}

// LoadSnapshot returns the last stored snapshot; ok is false if there is none
// or it expired.
func LoadSnapshot(ctx context.Context, c cache.BytesCache, key string) (*Snapshot, bool, error) {
	if key == "" {
		key = DefaultSnapshotKey
	}
	b, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, false, errors.Wrap(err, "unmarshal snapshot")
	}
	return &s, true, nil
}
