package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"vxi11-gpib-server/pkg/protocol"
)

// Publisher receives activity records from connection handlers.
type Publisher interface {
	Publish(ctx context.Context, rec *protocol.ActivityRecord) error
	Close() error
}

// Discard is a Publisher that drops every record.
type Discard struct{}

func (Discard) Publish(context.Context, *protocol.ActivityRecord) error { return nil }
func (Discard) Close() error                                            { return nil }

// Options configure a MessageQueue.
type Options struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	Channel    string
	HistoryLen int
	// Encoding is "json" or "cbor".
	Encoding string
}

// MessageQueue publishes activity records on a redis channel and keeps a
// bounded per-device history list.
type MessageQueue struct {
	client  *redis.Client
	channel string
	history int64
	encode  func(any) ([]byte, error)
	decode  func([]byte, any) error
	log     *logrus.Logger
}

func NewMessageQueue(opts Options, log *logrus.Logger) (*MessageQueue, error) {
	var (
		encode func(any) ([]byte, error)
		decode func([]byte, any) error
	)
	switch opts.Encoding {
	case "", "json":
		encode, decode = json.Marshal, json.Unmarshal
	case "cbor":
		encode, decode = cbor.Marshal, cbor.Unmarshal
	default:
		return nil, fmt.Errorf("unknown record encoding %q", opts.Encoding)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	log.Infof("redis connected: %s (channel %s)", opts.Addr, opts.Channel)

	return &MessageQueue{
		client:  client,
		channel: opts.Channel,
		history: int64(opts.HistoryLen),
		encode:  encode,
		decode:  decode,
		log:     log,
	}, nil
}

// HistoryKey is the list holding recent records of a device.
func HistoryKey(device string) string {
	return fmt.Sprintf("gpib:%s:activity", device)
}

// Publish sends rec to the channel and prepends it to the device history.
func (mq *MessageQueue) Publish(ctx context.Context, rec *protocol.ActivityRecord) error {
	data, err := mq.encode(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	if err := mq.client.Publish(ctx, mq.channel, data).Err(); err != nil {
		return fmt.Errorf("publish record: %w", err)
	}

	if mq.history <= 0 || rec.Device == "" {
		return nil
	}

	key := HistoryKey(rec.Device)
	pipe := mq.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, mq.history-1)
	if _, err := pipe.Exec(ctx); err != nil {
		mq.log.Warnf("store history %s: %v", key, err)
	}

	return nil
}

// PublishBatch publishes several records and updates their device
// histories in one round trip.
func (mq *MessageQueue) PublishBatch(ctx context.Context, recs []*protocol.ActivityRecord) error {
	if len(recs) == 0 {
		return nil
	}

	pipe := mq.client.Pipeline()
	trimmed := make(map[string]bool)

	for _, rec := range recs {
		data, err := mq.encode(rec)
		if err != nil {
			mq.log.Errorf("encode record: %v", err)
			continue
		}
		pipe.Publish(ctx, mq.channel, data)

		if mq.history > 0 && rec.Device != "" {
			key := HistoryKey(rec.Device)
			pipe.LPush(ctx, key, data)
			trimmed[key] = true
		}
	}
	for key := range trimmed {
		pipe.LTrim(ctx, key, 0, mq.history-1)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish batch of %d: %w", len(recs), err)
	}
	return nil
}

// History returns up to n records of device, newest first.
func (mq *MessageQueue) History(ctx context.Context, device string, n int64) ([]*protocol.ActivityRecord, error) {
	vals, err := mq.client.LRange(ctx, HistoryKey(device), 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*protocol.ActivityRecord, 0, len(vals))
	for _, v := range vals {
		rec := &protocol.ActivityRecord{}
		if err := mq.decode([]byte(v), rec); err != nil {
			mq.log.Warnf("skip undecodable history entry of %s: %v", device, err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close closes the redis client.
func (mq *MessageQueue) Close() error {
	return mq.client.Close()
}

// GetStats returns the redis connection pool statistics.
func (mq *MessageQueue) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"channel":    mq.channel,
		"pool_stats": mq.client.PoolStats(),
	}
}
