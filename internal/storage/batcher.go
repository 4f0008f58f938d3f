package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"vxi11-gpib-server/internal/monitor"
	"vxi11-gpib-server/pkg/protocol"
)

// ErrQueueFull is returned by Batcher.Publish when the queue has no room.
var ErrQueueFull = errors.New("activity queue full")

// BatchOptions configure a Batcher.
type BatchOptions struct {
	// Size is the most records sent in one pipeline.
	Size int
	// Interval is how long a partial batch may wait.
	Interval time.Duration
	// QueueLen is the number of records buffered ahead of redis.
	QueueLen int
	// Timeout bounds one batch round trip.
	Timeout time.Duration
}

// Batcher queues activity records and publishes them through
// MessageQueue.PublishBatch from a single goroutine. Publish never waits on
// redis; records that do not fit into the queue are dropped.
type Batcher struct {
	mq   *MessageQueue
	opts BatchOptions
	log  *logrus.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan *protocol.ActivityRecord
	done   chan struct{}

	published atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

// NewBatcher starts a Batcher in front of mq.
func NewBatcher(mq *MessageQueue, opts BatchOptions, log *logrus.Logger) *Batcher {
	if opts.Size <= 0 {
		opts.Size = 32
	}
	if opts.Interval <= 0 {
		opts.Interval = 200 * time.Millisecond
	}
	if opts.QueueLen <= 0 {
		opts.QueueLen = 1024
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}

	b := &Batcher{
		mq:    mq,
		opts:  opts,
		log:   log,
		queue: make(chan *protocol.ActivityRecord, opts.QueueLen),
		done:  make(chan struct{}),
	}
	go b.run()
	return b
}

// Publish queues rec.
func (b *Batcher) Publish(ctx context.Context, rec *protocol.ActivityRecord) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrQueueFull
	}
	select {
	case b.queue <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		b.dropped.Add(1)
		return ErrQueueFull
	}
}

func (b *Batcher) run() {
	defer close(b.done)

	ticker := time.NewTicker(b.opts.Interval)
	defer ticker.Stop()

	batch := make([]*protocol.ActivityRecord, 0, b.opts.Size)
	for {
		select {
		case rec, ok := <-b.queue:
			if !ok {
				b.flush(batch)
				return
			}
			batch = append(batch, rec)
			if len(batch) >= b.opts.Size {
				b.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				b.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (b *Batcher) flush(batch []*protocol.ActivityRecord) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.opts.Timeout)
	defer cancel()

	if err := b.mq.PublishBatch(ctx, batch); err != nil {
		b.failed.Add(int64(len(batch)))
		monitor.PublishErrors.Add(float64(len(batch)))
		b.log.Warnf("activity batch lost: %v", err)
		return
	}
	b.published.Add(int64(len(batch)))
}

// History reads the device history from the underlying queue.
func (b *Batcher) History(ctx context.Context, device string, n int64) ([]*protocol.ActivityRecord, error) {
	return b.mq.History(ctx, device, n)
}

// GetStats adds queue counters to the redis statistics.
func (b *Batcher) GetStats() map[string]interface{} {
	stats := b.mq.GetStats()
	stats["queued"] = len(b.queue)
	stats["published"] = b.published.Load()
	stats["dropped"] = b.dropped.Load()
	stats["failed"] = b.failed.Load()
	return stats
}

// Close flushes the queued records and closes the redis client.
func (b *Batcher) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	<-b.done
	return b.mq.Close()
}
