package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/nicktill/availo/pkg/status"
	"github.com/nicktill/availo/pkg/storage"
)

// Stream publisher defaults.
const (
	DefaultStreamMaxLen = 10000
	publishQueueSize    = 256
	publishTimeout      = 2 * time.Second
)

// StreamPublisher appends every snapshot write to a Redis stream so other
// services can follow lounge_status without polling.
type StreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
	queue  chan storage.StatusRecord
	logger *zap.Logger
}

var _ status.Notifier = (*StreamPublisher)(nil)

// NewStreamPublisher creates a publisher writing to stream, trimmed to
// roughly maxLen entries. Call Run to start delivering.
func NewStreamPublisher(client *redis.Client, stream string, maxLen int64, logger *zap.Logger) *StreamPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	return &StreamPublisher{
		client: client,
		stream: stream,
		maxLen: maxLen,
		queue:  make(chan storage.StatusRecord, publishQueueSize),
		logger: logger,
	}
}

// StatusUpdated queues rec. It drops the update when the queue is full.
func (p *StreamPublisher) StatusUpdated(rec storage.StatusRecord) {
	select {
	case p.queue <- rec:
	default:
		p.logger.Warn("stream queue full, dropping status update",
			zap.String("stream", p.stream),
			zap.String("device_id", rec.DeviceID))
	}
}

// Run delivers queued updates until ctx is done.
func (p *StreamPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-p.queue:
			pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
			if _, err := p.Publish(pubCtx, rec); err != nil {
				p.logger.Warn("failed to publish status update",
					zap.String("stream", p.stream),
					zap.String("device_id", rec.DeviceID),
					zap.Error(err))
			}
			cancel()
		}
	}
}

// Publish appends rec to the stream and returns the entry id.
func (p *StreamPublisher) Publish(ctx context.Context, rec storage.StatusRecord) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode status %s: %w", rec.ID, err)
	}

	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"device_id": rec.DeviceID,
			"data":      string(data),
			"timestamp": rec.LastUpdated.UnixMilli(),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return id, nil
}

// Notifiers fans a snapshot write out to several listeners.
type Notifiers []status.Notifier

// StatusUpdated calls every listener in order.
func (n Notifiers) StatusUpdated(rec storage.StatusRecord) {
	for _, l := range n {
		l.StatusUpdated(rec)
	}
}
