// Package queue is the bounded FIFO that carries decoded sensor records from
// the MQTT subscriber to the harvester.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/lorawan-bridge/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrQueueFull is returned when a record cannot be queued under the
	// configured capacity policy.
	ErrQueueFull = errors.New("record queue is full")
	// ErrClosed is returned when the stop signal fires while a push is
	// waiting for room.
	ErrClosed = errors.New("record queue is shutting down")
)

// Policy selects what Push does when the queue is at capacity.
type Policy string

const (
	// PolicyBlock makes producers wait for room, up to Config.PushTimeout.
	PolicyBlock Policy = "block"
	// PolicyDrop rejects the record immediately and counts it as dropped.
	PolicyDrop Policy = "drop"
)

// Config holds the queue capacity policy.
type Config struct {
	Capacity    int
	Policy      Policy
	PushTimeout time.Duration
}

// DefaultConfig provides sensible defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:    10000,
		Policy:      PolicyBlock,
		PushTimeout: 5 * time.Second,
	}
}

// RecordQueue is safe for any number of concurrent producers and consumers.
// Order is FIFO per producer. The underlying channel is never closed, so a
// late producer can never panic; shutdown is observed through the stop channel.
type RecordQueue struct {
	cfg     Config
	records chan types.SensorRecord
	stop    <-chan struct{}
	dropped atomic.Int64
	logger  zerolog.Logger
}

// New creates a RecordQueue. stop is the cancellation broadcast; when it is
// closed, blocked pushes give up and blocked pops return early. A nil stop
// channel is never closed.
func New(cfg Config, stop <-chan struct{}, logger zerolog.Logger) *RecordQueue {
	defaults := DefaultConfig()
	if cfg.Capacity <= 0 {
		logger.Warn().
			Int("provided_capacity", cfg.Capacity).
			Int("default_capacity", defaults.Capacity).
			Msg("Queue capacity was zero or negative, applying default value.")
		cfg.Capacity = defaults.Capacity
	}
	if cfg.Policy == "" {
		cfg.Policy = defaults.Policy
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = defaults.PushTimeout
	}
	return &RecordQueue{
		cfg:     cfg,
		records: make(chan types.SensorRecord, cfg.Capacity),
		stop:    stop,
		logger:  logger.With().Str("component", "RecordQueue").Logger(),
	}
}

// Push appends records in order and returns how many were queued. On a full
// queue it either waits (PolicyBlock) or drops (PolicyDrop). Once one record
// fails, the rest of the batch is not attempted, so no later record can
// overtake a rejected one.
func (q *RecordQueue) Push(ctx context.Context, records ...types.SensorRecord) (int, error) {
	for i, rec := range records {
		if err := q.pushOne(ctx, rec); err != nil {
			rejected := int64(len(records) - i)
			q.dropped.Add(rejected)
			q.logger.Warn().Err(err).Int("queued", i).Int64("rejected", rejected).Msg("Records not queued")
			return i, err
		}
	}
	return len(records), nil
}

func (q *RecordQueue) pushOne(ctx context.Context, rec types.SensorRecord) error {
	select {
	case q.records <- rec:
		return nil
	default:
	}

	if q.cfg.Policy == PolicyDrop {
		return ErrQueueFull
	}

	timer := time.NewTimer(q.cfg.PushTimeout)
	defer timer.Stop()
	select {
	case q.records <- rec:
		return nil
	case <-timer.C:
		return fmt.Errorf("waited %s for room: %w", q.cfg.PushTimeout, ErrQueueFull)
	case <-q.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop waits up to wait for a record. It returns false on timeout, when ctx is
// done, or as soon as the stop signal fires, so consumers react to shutdown
// without waiting out the full interval.
func (q *RecordQueue) Pop(ctx context.Context, wait time.Duration) (types.SensorRecord, bool) {
	select {
	case rec := <-q.records:
		return rec, true
	default:
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case rec := <-q.records:
		return rec, true
	case <-timer.C:
	case <-q.stop:
	case <-ctx.Done():
	}
	return types.SensorRecord{}, false
}

// TryPop returns the next record without waiting.
func (q *RecordQueue) TryPop() (types.SensorRecord, bool) {
	select {
	case rec := <-q.records:
		return rec, true
	default:
		return types.SensorRecord{}, false
	}
}

// Len is the number of records waiting.
func (q *RecordQueue) Len() int { return len(q.records) }

// Cap is the configured capacity.
func (q *RecordQueue) Cap() int { return cap(q.records) }

// Dropped is the running total of records rejected by Push.
func (q *RecordQueue) Dropped() int64 { return q.dropped.Load() }
