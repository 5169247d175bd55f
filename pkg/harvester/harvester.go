// Package harvester consumes sensor records from the shared queue and hands
// them to a Sink in batches.
package harvester

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/illmade-knight/lorawan-bridge/pkg/metrics"
	"github.com/illmade-knight/lorawan-bridge/pkg/shutdown"
	"github.com/illmade-knight/lorawan-bridge/pkg/types"
	"github.com/rs/zerolog"
)

// Sink is a downstream destination for sensor records. Send receives records
// in queue order; Close is called once after the final flush.
type Sink interface {
	Send(ctx context.Context, records []types.SensorRecord) error
	Close() error
}

// Source is the consumer side of the shared queue.
type Source interface {
	Pop(ctx context.Context, wait time.Duration) (types.SensorRecord, bool)
	TryPop() (types.SensorRecord, bool)
}

// Config holds configuration for the Harvester.
type Config struct {
	// PollInterval bounds each blocking pop, and with it how long the
	// harvester takes to notice the shutdown signal. Capped at one second.
	PollInterval  time.Duration
	BatchSize     int
	FlushInterval time.Duration
	SendTimeout   time.Duration
	// MaxAttempts is the number of Send attempts per batch before it is dropped.
	MaxAttempts  int
	RetryBackoff time.Duration
	// DrainTimeout bounds the best-effort drain and final flush on shutdown.
	DrainTimeout time.Duration
	Metrics      *metrics.Metrics
}

// DefaultConfig provides sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:  250 * time.Millisecond,
		BatchSize:     100,
		FlushInterval: 2 * time.Second,
		SendTimeout:   30 * time.Second,
		MaxAttempts:   3,
		RetryBackoff:  500 * time.Millisecond,
		DrainTimeout:  10 * time.Second,
	}
}

func (c Config) withDefaults(logger zerolog.Logger) Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.PollInterval > time.Second {
		logger.Warn().Dur("provided_interval", c.PollInterval).Msg("PollInterval above one second, capping it.")
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		logger.Warn().
			Int("provided_batch_size", c.BatchSize).
			Int("default_batch_size", d.BatchSize).
			Msg("BatchSize was zero or negative, applying default value.")
		c.BatchSize = d.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = d.DrainTimeout
	}
	return c
}

// Harvester is the single consumer of the shared queue.
type Harvester struct {
	source  Source
	sink    Sink
	signal  *shutdown.Signal
	config  Config
	metrics *metrics.Metrics
	logger  zerolog.Logger

	batch      []types.SensorRecord
	batchStart time.Time
}

// New creates a Harvester.
func New(source Source, sink Sink, signal *shutdown.Signal, cfg Config, logger zerolog.Logger) (*Harvester, error) {
	if source == nil {
		return nil, errors.New("record source cannot be nil")
	}
	if sink == nil {
		return nil, errors.New("sink cannot be nil")
	}
	if signal == nil {
		return nil, errors.New("shutdown signal cannot be nil")
	}
	logger = logger.With().Str("component", "Harvester").Logger()
	cfg = cfg.withDefaults(logger)
	return &Harvester{
		source:  source,
		sink:    sink,
		signal:  signal,
		config:  cfg,
		metrics: cfg.Metrics,
		logger:  logger,
		batch:   make([]types.SensorRecord, 0, cfg.BatchSize),
	}, nil
}

// Run pops records until the shutdown signal is raised or ctx is done, then
// drains what is left, flushes and closes the sink. A batch the sink keeps
// rejecting is logged and dropped; it never ends Run.
func (h *Harvester) Run(ctx context.Context) error {
	h.logger.Info().
		Int("batch_size", h.config.BatchSize).
		Dur("flush_interval", h.config.FlushInterval).
		Dur("poll_interval", h.config.PollInterval).
		Msg("Starting Harvester...")

	for {
		if h.signal.IsSet() {
			h.logger.Info().Msg("Shutdown signal received.")
			return h.drain()
		}
		if ctx.Err() != nil {
			h.logger.Info().Msg("Context cancelled.")
			if err := h.drain(); err != nil {
				return err
			}
			if h.signal.IsSet() {
				return nil
			}
			return ctx.Err()
		}

		if rec, ok := h.source.Pop(ctx, h.config.PollInterval); ok {
			h.add(rec)
			if len(h.batch) >= h.config.BatchSize {
				h.flush(ctx, h.signal.Done())
			}
		}
		if len(h.batch) > 0 && time.Since(h.batchStart) >= h.config.FlushInterval {
			h.flush(ctx, h.signal.Done())
		}
	}
}

func (h *Harvester) add(rec types.SensorRecord) {
	if len(h.batch) == 0 {
		h.batchStart = time.Now()
	}
	h.batch = append(h.batch, rec)
}

// drain empties the queue without waiting, flushing full batches as it
// goes, then closes the sink. It stops early once DrainTimeout has passed.
func (h *Harvester) drain() error {
	ctx, cancel := context.WithTimeout(context.Background(), h.config.DrainTimeout)
	defer cancel()

	drained := 0
	for ctx.Err() == nil {
		rec, ok := h.source.TryPop()
		if !ok {
			break
		}
		drained++
		h.add(rec)
		if len(h.batch) >= h.config.BatchSize {
			h.flush(ctx, nil)
		}
	}
	if ctx.Err() == nil {
		h.flush(ctx, nil)
	} else {
		h.logger.Warn().Int("unsent", len(h.batch)).Msg("Drain timeout reached, abandoning remaining records.")
		h.batch = h.batch[:0]
	}
	h.logger.Info().Int("drained", drained).Msg("Queue drained.")

	if err := h.sink.Close(); err != nil {
		h.logger.Error().Err(err).Msg("Error closing sink")
		return fmt.Errorf("closing sink: %w", err)
	}
	h.logger.Info().Msg("Harvester stopped.")
	return nil
}

// flush sends the current batch, retrying with backoff. During Run (non-nil
// interrupt) a shutdown between attempts puts the records back into the
// batch for the final drain; during the drain they are dropped.
func (h *Harvester) flush(ctx context.Context, interrupt <-chan struct{}) {
	if len(h.batch) == 0 {
		return
	}
	records := make([]types.SensorRecord, len(h.batch))
	copy(records, h.batch)
	h.batch = h.batch[:0]

	backoff := h.config.RetryBackoff
	for attempt := 1; ; attempt++ {
		start := time.Now()
		sendCtx, cancel := context.WithTimeout(ctx, h.config.SendTimeout)
		err := h.sink.Send(sendCtx, records)
		cancel()
		h.metrics.SinkFlushed(len(records), time.Since(start), err)

		if err == nil {
			h.logger.Info().Int("batch_size", len(records)).Int("attempt", attempt).Msg("Successfully flushed batch")
			return
		}
		h.logger.Error().Err(err).Int("batch_size", len(records)).Int("attempt", attempt).Msg("Failed to send batch")

		if attempt >= h.config.MaxAttempts {
			h.metrics.RecordsRejected("sink", len(records))
			h.logger.Error().Int("batch_size", len(records)).Msg("Giving up on batch after repeated failures, records dropped.")
			return
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-interrupt:
			h.batch = append(records, h.batch...)
			return
		case <-ctx.Done():
			if interrupt != nil {
				// Run is about to drain; the records get one more try there.
				h.batch = append(records, h.batch...)
				return
			}
			h.metrics.RecordsRejected("sink", len(records))
			h.logger.Error().Int("batch_size", len(records)).Msg("Context done while retrying, records dropped.")
			return
		}
	}
}
