package sinks

import (
	"context"

	"github.com/illmade-knight/lorawan-bridge/pkg/types"
	"github.com/rs/zerolog"
)

// LogSink writes every record as a structured log line. It is the default
// sink and is useful for dry runs against a live broker.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "LogSink").Logger()}
}

func (s *LogSink) Send(ctx context.Context, records []types.SensorRecord) error {
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.logger.Info().
			Uint64("device_id", rec.DeviceID).
			Int("sensor_type", rec.SensorType).
			Float64("value", rec.Value).
			Int64("timestamp_ms", rec.TimestampMs).
			Msg("Sensor record")
	}
	return nil
}

func (s *LogSink) Close() error { return nil }
