// Package loadgen simulates LoRaWAN devices by publishing ChirpStack-style
// uplink events to an MQTT broker.
package loadgen

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Device is one simulated end device.
type Device struct {
	// EUI is the 16 hex digit device EUI-64.
	EUI              string
	ApplicationID    string
	MessageRate      float64
	PayloadGenerator PayloadGenerator
}

// LoadGenerator runs every device at its own rate for a fixed duration.
type LoadGenerator struct {
	client         Client
	devices        []*Device
	logger         zerolog.Logger
	publishedCount int64
}

// NewLoadGenerator creates a new LoadGenerator.
func NewLoadGenerator(client Client, devices []*Device, logger zerolog.Logger) *LoadGenerator {
	return &LoadGenerator{
		client:  client,
		devices: devices,
		logger:  logger.With().Str("component", "LoadGenerator").Logger(),
	}
}

// Run returns the number of successfully published messages. It stops when
// duration elapses or ctx is done; cancellation is not an error.
func (lg *LoadGenerator) Run(ctx context.Context, duration time.Duration) (int, error) {
	atomic.StoreInt64(&lg.publishedCount, 0)
	lg.logger.Info().Int("num_devices", len(lg.devices)).Dur("duration", duration).Msg("Starting load generator")

	if err := lg.client.Connect(); err != nil {
		lg.logger.Error().Err(err).Msg("Failed to connect client")
		return 0, err
	}
	defer lg.client.Disconnect()

	runCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	var wg sync.WaitGroup
	for _, device := range lg.devices {
		wg.Add(1)
		go func(d *Device) {
			defer wg.Done()
			lg.runDevice(runCtx, d)
		}(device)
	}

	wg.Wait()
	finalCount := int(atomic.LoadInt64(&lg.publishedCount))
	lg.logger.Info().Int("successful_publishes", finalCount).Msg("Load generator finished")
	return finalCount, nil
}

func (lg *LoadGenerator) runDevice(ctx context.Context, device *Device) {
	if device.MessageRate <= 0 {
		lg.logger.Warn().Str("dev_eui", device.EUI).Msg("Device has a message rate of 0, no messages will be sent")
		return
	}

	interval := time.Duration(float64(time.Second) / device.MessageRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lg.logger.Debug().Str("dev_eui", device.EUI).Float64("rate_hz", device.MessageRate).Dur("interval", interval).Msg("Device starting")

	for {
		select {
		case <-ctx.Done():
			lg.logger.Debug().Str("dev_eui", device.EUI).Msg("Device stopping")
			return
		case <-ticker.C:
			if ok, err := lg.client.Publish(ctx, device); err != nil {
				lg.logger.Error().Err(err).Str("dev_eui", device.EUI).Msg("Failed to publish message")
			} else if ok {
				atomic.AddInt64(&lg.publishedCount, 1)
			}
		}
	}
}
