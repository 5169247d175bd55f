// Package dedupe drops repeated (device, sensor type, timestamp) readings,
// which ChirpStack can emit when an uplink is received by several gateways or
// replayed after a reconnect.
package dedupe

import (
	"context"
	"fmt"
	"io"

	"github.com/illmade-knight/lorawan-bridge/pkg/types"
)

// Filter decides whether a record has been seen before. Implementations must
// be safe for concurrent use: the decoder calls them from paho's goroutines.
type Filter interface {
	// Seen marks rec as seen and reports whether it already was.
	Seen(ctx context.Context, rec types.SensorRecord) (bool, error)
	// Forget removes the mark left by Seen for a record that was never
	// delivered, so a retransmission of it is accepted.
	Forget(ctx context.Context, rec types.SensorRecord) error
	io.Closer
}

// Key is the identity of a reading.
func Key(rec types.SensorRecord) string {
	return fmt.Sprintf("%012x:%d:%d", rec.DeviceID, rec.SensorType, rec.TimestampMs)
}

// NoopFilter treats every record as new.
type NoopFilter struct{}

func (NoopFilter) Seen(context.Context, types.SensorRecord) (bool, error) { return false, nil }
func (NoopFilter) Forget(context.Context, types.SensorRecord) error { return nil }
func (NoopFilter) Close() error { return nil }
