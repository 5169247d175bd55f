package loadgen

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/lorawan-bridge/pkg/types"
)

// SensorSpec describes one simulated reading: a decoded-object key and the
// range its values are drawn from.
type SensorSpec struct {
	Key string
	Min float64
	Max float64
}

// DefaultSensors mirrors a typical environmental sensor codec.
func DefaultSensors() []SensorSpec {
	return []SensorSpec{
		{Key: "temperature", Min: -10, Max: 35},
		{Key: "humidity", Min: 20, Max: 95},
		{Key: "battery", Min: 3.0, Max: 3.6},
	}
}

// UplinkGenerator produces ChirpStack v4 uplink events whose object holds one
// value per sensor, rounded to two decimals.
type UplinkGenerator struct {
	Sensors []SensorSpec
	FPort   int
	// Now is the event clock; time.Now when nil.
	Now func() time.Time

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewUplinkGenerator creates a generator seeded with seed, so a run can be
// reproduced.
func NewUplinkGenerator(sensors []SensorSpec, seed int64) *UplinkGenerator {
	return &UplinkGenerator{
		Sensors: sensors,
		FPort:   2,
		rnd:     rand.New(rand.NewSource(seed)),
	}
}

// GeneratePayload implements PayloadGenerator.
func (g *UplinkGenerator) GeneratePayload(device *Device) ([]byte, error) {
	if device == nil || device.EUI == "" {
		return nil, fmt.Errorf("device EUI is required")
	}

	object := make(map[string]float64, len(g.Sensors))
	g.mu.Lock()
	if g.rnd == nil {
		g.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	for _, s := range g.Sensors {
		v := s.Min + g.rnd.Float64()*(s.Max-s.Min)
		object[s.Key] = math.Round(v*100) / 100
	}
	g.mu.Unlock()

	objectJSON, err := json.Marshal(object)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal object: %w", err)
	}

	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	event := types.UplinkEvent{
		DeduplicationID: uuid.NewString(),
		Time:            now().UTC().Format(time.RFC3339Nano),
		DeviceInfo: &types.DeviceInfo{
			ApplicationID: device.ApplicationID,
			DeviceName:    "sim-" + device.EUI,
			DevEUI:        device.EUI,
		},
		FPort:  g.FPort,
		Object: objectJSON,
	}
	return json.Marshal(event)
}

// NewDevices creates n devices with sequential EUIs starting at baseEUI,
// all sharing gen and rate.
func NewDevices(n int, baseEUI uint64, applicationID string, rate float64, gen PayloadGenerator) []*Device {
	devices := make([]*Device, n)
	for i := range devices {
		devices[i] = &Device{
			EUI:              fmt.Sprintf("%016x", baseEUI+uint64(i)),
			ApplicationID:    applicationID,
			MessageRate:      rate,
			PayloadGenerator: gen,
		}
	}
	return devices
}
