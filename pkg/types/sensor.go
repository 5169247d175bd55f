package types

import "time"

// SensorRecord is one normalized reading extracted from a device uplink.
// It is created by the uplink decoder and consumed exactly once by the harvester.
type SensorRecord struct {
	// DeviceID is the lower 48 bits of the device EUI-64.
	DeviceID uint64 `json:"device_id"`
	// SensorType is the integer code the ingestion API uses for this reading.
	SensorType int `json:"sensor_type"`
	// Value is the reading, always coerced to floating point.
	Value float64 `json:"value"`
	// TimestampMs is milliseconds since the Unix epoch, UTC.
	TimestampMs int64 `json:"timestamp"`
}

// Time returns the record timestamp as a UTC time.Time.
func (r SensorRecord) Time() time.Time {
	return time.UnixMilli(r.TimestampMs).UTC()
}
