// Package sinks holds the harvester destinations: structured logs, Google
// Pub/Sub, Kafka and the HTTP sensor ingestion API.
package sinks

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/illmade-knight/lorawan-bridge/pkg/types"
)

// deviceKey is the message key and attribute used for per-device ordering
// downstream.
func deviceKey(rec types.SensorRecord) string {
	return fmt.Sprintf("%012x", rec.DeviceID)
}

func recordAttributes(rec types.SensorRecord) map[string]string {
	return map[string]string{
		"device_id":   deviceKey(rec),
		"sensor_type": strconv.Itoa(rec.SensorType),
	}
}

func marshalRecord(rec types.SensorRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal sensor record: %w", err)
	}
	return data, nil
}
