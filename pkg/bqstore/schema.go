// Package bqstore streams harvested sensor records into Google BigQuery.
package bqstore

import (
	"fmt"

	"cloud.google.com/go/bigquery"
	"github.com/illmade-knight/lorawan-bridge/pkg/dedupe"
	"github.com/illmade-knight/lorawan-bridge/pkg/types"
)

// SensorRecordSchema is the table layout for sensor records. The schema is
// declared rather than inferred because BigQuery has no unsigned 64-bit type.
var SensorRecordSchema = bigquery.Schema{
	{Name: "device_id", Type: bigquery.IntegerFieldType, Required: true},
	{Name: "device_hex", Type: bigquery.StringFieldType, Required: true},
	{Name: "sensor_type", Type: bigquery.IntegerFieldType, Required: true},
	{Name: "value", Type: bigquery.FloatFieldType, Required: true},
	{Name: "timestamp_ms", Type: bigquery.IntegerFieldType, Required: true},
	{Name: "recorded_at", Type: bigquery.TimestampFieldType, Required: true},
}

// SensorRow adapts a SensorRecord to bigquery.ValueSaver.
type SensorRow struct {
	Record types.SensorRecord
}

// Save implements bigquery.ValueSaver. The insert id is the dedupe key, so
// BigQuery's best-effort deduplication drops re-sent rows.
func (r *SensorRow) Save() (map[string]bigquery.Value, string, error) {
	rec := r.Record
	return map[string]bigquery.Value{
		"device_id":    int64(rec.DeviceID),
		"device_hex":   fmt.Sprintf("%012x", rec.DeviceID),
		"sensor_type":  rec.SensorType,
		"value":        rec.Value,
		"timestamp_ms": rec.TimestampMs,
		"recorded_at":  rec.Time(),
	}, dedupe.Key(rec), nil
}
