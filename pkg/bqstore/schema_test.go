package bqstore_test

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/illmade-knight/lorawan-bridge/pkg/bqstore"
	"github.com/illmade-knight/lorawan-bridge/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ bigquery.ValueSaver = (*bqstore.SensorRow)(nil)

func TestSensorRow_Save(t *testing.T) {
	row := &bqstore.SensorRow{Record: types.SensorRecord{
		DeviceID:    0xE1150005A3C7,
		SensorType:  1,
		Value:       21.5,
		TimestampMs: 1680696000000,
	}}

	values, insertID, err := row.Save()
	require.NoError(t, err)

	assert.Equal(t, "e1150005a3c7:1:1680696000000", insertID)
	assert.Equal(t, int64(0xE1150005A3C7), values["device_id"])
	assert.Equal(t, "e1150005a3c7", values["device_hex"])
	assert.Equal(t, 1, values["sensor_type"])
	assert.Equal(t, 21.5, values["value"])
	assert.Equal(t, int64(1680696000000), values["timestamp_ms"])
	assert.Equal(t, time.Date(2023, 4, 5, 12, 0, 0, 0, time.UTC), values["recorded_at"])
}

func TestSensorRecordSchema_MatchesRow(t *testing.T) {
	values, _, err := (&bqstore.SensorRow{}).Save()
	require.NoError(t, err)
	require.Len(t, bqstore.SensorRecordSchema, len(values))
	for _, field := range bqstore.SensorRecordSchema {
		assert.Contains(t, values, field.Name)
		assert.True(t, field.Required, field.Name)
	}
}

func TestNewRecordInserter_Validation(t *testing.T) {
	_, err := bqstore.NewRecordInserter(context.Background(), nil, bqstore.BigQueryDatasetConfig{DatasetID: "d", TableID: "t"}, zerolog.Nop())
	assert.Error(t, err)
}
