//go:build integration

package sinks_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/lorawan-bridge/pkg/helpers/emulators"
	"github.com/illmade-knight/lorawan-bridge/pkg/sinks"
	"github.com/illmade-knight/lorawan-bridge/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPubsubProjectID = "sinks-test-project"
	testPubsubTopicID   = "sensor-records"
	testPubsubSubID     = "sensor-records-verify"
)

func TestPubsubSink_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	conn := emulators.SetupPubsubEmulator(t, ctx, emulators.GetDefaultPubsubConfig(testPubsubProjectID,
		map[string]string{testPubsubTopicID: testPubsubSubID}))
	logger := zerolog.New(zerolog.NewTestWriter(t))

	sink, err := sinks.NewPubsubSink(ctx, sinks.PubsubSinkConfig{
		ProjectID:     testPubsubProjectID,
		TopicID:       testPubsubTopicID,
		ClientOptions: conn.ClientOptions,
	}, logger)
	require.NoError(t, err)

	batch := []types.SensorRecord{
		{DeviceID: 0xE1150005A3C7, SensorType: 1, Value: 21.5, TimestampMs: 1680696000000},
		{DeviceID: 0xE1150005A3C7, SensorType: 2, Value: 40, TimestampMs: 1680696000000},
	}
	require.NoError(t, sink.Send(ctx, batch))
	require.NoError(t, sink.Close())

	client, err := pubsub.NewClient(ctx, testPubsubProjectID, conn.ClientOptions...)
	require.NoError(t, err)
	defer client.Close()

	var mu sync.Mutex
	got := make(map[int]types.SensorRecord)
	receiveCtx, stopReceive := context.WithTimeout(ctx, 30*time.Second)
	defer stopReceive()
	err = client.Subscription(testPubsubSubID).Receive(receiveCtx, func(_ context.Context, msg *pubsub.Message) {
		msg.Ack()
		var rec types.SensorRecord
		if !assert.NoError(t, json.Unmarshal(msg.Data, &rec)) {
			return
		}
		assert.Equal(t, "e1150005a3c7", msg.Attributes["device_id"])

		mu.Lock()
		defer mu.Unlock()
		got[rec.SensorType] = rec
		if len(got) == len(batch) {
			stopReceive()
		}
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, batch[0], got[1])
	assert.Equal(t, batch[1], got[2])
}
