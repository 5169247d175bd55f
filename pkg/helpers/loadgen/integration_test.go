//go:build integration

package loadgen_test

import (
	"context"
	"testing"
	"time"

	"github.com/illmade-knight/lorawan-bridge/pkg/helpers/emulators"
	"github.com/illmade-knight/lorawan-bridge/pkg/helpers/loadgen"
	"github.com/illmade-knight/lorawan-bridge/pkg/mqttconverter"
	"github.com/illmade-knight/lorawan-bridge/pkg/queue"
	"github.com/illmade-knight/lorawan-bridge/pkg/shutdown"
	"github.com/illmade-knight/lorawan-bridge/pkg/typemap"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadGenerator_Integration_ToSubscriber(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	mqttConnection := emulators.SetupMosquittoContainer(t, ctx, emulators.GetDefaultMqttImageContainer())
	logger := zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.InfoLevel)

	signal := shutdown.New()
	defer signal.Set()
	tm, err := typemap.Parse([]string{"temperature:1", "humidity:2", "battery:3"})
	require.NoError(t, err)
	q := queue.New(queue.DefaultConfig(), signal.Done(), logger)
	decoder, err := mqttconverter.NewDecoder(tm, q, mqttconverter.DecoderConfig{}, logger)
	require.NoError(t, err)

	mqttCfg := mqttconverter.DefaultMQTTClientConfig()
	mqttCfg.BrokerURL = mqttConnection.EmulatorAddress
	subscriber, err := mqttconverter.NewSubscriberService(mqttCfg, decoder, signal, logger, mqttconverter.DefaultSubscriberServiceConfig())
	require.NoError(t, err)
	go func() { _ = subscriber.Run(ctx) }()
	require.Eventually(t, func() bool { return subscriber.Subscriptions() >= 1 }, 20*time.Second, 100*time.Millisecond)

	client := loadgen.NewMqttClient(loadgen.MqttClientConfig{BrokerURL: mqttConnection.EmulatorAddress, QoS: 1}, logger)
	devices := loadgen.NewDevices(3, 0x0080e11500000001, "sim", 10, loadgen.NewUplinkGenerator(loadgen.DefaultSensors(), 1))
	published, err := loadgen.NewLoadGenerator(client, devices, logger).Run(ctx, time.Second)
	require.NoError(t, err)
	require.Greater(t, published, 0)

	// Three sensors per uplink.
	require.Eventually(t, func() bool { return q.Len() == published*3 }, 20*time.Second, 100*time.Millisecond)
	assert.Zero(t, q.Dropped())
}
