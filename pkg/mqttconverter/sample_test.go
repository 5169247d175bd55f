package mqttconverter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/illmade-knight/lorawan-bridge/pkg/shutdown"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSampler(t *testing.T, n int, signal *shutdown.Signal) (*Sampler, *fakeClient) {
	t.Helper()
	cfg := DefaultMQTTClientConfig()
	cfg.Topic = ""
	sampler := NewSampler(cfg, n, signal, zerolog.New(zerolog.NewTestWriter(t)))
	client := newFakeClient()
	sampler.newClient = client.factory()
	return sampler, client
}

func TestSampler_CapturesTargetCount(t *testing.T) {
	sampler, client := newTestSampler(t, 2, nil)
	assert.Equal(t, "#", sampler.config.Topic)

	done := make(chan error, 1)
	go func() { done <- sampler.Run(context.Background()) }()
	require.Eventually(t, func() bool { return client.subscribeCount() == 1 }, time.Second, 5*time.Millisecond)

	client.deliver("application/1/device/2/event/up", []byte(`{"object":{"temp":21.5}}`))
	client.deliver("gateway/xyz/stats", []byte("not json"))
	client.deliver("application/1/device/2/event/up", []byte(`{"ignored":true}`))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sampler did not stop after reaching its target count")
	}

	msgs := sampler.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "application-uplink", msgs[0].Class)
	assert.JSONEq(t, `{"object":{"temp":21.5}}`, string(msgs[0].Payload))
	assert.Equal(t, "gateway", msgs[1].Class)
	assert.Equal(t, `"not json"`, string(msgs[1].Payload))
	assert.Equal(t, 1, client.disconnectCount())

	var buf bytes.Buffer
	require.NoError(t, sampler.WriteJSON(&buf))
	var decoded []CapturedMessage
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Len(t, decoded, 2)
}

func TestSampler_StopsOnSignal(t *testing.T) {
	signal := shutdown.New()
	sampler, client := newTestSampler(t, 10, signal)

	done := make(chan error, 1)
	go func() { done <- sampler.Run(context.Background()) }()
	require.Eventually(t, func() bool { return client.subscribeCount() == 1 }, time.Second, 5*time.Millisecond)

	signal.Set()
	require.NoError(t, <-done)
	assert.Empty(t, sampler.Messages())
}

func TestSampler_StopsOnContext(t *testing.T) {
	sampler, _ := newTestSampler(t, 10, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, sampler.Run(ctx))
}

func TestSampler_ConnectFailure(t *testing.T) {
	sampler, client := newTestSampler(t, 1, nil)
	client.connectErr = errors.New("connection refused")

	err := sampler.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}
