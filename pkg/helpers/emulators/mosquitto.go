package emulators

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	// 1.6 accepts anonymous connections on all interfaces without a config file.
	testMosquittoImage = "eclipse-mosquitto:1.6"
	testMosquittoPort  = "1883/tcp"
)

func GetDefaultMqttImageContainer() ImageContainer {
	return ImageContainer{
		EmulatorImage:    testMosquittoImage,
		EmulatorHTTPPort: testMosquittoPort,
	}
}

// SetupMosquittoContainer starts an MQTT broker; EmulatorAddress is a tcp:// broker URL.
func SetupMosquittoContainer(t *testing.T, ctx context.Context, cfg ImageContainer) *EmulatorConnection {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        cfg.EmulatorImage,
		ExposedPorts: []string{cfg.EmulatorHTTPPort},
		WaitingFor:   wait.ForListeningPort(nat.Port(cfg.EmulatorHTTPPort)).WithStartupTimeout(60 * time.Second),
	}
	addr := startContainer(t, ctx, req, cfg.EmulatorHTTPPort)
	t.Logf("Mosquitto container started, listening on: %s", addr)
	return &EmulatorConnection{EmulatorAddress: "tcp://" + addr}
}

// CreateTestMqttPublisher connects a plain paho client for publishing test uplinks.
func CreateTestMqttPublisher(brokerURL, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetConnectTimeout(10 * time.Second)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("test publisher connect: %w", token.Error())
	}
	if !client.IsConnected() {
		return nil, fmt.Errorf("test publisher did not connect to %s", brokerURL)
	}
	return client, nil
}
