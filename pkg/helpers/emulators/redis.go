package emulators

import (
	"context"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testRedisImage = "redis:6-alpine"
	testRedisPort  = "6379/tcp"
)

func GetDefaultRedisImageContainer() ImageContainer {
	return ImageContainer{
		EmulatorImage:    testRedisImage,
		EmulatorHTTPPort: testRedisPort,
	}
}

// SetupRedisContainer starts Redis; EmulatorAddress is host:port.
func SetupRedisContainer(t *testing.T, ctx context.Context, cfg ImageContainer) *EmulatorConnection {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        cfg.EmulatorImage,
		ExposedPorts: []string{cfg.EmulatorHTTPPort},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}
	addr := startContainer(t, ctx, req, cfg.EmulatorHTTPPort)
	t.Logf("Redis container started, listening on: %s", addr)
	return &EmulatorConnection{EmulatorAddress: addr}
}
