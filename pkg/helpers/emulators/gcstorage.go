package emulators

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"google.golang.org/api/option"
)

type GCSConfig struct {
	GCImageContainer
	BaseBucket string
}

const (
	testGCSEmulatorImage = "fsouza/fake-gcs-server:1.49"
	testGCSHTTPPort      = "4443"
)

func GetDefaultGCSConfig(projectID, bucket string) GCSConfig {
	return GCSConfig{
		GCImageContainer: GCImageContainer{
			ImageContainer: ImageContainer{
				EmulatorImage:    testGCSEmulatorImage,
				EmulatorHTTPPort: testGCSHTTPPort,
			},
			ProjectID: projectID,
		},
		BaseBucket: bucket,
	}
}

// SetupGCSEmulator starts fake-gcs-server over plain HTTP and creates the
// base bucket.
func SetupGCSEmulator(t *testing.T, ctx context.Context, cfg GCSConfig) *EmulatorConnection {
	t.Helper()
	httpPort := fmt.Sprintf("%s/tcp", cfg.EmulatorHTTPPort)
	req := testcontainers.ContainerRequest{
		Image:        cfg.EmulatorImage,
		ExposedPorts: []string{httpPort},
		Cmd:          []string{"-scheme", "http", "-port", cfg.EmulatorHTTPPort},
		WaitingFor: wait.ForHTTP("/storage/v1/b").WithPort(nat.Port(httpPort)).WithStatusCodeMatcher(
			func(status int) bool {
				return status > 0
			}).WithStartupTimeout(30 * time.Second),
	}
	addr := startContainer(t, ctx, req, httpPort)
	endpoint := fmt.Sprintf("http://%s/storage/v1/", addr)
	if cfg.SetEnvVariables {
		t.Setenv("STORAGE_EMULATOR_HOST", addr)
	}

	opts := []option.ClientOption{option.WithEndpoint(endpoint), option.WithoutAuthentication(), option.WithHTTPClient(&http.Client{})}
	client, err := storage.NewClient(ctx, opts...)
	require.NoError(t, err)
	defer client.Close()

	if cfg.BaseBucket != "" {
		require.NoError(t, client.Bucket(cfg.BaseBucket).Create(ctx, cfg.ProjectID, nil))
	}
	return &EmulatorConnection{EmulatorAddress: endpoint, ClientOptions: opts}
}
