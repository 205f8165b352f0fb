package nats

import (
	"context"
	"os"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const defaultTestImage = "nats:latest"

type Testing interface {
	require.TestingT
	Context() context.Context
	Logf(format string, args ...any)
	Cleanup(func())
}

// NewTestContainer starts a throwaway NATS server with JetStream enabled
// and returns a Connector for it. The image can be pinned via
// NATS_TEST_IMAGE. The container is terminated on test cleanup.
func NewTestContainer(t Testing) Connector {
	ctx := t.Context()
	image := os.Getenv("NATS_TEST_IMAGE")
	if image == "" {
		image = defaultTestImage
	}

	natsC, err := testcontainers.Run(
		ctx, image,
		testcontainers.WithCmd("-js"),
		testcontainers.WithExposedPorts("4222/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("4222/tcp"),
			wait.ForLog("Server is ready"),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(natsC); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	ip, err := natsC.ContainerIP(ctx)
	require.NoError(t, err)

	url := "nats://" + ip + ":4222"
	t.Logf("nats url: %s", url)
	waitForJetStream(t, url)
	return ConnectURL(url)
}

// waitForJetStream blocks until the server answers JetStream account
// requests. The "Server is ready" log line can precede JetStream accepting
// API calls by a moment.
func waitForJetStream(t Testing, url string) {
	nc, err := natsgo.Connect(url)
	require.NoError(t, err)
	defer nc.Close()

	js, err := jetstream.New(nc)
	require.NoError(t, err)

	deadline := time.Now().Add(30 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
		_, err = js.AccountInfo(ctx)
		cancel()
		if err == nil {
			return
		}
		if time.Now().After(deadline) {
			require.NoError(t, err, "jetstream not ready")
		}
		time.Sleep(200 * time.Millisecond)
	}
}
