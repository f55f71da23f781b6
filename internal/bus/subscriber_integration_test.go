//go:build integration

package bus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"iiot-gateway/internal/data"
)

func startNATS(ctx context.Context, t *testing.T) string {
	t.Helper()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.10-alpine",
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)
	return fmt.Sprintf("nats://%s:%s", host, port.Port())
}

func TestIntegration_PublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	url := startNATS(ctx, t)

	h := &recordingHandler{}
	s := NewSubscriber(Config{URL: url}, h, nil)
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()
	pub := NewPublisher(nc, DefaultSubject, true)

	r := data.RawReading{MachineID: "M1", Temperature: 70.0, Pressure: 4.0, Status: "RUNNING", Timestamp: time.Now().UTC()}
	require.Eventually(t, func() bool {
		_ = pub.Publish(r)
		_ = nc.Flush()
		return len(h.Calls()) > 0
	}, 10*time.Second, 100*time.Millisecond)

	got := h.Calls()[0]
	assert.Equal(t, data.ContentTypeMsgpack, got.contentType)
	assert.Equal(t, SourceBus, got.source)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}
