package testsupport

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hungshinlee/whisper-for-subs/internal/bus"
	"github.com/hungshinlee/whisper-for-subs/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

// Logger returns a discarding slog logger for tests.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// StartBus runs an in-process NATS server on a random port and returns a
// connected client. Both are torn down with the test.
func StartBus(t *testing.T) *bus.Client {
	t.Helper()

	opts := &server.Options{Host: "127.0.0.1", Port: server.RANDOM_PORT}
	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("create test nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("test nats server did not start")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	client, err := bus.Connect(config.BusConfig{
		Servers:        []string{ns.ClientURL()},
		ConnectTimeout: 2000,
	}, Logger())
	if err != nil {
		t.Fatalf("connect test bus: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}
