package transport_test

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/randalmurphal/eventfabric/pkg/eventfabric/errors"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/event"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/transport"
)

// startTestNATS starts an embedded NATS server and returns its client URL.
func startTestNATS(t *testing.T) string {
	t.Helper()
	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}
	return srv.ClientURL()
}

func dialTest(t *testing.T, url, prefix string) *transport.NATS {
	t.Helper()
	tr, err := transport.DialNATS(context.Background(), transport.NATSConfig{
		URL:           url,
		SubjectPrefix: prefix,
		ConnectRetry:  &ferrors.NoRetry,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestNATS_Contract(t *testing.T) {
	url := startTestNATS(t)
	transportContract(t, dialTest(t, url, "test"), dialTest(t, url, "test"))
}

func TestNATS_NoResponders(t *testing.T) {
	url := startTestNATS(t)
	tr := dialTest(t, url, "test")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := tr.Query(ctx, "n-gone", &transport.QueryRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, nats.ErrNoResponders)
	assert.True(t, ferrors.IsUnreachable(err))
}

func TestNATS_PrefixesIsolateGrids(t *testing.T) {
	url := startTestNATS(t)
	a := dialTest(t, url, "grid-a")
	b := dialTest(t, url, "grid-b")

	stop, err := b.Serve("n-b", newFakeHandler("n-b", event.New(event.TaskStarted, "n-b")))
	require.NoError(t, err)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = a.Query(ctx, "n-b", &transport.QueryRequest{Filter: typedSpec(t, event.TaskStarted)})
	assert.Error(t, err)

	recs, err := b.Query(ctx, "n-b", &transport.QueryRequest{Filter: typedSpec(t, event.TaskStarted)})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestNATS_StopServing(t *testing.T) {
	url := startTestNATS(t)
	tr := dialTest(t, url, "test")

	stop, err := tr.Serve("n-b", newFakeHandler("n-b"))
	require.NoError(t, err)
	stop()
	stop()
	require.NoError(t, tr.Conn().Flush())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = tr.Query(ctx, "n-b", &transport.QueryRequest{})
	assert.True(t, ferrors.IsUnreachable(err))
}

func TestDialNATS_Unreachable(t *testing.T) {
	_, err := transport.DialNATS(context.Background(), transport.NATSConfig{
		URL:          "nats://127.0.0.1:1",
		ConnectRetry: &ferrors.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond},
	})
	require.Error(t, err)

	var ce *ferrors.CategorizedError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 2, ce.Attempts)
}
