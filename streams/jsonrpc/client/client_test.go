package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	pmamm "github.com/defistate/pmamm-router-go/protocols/pmamm"
	"github.com/defistate/pmamm-router-go/router"
	"github.com/defistate/pmamm-router-go/rpcapi"
	"github.com/defistate/pmamm-router-go/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test Helpers & Data Generation ---

func examplePools() []pmamm.Pool {
	return []pmamm.Pool{
		{ID: 1, X: big.NewInt(100), Y: big.NewInt(300)},
		{ID: 2, X: big.NewInt(200), Y: big.NewInt(150)},
		{ID: 3, X: big.NewInt(50), Y: big.NewInt(400)},
	}
}

func mustEvent(t *testing.T, eventType string, payload any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	raw, err := json.Marshal(rpcapi.SubscriptionEvent{Type: eventType, Payload: data, SentAt: time.Now().UnixNano()})
	require.NoError(t, err)
	return raw
}

func fullEvent(t *testing.T, sequence uint64) json.RawMessage {
	return mustEvent(t, rpcapi.EventTypeFull, session.State{
		Sequence:  sequence,
		Timestamp: uint64(time.Now().UnixNano()),
		Pools:     examplePools(),
	})
}

func diffEvent(t *testing.T, from uint64, diff pmamm.PMAMMSystemDiff) json.RawMessage {
	return mustEvent(t, rpcapi.EventTypeDiff, session.Update{
		FromSequence: from,
		ToSequence:   from + 1,
		Timestamp:    uint64(time.Now().UnixNano()),
		Diff:         diff,
	})
}

func requirePoolsEqual(t *testing.T, want, got []pmamm.Pool) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.Equal(t, want[i].FeeBps, got[i].FeeBps)
		assert.Zero(t, want[i].X.Cmp(got[i].X), "pool %d x", want[i].ID)
		assert.Zero(t, want[i].Y.Cmp(got[i].Y), "pool %d y", want[i].ID)
	}
}

func receiveState(t *testing.T, states <-chan *session.State) *session.State {
	t.Helper()
	select {
	case state := <-states:
		return state
	case <-time.After(2 * time.Second):
		t.Fatal("Test timed out waiting for state")
		return nil
	}
}

func newTestServer(t *testing.T) (*session.Session, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := router.NewRouter(&router.Config{Logger: logger, Registry: prometheus.NewRegistry()})
	require.NoError(t, err)
	s, err := session.NewSession(&session.Config{Pools: examplePools(), Router: r, Logger: logger})
	require.NoError(t, err)

	srv, err := rpcapi.NewServer(s)
	require.NoError(t, err)
	httpServer := httptest.NewServer(srv.WebsocketHandler([]string{"*"}))
	t.Cleanup(func() {
		srv.Stop()
		httpServer.Close()
	})
	return s, "ws" + strings.TrimPrefix(httpServer.URL, "http")
}

// --- StreamProcessor Tests ---

func TestStreamProcessor_FullAndDiffFlow(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sp := NewStreamProcessor(logger, 10)

	require.NoError(t, sp.ProcessMessage(fullEvent(t, 7)))
	state := receiveState(t, sp.State())
	assert.Equal(t, uint64(7), state.Sequence)
	requirePoolsEqual(t, examplePools(), state.Pools)

	diff := pmamm.PMAMMSystemDiff{
		Updates:   []pmamm.Pool{{ID: 1, X: big.NewInt(17), Y: big.NewInt(364)}},
		Deletions: []uint64{3},
		Additions: []pmamm.Pool{{ID: 4, X: big.NewInt(5), Y: big.NewInt(6)}},
	}
	require.NoError(t, sp.ProcessMessage(diffEvent(t, 7, diff)))
	state = receiveState(t, sp.State())
	assert.Equal(t, uint64(8), state.Sequence)
	requirePoolsEqual(t, []pmamm.Pool{
		{ID: 1, X: big.NewInt(17), Y: big.NewInt(364)},
		{ID: 2, X: big.NewInt(200), Y: big.NewInt(150)},
		{ID: 4, X: big.NewInt(5), Y: big.NewInt(6)},
	}, state.Pools)

	t.Run("Emitted States Are Independent", func(t *testing.T) {
		state.Pools[0].X.SetInt64(1)
		require.NoError(t, sp.ProcessMessage(diffEvent(t, 8, pmamm.PMAMMSystemDiff{Deletions: []uint64{4}})))
		next := receiveState(t, sp.State())
		assert.Equal(t, int64(17), next.Pools[0].X.Int64())
		assert.Len(t, next.Pools, 2)
	})
}

func TestStreamProcessor_ValidationErrors(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sp := NewStreamProcessor(logger, 10)

	// 1. Diff before Full
	err := sp.ProcessMessage(diffEvent(t, 0, pmamm.PMAMMSystemDiff{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "received diff before full state")

	// 2. Malformed JSON
	require.Error(t, sp.ProcessMessage([]byte(`{not-json}`)))

	// 3. Unknown event type
	err = sp.ProcessMessage(mustEvent(t, "partial", struct{}{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event type")

	// 4. Invalid reserves in a full state
	err = sp.ProcessMessage(mustEvent(t, rpcapi.EventTypeFull, session.State{
		Pools: []pmamm.Pool{{ID: 1, X: big.NewInt(0), Y: big.NewInt(1)}},
	}))
	assert.ErrorIs(t, err, pmamm.ErrOutOfRange)

	// 5. Diff that cannot be patched
	require.NoError(t, sp.ProcessMessage(fullEvent(t, 0)))
	<-sp.State()
	err = sp.ProcessMessage(diffEvent(t, 0, pmamm.PMAMMSystemDiff{
		Updates: []pmamm.Pool{{ID: 1, X: big.NewInt(1), Y: big.NewInt(0)}},
	}))
	assert.Error(t, err)

	select {
	case <-sp.State():
		t.Fatal("Should not emit state for a rejected message")
	default:
	}
}

func TestStreamProcessor_OutOfOrderDiff(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sp := NewStreamProcessor(logger, 10)

	require.NoError(t, sp.ProcessMessage(fullEvent(t, 100)))
	<-sp.State() // Drain

	// Should not error, but log warn and not emit state
	require.NoError(t, sp.ProcessMessage(diffEvent(t, 105, pmamm.PMAMMSystemDiff{Deletions: []uint64{1}})))

	select {
	case <-sp.State():
		t.Fatal("Should not emit state for out-of-order diff")
	default:
		// OK
	}

	t.Run("Full State Resynchronizes", func(t *testing.T) {
		require.NoError(t, sp.ProcessMessage(fullEvent(t, 105)))
		assert.Equal(t, uint64(105), receiveState(t, sp.State()).Sequence)

		require.NoError(t, sp.ProcessMessage(diffEvent(t, 105, pmamm.PMAMMSystemDiff{Deletions: []uint64{1}})))
		state := receiveState(t, sp.State())
		assert.Equal(t, uint64(106), state.Sequence)
		assert.Len(t, state.Pools, 2)
	})
}

// --- Client Tests ---

func TestNewClient_Config(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	testCases := []struct {
		name string
		cfg  Config
	}{
		{name: "Missing URL", cfg: Config{Logger: logger, BufferSize: 1}},
		{name: "Zero Buffer", cfg: Config{URL: "ws://localhost:1", Logger: logger}},
		{name: "Missing Logger", cfg: Config{URL: "ws://localhost:1", BufferSize: 1}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewClient(context.Background(), tc.cfg)
			assert.Error(t, err)
		})
	}
}

func TestClient_ReplicatesSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, url := newTestServer(t)
	client, err := NewClient(ctx, Config{
		URL:        url,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		BufferSize: 10,
	})
	require.NoError(t, err)

	state := receiveState(t, client.State())
	assert.Equal(t, uint64(0), state.Sequence)
	requirePoolsEqual(t, examplePools(), state.Pools)

	_, err = s.Execute(0, big.NewInt(1000))
	require.NoError(t, err)
	require.NoError(t, s.ApplyDiff(pmamm.PMAMMSystemDiff{
		Additions: []pmamm.Pool{{ID: 9, X: big.NewInt(10), Y: big.NewInt(20)}},
	}))

	for want := uint64(1); want <= 2; want++ {
		state = receiveState(t, client.State())
		assert.Equal(t, want, state.Sequence)
	}
	requirePoolsEqual(t, s.Pools(), state.Pools)
	assert.Equal(t, int64(17), state.Pools[0].X.Int64())
}

func TestClient_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	// nothing listens on port 1, so the client keeps retrying
	client, err := NewClient(ctx, Config{
		URL:        "ws://127.0.0.1:1",
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		BufferSize: 1,
	})
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-client.Err():
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop after cancel")
	}
}
