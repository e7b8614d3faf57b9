package rpcapi

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/defistate/pmamm-router-go/session"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nextEvent(t *testing.T, events <-chan *SubscriptionEvent) *SubscriptionEvent {
	t.Helper()
	select {
	case event := <-events:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream event")
		return nil
	}
}

func TestAPI_SubscribeStateStream(t *testing.T) {
	c := newInprocClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan *SubscriptionEvent, 8)
	sub, err := c.Subscribe(ctx, Namespace, events, StateStreamSubscriptionMethod)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	full := nextEvent(t, events)
	require.Equal(t, EventTypeFull, full.Type)
	assert.NotZero(t, full.SentAt)

	var state session.State
	require.NoError(t, json.Unmarshal(full.Payload, &state))
	assert.Equal(t, uint64(0), state.Sequence)
	require.Len(t, state.Pools, 3)
	assert.Equal(t, int64(100), state.Pools[0].X.Int64())

	var receipt ReceiptView
	require.NoError(t, c.Call(&receipt, "pmamm_execute", 0, (*hexutil.Big)(big.NewInt(1000))))

	diff := nextEvent(t, events)
	require.Equal(t, EventTypeDiff, diff.Type)

	var update session.Update
	require.NoError(t, json.Unmarshal(diff.Payload, &update))
	assert.Equal(t, uint64(0), update.FromSequence)
	assert.Equal(t, uint64(1), update.ToSequence)
	require.Len(t, update.Diff.Updates, 3)
	assert.Equal(t, int64(17), update.Diff.Updates[0].X.Int64())
	assert.Equal(t, int64(364), update.Diff.Updates[0].Y.Int64())
}
