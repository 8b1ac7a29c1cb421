// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"sentryproxy.dev/sentryproxy/internal/store"
)

func newTestPubSub(t *testing.T) *PubSub {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewPubSub(client, "test-channel")
}

func TestPubSubFansOutNodeToOtherReplica(t *testing.T) {
	ps := newTestPubSub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan store.NodeRecord, 1)
	ps.Subscribe(ctx, "replica-b", func(n store.NodeRecord) { received <- n },
		func(EndpointPush) {}, func(BlacklistPush) {})

	// give the subscriber goroutine time to establish its channel.
	time.Sleep(50 * time.Millisecond)

	rec := store.NodeRecord{ID: "node-1", Name: "edge-01"}
	require.NoError(t, ps.PublishNode(ctx, "replica-a", rec))

	select {
	case got := <-received:
		require.Equal(t, rec.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fanned-out node registration")
	}
}

func TestPubSubIgnoresSelfOriginatedMessages(t *testing.T) {
	ps := newTestPubSub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan struct{}, 1)
	ps.Subscribe(ctx, "replica-a", func(store.NodeRecord) { received <- struct{}{} },
		func(EndpointPush) {}, func(BlacklistPush) {})

	time.Sleep(50 * time.Millisecond)

	require.NoError(t, ps.PublishNode(ctx, "replica-a", store.NodeRecord{ID: "node-1"}))

	select {
	case <-received:
		t.Fatal("self-originated message should have been dropped")
	case <-time.After(200 * time.Millisecond):
	}
}
