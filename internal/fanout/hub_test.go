package fanout

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestHubJoinPublishLeave(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	a := NewSubscriber("a", 4, nil)
	b := NewSubscriber("b", 4, nil)

	require.True(t, hub.Join(RoomTopic(1), a))
	require.True(t, hub.Join(RoomTopic(1), b))
	require.True(t, hub.Join(ParticipantTopic(7), a))
	require.Equal(t, 2, hub.Subscribers(RoomTopic(1)))

	delivered := hub.Publish(context.Background(), RoomTopic(1), []byte(`{"type":"ping"}`))
	require.Equal(t, 2, delivered)
	require.Equal(t, []byte(`{"type":"ping"}`), <-a.Messages())
	require.Equal(t, []byte(`{"type":"ping"}`), <-b.Messages())

	hub.Leave(RoomTopic(1), b)
	require.Equal(t, 1, hub.Subscribers(RoomTopic(1)))
	require.Equal(t, 0, hub.Publish(context.Background(), RoomTopic(2), []byte(`{}`)))
	require.ElementsMatch(t, []string{RoomTopic(1), ParticipantTopic(7)}, a.Topics())
}

func TestHubLeaveAllIsIdempotent(t *testing.T) {
	hub := NewHub(zerolog.Nop(), WithShards(2))
	sub := NewSubscriber("conn", 1, nil)
	hub.Join(RoomTopic(1), sub)
	hub.Join(CompanyTopic(3), sub)

	require.True(t, hub.LeaveAll(sub))
	require.False(t, hub.LeaveAll(sub))
	require.True(t, sub.Closed())
	require.Zero(t, hub.Subscribers(RoomTopic(1)))
	require.Zero(t, hub.Subscribers(CompanyTopic(3)))

	_, open := <-sub.Messages()
	require.False(t, open)
	require.False(t, hub.Join(RoomTopic(1), sub), "closed subscribers cannot rejoin")
}

func TestHubEvictsSlowSubscriber(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	var evictions int32
	slow := NewSubscriber("slow", 1, func() { atomic.AddInt32(&evictions, 1) })
	fast := NewSubscriber("fast", 8, nil)
	hub.Join(RoomTopic(1), slow)
	hub.Join(ParticipantTopic(2), slow)
	hub.Join(RoomTopic(1), fast)

	require.Equal(t, 2, hub.Deliver(RoomTopic(1), []byte(`1`)))
	require.Equal(t, 1, hub.Deliver(RoomTopic(1), []byte(`2`)))
	require.Equal(t, 1, hub.Deliver(RoomTopic(1), []byte(`3`)))

	require.Equal(t, int32(1), atomic.LoadInt32(&evictions))
	require.True(t, slow.Closed())
	require.Zero(t, hub.Subscribers(ParticipantTopic(2)), "eviction removes every topic")
	require.Len(t, fast.Messages(), 3)
}

func TestHubEvictDisconnectsTopicSubscribers(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	var evictions int32
	removed := NewSubscriber("removed", 4, func() { atomic.AddInt32(&evictions, 1) })
	bystander := NewSubscriber("bystander", 4, nil)
	hub.Join(RoomTopic(1), removed)
	hub.Join(MemberTopic(1, 5), removed)
	hub.Join(RoomTopic(1), bystander)

	require.Equal(t, 1, hub.Evict(context.Background(), MemberTopic(1, 5)))
	require.Equal(t, int32(1), atomic.LoadInt32(&evictions))
	require.True(t, removed.Closed())
	require.Equal(t, 1, hub.Subscribers(RoomTopic(1)))
	require.Zero(t, hub.Evict(context.Background(), MemberTopic(1, 5)))

	require.Equal(t, 1, hub.Publish(context.Background(), RoomTopic(1), []byte(`{}`)))
	require.Len(t, bystander.Messages(), 1)
}

func TestHubRelaysAcrossNodes(t *testing.T) {
	mini, err := miniredis.Run()
	require.NoError(t, err)
	defer mini.Close()

	newClient := func() *redis.Client { return redis.NewClient(&redis.Options{Addr: mini.Addr()}) }
	nodeA := NewHub(zerolog.Nop(), WithRelay(NewRedisRelay(newClient(), "test:fanout")))
	nodeB := NewHub(zerolog.Nop(), WithRelay(NewRedisRelay(newClient(), "test:fanout")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	nodeA.Start(ctx)
	nodeB.Start(ctx)

	require.Eventually(t, func() bool {
		return mini.PubSubNumSub("test:fanout")["test:fanout"] == 2
	}, 2*time.Second, 10*time.Millisecond)

	local := NewSubscriber("local", 4, nil)
	remote := NewSubscriber("remote", 4, nil)
	nodeA.Join(RoomTopic(9), local)
	nodeB.Join(RoomTopic(9), remote)

	require.Equal(t, 1, nodeA.Publish(ctx, RoomTopic(9), []byte(`{"type":"chat_message"}`)))

	select {
	case payload := <-remote.Messages():
		require.JSONEq(t, `{"type":"chat_message"}`, string(payload))
	case <-time.After(2 * time.Second):
		t.Fatal("event was not relayed to the other node")
	}

	require.Len(t, local.Messages(), 1)
	time.Sleep(50 * time.Millisecond)
	require.Len(t, local.Messages(), 1, "a node ignores its own relayed events")
}

func TestNewRelaysWithoutBackendAreNil(t *testing.T) {
	require.Nil(t, NewRedisRelay(nil, "chan"))
	require.Nil(t, NewNATSRelay(nil, "subject"))
}

func TestHubRelaysEvictions(t *testing.T) {
	mini, err := miniredis.Run()
	require.NoError(t, err)
	defer mini.Close()

	newClient := func() *redis.Client { return redis.NewClient(&redis.Options{Addr: mini.Addr()}) }
	nodeA := NewHub(zerolog.Nop(), WithRelay(NewRedisRelay(newClient(), "test:fanout")))
	nodeB := NewHub(zerolog.Nop(), WithRelay(NewRedisRelay(newClient(), "test:fanout")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	nodeA.Start(ctx)
	nodeB.Start(ctx)

	require.Eventually(t, func() bool {
		return mini.PubSubNumSub("test:fanout")["test:fanout"] == 2
	}, 2*time.Second, 10*time.Millisecond)

	remote := NewSubscriber("remote", 4, nil)
	nodeB.Join(MemberTopic(3, 8), remote)

	require.Zero(t, nodeA.Evict(ctx, MemberTopic(3, 8)))
	require.Eventually(t, remote.Closed, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, nodeB.Subscribers(MemberTopic(3, 8)))
}
