package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T) (*RedisCoordinator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewFromClient(client), mr
}

func TestHSetAndHGetAll(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.HSet(ctx, "task-1", map[string]string{
		"task": "echo", "state": "WAIT",
	}))
	got, err := c.HGetAll(ctx, "task-1")
	require.NoError(t, err)
	require.Equal(t, "echo", got["task"])
	require.Equal(t, "WAIT", got["state"])
}

func TestHSetEmptyFieldsIsNoop(t *testing.T) {
	c, _ := newTestCoordinator(t)
	require.NoError(t, c.HSet(context.Background(), "task-1", nil))
}

func TestHDelRemovesHash(t *testing.T) {
	c, mr := newTestCoordinator(t)
	ctx := context.Background()
	require.NoError(t, c.HSet(ctx, "task-1", map[string]string{"task": "echo"}))
	require.True(t, mr.Exists("task-1"))
	require.NoError(t, c.HDel(ctx, "task-1"))
	require.False(t, mr.Exists("task-1"))
}

func TestSetOperations(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.SAdd(ctx, "tasks", "a"))
	require.NoError(t, c.SAdd(ctx, "tasks", "b"))
	n, err := c.SCard(ctx, "tasks")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	members, err := c.SMembers(ctx, "tasks")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, members)

	require.NoError(t, c.SRem(ctx, "tasks", "a"))
	n, err = c.SCard(ctx, "tasks")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestListOperationsAndBRPop(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.LPush(ctx, "new-task", "id-1"))
	require.NoError(t, c.RPush(ctx, "new-task", "id-2"))

	v, err := c.BRPop(ctx, "new-task")
	require.NoError(t, err)
	require.Equal(t, "id-2", v)

	v, err = c.BRPop(ctx, "new-task")
	require.NoError(t, err)
	require.Equal(t, "id-1", v)
}

func TestBRPopRespectsContextCancellation(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.BRPop(ctx, "empty-queue")
	require.Error(t, err)
}

func TestPingAndClose(t *testing.T) {
	c, _ := newTestCoordinator(t)
	require.NoError(t, c.Ping(context.Background()))
	require.NoError(t, c.Close())
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	c, mr := newTestCoordinator(t)
	ctx := context.Background()

	sub := c.Subscribe(ctx, "task-1-control")
	defer sub.Close()

	// miniredis delivers synchronously once the client's subscribe has
	// registered; give the pubsub goroutine a moment to do so.
	time.Sleep(20 * time.Millisecond)
	mr.Publish("task-1-control", "stop")
	time.Sleep(20 * time.Millisecond)

	msgs, err := sub.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "task-1-control", msgs[0].Channel)
	require.Equal(t, "stop", msgs[0].Payload)

	require.NoError(t, sub.Unsubscribe(ctx, "task-1-control"))
}

func TestReceiveReturnsEmptyWhenNothingPending(t *testing.T) {
	c, _ := newTestCoordinator(t)
	sub := c.Subscribe(context.Background(), "idle-channel")
	defer sub.Close()

	msgs, err := sub.Receive(context.Background())
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestNewRedisCoordinatorRequiresAddress(t *testing.T) {
	_, err := NewRedisCoordinator(Options{})
	require.Error(t, err)
}

func TestNewRedisCoordinatorSingleAddr(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := NewRedisCoordinator(Options{Addrs: []string{mr.Addr()}})
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Ping(context.Background()))
}
