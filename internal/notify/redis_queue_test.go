package notify

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, "test:notify"), mr
}

func TestRedisQueue_FIFO(t *testing.T) {
	q, _ := newRedisQueue(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Push(ctx, Message{ID: id, Template: TemplateWelcome, To: "x@y.org"}))
	}
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, want := range []string{"a", "b", "c"} {
		msg, err := q.Pop(ctx)
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, want, msg.ID)
		assert.Equal(t, "x@y.org", msg.To)
	}

	msg, err := q.Pop(ctx)
	assert.NoError(t, err)
	assert.Nil(t, msg, "empty queue pops nil")
}

func TestRedisQueue_DeadLetters(t *testing.T) {
	q, _ := newRedisQueue(t)
	ctx := context.Background()

	require.NoError(t, q.PushDead(ctx, DeadLetter{Message: Message{ID: "old"}, Reason: "bounce"}))
	require.NoError(t, q.PushDead(ctx, DeadLetter{Message: Message{ID: "new"}, Reason: "bounce"}))

	dead, err := q.Dead(ctx, 1)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "new", dead[0].Message.ID)

	all, err := q.Dead(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRedisQueue_CorruptEntry(t *testing.T) {
	q, mr := newRedisQueue(t)
	ctx := context.Background()

	_, err := mr.Lpush("test:notify:queue", "{not json")
	require.NoError(t, err)

	msg, err := q.Pop(ctx)
	assert.Error(t, err)
	assert.Nil(t, msg)

	dead, _ := q.Dead(ctx, 0)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].Reason, "undecodable")
}

func TestRedisQueue_Ping(t *testing.T) {
	q, mr := newRedisQueue(t)
	assert.NoError(t, q.Ping(context.Background()))
	mr.Close()
	assert.Error(t, q.Ping(context.Background()))
}
