package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisQueue(t *testing.T) {
	runBackendSuite(t, func(t *testing.T, clk *clock) Backend {
		q := NewRedisQueue(newMiniRedis(t), "test")
		q.now = clk.Now
		return q
	})
}

func TestRedisQueue_KeysAreNamespaced(t *testing.T) {
	client := newMiniRedis(t)
	q := NewRedisQueue(client, "rw")
	ctx := context.Background()

	_, err := q.Enqueue(ctx, WorkflowExecution, JobExecuteWorkflow, nil, JobOptions{JobID: "e1"})
	require.NoError(t, err)

	exists, err := client.Exists(ctx, "rw:{workflow-execution}:job:e1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)

	card, err := client.ZCard(ctx, "rw:{workflow-execution}:wait").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), card)
}

func TestRedisQueue_JobRoundTrip(t *testing.T) {
	q := NewRedisQueue(newMiniRedis(t), "")
	ctx := context.Background()

	_, err := q.Enqueue(ctx, EmbeddingGeneration, JobGenerateEmbedding, map[string]int{"doc": 7}, JobOptions{
		JobID:    "emb",
		Priority: 3,
		Timeout:  10 * time.Minute,
		Attempts: 4,
		Backoff:  Backoff{Base: time.Second, Max: 30 * time.Second},
	})
	require.NoError(t, err)

	job, err := q.GetJob(ctx, EmbeddingGeneration, "emb")
	require.NoError(t, err)
	assert.Equal(t, JobGenerateEmbedding, job.Name)
	assert.Equal(t, 3, job.Priority)
	assert.Equal(t, 10*time.Minute, job.Timeout)
	assert.Equal(t, 4, job.MaxAttempts)
	assert.Equal(t, Backoff{Base: time.Second, Max: 30 * time.Second}, job.Backoff)
	assert.Equal(t, StateWaiting, job.State)
	assert.JSONEq(t, `{"doc":7}`, string(job.Payload))
	assert.Nil(t, job.FinishedAt)
}
