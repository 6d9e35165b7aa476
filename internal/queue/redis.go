package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"
)

// Key layout per queue (the {queue} hash tag keeps a family on one slot):
//
//	<prefix>:{<queue>}:job:<id>   hash with the job fields
//	<prefix>:{<queue>}:seq        enqueue counter
//	<prefix>:{<queue>}:wait       zset, score = priority*2^32 + seq
//	<prefix>:{<queue>}:active     zset, score = lease deadline ms
//	<prefix>:{<queue>}:delayed    zset, score = ready-at ms
//	<prefix>:{<queue>}:completed  zset, score = finished ms
//	<prefix>:{<queue>}:failed     zset, score = finished ms

var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
local seq = redis.call('INCR', KEYS[3])
local score = string.format('%.0f', tonumber(ARGV[4]) * 4294967296 + seq)
redis.call('HSET', KEYS[1],
  'name', ARGV[2], 'payload', ARGV[3], 'priority', ARGV[4], 'timeout_ms', ARGV[5],
  'attempts', 0, 'max_attempts', ARGV[6], 'backoff_base_ms', ARGV[7], 'backoff_max_ms', ARGV[8],
  'state', 'waiting', 'enqueued_at', ARGV[9], 'score', score, 'stalled', 0)
redis.call('ZADD', KEYS[2], score, ARGV[1])
return 1
`)

// claimScript promotes due delayed jobs, returns expired leases to wait, then
// leases the lowest-scored waiting job.
var claimScript = redis.NewScript(`
local jobPrefix = ARGV[4]
local due = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1])
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[3], id)
  redis.call('ZADD', KEYS[1], redis.call('HGET', jobPrefix .. id, 'score'), id)
  redis.call('HSET', jobPrefix .. id, 'state', 'waiting')
end
local stalled = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(stalled) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('ZADD', KEYS[1], redis.call('HGET', jobPrefix .. id, 'score'), id)
  redis.call('HSET', jobPrefix .. id, 'state', 'waiting', 'token', '')
  redis.call('HINCRBY', jobPrefix .. id, 'stalled', 1)
end
local head = redis.call('ZRANGE', KEYS[1], 0, 0)
if #head == 0 then return false end
local id = head[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[2], id)
redis.call('HSET', jobPrefix .. id, 'state', 'active', 'token', ARGV[3])
return id
`)

var extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[2] then return 0 end
if not redis.call('ZSCORE', KEYS[2], ARGV[1]) then return 0 end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

var completeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[2] then return 0 end
if redis.call('ZREM', KEYS[2], ARGV[1]) == 0 then return 0 end
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
redis.call('HSET', KEYS[1], 'state', 'completed', 'finished_at', ARGV[3], 'token', '')
return 1
`)

// failScript returns 1 when the job was scheduled for retry, 0 when parked in
// the failed set and -1 when the caller no longer holds the lease.
var failScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[2] then return -1 end
if redis.call('ZREM', KEYS[2], ARGV[1]) == 0 then return -1 end
local attempts = redis.call('HINCRBY', KEYS[1], 'attempts', 1)
local max = tonumber(redis.call('HGET', KEYS[1], 'max_attempts'))
redis.call('HSET', KEYS[1], 'last_error', ARGV[4], 'token', '')
if ARGV[5] == '1' and attempts < max then
  redis.call('ZADD', KEYS[3], ARGV[6], ARGV[1])
  redis.call('HSET', KEYS[1], 'state', 'delayed')
  return 1
end
redis.call('ZADD', KEYS[4], ARGV[3], ARGV[1])
redis.call('HSET', KEYS[1], 'state', 'failed', 'finished_at', ARGV[3])
return 0
`)

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// RedisQueue is the production Backend, shared by every worker process.
type RedisQueue struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ Backend = (*RedisQueue)(nil)

// NewRedisClient builds a go-redis client and verifies connectivity.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return client, nil
}

// NewRedisQueue wraps an existing client. prefix namespaces every key.
func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "runway"
	}
	return &RedisQueue{client: client, prefix: prefix, now: time.Now}
}

func (q *RedisQueue) key(queue, suffix string) string {
	return fmt.Sprintf("%s:{%s}:%s", q.prefix, queue, suffix)
}

func (q *RedisQueue) jobPrefix(queue string) string { return q.key(queue, "job:") }

func (q *RedisQueue) jobKey(queue, id string) string { return q.jobPrefix(queue) + id }

func ms(t time.Time) int64 { return t.UnixMilli() }

func (q *RedisQueue) Enqueue(ctx context.Context, queue, name string, payload any, opts JobOptions) (string, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return "", err
	}
	opts = normalizeOptions(opts)
	now := ms(q.now())

	_, err = enqueueScript.Run(ctx, q.client,
		[]string{q.jobKey(queue, opts.JobID), q.key(queue, "wait"), q.key(queue, "seq")},
		opts.JobID, name, string(data), opts.Priority, opts.Timeout.Milliseconds(), opts.Attempts,
		opts.Backoff.Base.Milliseconds(), opts.Backoff.Max.Milliseconds(), now,
	).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue %s/%s: %w", queue, name, err)
	}
	return opts.JobID, nil
}

func (q *RedisQueue) Claim(ctx context.Context, queue string, lease time.Duration) (*Job, error) {
	now := q.now()
	token := xid.New().String()
	id, err := claimScript.Run(ctx, q.client,
		[]string{q.key(queue, "wait"), q.key(queue, "active"), q.key(queue, "delayed")},
		ms(now), ms(now.Add(lease)), token, q.jobPrefix(queue),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", queue, err)
	}

	job, err := q.GetJob(ctx, queue, id)
	if err != nil {
		return nil, err
	}
	job.Token = token
	return job, nil
}

func (q *RedisQueue) Extend(ctx context.Context, job *Job, lease time.Duration) error {
	ok, err := extendScript.Run(ctx, q.client,
		[]string{q.jobKey(job.Queue, job.ID), q.key(job.Queue, "active")},
		job.ID, job.Token, ms(q.now().Add(lease)),
	).Int()
	if err != nil {
		return fmt.Errorf("extend %s: %w", job.ID, err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *RedisQueue) Complete(ctx context.Context, job *Job) error {
	ok, err := completeScript.Run(ctx, q.client,
		[]string{q.jobKey(job.Queue, job.ID), q.key(job.Queue, "active"), q.key(job.Queue, "completed")},
		job.ID, job.Token, ms(q.now()),
	).Int()
	if err != nil {
		return fmt.Errorf("complete %s: %w", job.ID, err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *RedisQueue) Fail(ctx context.Context, job *Job, cause error) (bool, error) {
	now := q.now()
	retry := "0"
	if ShouldRetry(cause) {
		retry = "1"
	}
	readyAt := now.Add(ComputeBackoff(job.Backoff, job.Attempts+1))
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	res, err := failScript.Run(ctx, q.client,
		[]string{
			q.jobKey(job.Queue, job.ID), q.key(job.Queue, "active"),
			q.key(job.Queue, "delayed"), q.key(job.Queue, "failed"),
		},
		job.ID, job.Token, ms(now), msg, retry, ms(readyAt),
	).Int()
	if err != nil {
		return false, fmt.Errorf("fail %s: %w", job.ID, err)
	}
	switch res {
	case -1:
		return false, ErrLeaseLost
	case 1:
		return true, nil
	default:
		return false, nil
	}
}

func (q *RedisQueue) GetJob(ctx context.Context, queue, id string) (*Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(queue, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	return parseJob(queue, id, fields), nil
}

func (q *RedisQueue) Prune(ctx context.Context, queue string, policy RetentionPolicy) (int, error) {
	removed := 0
	for _, p := range []struct {
		set  string
		keep Retention
	}{{"completed", policy.Completed}, {"failed", policy.Failed}} {
		n, err := q.pruneSet(ctx, queue, q.key(queue, p.set), p.keep)
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, nil
}

func (q *RedisQueue) pruneSet(ctx context.Context, queue, set string, keep Retention) (int, error) {
	seen := map[string]struct{}{}
	var victims []string

	if keep.Age > 0 {
		cutoff := strconv.FormatInt(ms(q.now().Add(-keep.Age)), 10)
		ids, err := q.client.ZRangeByScore(ctx, set, &redis.ZRangeBy{Min: "-inf", Max: "(" + cutoff}).Result()
		if err != nil {
			return 0, err
		}
		for _, id := range ids {
			seen[id] = struct{}{}
			victims = append(victims, id)
		}
	}
	if keep.Count > 0 {
		// Oldest first: everything before the newest Count entries goes.
		ids, err := q.client.ZRange(ctx, set, 0, int64(-keep.Count-1)).Result()
		if err != nil {
			return 0, err
		}
		for _, id := range ids {
			if _, dup := seen[id]; !dup {
				victims = append(victims, id)
			}
		}
	}
	if len(victims) == 0 {
		return 0, nil
	}

	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		members := make([]any, len(victims))
		for i, id := range victims {
			members[i] = id
			pipe.Del(ctx, q.jobKey(queue, id))
		}
		pipe.ZRem(ctx, set, members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune %s: %w", set, err)
	}
	return len(victims), nil
}

func (q *RedisQueue) Stats(ctx context.Context, queue string) (Counts, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.ZCard(ctx, q.key(queue, "wait"))
	active := pipe.ZCard(ctx, q.key(queue, "active"))
	delayed := pipe.ZCard(ctx, q.key(queue, "delayed"))
	completed := pipe.ZCard(ctx, q.key(queue, "completed"))
	failed := pipe.ZCard(ctx, q.key(queue, "failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Counts{}, fmt.Errorf("stats %s: %w", queue, err)
	}
	return Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// Close is a no-op; the client is owned by the caller.
func (q *RedisQueue) Close() error { return nil }

func parseJob(queue, id string, f map[string]string) *Job {
	atoi := func(k string) int { v, _ := strconv.Atoi(f[k]); return v }
	msDur := func(k string) time.Duration {
		v, _ := strconv.ParseInt(f[k], 10, 64)
		return time.Duration(v) * time.Millisecond
	}
	msTime := func(k string) *time.Time {
		v, err := strconv.ParseInt(f[k], 10, 64)
		if err != nil || v == 0 {
			return nil
		}
		t := time.UnixMilli(v)
		return &t
	}

	job := &Job{
		ID:          id,
		Queue:       queue,
		Name:        f["name"],
		Payload:     []byte(f["payload"]),
		Priority:    atoi("priority"),
		Timeout:     msDur("timeout_ms"),
		Attempts:    atoi("attempts"),
		MaxAttempts: atoi("max_attempts"),
		Backoff:     Backoff{Base: msDur("backoff_base_ms"), Max: msDur("backoff_max_ms")},
		State:       JobState(f["state"]),
		LastError:   f["last_error"],
		Stalled:     atoi("stalled"),
		FinishedAt:  msTime("finished_at"),
	}
	if t := msTime("enqueued_at"); t != nil {
		job.EnqueuedAt = *t
	}
	return job
}
