package buildmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix   = "fwbuild"
	defaultPopTimeout  = 5 * time.Second
	defaultLockTTL     = 30 * time.Minute
	defaultLockPoll    = 200 * time.Millisecond
	transitionNotFound = -1
)

// transitionScript applies a state change only along the allowed edges and
// keeps the running set in step with it, in one round trip.
var transitionScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'state')
if not cur then return -1 end
local nxt = ARGV[1]
local ok = (cur == 'PENDING' and nxt == 'RUNNING') or
  (cur == 'RUNNING' and (nxt == 'SUCCESS' or nxt == 'FAILURE'))
if not ok then return 0 end
redis.call('HSET', KEYS[1], 'state', nxt, 'updated_at', ARGV[2])
if nxt == 'RUNNING' then
  redis.call('SADD', KEYS[2], ARGV[3])
else
  redis.call('SREM', KEYS[2], ARGV[3])
end
if nxt == 'SUCCESS' then
  redis.call('HSET', KEYS[1], 'percent', '100')
end
return 1
`)

// percentScript writes percent only while the build is RUNNING so a late
// estimate cannot overwrite the 100 set on SUCCESS.
var percentScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'state')
if not cur then return 0 end
if cur ~= 'RUNNING' then return 2 end
redis.call('HSET', KEYS[1], 'percent', ARGV[1], 'updated_at', ARGV[2])
return 1
`)

var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// RedisOptions tunes key names and timings of a RedisManager.
type RedisOptions struct {
	KeyPrefix  string
	RecordTTL  time.Duration
	PopTimeout time.Duration
	LockTTL    time.Duration
	LockPoll   time.Duration
}

// RedisManager stores build records and the pending queue in Redis so that
// workers in separate processes share one queue and one mirror lock.
type RedisManager struct {
	Layout

	redis *redis.Client
	opts  RedisOptions
}

// NewRedisManager connects to redisURL and verifies the connection.
func NewRedisManager(redisURL, artifactsRoot string, opts RedisOptions) (*RedisManager, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisManagerWithClient(client, artifactsRoot, opts), nil
}

// NewRedisManagerWithClient wraps an existing client.
func NewRedisManagerWithClient(client *redis.Client, artifactsRoot string, opts RedisOptions) *RedisManager {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = defaultKeyPrefix
	}
	if opts.PopTimeout <= 0 {
		opts.PopTimeout = defaultPopTimeout
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultLockTTL
	}
	if opts.LockPoll <= 0 {
		opts.LockPoll = defaultLockPoll
	}
	return &RedisManager{
		Layout: Layout{ArtifactsRoot: artifactsRoot},
		redis:  client,
		opts:   opts,
	}
}

func (m *RedisManager) infoKey(id string) string     { return fmt.Sprintf("%s:build:%s", m.opts.KeyPrefix, id) }
func (m *RedisManager) progressKey(id string) string { return m.infoKey(id) + ":progress" }
func (m *RedisManager) queueKey() string             { return m.opts.KeyPrefix + ":queue" }
func (m *RedisManager) runningKey() string           { return m.opts.KeyPrefix + ":running" }
func (m *RedisManager) mirrorLockKey() string        { return m.opts.KeyPrefix + ":mirror-lock" }

func (m *RedisManager) SubmitBuild(ctx context.Context, info BuildInfo) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	info.SelectedFeatures = normalizeFeatures(info.SelectedFeatures)
	info.Progress = BuildProgress{State: StatePending}
	info.CreatedAt = now
	info.UpdatedAt = now

	data, err := json.Marshal(info)
	if err != nil {
		return "", err
	}

	_, err = m.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, m.infoKey(id), data, m.opts.RecordTTL)
		pipe.HSet(ctx, m.progressKey(id),
			"state", string(StatePending),
			"percent", 0,
			"updated_at", now.UnixNano(),
		)
		if m.opts.RecordTTL > 0 {
			pipe.Expire(ctx, m.progressKey(id), m.opts.RecordTTL)
		}
		pipe.RPush(ctx, m.queueKey(), id)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("submit build: %w", err)
	}
	return id, nil
}

func (m *RedisManager) NextBuildID(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		result, err := m.redis.BLPop(ctx, m.opts.PopTimeout, m.queueKey()).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", fmt.Errorf("dequeue build: %w", err)
		}
		return result[1], nil
	}
}

func (m *RedisManager) BuildInfo(ctx context.Context, id string) (BuildInfo, error) {
	data, err := m.redis.Get(ctx, m.infoKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return BuildInfo{}, fmt.Errorf("%w: %s", ErrBuildNotFound, id)
	}
	if err != nil {
		return BuildInfo{}, err
	}

	var info BuildInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return BuildInfo{}, fmt.Errorf("decode build %s: %w", id, err)
	}

	fields, err := m.redis.HGetAll(ctx, m.progressKey(id)).Result()
	if err != nil {
		return BuildInfo{}, err
	}
	if state := BuildState(fields["state"]); state.Valid() {
		info.Progress.State = state
	}
	if p, err := strconv.Atoi(fields["percent"]); err == nil {
		info.Progress.Percent = p
	}
	if ns, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		info.UpdatedAt = time.Unix(0, ns).UTC()
	}
	return info, nil
}

func (m *RedisManager) transition(ctx context.Context, id string, next BuildState) (int64, error) {
	keys := []string{m.progressKey(id), m.runningKey()}
	return transitionScript.Run(ctx, m.redis, keys, string(next), time.Now().UTC().UnixNano(), id).Int64()
}

func (m *RedisManager) ClaimBuild(ctx context.Context, id string) (bool, error) {
	res, err := m.transition(ctx, id, StateRunning)
	if err != nil {
		return false, fmt.Errorf("claim build %s: %w", id, err)
	}
	if res == transitionNotFound {
		return false, fmt.Errorf("%w: %s", ErrBuildNotFound, id)
	}
	return res == 1, nil
}

func (m *RedisManager) UpdateBuildState(ctx context.Context, id string, state BuildState) error {
	res, err := m.transition(ctx, id, state)
	if err != nil {
		return fmt.Errorf("update build %s: %w", id, err)
	}
	switch res {
	case 1:
		return nil
	case transitionNotFound:
		return fmt.Errorf("%w: %s", ErrBuildNotFound, id)
	default:
		return fmt.Errorf("%w: build %s -> %s", ErrInvalidTransition, id, state)
	}
}

func (m *RedisManager) UpdateBuildProgressPercent(ctx context.Context, id string, percent int) error {
	res, err := percentScript.Run(ctx, m.redis, []string{m.progressKey(id)},
		clampPercent(percent), time.Now().UTC().UnixNano()).Int64()
	if err != nil {
		return fmt.Errorf("update progress %s: %w", id, err)
	}
	if res == 0 {
		return fmt.Errorf("%w: %s", ErrBuildNotFound, id)
	}
	return nil
}

func (m *RedisManager) RunningBuildIDs(ctx context.Context) ([]string, error) {
	return m.redis.SMembers(ctx, m.runningKey()).Result()
}

// AcquireMirrorLock takes a token-guarded Redis lock. While held, the TTL is
// refreshed in the background so long fetches do not lose it.
func (m *RedisManager) AcquireMirrorLock(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	key := m.mirrorLockKey()

	ticker := time.NewTicker(m.opts.LockPoll)
	defer ticker.Stop()
	for {
		ok, err := m.redis.SetNX(ctx, key, token, m.opts.LockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire mirror lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		refresh := time.NewTicker(m.opts.LockTTL / 3)
		defer refresh.Stop()
		for {
			select {
			case <-stop:
				return
			case <-refresh.C:
				_ = extendScript.Run(context.Background(), m.redis, []string{key}, token, m.opts.LockTTL.Milliseconds()).Err()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			_ = unlockScript.Run(context.Background(), m.redis, []string{key}, token).Err()
		})
	}, nil
}

// QueueLength reports how many build ids are waiting.
func (m *RedisManager) QueueLength(ctx context.Context) (int64, error) {
	return m.redis.LLen(ctx, m.queueKey()).Result()
}

func (m *RedisManager) Close() error {
	return m.redis.Close()
}

var _ Manager = (*RedisManager)(nil)
