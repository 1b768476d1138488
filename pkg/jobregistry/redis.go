package jobregistry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

var (
	_ Store          = (*RedisStore)(nil)
	_ CancelSignaler = (*RedisStore)(nil)
)

// DefaultRedisPrefix namespaces all registry keys.
const DefaultRedisPrefix = "gsadash"

const cancelRequestTTL = 24 * time.Hour

// RedisStore keeps job records in Redis so that several dashboard processes
// (or a dashboard and a worker) share one registry.
//
// Keys:
//
//	<prefix>:job:<job_id>     JSON JobState
//	<prefix>:cancel:<job_id>  cancellation request marker
//	<prefix>:jobs             set of known job ids
//
// Update and MarkDone run as Lua scripts so the monotonic and terminal
// checks happen atomically on the server.
type RedisStore struct {
	cli    *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore wraps an existing client.
func NewRedisStore(cli *redis.Client, prefix string) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		cli:    cli,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// OpenRedisStore parses a redis:// URL, connects and pings the server.
func OpenRedisStore(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(url))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(cli, prefix), nil
}

func (s *RedisStore) Close() error {
	return s.cli.Close()
}

func (s *RedisStore) jobKey(jobID string) string    { return s.prefix + ":job:" + jobID }
func (s *RedisStore) cancelKey(jobID string) string { return s.prefix + ":cancel:" + jobID }
func (s *RedisStore) indexKey() string              { return s.prefix + ":jobs" }

func (s *RedisStore) Register(ctx context.Context, state JobState) error {
	state, err := prepareRegister(state, s.now())
	if err != nil {
		return err
	}
	b, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal job state: %w", err)
	}
	_, err = s.cli.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.jobKey(state.JobID), b, 0)
		p.Del(ctx, s.cancelKey(state.JobID))
		p.SAdd(ctx, s.indexKey(), state.JobID)
		return nil
	})
	return err
}

var luaUpdate = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then return "not_found" end
local s = cjson.decode(raw)
if s.status == "completed" or s.status == "cancelled" or s.status == "failed" then
	return "finished"
end
local completed = tonumber(ARGV[1])
local total = tonumber(ARGV[2])
if completed < (s.completed_iterations or 0) then return "regression" end
if total < 0 or completed > total then return "invalid" end
s.completed_iterations = completed
s.total_iterations = total
s.status = "running"
if not s.started_at then s.started_at = ARGV[3] end
s.updated_at = ARGV[3]
redis.call("SET", KEYS[1], cjson.encode(s))
return "ok"`)

func (s *RedisStore) Update(ctx context.Context, jobID string, completed, total int) error {
	res, err := luaUpdate.Run(ctx, s.cli, []string{s.jobKey(jobID)},
		strconv.Itoa(completed), strconv.Itoa(total), s.now().Format(time.RFC3339Nano)).Text()
	if err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	switch res {
	case "ok":
		return nil
	case "not_found":
		return ErrJobNotFound
	case "finished":
		return fmt.Errorf("%w: %s", ErrJobFinished, jobID)
	case "regression":
		return fmt.Errorf("%w: %s got %d", ErrProgressRegression, jobID, completed)
	default:
		return fmt.Errorf("invalid progress %d/%d for %s", completed, total, jobID)
	}
}

func (s *RedisStore) Read(ctx context.Context, jobID string) (JobState, error) {
	raw, err := s.cli.Get(ctx, s.jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return JobState{}, ErrJobNotFound
		}
		return JobState{}, err
	}
	var state JobState
	if err := json.Unmarshal(raw, &state); err != nil {
		return JobState{}, fmt.Errorf("parse job state: %w", err)
	}
	return state, nil
}

var luaMarkDone = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then return "not_found" end
local s = cjson.decode(raw)
if s.status == "completed" or s.status == "cancelled" or s.status == "failed" then
	return "noop"
end
s.status = ARGV[1]
if ARGV[2] ~= "" then s.error = ARGV[2] end
s.ended_at = ARGV[3]
s.updated_at = ARGV[3]
redis.call("SET", KEYS[1], cjson.encode(s))
redis.call("DEL", KEYS[2])
return "ok"`)

func (s *RedisStore) MarkDone(ctx context.Context, jobID string, outcome Outcome) error {
	if !outcome.Status.Terminal() {
		return fmt.Errorf("outcome %q is not terminal", outcome.Status)
	}
	res, err := luaMarkDone.Run(ctx, s.cli, []string{s.jobKey(jobID), s.cancelKey(jobID)},
		string(outcome.Status), outcome.Reason, s.now().Format(time.RFC3339Nano)).Text()
	if err != nil {
		return fmt.Errorf("mark job %s done: %w", jobID, err)
	}
	if res == "not_found" {
		return ErrJobNotFound
	}
	return nil
}

func (s *RedisStore) Reset(ctx context.Context, jobID string) error {
	_, err := s.cli.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.jobKey(jobID), s.cancelKey(jobID))
		p.SRem(ctx, s.indexKey(), jobID)
		return nil
	})
	return err
}

func (s *RedisStore) List(ctx context.Context) ([]JobState, error) {
	ids, err := s.cli.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list job ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.jobKey(id)
	}
	vals, err := s.cli.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}

	out := make([]JobState, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var state JobState
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			continue
		}
		out = append(out, state)
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *RedisStore) RequestCancel(ctx context.Context, jobID string) error {
	state, err := s.Read(ctx, jobID)
	if err != nil {
		return err
	}
	if state.Terminal() {
		return nil
	}
	return s.cli.Set(ctx, s.cancelKey(jobID), s.now().Format(time.RFC3339Nano), cancelRequestTTL).Err()
}

func (s *RedisStore) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	n, err := s.cli.Exists(ctx, s.cancelKey(jobID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
