package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Key layout per queue, all under "<prefix>:q:<name>:":
//
//	meta      hash  visibility_ms, retention_ms, max_receive, dlq, created
//	ready     zset  message id scored by the time it becomes visible
//	inflight  zset  message id scored by lease expiry
//	body      hash  id -> envelope JSON
//	receives  hash  id -> receive count
//	sent      hash  id -> first send time (ms)
//	lease     hash  lease token -> id
//	token     hash  id -> lease token
//
// "<prefix>:queues" is a set of all queue names.

// receiveScript reclaims expired leases, drops messages past retention,
// redrives messages that hit max_receive and leases the rest. It returns the
// number of redriven messages followed by id, token, count, body tuples.
var receiveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local vis = tonumber(ARGV[2])
local retention = tonumber(ARGV[3])
local maxReceive = tonumber(ARGV[4])
local batch = tonumber(ARGV[5])
local hasDLQ = ARGV[6] == '1'

local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now)
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  local tok = redis.call('HGET', KEYS[8], id)
  if tok then
    redis.call('HDEL', KEYS[7], tok)
    redis.call('HDEL', KEYS[8], id)
  end
  redis.call('ZADD', KEYS[1], now, id)
end

local out = {0}
local used = 0
while used < batch do
  local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, 1)
  if #ids == 0 then break end
  local id = ids[1]
  redis.call('ZREM', KEYS[1], id)
  local sent = tonumber(redis.call('HGET', KEYS[6], id) or now)
  local count = tonumber(redis.call('HGET', KEYS[5], id) or '0')
  local body = redis.call('HGET', KEYS[4], id)
  if body == false or now - sent > retention then
    redis.call('HDEL', KEYS[4], id)
    redis.call('HDEL', KEYS[5], id)
    redis.call('HDEL', KEYS[6], id)
  elseif hasDLQ and count >= maxReceive then
    redis.call('HDEL', KEYS[4], id)
    redis.call('HDEL', KEYS[5], id)
    redis.call('HDEL', KEYS[6], id)
    redis.call('HSET', KEYS[10], id, body)
    redis.call('HSET', KEYS[11], id, 0)
    redis.call('HSET', KEYS[12], id, sent)
    redis.call('ZADD', KEYS[9], now, id)
    out[1] = out[1] + 1
  else
    used = used + 1
    count = count + 1
    local tok = ARGV[6 + used]
    redis.call('HSET', KEYS[5], id, count)
    redis.call('ZADD', KEYS[2], now + vis, id)
    redis.call('HSET', KEYS[7], tok, id)
    redis.call('HSET', KEYS[8], id, tok)
    table.insert(out, id)
    table.insert(out, tok)
    table.insert(out, count)
    table.insert(out, body)
  end
end
return out
`)

// deleteScript removes the message owning the lease token. Returns 0 when
// the token is unknown.
var deleteScript = redis.NewScript(`
local id = redis.call('HGET', KEYS[1], ARGV[1])
if not id then return 0 end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], id)
redis.call('ZREM', KEYS[3], id)
redis.call('HDEL', KEYS[4], id)
redis.call('HDEL', KEYS[5], id)
redis.call('HDEL', KEYS[6], id)
return 1
`)

// RedisStore is a Store backed by Redis sorted sets and Lua scripts.
type RedisStore struct {
	client *redis.Client
	prefix string
	log    zerolog.Logger
	now    func() time.Time
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore. All keys are namespaced under prefix.
func NewRedisStore(client *redis.Client, prefix string, log zerolog.Logger) *RedisStore {
	if prefix == "" {
		prefix = "notify"
	}
	return &RedisStore{client: client, prefix: prefix, log: log, now: time.Now}
}

func (s *RedisStore) key(queueName, part string) string {
	return fmt.Sprintf("%s:q:%s:%s", s.prefix, queueName, part)
}

func (s *RedisStore) registryKey() string {
	return s.prefix + ":queues"
}

type redisMeta struct {
	visibility time.Duration
	retention  time.Duration
	maxReceive int
	dlq        string
	created    time.Time
}

func (s *RedisStore) meta(ctx context.Context, queueName string) (*redisMeta, error) {
	vals, err := s.client.HGetAll(ctx, s.key(queueName, "meta")).Result()
	if err != nil {
		return nil, unavailable("redis read meta", err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("queue %s: %w", queueName, ErrQueueNotFound)
	}
	vis, _ := strconv.ParseInt(vals["visibility_ms"], 10, 64)
	ret, _ := strconv.ParseInt(vals["retention_ms"], 10, 64)
	maxRecv, _ := strconv.Atoi(vals["max_receive"])
	created, _ := strconv.ParseInt(vals["created"], 10, 64)
	return &redisMeta{
		visibility: time.Duration(vis) * time.Millisecond,
		retention:  time.Duration(ret) * time.Millisecond,
		maxReceive: maxRecv,
		dlq:        vals["dlq"],
		created:    time.UnixMilli(created).UTC(),
	}, nil
}

// CreateQueue writes the queue's meta hash. Existing queues are left as is.
func (s *RedisStore) CreateQueue(ctx context.Context, spec QueueSpec) (string, error) {
	if spec.Name == "" {
		return "", fmt.Errorf("create queue: name is required")
	}
	handle := fmt.Sprintf("redis://%s/%s", s.prefix, spec.Name)

	if _, err := s.meta(ctx, spec.Name); err == nil {
		return handle, nil
	} else if !errors.Is(err, ErrQueueNotFound) {
		return "", err
	}

	if spec.DeadLetterQueue != "" {
		if _, err := s.meta(ctx, spec.DeadLetterQueue); err != nil {
			return "", fmt.Errorf("create queue %s: dead-letter queue %s: %w", spec.Name, spec.DeadLetterQueue, err)
		}
	}

	spec = spec.withDefaults()
	metaKey := s.key(spec.Name, "meta")
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, metaKey, "created", s.now().UnixMilli())
		pipe.HSet(ctx, metaKey,
			"visibility_ms", spec.VisibilityTimeout.Milliseconds(),
			"retention_ms", spec.RetentionPeriod.Milliseconds(),
			"max_receive", spec.MaxReceiveCount,
			"dlq", spec.DeadLetterQueue,
		)
		pipe.SAdd(ctx, s.registryKey(), spec.Name)
		return nil
	})
	if err != nil {
		return "", unavailable("redis create queue", err)
	}

	s.log.Info().Str("queue", spec.Name).Str("dead_letter_queue", spec.DeadLetterQueue).Msg("redis queue created")
	return handle, nil
}

// Send stores the body and schedules the id in the ready set.
func (s *RedisStore) Send(ctx context.Context, queueName string, env *Envelope, delay time.Duration) (string, error) {
	if _, err := s.meta(ctx, queueName); err != nil {
		return "", err
	}
	data, err := env.Marshal()
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	now := s.now()
	visibleAt := now.Add(clampDelay(delay))

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.key(queueName, "body"), id, data)
		pipe.HSet(ctx, s.key(queueName, "receives"), id, 0)
		pipe.HSet(ctx, s.key(queueName, "sent"), id, now.UnixMilli())
		pipe.ZAdd(ctx, s.key(queueName, "ready"), redis.Z{Score: float64(visibleAt.UnixMilli()), Member: id})
		return nil
	})
	if err != nil {
		return "", unavailable("redis send", err)
	}

	MessagesEnqueuedTotal.WithLabelValues(queueName).Inc()
	return id, nil
}

// Receive runs the receive script. WaitTime is not honored; an empty result
// is returned immediately.
func (s *RedisStore) Receive(ctx context.Context, queueName string, opts ReceiveOptions) ([]Delivery, error) {
	m, err := s.meta(ctx, queueName)
	if err != nil {
		return nil, err
	}

	vis := m.visibility
	if opts.VisibilityTimeout > 0 {
		vis = opts.VisibilityTimeout
	}
	batch := clampBatch(opts.MaxMessages)

	dlq := m.dlq
	hasDLQ := "0"
	if dlq != "" {
		hasDLQ = "1"
	} else {
		// keys must still be present; they are never written
		dlq = queueName
	}

	keys := []string{
		s.key(queueName, "ready"),
		s.key(queueName, "inflight"),
		s.key(queueName, "meta"),
		s.key(queueName, "body"),
		s.key(queueName, "receives"),
		s.key(queueName, "sent"),
		s.key(queueName, "lease"),
		s.key(queueName, "token"),
		s.key(dlq, "ready"),
		s.key(dlq, "body"),
		s.key(dlq, "receives"),
		s.key(dlq, "sent"),
	}
	args := []interface{}{
		s.now().UnixMilli(),
		vis.Milliseconds(),
		m.retention.Milliseconds(),
		m.maxReceive,
		batch,
		hasDLQ,
	}
	for range batch {
		args = append(args, uuid.NewString())
	}

	res, err := receiveScript.Run(ctx, s.client, keys, args...).Slice()
	if err != nil {
		return nil, unavailable("redis receive", err)
	}
	if len(res) == 0 {
		return nil, nil
	}

	if redriven, _ := res[0].(int64); redriven > 0 {
		MessagesRedrivenTotal.WithLabelValues(queueName).Add(float64(redriven))
		s.log.Warn().Str("queue", queueName).Str("dead_letter_queue", m.dlq).
			Int64("count", redriven).Msg("messages redriven to dead-letter queue")
	}

	deliveries := make([]Delivery, 0, (len(res)-1)/4)
	for i := 1; i+3 < len(res); i += 4 {
		id, _ := res[i].(string)
		token, _ := res[i+1].(string)
		count, _ := res[i+2].(int64)
		body, _ := res[i+3].(string)
		deliveries = append(deliveries, decodeDelivery(id, token, int(count), []byte(body)))
	}

	MessagesReceivedTotal.WithLabelValues(queueName).Add(float64(len(deliveries)))
	return deliveries, nil
}

// Delete removes the message identified by the lease token.
func (s *RedisStore) Delete(ctx context.Context, queueName, leaseToken string) error {
	keys := []string{
		s.key(queueName, "lease"),
		s.key(queueName, "token"),
		s.key(queueName, "inflight"),
		s.key(queueName, "body"),
		s.key(queueName, "receives"),
		s.key(queueName, "sent"),
	}
	n, err := deleteScript.Run(ctx, s.client, keys, leaseToken).Int()
	if err != nil {
		return unavailable("redis delete", err)
	}
	if n == 0 {
		return fmt.Errorf("delete from %s: %w", queueName, ErrLeaseNotFound)
	}
	return nil
}

// Stats counts ready, delayed and leased ids. Expired leases count as
// visible.
func (s *RedisStore) Stats(ctx context.Context, queueName string) (*Stats, error) {
	m, err := s.meta(ctx, queueName)
	if err != nil {
		return nil, err
	}

	now := strconv.FormatInt(s.now().UnixMilli(), 10)
	var visible, delayed, inflight, expired *redis.IntCmd
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		visible = pipe.ZCount(ctx, s.key(queueName, "ready"), "-inf", now)
		delayed = pipe.ZCount(ctx, s.key(queueName, "ready"), "("+now, "+inf")
		inflight = pipe.ZCount(ctx, s.key(queueName, "inflight"), "("+now, "+inf")
		expired = pipe.ZCount(ctx, s.key(queueName, "inflight"), "-inf", now)
		return nil
	})
	if err != nil {
		return nil, unavailable("redis stats", err)
	}

	st := &Stats{
		QueueName:        queueName,
		VisibleMessages:  visible.Val() + expired.Val(),
		InFlightMessages: inflight.Val(),
		DelayedMessages:  delayed.Val(),
		CreatedTimestamp: m.created,
	}
	QueueDepth.WithLabelValues(queueName).Set(float64(st.VisibleMessages))
	return st, nil
}

// Purge drops all message keys of the queue. The meta hash survives.
func (s *RedisStore) Purge(ctx context.Context, queueName string) error {
	if _, err := s.meta(ctx, queueName); err != nil {
		return err
	}
	parts := []string{"ready", "inflight", "body", "receives", "sent", "lease", "token"}
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		keys = append(keys, s.key(queueName, p))
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return unavailable("redis purge", err)
	}
	s.log.Warn().Str("queue", queueName).Msg("redis queue purged")
	return nil
}

// ListQueues returns registered queue names with the given prefix, sorted.
func (s *RedisStore) ListQueues(ctx context.Context, prefix string) ([]string, error) {
	all, err := s.client.SMembers(ctx, s.registryKey()).Result()
	if err != nil {
		return nil, unavailable("redis list queues", err)
	}
	names := make([]string, 0, len(all))
	for _, n := range all {
		if strings.HasPrefix(n, prefix) {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
