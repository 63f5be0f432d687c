package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/qiniu/sensorwatch/internal/alerting/model"
	"github.com/redis/go-redis/v9"
)

const (
	keyDoc    = "nm:doc:"
	keyStatus = "nm:status:"
	keyAlarm  = "nm:alarm:"
	keyPair   = "nm:pair:"
	keyQueue  = "nm:queue"
)

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
if redis.call('SETNX', KEYS[2], ARGV[1]) == 0 then return 0 end
redis.call('SET', KEYS[1], ARGV[2])
redis.call('SADD', KEYS[3], ARGV[1])
redis.call('SADD', KEYS[4], ARGV[1])
redis.call('ZADD', KEYS[5], ARGV[3], ARGV[1])
return 1
`)

// statuses fixes the order of the status index keys passed first in KEYS to
// every script that moves a record between statuses.
var statuses = []model.MonitorStatus{
	model.MonitorWatching, model.MonitorProcessing, model.MonitorAcknowledged,
	model.MonitorTimedOut, model.MonitorCompleted, model.MonitorError,
}

// statusPrelude resolves a status to its index key among KEYS[1..NS].
var statusPrelude = fmt.Sprintf(`
local NS = %d
local function skey(s)
  for i = 1, NS do
    if KEYS[i] == '%s' .. s then return KEYS[i] end
  end
  error('unknown notification monitor status ' .. tostring(s))
end
`, len(statuses), keyStatus)

// KEYS: status indexes, doc, queue. ARGV: id, doc, status, score.
var updateScript = redis.NewScript(statusPrelude + `
local doc = KEYS[NS + 1]
local v = redis.call('GET', doc)
if not v then return 0 end
local old = cjson.decode(v)
local from, to = skey(old.status), skey(ARGV[3])
redis.call('SREM', from, ARGV[1])
redis.call('SET', doc, ARGV[2], 'KEEPTTL')
redis.call('SADD', to, ARGV[1])
redis.call('ZADD', KEYS[NS + 2], ARGV[4], ARGV[1])
return 1
`)

// KEYS: status indexes, doc. ARGV: id, status, message, lastUpdatedAt.
var updateStatusScript = redis.NewScript(statusPrelude + `
local doc = KEYS[NS + 1]
local v = redis.call('GET', doc)
if not v then return 0 end
local obj = cjson.decode(v)
local from, to = skey(obj.status), skey(ARGV[2])
redis.call('SREM', from, ARGV[1])
obj.status = ARGV[2]
obj.message = ARGV[3]
obj.lastUpdatedAt = ARGV[4]
redis.call('SET', doc, cjson.encode(obj), 'KEEPTTL')
redis.call('SADD', to, ARGV[1])
return 1
`)

// resetScript moves a Processing record back to Watching only while its
// lastUpdatedAt is still the one the caller judged stale.
// KEYS: status indexes, doc. ARGV: id, observed lastUpdatedAt, message, now.
var resetScript = redis.NewScript(statusPrelude + `
local doc = KEYS[NS + 1]
local v = redis.call('GET', doc)
if not v then return 0 end
local obj = cjson.decode(v)
if obj.status ~= 'Processing' or obj.lastUpdatedAt ~= ARGV[2] then return 0 end
redis.call('SREM', skey('Processing'), ARGV[1])
obj.status = 'Watching'
obj.message = ARGV[3]
obj.lastUpdatedAt = ARGV[4]
redis.call('SET', doc, cjson.encode(obj), 'KEEPTTL')
redis.call('SADD', skey('Watching'), ARGV[1])
return 1
`)

// claimScript moves the first claimable record among the docs in
// KEYS[NS+1..] to Processing and returns {previous status, document}.
var claimScript = redis.NewScript(statusPrelude + `
for i = NS + 1, #KEYS do
  local v = redis.call('GET', KEYS[i])
  if v then
    local obj = cjson.decode(v)
    if obj.status == 'Watching' or obj.status == 'Acknowledged' then
      local prev = obj.status
      redis.call('SREM', skey(prev), obj.id)
      obj.status = 'Processing'
      obj.lastUpdatedAt = ARGV[1]
      local doc = cjson.encode(obj)
      redis.call('SET', KEYS[i], doc, 'KEEPTTL')
      redis.call('SADD', skey('Processing'), obj.id)
      return {prev, doc}
    end
  end
end
return false
`)

// RedisStore keeps records as JSON documents with set indexes per status and
// alarm, and a sorted set ordered by last notice.
type RedisStore struct {
	Redis *redis.Client
	now   func() time.Time
}

func NewRedisStore(rdb *redis.Client) *RedisStore { return &RedisStore{Redis: rdb, now: time.Now} }

func (s *RedisStore) Create(ctx context.Context, m *model.NotificationMonitor) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode notification monitor: %w", err)
	}
	keys := []string{keyDoc + m.ID, keyPair + m.AlarmID + "|" + m.RuleID, keyStatus + string(m.Status), keyAlarm + m.AlarmID, keyQueue}
	n, err := createScript.Run(ctx, s.Redis, keys, m.ID, doc, score(m)).Int()
	if err != nil {
		return fmt.Errorf("create notification monitor: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: alarm %s rule %s", ErrAlreadyExists, m.AlarmID, m.RuleID)
	}
	return nil
}

func (s *RedisStore) GetByID(ctx context.Context, id string) (*model.NotificationMonitor, error) {
	v, err := s.Redis.Get(ctx, keyDoc+id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get notification monitor: %w", err)
	}
	return decode(v)
}

func (s *RedisStore) Update(ctx context.Context, m *model.NotificationMonitor) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode notification monitor: %w", err)
	}
	n, err := updateScript.Run(ctx, s.Redis, withStatusKeys(keyDoc+m.ID, keyQueue), m.ID, doc, string(m.Status), score(m)).Int()
	if err != nil {
		return fmt.Errorf("update notification monitor: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, m.ID)
	}
	return nil
}

func (s *RedisStore) UpdateStatus(ctx context.Context, id string, status model.MonitorStatus, message string) error {
	n, err := updateStatusScript.Run(ctx, s.Redis, withStatusKeys(keyDoc+id), id, string(status), message, s.stamp()).Int()
	if err != nil {
		return fmt.Errorf("update notification monitor status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *RedisStore) ResetStale(ctx context.Context, id string, staleBefore time.Time, message string) (bool, error) {
	v, err := s.Redis.Get(ctx, keyDoc+id).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get notification monitor: %w", err)
	}
	var seen struct {
		Status        model.MonitorStatus `json:"status"`
		LastUpdatedAt string              `json:"lastUpdatedAt"`
	}
	if err := json.Unmarshal([]byte(v), &seen); err != nil {
		return false, fmt.Errorf("decode notification monitor: %w", err)
	}
	at, err := time.Parse(time.RFC3339Nano, seen.LastUpdatedAt)
	if err != nil || seen.Status != model.MonitorProcessing || !at.Before(staleBefore) {
		return false, nil
	}
	n, err := resetScript.Run(ctx, s.Redis, withStatusKeys(keyDoc+id), id, seen.LastUpdatedAt, message, s.stamp()).Int()
	if err != nil {
		return false, fmt.Errorf("reset stale notification monitor: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Claim(ctx context.Context, id string) (*model.NotificationMonitor, model.MonitorStatus, error) {
	return s.claim(ctx, []string{keyDoc + id})
}

func (s *RedisStore) ClaimByAlarm(ctx context.Context, alarmID string) (*model.NotificationMonitor, model.MonitorStatus, error) {
	ids, err := s.Redis.SMembers(ctx, keyAlarm+alarmID).Result()
	if err != nil {
		return nil, "", fmt.Errorf("list monitors of alarm %s: %w", alarmID, err)
	}
	if len(ids) == 0 {
		return nil, "", nil
	}
	slices.Sort(ids)
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyDoc + id
	}
	return s.claim(ctx, keys)
}

func (s *RedisStore) claim(ctx context.Context, keys []string) (*model.NotificationMonitor, model.MonitorStatus, error) {
	res, err := claimScript.Run(ctx, s.Redis, withStatusKeys(keys...), s.stamp()).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("claim notification monitor: %w", err)
	}
	if len(res) != 2 {
		return nil, "", fmt.Errorf("claim notification monitor: unexpected reply %v", res)
	}
	m, err := decode(res[1])
	if err != nil {
		return nil, "", err
	}
	return m, model.MonitorStatus(res[0]), nil
}

func (s *RedisStore) NextForProcessing(ctx context.Context, skip, take int, staleBefore time.Time) ([]*model.NotificationMonitor, error) {
	ids, err := s.Redis.ZRange(ctx, keyQueue, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("scan notification monitors: %w", err)
	}
	all, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	var out []*model.NotificationMonitor
	for _, m := range all {
		if !eligible(m, staleBefore) {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		if len(out) == take {
			break
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *RedisStore) List(ctx context.Context, f ListFilter) ([]*model.NotificationMonitor, error) {
	var (
		ids []string
		err error
	)
	if f.Status != "" {
		ids, err = s.Redis.SMembers(ctx, keyStatus+string(f.Status)).Result()
	} else {
		ids, err = s.Redis.ZRange(ctx, keyQueue, 0, -1).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("list notification monitors: %w", err)
	}
	all, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, m := range all {
		if matches(m, f) {
			out = append(out, m)
		}
	}
	slices.SortFunc(out, func(a, b *model.NotificationMonitor) int { return byLastUpdatedDesc(*a, *b) })
	if limit := defaultLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// load fetches documents for ids in order, skipping ids whose document is gone.
func (s *RedisStore) load(ctx context.Context, ids []string) ([]*model.NotificationMonitor, error) {
	const batch = 100
	out := make([]*model.NotificationMonitor, 0, len(ids))
	for start := 0; start < len(ids); start += batch {
		end := min(start+batch, len(ids))
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, keyDoc+id)
		}
		vals, err := s.Redis.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("load notification monitors: %w", err)
		}
		for _, v := range vals {
			str, ok := v.(string)
			if !ok {
				continue
			}
			m, err := decode(str)
			if err != nil {
				return nil, err
			}
			out = append(out, m)
		}
	}
	return out, nil
}

// withStatusKeys prefixes keys with the status index keys in statuses order.
func withStatusKeys(keys ...string) []string {
	out := make([]string, 0, len(statuses)+len(keys))
	for _, st := range statuses {
		out = append(out, keyStatus+string(st))
	}
	return append(out, keys...)
}

func (s *RedisStore) stamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func decode(v string) (*model.NotificationMonitor, error) {
	var m model.NotificationMonitor
	if err := json.Unmarshal([]byte(v), &m); err != nil {
		return nil, fmt.Errorf("decode notification monitor: %w", err)
	}
	return &m, nil
}

func score(m *model.NotificationMonitor) float64 {
	return float64(m.LastNotice().UnixMilli())
}
