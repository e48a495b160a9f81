package state

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"github.com/kube-reporting/billing-ingest/pkg/billing"
)

const redisKeyPrefix = "billing-ingest:"

// beginScript marks the state hash InProgress unless it already is, and
// records the new attempt.
// KEYS: state, attempt, history, periods
// ARGV: attempt id, vendor, export, period, version, started at
var beginScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') == 'InProgress' then
	return 0
end
redis.call('HSET', KEYS[1], 'status', 'InProgress', 'attempt_id', ARGV[1])
if redis.call('HEXISTS', KEYS[1], 'current_version') == 0 then
	redis.call('HSET', KEYS[1], 'current_version', '')
end
redis.call('HSET', KEYS[2], 'vendor', ARGV[2], 'export', ARGV[3], 'period', ARGV[4],
	'version', ARGV[5], 'status', 'InProgress', 'started_at', ARGV[6], 'completed_at', '',
	'file_count', '0', 'row_count', '0', 'error_message', '')
redis.call('LPUSH', KEYS[3], ARGV[1])
redis.call('SADD', KEYS[4], ARGV[4])
return 1
`)

// finishScript moves an InProgress attempt to a terminal status. It returns
// 1 on success, 0 if the attempt already has that status and -1 otherwise.
// KEYS: attempt, state
// ARGV: status, completed at, file count, row count, error, attempt id,
// vendor, export, period
var finishScript = redis.NewScript(`
local a = redis.call('HMGET', KEYS[1], 'status', 'vendor', 'export', 'period', 'version')
if not a[1] then
	return -1
end
if a[2] ~= ARGV[7] or a[3] ~= ARGV[8] or a[4] ~= ARGV[9] then
	return -1
end
if a[1] == ARGV[1] then
	return 0
end
if a[1] ~= 'InProgress' then
	return -1
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'completed_at', ARGV[2],
	'file_count', ARGV[3], 'row_count', ARGV[4], 'error_message', ARGV[5])
if redis.call('HGET', KEYS[2], 'attempt_id') == ARGV[6] then
	redis.call('HSET', KEYS[2], 'status', ARGV[1])
	if ARGV[1] == 'Completed' then
		redis.call('HSET', KEYS[2], 'current_version', a[5])
	end
end
return 1
`)

// resetScript deletes every key of an export unless a period is InProgress.
// KEYS: periods
// ARGV: state prefix, history prefix, attempt prefix
var resetScript = redis.NewScript(`
local periods = redis.call('SMEMBERS', KEYS[1])
for _, p in ipairs(periods) do
	if redis.call('HGET', ARGV[1] .. p, 'status') == 'InProgress' then
		return p
	end
end
for _, p in ipairs(periods) do
	for _, id in ipairs(redis.call('LRANGE', ARGV[2] .. p, 0, -1)) do
		redis.call('DEL', ARGV[3] .. id)
	end
	redis.call('DEL', ARGV[1] .. p, ARGV[2] .. p)
end
redis.call('DEL', KEYS[1])
return ''
`)

// RedisStore keeps state in Redis hashes. All mutations run as Lua scripts
// so each is atomic. Scripts compute key names, so it needs a single node
// rather than a cluster.
type RedisStore struct {
	client *redis.Client
	clock  clock.PassiveClock
}

var _ Store = &RedisStore{}

// NewRedisStore connects to the given redis:// or rediss:// URL.
func NewRedisStore(ctx context.Context, url string, clk clock.PassiveClock) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, billing.NewStorageError("connect", url, err)
	}

	if clk == nil {
		clk = clock.RealClock{}
	}
	return &RedisStore{client: client, clock: clk}, nil
}

func exportSuffix(vendor, export string) string {
	return vendor + ":" + export
}

func stateKey(key Key) string {
	return redisKeyPrefix + "state:" + exportSuffix(key.Vendor, key.Export) + ":" + key.Period.String()
}

func historyKey(key Key) string {
	return redisKeyPrefix + "history:" + exportSuffix(key.Vendor, key.Export) + ":" + key.Period.String()
}

func periodsKey(vendor, export string) string {
	return redisKeyPrefix + "periods:" + exportSuffix(vendor, export)
}

func attemptKey(id string) string {
	return redisKeyPrefix + "attempt:" + id
}

func (s *RedisStore) CurrentVersion(ctx context.Context, key Key) (billing.VersionID, bool, error) {
	v, err := s.client.HGet(ctx, stateKey(key), "current_version").Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, storageErr("current version", key, err)
	}
	return billing.VersionID(v), v != "", nil
}

func (s *RedisStore) Get(ctx context.Context, key Key) (Entry, error) {
	fields, err := s.client.HGetAll(ctx, stateKey(key)).Result()
	if err != nil {
		return Entry{}, storageErr("get", key, err)
	}
	if len(fields) == 0 {
		return Entry{Key: key, Status: StatusNotStarted}, nil
	}
	entry := Entry{
		Key:            key,
		CurrentVersion: billing.VersionID(fields["current_version"]),
		Status:         Status(fields["status"]),
	}
	if id := fields["attempt_id"]; id != "" {
		attempt, err := s.attempt(ctx, key, id)
		if err != nil {
			return Entry{}, storageErr("get", key, err)
		}
		entry.LastAttempt = &attempt
	}
	return entry, nil
}

func (s *RedisStore) attempt(ctx context.Context, key Key, id string) (Attempt, error) {
	f, err := s.client.HGetAll(ctx, attemptKey(id)).Result()
	if err != nil {
		return Attempt{}, err
	}
	if len(f) == 0 {
		return Attempt{}, fmt.Errorf("attempt %s is missing", id)
	}
	files, _ := strconv.ParseInt(f["file_count"], 10, 64)
	rows, _ := strconv.ParseInt(f["row_count"], 10, 64)
	return buildAttempt(key, id, f["version"], f["status"], f["started_at"], f["completed_at"], files, rows, f["error_message"])
}

func (s *RedisStore) BeginAttempt(ctx context.Context, key Key, version billing.VersionID) (Handle, error) {
	h := Handle{AttemptID: uuid.New().String(), Key: key, Version: version}
	ok, err := beginScript.Run(ctx, s.client,
		[]string{stateKey(key), attemptKey(h.AttemptID), historyKey(key), periodsKey(key.Vendor, key.Export)},
		h.AttemptID, key.Vendor, key.Export, key.Period.String(), version.String(), formatTime(s.clock.Now()),
	).Int()
	if err != nil {
		return Handle{}, storageErr("begin attempt", key, err)
	}
	if ok != 1 {
		return Handle{}, conflictErr(key)
	}
	return h, nil
}

func (s *RedisStore) finish(ctx context.Context, op string, h Handle, status Status, files, rows int64, message string) error {
	res, err := finishScript.Run(ctx, s.client,
		[]string{attemptKey(h.AttemptID), stateKey(h.Key)},
		string(status), formatTime(s.clock.Now()), files, rows, message, h.AttemptID,
		h.Key.Vendor, h.Key.Export, h.Key.Period.String(),
	).Int()
	if err != nil {
		return storageErr(op, h.Key, err)
	}
	if res < 0 {
		return noActiveErr(h)
	}
	return nil
}

func (s *RedisStore) CompleteAttempt(ctx context.Context, h Handle, fileCount, rowCount int64) error {
	return s.finish(ctx, "complete attempt", h, StatusCompleted, fileCount, rowCount, "")
}

func (s *RedisStore) FailAttempt(ctx context.Context, h Handle, message string) error {
	return s.finish(ctx, "fail attempt", h, StatusFailed, 0, 0, message)
}

func (s *RedisStore) History(ctx context.Context, key Key) ([]Attempt, error) {
	ids, err := s.client.LRange(ctx, historyKey(key), 0, -1).Result()
	if err != nil {
		return nil, storageErr("history", key, err)
	}
	out := make([]Attempt, 0, len(ids))
	for _, id := range ids {
		attempt, err := s.attempt(ctx, key, id)
		if err != nil {
			return nil, storageErr("history", key, err)
		}
		out = append(out, attempt)
	}
	return out, nil
}

func (s *RedisStore) List(ctx context.Context, vendor, export string) ([]Entry, error) {
	members, err := s.client.SMembers(ctx, periodsKey(vendor, export)).Result()
	if err != nil {
		return nil, storageErr("list", vendor+"/"+export, err)
	}
	periods := make([]billing.Period, 0, len(members))
	for _, m := range members {
		p, err := billing.ParsePeriod(m)
		if err != nil {
			return nil, storageErr("list", vendor+"/"+export, err)
		}
		periods = append(periods, p)
	}
	sort.Slice(periods, func(i, j int) bool { return periods[i].Before(periods[j]) })

	out := make([]Entry, 0, len(periods))
	for _, p := range periods {
		entry, err := s.Get(ctx, Key{Vendor: vendor, Export: export, Period: p})
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *RedisStore) Reset(ctx context.Context, vendor, export string) error {
	suffix := exportSuffix(vendor, export) + ":"
	busy, err := resetScript.Run(ctx, s.client,
		[]string{periodsKey(vendor, export)},
		redisKeyPrefix+"state:"+suffix, redisKeyPrefix+"history:"+suffix, redisKeyPrefix+"attempt:",
	).Text()
	if err != nil {
		return storageErr("reset", vendor+"/"+export, err)
	}
	if busy != "" {
		p, _ := billing.ParsePeriod(busy)
		return conflictErr(Key{Vendor: vendor, Export: export, Period: p})
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
