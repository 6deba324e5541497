package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	appErr "syscraft/pkg/errors"
)

// DefaultRedisKey is the list key records land in when the config leaves it
// unset.
const DefaultRedisKey = "syscraft:audit:records"

// RedisStore keeps records in a redis list via RPUSH, preserving append
// order. Useful when several hosts report into one ledger; durability then
// depends on the server's persistence settings.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore wraps an existing client. Close closes the client, so hand
// the store a dedicated one.
func NewRedisStore(client *redis.Client, key string) (*RedisStore, error) {
	if client == nil {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("redis client is required")
	}
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}, nil
}

// DialRedisStore connects to addr and pings before returning, so a
// misconfigured address fails at startup rather than on the first append.
func DialRedisStore(addr, password string, db int, key string) (*RedisStore, error) {
	if addr == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, appErr.Wrap(err, appErr.StorageOpenFailed).WithDetail("addr", addr)
	}
	return NewRedisStore(client, key)
}

func (s *RedisStore) Append(ctx context.Context, record Record) error {
	line, err := json.Marshal(record)
	if err != nil {
		return appErr.InternalError(err)
	}
	if err := s.client.RPush(ctx, s.key, line).Err(); err != nil {
		return appErr.StorageFailure(err, "rpush")
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context) ([]Record, error) {
	lines, err := s.client.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return nil, appErr.StorageFailure(err, "lrange")
	}
	records := make([]Record, 0, len(lines))
	for i, line := range lines {
		var record Record
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			return nil, appErr.Wrapf(err, appErr.StorageCorrupted, "ledger entry %d is not a record", i)
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

var _ Store = (*RedisStore)(nil)
