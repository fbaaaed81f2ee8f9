package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	apperr "polyrun/internal/errors"
)

const defaultRedisPrefix = "polyrun:session:"

// RedisConfig configures the Redis-backed store.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// RedisStore keeps records as JSON values with a sorted-set index by end
// time. Records expire after the configured TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// DialRedis connects to Redis and verifies the connection.
func DialRedis(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, apperr.Wrapf(err, apperr.ConfigError, "connect redis %s", cfg.Addr)
	}
	return NewRedisStore(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisStore wraps an existing client. A zero ttl keeps records forever.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) Save(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return apperr.Wrapf(err, apperr.Internal, "marshal record")
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(rec.ID), data, s.ttl)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{
			Score:  float64(rec.EndedAt.UnixMilli()),
			Member: rec.ID,
		})
		if s.ttl > 0 {
			cutoff := time.Now().Add(-s.ttl).UnixMilli()
			pipe.ZRemRangeByScore(ctx, s.indexKey(), "-inf", "("+strconv.FormatInt(cutoff, 10))
		}
		return nil
	})
	if err != nil {
		return apperr.Wrapf(err, apperr.Internal, "redis save")
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Record, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, apperr.Newf(apperr.NotFound, "session %s not found", id)
		}
		return Record{}, apperr.Wrapf(err, apperr.Internal, "redis get")
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, apperr.Wrapf(err, apperr.Internal, "unmarshal record")
	}
	return rec, nil
}

func (s *RedisStore) List(ctx context.Context, limit int) ([]Record, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, stop).Result()
	if err != nil {
		return nil, apperr.Wrapf(err, apperr.Internal, "redis list")
	}
	if len(ids) == 0 {
		return []Record{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, apperr.Wrapf(err, apperr.Internal, "redis mget")
	}

	result := make([]Record, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Expired between the index read and the fetch.
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		result = append(result, rec)
	}
	return result, nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "index"
}
