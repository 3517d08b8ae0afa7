package oplog

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/park285/scorekeeper-sync/internal/domain"
)

// RedisStore keeps each match log as a JSON blob under statq:log:<match> and indexes
// match ids in the statq:matches set. Logs never expire; only Clear removes one.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// RedisOption tweaks a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces keys, e.g. per device profile.
func WithKeyPrefix(p string) RedisOption {
	return func(s *RedisStore) {
		if p = strings.TrimSpace(p); p != "" {
			s.prefix = p
		}
	}
}

func NewRedisStore(rdb *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{rdb: rdb, prefix: "statq"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenRedisStore dials REDIS_URL and verifies the connection.
func OpenRedisStore(ctx context.Context, redisURL string, opts ...RedisOption) (*RedisStore, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL required for redis log store")
	}
	ropts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(ropts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStore(rdb, opts...), nil
}

func (s *RedisStore) keyLog(matchID string) string {
	return s.prefix + ":log:" + strings.TrimSpace(matchID)
}

func (s *RedisStore) keyIndex() string {
	return s.prefix + ":matches"
}

func (s *RedisStore) Save(ctx context.Context, matchID string, ops []domain.QueuedOperation) error {
	if err := checkMatch(matchID); err != nil {
		return err
	}
	if len(ops) == 0 {
		return s.Clear(ctx, matchID)
	}
	raw, err := encode(ops)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.keyLog(matchID), raw, 0)
	pipe.SAdd(ctx, s.keyIndex(), strings.TrimSpace(matchID))
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Load(ctx context.Context, matchID string) ([]domain.QueuedOperation, error) {
	if err := checkMatch(matchID); err != nil {
		return nil, err
	}
	raw, err := s.rdb.Get(ctx, s.keyLog(matchID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decode(raw)
}

func (s *RedisStore) Clear(ctx context.Context, matchID string) error {
	if err := checkMatch(matchID); err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.keyLog(matchID))
	pipe.SRem(ctx, s.keyIndex(), strings.TrimSpace(matchID))
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Matches(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, s.keyIndex()).Result()
	if err != nil {
		return nil, err
	}
	// drop index entries whose log key is gone
	out := ids[:0]
	for _, id := range ids {
		n, err := s.rdb.Exists(ctx, s.keyLog(id)).Result()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			_ = s.rdb.SRem(ctx, s.keyIndex(), id).Err()
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *RedisStore) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
