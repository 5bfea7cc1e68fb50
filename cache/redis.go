package cache

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrConnectionFailed = errors.New("cache: redis connection failed")

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Address is the Redis server address (host:port).
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	PoolSize     int           `yaml:"poolSize"`

	// ScanCount is the COUNT hint passed to SCAN when listing keys.
	ScanCount int64 `yaml:"scanCount"`
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Address:      "localhost:6379",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		ScanCount:    100,
	}
}

type RedisOption func(*RedisConfig)

func WithAddress(addr string) RedisOption {
	return func(c *RedisConfig) {
		c.Address = addr
	}
}

func WithPassword(password string) RedisOption {
	return func(c *RedisConfig) {
		c.Password = password
	}
}

func WithDB(db int) RedisOption {
	return func(c *RedisConfig) {
		c.DB = db
	}
}

// The write scripts check for the key first so that a field write racing
// with a purge or an expiry never brings the entry back.
var (
	setFieldScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)
	incrementScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return false
end
return redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
`)
	expireScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
if tonumber(ARGV[1]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
else
	redis.call('PERSIST', KEYS[1])
end
return 1
`)
)

// RedisCache stores every entry as a Redis hash and uses native key expiry.
type RedisCache struct {
	client    *redis.Client
	scanCount int64
}

// NewRedisCache connects to Redis and checks the connection.
func NewRedisCache(cfg RedisConfig, opts ...RedisOption) (*RedisCache, error) {
	for _, opt := range opts {
		opt(&cfg)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Join(ErrConnectionFailed, err)
	}

	return NewRedisCacheFromClient(client, cfg.ScanCount), nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client *redis.Client, scanCount int64) *RedisCache {
	if scanCount <= 0 {
		scanCount = 100
	}
	return &RedisCache{
		client:    client,
		scanCount: scanCount,
	}
}

func (c *RedisCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	// SCAN may return a key more than once
	seen := map[string]struct{}{}
	iter := c.client.Scan(ctx, 0, pattern, c.scanCount).Iterator()
	for iter.Next(ctx) {
		seen[iter.Val()] = struct{}{}
	}
	if err := iter.Err(); err != nil {
		return nil, c.wrapError(err)
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (Entry, error) {
	var fields *redis.MapStringStringCmd
	var ttl *redis.DurationCmd
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		fields = pipe.HGetAll(ctx, key)
		ttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		return Entry{}, c.wrapError(err)
	}
	if len(fields.Val()) == 0 {
		return Entry{}, ErrNotFound
	}
	remaining := ttl.Val()
	if remaining < 0 {
		remaining = 0
	}
	return DecodeEntry(key, fields.Val(), remaining)
}

func (c *RedisCache) SetField(ctx context.Context, key, field, value string) error {
	n, err := setFieldScript.Run(ctx, c.client, []string{key}, field, value).Int64()
	if err != nil {
		return c.wrapError(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (c *RedisCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ms := ttl.Milliseconds()
	if ttl > 0 && ms == 0 {
		ms = 1
	}
	n, err := expireScript.Run(ctx, c.client, []string{key}, ms).Int64()
	if err != nil {
		return c.wrapError(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (c *RedisCache) Purge(ctx context.Context, key string) error {
	return c.wrapError(c.client.Del(ctx, key).Err())
}

func (c *RedisCache) Increment(ctx context.Context, key, field string) (int64, error) {
	n, err := incrementScript.Run(ctx, c.client, []string{key}, field).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, c.wrapError(err)
	}
	return n, nil
}

func (c *RedisCache) Put(ctx context.Context, entry Entry) error {
	fields := entry.Fields()
	args := make([]interface{}, 0, 2*len(fields))
	for name, value := range fields {
		args = append(args, name, value)
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, entry.Key)
		pipe.HSet(ctx, entry.Key, args...)
		if entry.TTL > 0 {
			pipe.PExpire(ctx, entry.Key, entry.TTL)
		}
		return nil
	})
	return c.wrapError(err)
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// wrapError wraps Redis errors with cache errors.
func (c *RedisCache) wrapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return errors.Join(ErrNotFound, err)
	}
	if strings.Contains(err.Error(), "not an integer") {
		return errors.Join(ErrNotInteger, err)
	}
	return err
}

var _ CacheProvider = (*RedisCache)(nil)
