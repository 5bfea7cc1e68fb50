package cache

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

type memCacheEntry struct {
	expires time.Time
	fields  map[string]string
}

func (e memCacheEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// MemCache keeps entries in process memory. Expired entries are dropped lazily.
type MemCache struct {
	mutex *sync.RWMutex
	db    map[string]memCacheEntry
	now   func() time.Time
}

func NewMemCache() MemCache {
	return MemCache{
		mutex: &sync.RWMutex{},
		db:    make(map[string]memCacheEntry),
		now:   time.Now,
	}
}

// WithClock returns a view of the cache that reads expiry against the given clock.
func (m MemCache) WithClock(now func() time.Time) MemCache {
	m.now = now
	return m
}

func (m MemCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	re := compilePattern(pattern)
	now := m.now()
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	keys := make([]string, 0)
	for key, val := range m.db {
		if !val.expired(now) && re.MatchString(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m MemCache) Get(ctx context.Context, key string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	now := m.now()
	m.mutex.RLock()
	val, ok := m.db[key]
	var fields map[string]string
	if ok {
		fields = make(map[string]string, len(val.fields))
		for k, v := range val.fields {
			fields[k] = v
		}
	}
	m.mutex.RUnlock()
	if !ok || val.expired(now) {
		return Entry{}, ErrNotFound
	}
	var ttl time.Duration
	if !val.expires.IsZero() {
		ttl = val.expires.Sub(now)
	}
	return DecodeEntry(key, fields, ttl)
}

// live returns the entry for key, purging it if it has expired. Caller holds the write lock.
func (m MemCache) live(key string) (memCacheEntry, bool) {
	val, ok := m.db[key]
	if !ok {
		return val, false
	}
	if val.expired(m.now()) {
		delete(m.db, key)
		return val, false
	}
	return val, true
}

func (m MemCache) SetField(ctx context.Context, key, field, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	val, ok := m.live(key)
	if !ok {
		return ErrNotFound
	}
	val.fields[field] = value
	return nil
}

func (m MemCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	val, ok := m.live(key)
	if !ok {
		return ErrNotFound
	}
	if ttl <= 0 {
		val.expires = time.Time{}
	} else {
		val.expires = m.now().Add(ttl)
	}
	m.db[key] = val
	return nil
}

func (m MemCache) Purge(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, key)
	return nil
}

func (m MemCache) Increment(ctx context.Context, key, field string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	val, ok := m.live(key)
	if !ok {
		return 0, ErrNotFound
	}
	var n int64
	if raw, ok := val.fields[field]; ok {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, ErrNotInteger
		}
		n = parsed
	}
	n++
	val.fields[field] = strconv.FormatInt(n, 10)
	return n, nil
}

func (m MemCache) Put(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val := memCacheEntry{fields: entry.Fields()}
	if entry.TTL > 0 {
		val.expires = m.now().Add(entry.TTL)
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[entry.Key] = val
	return nil
}

func (m MemCache) Close() error {
	return nil
}
