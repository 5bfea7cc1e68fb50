package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const levelEntryPrefix = "e:"

// levelRecord is the gob-encoded value stored per entry.
type levelRecord struct {
	Fields map[string]string
	// Expires is in unix nanoseconds, zero when the entry does not expire.
	Expires int64
}

func (r levelRecord) expired(now time.Time) bool {
	return r.Expires > 0 && r.Expires <= now.UnixNano()
}

// LevelDBCache stores one record per entry in a LevelDB database.
// Read-modify-write operations are serialized by writeMutex.
type LevelDBCache struct {
	db         *leveldb.DB
	writeMutex *sync.Mutex
}

func NewLevelDBCache(path string) (LevelDBCache, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return LevelDBCache{}, err
	}
	return LevelDBCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (l LevelDBCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	re := compilePattern(pattern)
	now := time.Now()
	it := l.db.NewIterator(util.BytesPrefix([]byte(levelEntryPrefix+literalPrefix(pattern))), nil)
	defer it.Release()

	keys := make([]string, 0)
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key := string(bytes.TrimPrefix(it.Key(), []byte(levelEntryPrefix)))
		if !re.MatchString(key) {
			continue
		}
		var rec levelRecord
		if err := decodeGob(it.Value(), &rec); err != nil || rec.expired(now) {
			continue
		}
		keys = append(keys, key)
	}
	return keys, it.Error()
}

func (l LevelDBCache) read(key string) (levelRecord, error) {
	b, err := l.db.Get([]byte(levelEntryPrefix+key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return levelRecord{}, ErrNotFound
	} else if err != nil {
		return levelRecord{}, err
	}
	var rec levelRecord
	if err := decodeGob(b, &rec); err != nil {
		return levelRecord{}, errors.Join(ErrMalformed, err)
	}
	if rec.Fields == nil {
		rec.Fields = map[string]string{}
	}
	return rec, nil
}

func (l LevelDBCache) write(key string, rec levelRecord) error {
	b, err := encodeGob(rec)
	if err != nil {
		return err
	}
	return l.db.Put([]byte(levelEntryPrefix+key), b, nil)
}

func (l LevelDBCache) Get(ctx context.Context, key string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	now := time.Now()
	rec, err := l.read(key)
	if err != nil {
		return Entry{}, err
	}
	if rec.expired(now) {
		return Entry{}, ErrNotFound
	}
	var ttl time.Duration
	if rec.Expires > 0 {
		ttl = time.Unix(0, rec.Expires).Sub(now)
	}
	return DecodeEntry(key, rec.Fields, ttl)
}

// update applies fn to the live record of key and stores the result.
// An expired record is deleted and reported as ErrNotFound.
func (l LevelDBCache) update(ctx context.Context, key string, fn func(rec *levelRecord) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.writeMutex.Lock()
	defer l.writeMutex.Unlock()
	rec, err := l.read(key)
	if err != nil {
		return err
	}
	if rec.expired(time.Now()) {
		if err := l.db.Delete([]byte(levelEntryPrefix+key), nil); err != nil {
			return err
		}
		return ErrNotFound
	}
	if err := fn(&rec); err != nil {
		return err
	}
	return l.write(key, rec)
}

func (l LevelDBCache) SetField(ctx context.Context, key, field, value string) error {
	return l.update(ctx, key, func(rec *levelRecord) error {
		rec.Fields[field] = value
		return nil
	})
}

func (l LevelDBCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return l.update(ctx, key, func(rec *levelRecord) error {
		rec.Expires = 0
		if ttl > 0 {
			rec.Expires = time.Now().Add(ttl).UnixNano()
		}
		return nil
	})
}

func (l LevelDBCache) Purge(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.writeMutex.Lock()
	defer l.writeMutex.Unlock()
	return l.db.Delete([]byte(levelEntryPrefix+key), nil)
}

func (l LevelDBCache) Increment(ctx context.Context, key, field string) (int64, error) {
	var n int64
	err := l.update(ctx, key, func(rec *levelRecord) error {
		if raw, ok := rec.Fields[field]; ok {
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return ErrNotInteger
			}
			n = parsed
		}
		n++
		rec.Fields[field] = strconv.FormatInt(n, 10)
		return nil
	})
	return n, err
}

func (l LevelDBCache) Put(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec := levelRecord{Fields: entry.Fields()}
	if entry.TTL > 0 {
		rec.Expires = time.Now().Add(entry.TTL).UnixNano()
	}
	l.writeMutex.Lock()
	defer l.writeMutex.Unlock()
	return l.write(entry.Key, rec)
}

func (l LevelDBCache) Close() error {
	return l.db.Close()
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
