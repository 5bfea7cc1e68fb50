package cache

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

var (
	_ CacheProvider = MemCache{}
	_ CacheProvider = SQLiteCache{}
	_ CacheProvider = LevelDBCache{}
)

type providerFactory func(t *testing.T) CacheProvider

var providers = map[string]providerFactory{
	"memory": func(t *testing.T) CacheProvider {
		return NewMemCache()
	},
	"sqlite": func(t *testing.T) CacheProvider {
		c, err := NewSQLiteCache(filepath.Join(t.TempDir(), "cache.db"))
		if err != nil {
			t.Fatal(err)
		}
		return c
	},
	"leveldb": func(t *testing.T) CacheProvider {
		c, err := NewLevelDBCache(filepath.Join(t.TempDir(), "leveldb"))
		if err != nil {
			t.Fatal(err)
		}
		return c
	},
	"redis": func(t *testing.T) CacheProvider {
		s := miniredis.RunT(t)
		return NewRedisCacheFromClient(redis.NewClient(&redis.Options{Addr: s.Addr()}), 10)
	},
}

func forEachProvider(t *testing.T, test func(t *testing.T, c CacheProvider)) {
	for name, factory := range providers {
		t.Run(name, func(t *testing.T) {
			c := factory(t)
			defer c.Close()
			test(t, c)
		})
	}
}

func testEntry(key, method, url string) Entry {
	return Entry{
		Key:          key,
		Method:       method,
		URL:          url,
		Headers:      map[string]string{"Accept": "application/json"},
		Response:     `{"ok":true}`,
		Purpose:      PurposeEmpty,
		RequestCount: 3,
		LastUsed:     time.Unix(1700000000, 0),
	}
}

func TestPutGet(t *testing.T) {
	forEachProvider(t, func(t *testing.T, c CacheProvider) {
		ctx := context.Background()
		want := testEntry("proxy:GET:/items", "GET", "/items")
		if err := c.Put(ctx, want); err != nil {
			t.Fatal(err)
		}
		got, err := c.Get(ctx, want.Key)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("Got %+v, want %+v", got, want)
		}
	})
}

func TestGetMissing(t *testing.T) {
	forEachProvider(t, func(t *testing.T, c CacheProvider) {
		if _, err := c.Get(context.Background(), "proxy:nope"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Expected ErrNotFound, got %v", err)
		}
	})
}

func TestKeysMatchPattern(t *testing.T) {
	forEachProvider(t, func(t *testing.T, c CacheProvider) {
		ctx := context.Background()
		for _, key := range []string{"proxy:b", "proxy:a", "other:a", "proxy:ab"} {
			if err := c.Put(ctx, testEntry(key, "GET", "/")); err != nil {
				t.Fatal(err)
			}
		}
		keys, err := c.Keys(ctx, "proxy:*")
		if err != nil {
			t.Fatal(err)
		}
		if want := []string{"proxy:a", "proxy:ab", "proxy:b"}; !reflect.DeepEqual(keys, want) {
			t.Fatalf("Keys are %v", keys)
		}
		keys, err = c.Keys(ctx, "proxy:?")
		if err != nil {
			t.Fatal(err)
		}
		if want := []string{"proxy:a", "proxy:b"}; !reflect.DeepEqual(keys, want) {
			t.Fatalf("Single-char keys are %v", keys)
		}
	})
}

func TestWritesDoNotResurrect(t *testing.T) {
	forEachProvider(t, func(t *testing.T, c CacheProvider) {
		ctx := context.Background()
		key := "proxy:gone"
		if err := c.Put(ctx, testEntry(key, "GET", "/gone")); err != nil {
			t.Fatal(err)
		}
		if err := c.Purge(ctx, key); err != nil {
			t.Fatal(err)
		}
		if err := c.SetField(ctx, key, FieldPurpose, "refresh"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("SetField on purged key: %v", err)
		}
		if _, err := c.Increment(ctx, key, FieldRequestCount); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Increment on purged key: %v", err)
		}
		if err := c.Expire(ctx, key, time.Hour); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Expire on purged key: %v", err)
		}
		if keys, _ := c.Keys(ctx, "*"); len(keys) != 0 {
			t.Fatalf("Key resurrected: %v", keys)
		}
		if err := c.Purge(ctx, key); err != nil {
			t.Fatalf("Purging a missing key: %v", err)
		}
	})
}

func TestSetFieldAndIncrement(t *testing.T) {
	forEachProvider(t, func(t *testing.T, c CacheProvider) {
		ctx := context.Background()
		entry := testEntry("proxy:x", "POST", "/x")
		if err := c.Put(ctx, entry); err != nil {
			t.Fatal(err)
		}
		if err := c.SetField(ctx, entry.Key, FieldPurpose, string(PurposeRefresh)); err != nil {
			t.Fatal(err)
		}
		n, err := c.Increment(ctx, entry.Key, FieldRequestCount)
		if err != nil {
			t.Fatal(err)
		}
		if n != 4 {
			t.Fatalf("Count is %d", n)
		}
		got, err := c.Get(ctx, entry.Key)
		if err != nil {
			t.Fatal(err)
		}
		if got.Purpose != PurposeRefresh || got.RequestCount != 4 {
			t.Fatalf("Got %+v", got)
		}
	})
}

func TestExpire(t *testing.T) {
	forEachProvider(t, func(t *testing.T, c CacheProvider) {
		ctx := context.Background()
		entry := testEntry("proxy:ttl", "GET", "/ttl")
		if err := c.Put(ctx, entry); err != nil {
			t.Fatal(err)
		}
		if err := c.Expire(ctx, entry.Key, time.Hour); err != nil {
			t.Fatal(err)
		}
		got, err := c.Get(ctx, entry.Key)
		if err != nil {
			t.Fatal(err)
		}
		if got.TTL <= 59*time.Minute || got.TTL > time.Hour {
			t.Fatalf("TTL is %s", got.TTL)
		}
		if err := c.Expire(ctx, entry.Key, 0); err != nil {
			t.Fatal(err)
		}
		if got, _ := c.Get(ctx, entry.Key); got.TTL != 0 {
			t.Fatalf("TTL not cleared: %s", got.TTL)
		}
	})
}

func TestMalformedEntry(t *testing.T) {
	forEachProvider(t, func(t *testing.T, c CacheProvider) {
		ctx := context.Background()
		if err := c.Put(ctx, testEntry("proxy:bad", "", "/bad")); err != nil {
			t.Fatal(err)
		}
		if _, err := c.Get(ctx, "proxy:bad"); !errors.Is(err, ErrMalformed) {
			t.Fatalf("Expected ErrMalformed, got %v", err)
		}
	})
}

func TestMemCacheExpiresLazily(t *testing.T) {
	now := time.Unix(1700000000, 0)
	c := NewMemCache().WithClock(func() time.Time { return now })
	ctx := context.Background()
	entry := testEntry("proxy:short", "GET", "/short")
	entry.TTL = time.Minute
	if err := c.Put(ctx, entry); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := c.Get(ctx, entry.Key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected expired entry, got %v", err)
	}
	if keys, _ := c.Keys(ctx, "*"); len(keys) != 0 {
		t.Fatalf("Expired key listed: %v", keys)
	}
}

func TestMemCacheIncrementNotInteger(t *testing.T) {
	c := NewMemCache()
	ctx := context.Background()
	entry := testEntry("proxy:n", "GET", "/n")
	c.Put(ctx, entry)
	c.SetField(ctx, entry.Key, FieldRequestCount, "many")
	if _, err := c.Increment(ctx, entry.Key, FieldRequestCount); !errors.Is(err, ErrNotInteger) {
		t.Fatalf("Expected ErrNotInteger, got %v", err)
	}
}

func TestRedisEntryExpires(t *testing.T) {
	s := miniredis.RunT(t)
	c := NewRedisCacheFromClient(redis.NewClient(&redis.Options{Addr: s.Addr()}), 10)
	ctx := context.Background()
	entry := testEntry("proxy:r", "GET", "/r")
	if err := c.Put(ctx, entry); err != nil {
		t.Fatal(err)
	}
	if err := c.Expire(ctx, entry.Key, time.Hour); err != nil {
		t.Fatal(err)
	}
	s.FastForward(2 * time.Hour)
	if s.Exists(entry.Key) {
		t.Fatal("Entry did not expire")
	}
}

func TestDecodeEntryDefaults(t *testing.T) {
	e, err := DecodeEntry("k", map[string]string{
		FieldMethod:       "GET",
		FieldURL:          "/a",
		FieldHeaders:      "not json",
		FieldRequestCount: "x",
		FieldLastUsed:     "1700000000.25",
	}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if e.Purpose != PurposeEmpty || e.RequestCount != 0 || len(e.Headers) != 0 {
		t.Fatalf("Decoded %+v", e)
	}
	if want := time.Unix(1700000000, 250000000); !e.LastUsed.Equal(want) {
		t.Fatalf("LastUsed is %s", e.LastUsed)
	}
	if _, err := DecodeEntry("k", map[string]string{FieldMethod: "GET"}, 0); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Expected ErrMalformed, got %v", err)
	}
}

func TestEntryFromRequest(t *testing.T) {
	r, _ := http.NewRequest("POST", "http://dev.localhost/items?x=1", strings.NewReader("{}"))
	r.Header.Add("X-Test", "first")
	r.Header.Add("X-Test", "second")
	now := time.Unix(1700000000, 0)
	e := EntryFromRequest("proxy:POST:/items", r, "created", now)
	if e.Method != "POST" || e.URL != "http://dev.localhost/items?x=1" || e.Purpose != PurposeEmpty {
		t.Fatalf("Entry is %+v", e)
	}
	if e.Headers["X-Test"] != "first" || e.RequestCount != 0 || !e.LastUsed.Equal(now) {
		t.Fatalf("Entry is %+v", e)
	}
}
