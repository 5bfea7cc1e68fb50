package cachekey

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
)

// DefaultPrefix is the key prefix the capturing proxy uses for cache entries.
const DefaultPrefix = "proxy:"

const (
	methodSeparator = ":"
	bodySeparator   = "\t"
)

type CacheKeyer struct {
	// Prefix shared by every entry key, used for namespacing within the store.
	Prefix string
}

func NewCacheKeyer(prefix string) CacheKeyer {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return CacheKeyer{Prefix: prefix}
}

// Pattern returns the store listing pattern matching every entry key.
func (c CacheKeyer) Pattern() string {
	return c.Prefix + "*"
}

// GetKey returns the entry key (the request fingerprint) for a captured request.
// GET requests are identified by method and URI only.
// POST requests also include a hash of the request body, so that distinct submissions
// to the same URI are distinct entries.
// When it returns, the request body will be rewound to the beginning.
func (c CacheKeyer) GetKey(r *http.Request) string {
	key := c.Prefix + r.Method + methodSeparator + r.URL.RequestURI()
	if r.Method == http.MethodPost {
		if h := bodyHash(r); h != "" {
			key += bodySeparator + h
		}
	}
	return key
}

// bodyHash returns the hash of a request body.
// When it returns, the request body will be rewound to the beginning.
func bodyHash(r *http.Request) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return ""
	}
	r.Body = io.NopCloser(bytes.NewBuffer(body))
	if len(body) == 0 {
		return ""
	}
	return fmt.Sprintf("%x", sha256.Sum256(body))
}
