package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/always-cache/cache-reconciler/cache"
	"github.com/always-cache/cache-reconciler/pkg/verdict"
	"github.com/rs/zerolog"
)

func newTestServer(t *testing.T, handler func(path string, body map[string]any) (int, string)) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Unexpected method %s", r.Method)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("Decoding request: %v", err)
		}
		status, text := handler(r.URL.Path, body)
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{"generated_text": text})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestHTTPClientGenerate(t *testing.T) {
	server := newTestServer(t, func(path string, body map[string]any) (int, string) {
		if path != "/generate" {
			t.Errorf("Path is %s", path)
		}
		if body["max_new_tokens"] != float64(150) {
			t.Errorf("max_new_tokens is %v", body["max_new_tokens"])
		}
		messages := body["messages"].([]any)
		user := messages[1].(map[string]any)["content"].(string)
		for _, line := range []string{"Request URL: /items/1", "Purpose: dynamic", "Request Count: 4"} {
			if !strings.Contains(user, line) {
				t.Errorf("Prompt %q lacks %q", user, line)
			}
		}
		return http.StatusOK, "  Refresh \n"
	})
	c := NewHTTPClient(server.URL + "/")
	text, err := c.ClassifyRetention(context.Background(), cache.Entry{Method: "GET", URL: "/items/1", Purpose: cache.PurposeDynamic, RequestCount: 4})
	if err != nil {
		t.Fatal(err)
	}
	if text != "Refresh" {
		t.Fatalf("Text is %q", text)
	}
}

func TestHTTPClientGuard(t *testing.T) {
	server := newTestServer(t, func(path string, body map[string]any) (int, string) {
		if path != "/guard" || body["input"] != "/admin" {
			t.Errorf("Request is %s %v", path, body)
		}
		return http.StatusOK, "unsafe"
	})
	text, err := NewHTTPClient(server.URL).CheckSafety(context.Background(), "/admin")
	if err != nil || text != "unsafe" {
		t.Fatalf("CheckSafety = %q, %v", text, err)
	}
}

func TestHTTPClientBadStatus(t *testing.T) {
	server := newTestServer(t, func(string, map[string]any) (int, string) {
		return http.StatusServiceUnavailable, ""
	})
	_, err := NewHTTPClient(server.URL).CompareResourceIdentity(context.Background(), "/a", "/b")
	if !errors.Is(err, ErrBadStatus) {
		t.Fatalf("Expected ErrBadStatus, got %v", err)
	}
}

type stubOracle struct {
	text  string
	err   error
	panic bool
	delay time.Duration
}

func (s stubOracle) answer(ctx context.Context) (string, error) {
	if s.panic {
		panic("model crashed")
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.text, s.err
}

func (s stubOracle) ClassifyRetention(ctx context.Context, _ cache.Entry) (string, error) {
	return s.answer(ctx)
}

func (s stubOracle) CheckSafety(ctx context.Context, _ string) (string, error) {
	return s.answer(ctx)
}

func (s stubOracle) CompareResourceIdentity(ctx context.Context, _, _ string) (string, error) {
	return s.answer(ctx)
}

func TestGuardDecisions(t *testing.T) {
	ctx := context.Background()
	g := &Guard{Oracle: stubOracle{text: "Yes, delete it"}, Logger: zerolog.Nop()}
	if v := g.Classify(ctx, cache.Entry{}); v != verdict.Delete {
		t.Fatalf("Verdict is %s", v)
	}
	if !g.Related(ctx, "/a", "/b") {
		t.Fatal("Expected related")
	}
	if !g.Allowed(ctx, "/a") {
		t.Fatal("Expected allowed")
	}
	g.Oracle = stubOracle{text: "hmm"}
	g.Unmatched = verdict.Dynamic
	if v := g.Classify(ctx, cache.Entry{}); v != verdict.Dynamic {
		t.Fatalf("Unmatched verdict is %s", v)
	}
}

func TestGuardFailureDefaults(t *testing.T) {
	ctx := context.Background()
	for name, o := range map[string]Oracle{
		"error":   stubOracle{err: errors.New("connection refused")},
		"panic":   stubOracle{panic: true},
		"timeout": stubOracle{text: "delete", delay: time.Second},
	} {
		t.Run(name, func(t *testing.T) {
			var failures []string
			g := &Guard{
				Oracle:    o,
				Timeout:   10 * time.Millisecond,
				Unmatched: verdict.Refresh,
				OnFailure: func(op string, err error) { failures = append(failures, op) },
				Logger:    zerolog.Nop(),
			}
			if v := g.Classify(ctx, cache.Entry{}); v != verdict.Keep {
				t.Fatalf("Verdict is %s", v)
			}
			if g.Related(ctx, "/a", "/a") {
				t.Fatal("Failed comparison must be unrelated")
			}
			if g.Allowed(ctx, "/a") {
				t.Fatal("Failed safety check must reject by default")
			}
			g.AllowOnFailure = true
			if !g.Allowed(ctx, "/a") {
				t.Fatal("Failed safety check must allow when configured")
			}
			if len(failures) != 4 {
				t.Fatalf("Failures reported: %v", failures)
			}
		})
	}
}
