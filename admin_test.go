package reconciler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestAdminHandler(t *testing.T) {
	c := newTestCache()
	put(t, c, "proxy:GET:/a", "GET", "/a", 1, testNow)
	metrics := NewMetrics()
	r := newTestReconciler(t, c, &fakeOracle{}, func(config *Config) {
		config.Metrics = metrics
	})
	handler := r.Handler(context.Background())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("Health is %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/sweep", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Status code is %d", rec.Code)
	}

	deadline := time.Now().Add(5 * time.Second)
	for r.LastReport() == nil || r.Sweeping() {
		if time.Now().After(deadline) {
			t.Fatal("Triggered sweep did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))
	var st status
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Sweeping || st.LastReport == nil || st.LastReport.Processed != 1 {
		t.Fatalf("Status is %+v", st)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if body := rec.Body.String(); !strings.Contains(body, `reconciler_sweeps_total{result="ok"} 1`) {
		t.Fatalf("Metrics are %s", body)
	}
}

func TestAdminRejectsOverlappingSweep(t *testing.T) {
	r := newTestReconciler(t, newTestCache(), &fakeOracle{})
	r.sweeping.Store(true)
	rec := httptest.NewRecorder()
	r.Handler(context.Background()).ServeHTTP(rec, httptest.NewRequest("POST", "/sweep", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("Status code is %d", rec.Code)
	}
}
