package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestCreateHostSuccess(t *testing.T) {
	var gotSecret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get("X-Agent-Secret")
		var req HostCreateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Fingerprint != "fp-1" {
			t.Errorf("Fingerprint = %q, want fp-1", req.Fingerprint)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "s3cr3t", srv.Client())
	if err := c.CreateHost(context.Background(), "fp-1"); err != nil {
		t.Fatalf("CreateHost() error = %v", err)
	}
	if gotSecret != "s3cr3t" {
		t.Errorf("X-Agent-Secret = %q, want s3cr3t", gotSecret)
	}
}

func TestSendStatsRetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", srv.Client())
	c.Backoff = Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 5, MaxElapsed: time.Second}

	if err := c.SendStats(context.Background(), StatsReport{InstanceID: "i-1"}); err != nil {
		t.Fatalf("SendStats() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestSendIncidentGivesUpAfterMaxAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", srv.Client())
	c.Backoff = Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond, MaxAttempts: 3, MaxElapsed: time.Second}

	err := c.SendIncident(context.Background(), IncidentReport{Fingerprint: "fp", Reason: "tamper"})
	if err == nil {
		t.Fatal("SendIncident() error = nil, want error after exhausting retries")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (MaxAttempts)", calls)
	}
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 8 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := b.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %s, want %s", i+1, got, w)
		}
	}
}
