package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimit_Burst(t *testing.T) {
	p := NewRateLimitProcessor(1, 2)
	now := time.Unix(1_700_000_000, 0)
	p.now = func() time.Time { return now }
	h := okHandler(p)

	codes := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest(http.MethodPost, "/direct/router", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests {
			if ra := rec.Header().Get("Retry-After"); ra != "1" {
				t.Errorf("Retry-After = %q", ra)
			}
		}
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v", codes)
	}

	// Another address has its own bucket.
	req := httptest.NewRequest(http.MethodPost, "/direct/router", nil)
	req.RemoteAddr = "192.0.2.2:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("second client: %d", rec.Code)
	}

	// Tokens refill with time.
	now = now.Add(time.Second)
	req = httptest.NewRequest(http.MethodPost, "/direct/router", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("after refill: %d", rec.Code)
	}
}

func TestRateLimit_RetryAfterRoundsUp(t *testing.T) {
	p := NewRateLimitProcessor(0.25, 1)
	now := time.Unix(1_700_000_000, 0)
	if ok, _ := p.allow("k", now); !ok {
		t.Fatal("first request limited")
	}
	ok, wait := p.allow("k", now)
	if ok || wait != 4*time.Second {
		t.Errorf("got (%v, %v), want (false, 4s)", ok, wait)
	}
	// The cancelled reservation leaves the bucket as it was.
	if ok, _ := p.allow("k", now.Add(4*time.Second)); !ok {
		t.Error("limited after full refill")
	}
}

func TestRateLimit_EvictsIdleClients(t *testing.T) {
	p := NewRateLimitProcessor(10, 10)
	now := time.Unix(1_700_000_000, 0)
	p.allow("idle", now)

	later := now.Add(p.idleTTL + time.Minute)
	for range 511 {
		p.allow("busy", later)
	}
	p.mu.Lock()
	_, ok := p.clients["idle"]
	p.mu.Unlock()
	if ok {
		t.Error("idle client not evicted")
	}
}

func TestClientKey(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		session string
		want    string
	}{
		{"host port", "198.51.100.7:5555", "", "ip:198.51.100.7"},
		{"ipv6", "[2001:db8::1]:443", "", "ip:2001:db8::1"},
		{"bare", "198.51.100.7", "", "ip:198.51.100.7"},
		{"empty", "", "", "ip:unknown"},
		{"session wins", "198.51.100.7:5555", "abc", "session:abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.session != "" {
				s := &session{data: &sessionData{ID: tt.session}}
				req = req.WithContext(WithSession(req.Context(), s))
			}
			if got := clientKey(req); got != tt.want {
				t.Errorf("clientKey = %q, want %q", got, tt.want)
			}
		})
	}
}
