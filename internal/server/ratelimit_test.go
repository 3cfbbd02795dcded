package server

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiter(t *testing.T) {
	t.Run("PerClientBuckets", func(t *testing.T) {
		rl := NewRateLimiter(0.001, 2)
		if !rl.Allow("10.0.0.1") || !rl.Allow("10.0.0.1") {
			t.Fatal("Burst requests should be allowed")
		}
		if rl.Allow("10.0.0.1") {
			t.Error("Third request should be limited")
		}
		if !rl.Allow("10.0.0.2") {
			t.Error("Other clients have their own bucket")
		}
	})

	t.Run("Cleanup", func(t *testing.T) {
		rl := NewRateLimiter(1, 1)
		rl.Allow("10.0.0.1")
		rl.Cleanup(time.Now().Add(-time.Minute))
		if rl.Len() != 1 {
			t.Error("Recently used client should be kept")
		}
		rl.Cleanup(time.Now().Add(time.Minute))
		if rl.Len() != 0 {
			t.Errorf("Expected idle client to be removed, %d left", rl.Len())
		}
	})

	t.Run("RunStopsOnCancel", func(t *testing.T) {
		rl := NewRateLimiter(1, 1)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			rl.Run(ctx, time.Millisecond)
			close(done)
		}()
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Run did not return after cancel")
		}
	})
}

func TestGetClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.7:5555"
	if ip := getClientIP(r); ip != "192.0.2.7" {
		t.Errorf("Expected host without port, got %s", ip)
	}
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if ip := getClientIP(r); ip != "203.0.113.9" {
		t.Errorf("Expected first forwarded address, got %s", ip)
	}
}
