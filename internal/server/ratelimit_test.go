package server

import (
	"testing"
	"time"
)

func TestRateLimiter_Allow(t *testing.T) {
	rl := newIPRateLimiter(3, time.Minute)
	for i := 0; i < 3; i++ {
		if !rl.Allow("1.2.3.4") {
			t.Fatalf("request %d denied within capacity", i)
		}
	}
	if rl.Allow("1.2.3.4") {
		t.Fatal("request over capacity allowed")
	}
	// A different IP has its own bucket.
	if !rl.Allow("5.6.7.8") {
		t.Fatal("independent IP denied")
	}
}

func TestRateLimiter_Refill(t *testing.T) {
	rl := newIPRateLimiter(1, 10*time.Millisecond)
	if !rl.Allow("1.2.3.4") {
		t.Fatal("first request denied")
	}
	if rl.Allow("1.2.3.4") {
		t.Fatal("request over capacity allowed")
	}
	time.Sleep(20 * time.Millisecond)
	if !rl.Allow("1.2.3.4") {
		t.Fatal("request denied after refill interval")
	}
}
