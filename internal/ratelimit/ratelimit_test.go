package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestTokenBucketLimiter_Allow_BasicFunctionality(t *testing.T) {
	limiter := New(0.01, 3) // burst of 3, practically no refill

	// First 3 requests should be allowed
	for i := 0; i < 3; i++ {
		if !limiter.Allow("192.168.1.1") {
			t.Errorf("Request %d should be allowed, but was denied", i+1)
		}
	}

	// 4th request should be denied
	if limiter.Allow("192.168.1.1") {
		t.Error("4th request should be denied, but was allowed")
	}
}

func TestTokenBucketLimiter_Allow_DifferentIPs(t *testing.T) {
	limiter := New(0.01, 2)

	ip1 := "192.168.1.1"
	ip2 := "192.168.1.2"

	for i := 0; i < 2; i++ {
		if !limiter.Allow(ip1) {
			t.Errorf("Request %d for ip1 should be allowed", i+1)
		}
	}
	if limiter.Allow(ip1) {
		t.Error("Third request for ip1 should be denied")
	}

	// ip2 should still have its full burst available
	for i := 0; i < 2; i++ {
		if !limiter.Allow(ip2) {
			t.Errorf("Request %d for ip2 should be allowed", i+1)
		}
	}
	if limiter.Allow(ip2) {
		t.Error("Third request for ip2 should be denied")
	}
}

func TestTokenBucketLimiter_Allow_Refill(t *testing.T) {
	limiter := New(20, 1) // one token every 50ms

	ip := "192.168.1.1"
	if !limiter.Allow(ip) {
		t.Fatal("First request should be allowed")
	}
	if limiter.Allow(ip) {
		t.Fatal("Second immediate request should be denied")
	}

	time.Sleep(120 * time.Millisecond)

	if !limiter.Allow(ip) {
		t.Error("Request after refill should be allowed")
	}
}

func TestTokenBucketLimiter_Allow_ZeroBurst(t *testing.T) {
	limiter := New(10, 0)

	if limiter.Allow("192.168.1.1") {
		t.Error("Request should be denied when burst is 0")
	}
}

func TestTokenBucketLimiter_Allow_Concurrent(t *testing.T) {
	limiter := New(0.01, 50)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Allow("10.0.0.1") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Errorf("Expected 50 allowed requests, got %d", allowed)
	}
}

func TestTokenBucketLimiter_TracksAddresses(t *testing.T) {
	limiter := New(1, 1).(*TokenBucketLimiter)

	for i := 0; i < 5; i++ {
		limiter.Allow(fmt.Sprintf("10.0.0.%d", i))
	}
	if got := limiter.Len(); got != 5 {
		t.Errorf("Expected 5 tracked addresses, got %d", got)
	}
}
