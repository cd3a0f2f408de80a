package breaker

import (
	"testing"
	"time"
)

func TestProviderBreaker_TripsAfterThreshold(t *testing.T) {
	b := NewProviderBreaker("primary", 3, time.Minute, nil)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
		if !b.Allow() {
			t.Fatalf("breaker should not trip before exceeding maxErrors, failure %d", i+1)
		}
	}
	// 4th failure exceeds maxErrors=3
	b.RecordFailure()
	if b.Allow() {
		t.Fatalf("breaker should be tripped after exceeding maxErrors")
	}
}

func TestProviderBreaker_ResetsFailureCountAfterWindow(t *testing.T) {
	b := NewProviderBreaker("primary", 3, 50*time.Millisecond, nil)
	b.RecordFailure()
	b.RecordFailure()
	time.Sleep(60 * time.Millisecond)
	b.RecordFailure() // should have reset the window, so count restarts at 1
	if !b.Allow() {
		t.Fatalf("breaker should not be tripped: failure count should have reset after the window elapsed")
	}
}

func TestProviderBreaker_AllowsAgainAfterCooldown(t *testing.T) {
	b := NewProviderBreaker("primary", 1, time.Minute, nil)
	b.RecordFailure()
	b.RecordFailure() // trips: failureCount(2) > maxErrors(1)
	if b.Allow() {
		t.Fatalf("expected breaker to be tripped")
	}

	// simulate cooldown expiry without a real 60s sleep
	b.mu.Lock()
	b.resetTime = time.Now().Add(-time.Millisecond)
	b.mu.Unlock()

	if !b.Allow() {
		t.Fatalf("expected breaker to allow again once the cooldown has passed")
	}
}

func TestGlobalBurstBreaker_TripsAboveThreshold(t *testing.T) {
	b := NewGlobalBurstBreaker(5, nil)
	for i := 0; i < 5; i++ {
		if !b.Allow() {
			t.Fatalf("request %d should be allowed under the threshold", i+1)
		}
	}
	if b.Allow() {
		t.Fatalf("6th request within the same second should trip the breaker")
	}
}
