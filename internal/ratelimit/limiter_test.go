package ratelimit

import (
	"testing"
	"time"
)

func TestLimiter_AllowsUpToMax(t *testing.T) {
	l := New(5, time.Second)

	for i := 0; i < 5; i++ {
		if !l.Check("client-a") {
			t.Fatalf("request %d should be allowed", i)
		}
	}

	if l.Check("client-a") {
		t.Fatal("6th request within the window should be denied")
	}
}

func TestLimiter_WindowExpiry(t *testing.T) {
	now := time.Now()
	l := New(2, 100*time.Millisecond)
	l.SetNowFunc(func() time.Time { return now })

	if !l.Check("k") || !l.Check("k") {
		t.Fatal("first two requests should be allowed")
	}
	if l.Check("k") {
		t.Fatal("third request should be denied")
	}

	now = now.Add(150 * time.Millisecond)
	if !l.Check("k") {
		t.Fatal("request after window elapses should be allowed")
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l := New(1, time.Second)

	if !l.Check("a") {
		t.Fatal("first request for a should be allowed")
	}
	if !l.Check("b") {
		t.Fatal("b has its own budget and should be allowed")
	}
	if l.Check("a") {
		t.Fatal("a is over budget")
	}
}

func TestLimiter_Remove(t *testing.T) {
	l := New(1, time.Second)

	l.Check("a")
	if l.Check("a") {
		t.Fatal("a should be over budget")
	}

	l.Remove("a")
	if !l.Check("a") {
		t.Fatal("after Remove, a should have a fresh budget")
	}
}

func TestLimiter_DefaultParameters(t *testing.T) {
	l := New(0, 0)
	for i := 0; i < DefaultMaxRequests; i++ {
		if !l.Check("k") {
			t.Fatalf("request %d should be allowed under default budget", i)
		}
	}
	if l.Check("k") {
		t.Fatal("request beyond default budget should be denied")
	}
}
