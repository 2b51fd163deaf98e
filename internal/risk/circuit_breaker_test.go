package risk

import (
	"errors"
	"testing"
)

func TestCircuitBreakerTripsOnConsecutiveRejects(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxConsecutiveRejects: 2})
	if err := cb.AllowPlacement(); err != nil {
		t.Fatalf("初始应允许: %v", err)
	}
	cb.OnRejected()
	cb.OnAccepted()
	cb.OnRejected()
	if err := cb.AllowPlacement(); err != nil {
		t.Fatalf("成功后计数应清零: %v", err)
	}
	cb.OnRejected()
	if err := cb.AllowPlacement(); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("连续 2 次拒单应熔断, got=%v", err)
	}
	if !cb.Halted() {
		t.Fatalf("应处于熔断")
	}
	cb.OnAccepted()
	if err := cb.AllowPlacement(); err == nil {
		t.Fatalf("熔断需人工恢复")
	}
	cb.Resume()
	if err := cb.AllowPlacement(); err != nil {
		t.Fatalf("恢复后应允许: %v", err)
	}
	if consecutive, total := cb.Rejects(); consecutive != 0 || total != 3 {
		t.Fatalf("rejects got=%d/%d", consecutive, total)
	}
}

func TestNilCircuitBreaker(t *testing.T) {
	var cb *CircuitBreaker
	if err := cb.AllowPlacement(); err != nil {
		t.Fatalf("nil 断路器不限制")
	}
	cb.OnRejected()
	cb.Halt()
}
