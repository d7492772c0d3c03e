package queue

import (
	"testing"
	"time"
)

func TestCircuitBreakerStartsClosed(t *testing.T) {
	cb := NewCircuitBreaker(5, 30)
	if cb.State() != CircuitBreakerClosed {
		t.Errorf("Expected initial state to be Closed, got %v", cb.State())
	}
	if !cb.Allow() {
		t.Error("Expected Allow() to return true when circuit breaker is closed")
	}
}

func TestCircuitBreakerThreshold(t *testing.T) {
	tests := []struct {
		name      string
		threshold int
		failures  int
		wantOpen  bool
	}{
		{"threshold 1, 1 failure", 1, 1, true},
		{"threshold 5, 4 failures", 5, 4, false},
		{"threshold 5, 5 failures", 5, 5, true},
		{"threshold 10, 9 failures", 10, 9, false},
		{"threshold 10, 10 failures", 10, 10, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := NewCircuitBreaker(tt.threshold, 30)

			for i := 0; i < tt.failures; i++ {
				cb.RecordFailure()
			}

			isOpen := cb.State() == CircuitBreakerOpen
			if isOpen != tt.wantOpen {
				t.Errorf("Expected open=%v, got open=%v (state=%v)", tt.wantOpen, isOpen, cb.State())
			}
		})
	}
}

func TestCircuitBreakerOpenBlocksUntilCooldown(t *testing.T) {
	cb := NewCircuitBreaker(1, 2)

	cb.RecordFailure()

	if cb.Allow() {
		t.Error("Expected Allow() to return false when circuit breaker is open")
	}

	time.Sleep(2100 * time.Millisecond)

	if !cb.Allow() {
		t.Error("Expected Allow() to return true after cooldown period")
	}
}

func TestCircuitBreakerProbeSuccessCloses(t *testing.T) {
	cb := NewCircuitBreaker(1, 1)

	cb.RecordFailure()
	time.Sleep(1100 * time.Millisecond)
	cb.Allow()

	cb.RecordSuccess()

	if cb.State() != CircuitBreakerClosed {
		t.Errorf("Expected state to be Closed after success, got %v", cb.State())
	}
	if got := cb.failures.Load(); got != 0 {
		t.Errorf("Expected failures to be reset to 0, got %d", got)
	}
}

func TestCircuitBreakerProbeFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, 1)

	cb.RecordFailure()
	time.Sleep(1100 * time.Millisecond)
	cb.Allow()

	cb.RecordFailure()

	if cb.State() != CircuitBreakerOpen {
		t.Errorf("Expected state to be Open after failure in half-open, got %v", cb.State())
	}
	if cb.Allow() {
		t.Error("Expected Allow() to return false right after a failed probe")
	}
}

func TestCircuitBreakerConcurrency(t *testing.T) {
	cb := NewCircuitBreaker(100, 30)

	done := make(chan bool)

	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				cb.Allow()
				cb.RecordFailure()
				cb.RecordSuccess()
			}
			done <- true
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}
}
