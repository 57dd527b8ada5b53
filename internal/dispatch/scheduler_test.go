package dispatch

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestCancelledHandleNeverFires(t *testing.T) {
	s := &Scheduler{}
	var fired atomic.Int32
	h := s.Arm(20*time.Millisecond, func() { fired.Add(1) })
	if !h.Cancel() {
		t.Fatal("cancel before the deadline should win")
	}
	time.Sleep(60 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatal("callback ran after cancellation")
	}
}

func TestCancelAfterFireReportsFailure(t *testing.T) {
	s := &Scheduler{}
	done := make(chan struct{})
	h := s.Arm(time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never ran")
	}
	if h.Cancel() {
		t.Fatal("cancel after the callback started should report failure")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	s := &Scheduler{}
	h := s.Arm(time.Hour, func() { t.Error("callback must not run") })
	if !h.Cancel() || !h.Cancel() {
		t.Fatal("repeated cancel of an unfired handle should keep reporting success")
	}
}
