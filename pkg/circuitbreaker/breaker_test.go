package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

func countsOf(requests, failures, consecutive uint32) gobreaker.Counts {
	return gobreaker.Counts{Requests: requests, TotalFailures: failures, ConsecutiveFailures: consecutive}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig("jotform")
	cfg.TripAfter = 2

	var transitions []State
	cfg.OnStateChange = func(name string, from, to State) {
		transitions = append(transitions, to)
	}
	b, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	boom := errors.New("provider 503")
	for i := 0; i < 2; i++ {
		if _, err := Do(context.Background(), b, func(context.Context) (string, error) { return "", boom }); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: expected upstream error, got %v", i, err)
		}
	}

	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Errorf("unexpected transitions %v", transitions)
	}

	called := false
	_, err = Do(context.Background(), b, func(context.Context) (string, error) { called = true; return "ok", nil })
	if !IsOpenError(err) || called {
		t.Errorf("expected rejection without a call, got %v (called=%v)", err, called)
	}
	if h := b.Health(); h.Healthy || h.State != StateOpen {
		t.Errorf("open breaker reported %+v", h)
	}
}

func TestBreaker_HalfOpenProbeCloses(t *testing.T) {
	cfg := DefaultConfig("jotform")
	cfg.TripAfter = 1
	cfg.OpenFor = 10 * time.Millisecond
	b, _ := New(cfg, nil)

	_, _ = Do(context.Background(), b, func(context.Context) (int, error) { return 0, errors.New("down") })
	time.Sleep(20 * time.Millisecond)

	got, err := Do(context.Background(), b, func(context.Context) (int, error) { return 42, nil })
	if err != nil || got != 42 {
		t.Fatalf("probe: %d, %v", got, err)
	}
	if b.State() != StateClosed {
		t.Errorf("successful probe should close the breaker, state=%s", b.State())
	}
}

func TestBreaker_IsSuccessfulOverride(t *testing.T) {
	notFound := errors.New("form not found")
	cfg := DefaultConfig("jotform")
	cfg.TripAfter = 1
	cfg.IsSuccessful = func(err error) bool { return err == nil || errors.Is(err, notFound) }
	b, _ := New(cfg, nil)

	for i := 0; i < 3; i++ {
		if _, err := Do(context.Background(), b, func(context.Context) (any, error) { return nil, notFound }); !errors.Is(err, notFound) {
			t.Fatalf("expected the caller to still see the error, got %v", err)
		}
	}
	if b.State() != StateClosed {
		t.Errorf("ignored errors should not trip the breaker, state=%s", b.State())
	}
}

func TestDo_NilBreaker(t *testing.T) {
	got, err := Do(context.Background(), nil, func(context.Context) (string, error) { return "direct", nil })
	if err != nil || got != "direct" {
		t.Errorf("got %q, %v", got, err)
	}
}

func TestReadyToTrip_Ratio(t *testing.T) {
	cfg := DefaultConfig("jotform")
	cfg.TripAfter = 100

	if !cfg.readyToTrip(countsOf(10, 6, 1)) {
		t.Error("60% failures over 10 calls should trip")
	}
	if cfg.readyToTrip(countsOf(9, 9, 1)) {
		t.Error("ratio needs the minimum request count")
	}
}
