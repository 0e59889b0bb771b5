package container

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPollUntilReadySucceedsAfterThreshold(t *testing.T) {
	cfg := ProbeConfig{
		Kind:             ProbeCommand,
		Interval:         time.Millisecond,
		Timeout:          time.Second,
		SuccessThreshold: 3,
	}

	var calls int32
	check := func(ctx context.Context) error {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return errors.New("not ready yet")
		}
		return nil
	}

	if err := pollUntilReady(context.Background(), cfg, check); err != nil {
		t.Fatalf("pollUntilReady() error: %v", err)
	}
	if calls != 5 {
		t.Errorf("expected exactly 5 calls (2 failures, then 3 consecutive passes) to reach threshold, got %d", calls)
	}
}

func TestPollUntilReadyResetsStreakOnFailure(t *testing.T) {
	cfg := ProbeConfig{
		Kind:             ProbeCommand,
		Interval:         time.Millisecond,
		Timeout:          time.Second,
		SuccessThreshold: 2,
	}

	var calls int32
	check := func(ctx context.Context) error {
		n := atomic.AddInt32(&calls, 1)
		// Succeed, fail, succeed, succeed: the single success at n=1 must not
		// count toward the threshold once n=2 breaks the streak.
		if n == 1 || n >= 3 {
			return nil
		}
		return errors.New("blip")
	}

	if err := pollUntilReady(context.Background(), cfg, check); err != nil {
		t.Fatalf("pollUntilReady() error: %v", err)
	}
	if calls != 4 {
		t.Errorf("expected streak reset to require 4 calls, got %d", calls)
	}
}

func TestPollUntilReadyTimesOut(t *testing.T) {
	cfg := ProbeConfig{
		Kind:             ProbeCommand,
		Interval:         time.Millisecond,
		Timeout:          20 * time.Millisecond,
		SuccessThreshold: 1,
	}

	check := func(ctx context.Context) error {
		return errors.New("never ready")
	}

	err := pollUntilReady(context.Background(), cfg, check)
	if err == nil {
		t.Fatal("expected pollUntilReady() to time out, got nil error")
	}
}

func TestDefaultProbeConfigIsCommandBased(t *testing.T) {
	cfg := defaultProbeConfig()
	if cfg.Kind != ProbeCommand {
		t.Errorf("default probe kind = %q, want %q", cfg.Kind, ProbeCommand)
	}
	if len(cfg.Command) == 0 {
		t.Error("default probe command must not be empty")
	}
	if cfg.SuccessThreshold < 1 {
		t.Error("default probe success threshold must be at least 1")
	}
}

func TestNewUsesDefaultProbeWhenKindUnset(t *testing.T) {
	b := New(nil, nil, ProbeConfig{})
	if b.readyProbe == nil {
		t.Fatal("New() must always populate readyProbe, even with a zero-value ProbeConfig")
	}
}
