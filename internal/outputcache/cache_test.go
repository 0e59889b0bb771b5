package outputcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sandboxengine/engine/pkg/enginetypes"
)

func TestFingerprintKeyDeterministicAndOrderIndependent(t *testing.T) {
	a := Fingerprint{
		ImageDigest: "sha256:abc",
		Argv:        []string{"python3", "main.py"},
		Env:         map[string]string{"B": "2", "A": "1"},
		StdinHash:   HashStdin([]byte("hello")),
	}
	b := Fingerprint{
		ImageDigest: "sha256:abc",
		Argv:        []string{"python3", "main.py"},
		Env:         map[string]string{"A": "1", "B": "2"},
		StdinHash:   HashStdin([]byte("hello")),
	}
	if a.Key() != b.Key() {
		t.Errorf("Key() should not depend on map iteration order: %s != %s", a.Key(), b.Key())
	}

	c := a
	c.Argv = []string{"python3", "other.py"}
	if a.Key() == c.Key() {
		t.Errorf("Key() should differ when argv differs")
	}
}

func TestExecuteCachesSecondCallAsHit(t *testing.T) {
	cache := New(time.Hour)
	fp := Fingerprint{ImageDigest: "sha256:abc", Argv: []string{"echo", "hi"}}

	var calls int32
	compute := func(ctx context.Context) (*enginetypes.Response, error) {
		atomic.AddInt32(&calls, 1)
		return &enginetypes.Response{ExitCode: 0, Stdout: []byte("hi")}, nil
	}

	resp1, hit1, err := cache.Execute(context.Background(), fp, compute)
	if err != nil {
		t.Fatalf("first Execute() error: %v", err)
	}
	if hit1 {
		t.Errorf("first Execute() should not report a cache hit")
	}
	if resp1.CacheHit {
		t.Errorf("first response should not be marked CacheHit")
	}

	resp2, hit2, err := cache.Execute(context.Background(), fp, compute)
	if err != nil {
		t.Fatalf("second Execute() error: %v", err)
	}
	if !hit2 {
		t.Errorf("second Execute() with identical fingerprint should report a cache hit")
	}
	if !resp2.CacheHit {
		t.Errorf("second response should be marked CacheHit")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("compute() should only run once, ran %d times", calls)
	}
}

func TestExecuteCoalescesConcurrentCallers(t *testing.T) {
	cache := New(time.Hour)
	fp := Fingerprint{ImageDigest: "sha256:abc", Argv: []string{"sleep"}}

	var calls int32
	release := make(chan struct{})
	compute := func(ctx context.Context) (*enginetypes.Response, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return &enginetypes.Response{ExitCode: 0}, nil
	}

	var wg sync.WaitGroup
	const n = 8
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, _, err := cache.Execute(context.Background(), fp, compute); err != nil {
				t.Errorf("Execute() error: %v", err)
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("compute() should run exactly once across %d concurrent callers, ran %d times", n, got)
	}
}

func TestExecuteDoesNotCacheErrors(t *testing.T) {
	cache := New(time.Hour)
	fp := Fingerprint{ImageDigest: "sha256:abc"}

	wantErr := errors.New("backend unavailable")
	var calls int32
	compute := func(ctx context.Context) (*enginetypes.Response, error) {
		atomic.AddInt32(&calls, 1)
		return nil, wantErr
	}

	if _, _, err := cache.Execute(context.Background(), fp, compute); !errors.Is(err, wantErr) {
		t.Fatalf("Execute() error = %v, want %v", err, wantErr)
	}
	if _, _, err := cache.Execute(context.Background(), fp, compute); !errors.Is(err, wantErr) {
		t.Fatalf("second Execute() error = %v, want %v", err, wantErr)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("a failed compute() should not be cached, expected 2 calls, got %d", got)
	}
}

func TestExecuteExpiresAfterTTL(t *testing.T) {
	cache := New(10 * time.Millisecond)
	fp := Fingerprint{ImageDigest: "sha256:abc"}

	var calls int32
	compute := func(ctx context.Context) (*enginetypes.Response, error) {
		atomic.AddInt32(&calls, 1)
		return &enginetypes.Response{ExitCode: 0}, nil
	}

	if _, _, err := cache.Execute(context.Background(), fp, compute); err != nil {
		t.Fatalf("first Execute() error: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	_, hit, err := cache.Execute(context.Background(), fp, compute)
	if err != nil {
		t.Fatalf("Execute() after TTL error: %v", err)
	}
	if hit {
		t.Errorf("Execute() after TTL expiry should recompute, not report a hit")
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("expired entry should trigger recomputation, expected 2 calls, got %d", got)
	}
}

func TestPurgeClearsEntries(t *testing.T) {
	cache := New(time.Hour)
	fp := Fingerprint{ImageDigest: "sha256:abc"}

	var calls int32
	compute := func(ctx context.Context) (*enginetypes.Response, error) {
		atomic.AddInt32(&calls, 1)
		return &enginetypes.Response{ExitCode: 0}, nil
	}

	if _, _, err := cache.Execute(context.Background(), fp, compute); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	cache.Purge()

	if _, hit, err := cache.Execute(context.Background(), fp, compute); err != nil || hit {
		t.Errorf("Execute() after Purge() should miss and recompute, got hit=%v err=%v", hit, err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("Purge() should force recomputation, expected 2 calls, got %d", got)
	}
}
