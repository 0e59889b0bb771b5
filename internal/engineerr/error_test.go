package engineerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapAndUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap(BackendUnavailable, "connect to firecracker agent", cause)

	if !errors.Is(err, cause) {
		t.Errorf("Wrap() should preserve cause for errors.Is")
	}
	if got := err.Error(); got == "" {
		t.Errorf("Error() returned empty string")
	}
}

func TestKindOf(t *testing.T) {
	err := New(SnapshotNotFound, "no such hash")
	kind, ok := KindOf(err)
	if !ok || kind != SnapshotNotFound {
		t.Errorf("KindOf() = (%v, %v), want (%v, true)", kind, ok, SnapshotNotFound)
	}
}

func TestKindOfWrapped(t *testing.T) {
	inner := New(Timeout, "command exceeded 5s")
	outer := fmt.Errorf("exec failed: %w", inner)

	kind, ok := KindOf(outer)
	if !ok || kind != Timeout {
		t.Errorf("KindOf() on wrapped error = (%v, %v), want (%v, true)", kind, ok, Timeout)
	}
}

func TestKindOfPlainError(t *testing.T) {
	_, ok := KindOf(errors.New("not an engine error"))
	if ok {
		t.Errorf("KindOf() on a plain error should return false")
	}
}

func TestRetryable(t *testing.T) {
	cases := map[Kind]bool{
		BackendUnavailable: true,
		Timeout:            false,
		CheckpointFailed:   false,
		InvalidRequest:     false,
	}
	for kind, want := range cases {
		if got := Retryable(kind); got != want {
			t.Errorf("Retryable(%s) = %v, want %v", kind, got, want)
		}
	}
}
