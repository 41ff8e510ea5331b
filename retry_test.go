package spur

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryCallSucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	got, err := retryCall(context.Background(), 3, time.Millisecond, "test", nopLogger, func() (int, error) {
		attempts++
		if attempts < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != 42 || attempts != 3 {
		t.Errorf("got %d after %d attempts", got, attempts)
	}
}

func TestRetryCallExhaustsAttempts(t *testing.T) {
	attempts := 0
	_, err := retryCall(context.Background(), 3, time.Millisecond, "test", nopLogger, func() (int, error) {
		attempts++
		return 0, errors.New("still broken")
	})
	if err == nil || attempts != 3 {
		t.Errorf("err = %v after %d attempts", err, attempts)
	}
}

func TestRetryCallStopsOnPermanentErrors(t *testing.T) {
	permanent := []error{
		&ErrNotFound{Kind: "run", ID: "r1"},
		&ErrValidation{Issues: []string{"bad"}},
		context.Canceled,
	}
	for _, want := range permanent {
		attempts := 0
		_, err := retryCall(context.Background(), 3, time.Millisecond, "test", nopLogger, func() (int, error) {
			attempts++
			return 0, want
		})
		if !errors.Is(err, want) {
			t.Errorf("err = %v, want %v", err, want)
		}
		if attempts != 1 {
			t.Errorf("%v retried %d times", want, attempts)
		}
	}
}

func TestRetryCallHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := retryCall(ctx, 5, 10*time.Second, "test", nopLogger, func() (int, error) {
		return 0, errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRetryBackoff(t *testing.T) {
	base := 50 * time.Millisecond
	for i := 0; i < 4; i++ {
		min := base * (1 << i)
		max := min + min/2
		for trial := 0; trial < 20; trial++ {
			d := retryBackoff(base, i)
			if d < min || d > max {
				t.Fatalf("retryBackoff(%v, %d) = %v, want [%v, %v]", base, i, d, min, max)
			}
		}
	}
}
