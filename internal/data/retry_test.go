package data

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/m4hub/chatcore/internal/domain"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Multiplier: 2.0,
	}
}

func TestWithRetry_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), fastRetryConfig(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestWithRetry_DomainErrorNotRetried(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), fastRetryConfig(), func() error {
		calls++
		return domain.ErrDuplicateRequest
	})
	if !errors.Is(err, domain.ErrDuplicateRequest) {
		t.Fatalf("expected domain error to pass through, got %v", err)
	}
	if errors.Is(err, domain.ErrTransientStore) {
		t.Fatal("domain error must not be reported as a transient store failure")
	}
	if calls != 1 {
		t.Fatalf("domain error retried: %d calls", calls)
	}
}

func TestWithRetry_TransientRetriedThenWrapped(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), fastRetryConfig(), func() error {
		calls++
		return context.DeadlineExceeded
	})
	if !errors.Is(err, domain.ErrTransientStore) {
		t.Fatalf("expected ErrTransientStore after exhaustion, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestWithRetry_TransientRecovers(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), fastRetryConfig(), func() error {
		calls++
		if calls < 2 {
			return context.DeadlineExceeded
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}
