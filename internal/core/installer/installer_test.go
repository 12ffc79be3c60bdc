package installer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestInstallDeduplicatesConcurrentCallers(t *testing.T) {
	var calls int32
	inst := New(Config{
		Root: t.TempDir(),
		InstallFn: func(ctx context.Context, pkg, version string) (string, error) {
			atomic.AddInt32(&calls, 1)
			time.Sleep(20 * time.Millisecond)
			return "/installed/" + pkg, nil
		},
	})

	const n = 10
	results := make(chan string, n)
	for i := 0; i < n; i++ {
		go func() {
			path, err := inst.Install(context.Background(), "gateway-x", "1.0.0")
			if err != nil {
				t.Error(err)
			}
			results <- path
		}()
	}
	for i := 0; i < n; i++ {
		<-results
	}

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly 1 underlying install call, got %d", got)
	}
}

func TestInstallConcreteVersionReturnsImmediatelyOnSecondCall(t *testing.T) {
	var calls int32
	inst := New(Config{
		Root: t.TempDir(),
		InstallFn: func(ctx context.Context, pkg, version string) (string, error) {
			atomic.AddInt32(&calls, 1)
			return "/installed/" + pkg, nil
		},
	})

	if _, err := inst.Install(context.Background(), "gateway-x", "1.0.0"); err != nil {
		t.Fatal(err)
	}
	if _, err := inst.Install(context.Background(), "gateway-x", "1.0.0"); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected cached concrete-version install, got %d calls", got)
	}
}

func TestInstallRetriesThenFails(t *testing.T) {
	var calls int32
	inst := New(Config{
		Root:        t.TempDir(),
		RetryDelays: []time.Duration{time.Millisecond, time.Millisecond},
		InstallFn: func(ctx context.Context, pkg, version string) (string, error) {
			atomic.AddInt32(&calls, 1)
			return "", context.DeadlineExceeded
		},
	})

	if _, err := inst.Install(context.Background(), "flaky", "latest"); err == nil {
		t.Fatal("expected InstallFailed error")
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts (1 + 2 retries), got %d", got)
	}
}
