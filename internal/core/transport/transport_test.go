package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeRoundTripper struct {
	responses []*http.Response
	errs      []error
	n         int
}

func (f *fakeRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	i := f.n
	f.n++
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	var resp *http.Response
	if i < len(f.responses) {
		resp = f.responses[i]
	}
	return resp, err
}

func newResp(status int, headers map[string]string) *http.Response {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &http.Response{StatusCode: status, Header: h, Body: http.NoBody}
}

func TestRetryHonorsRetryAfterWithinMinIntervalFloor(t *testing.T) {
	fake := &fakeRoundTripper{
		responses: []*http.Response{
			newResp(http.StatusTooManyRequests, map[string]string{"Retry-After": "1"}),
			newResp(http.StatusOK, nil),
		},
	}

	var observed time.Duration
	rt := New(fake, Config{
		MinInterval:      5 * time.Second,
		MaxPerRetryDelay: time.Minute,
		Sleep: func(ctx context.Context, d time.Duration) error {
			observed = d
			return nil
		},
	})

	req := httptest.NewRequest(http.MethodGet, "https://example.test/v1", nil)
	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected eventual 200, got %d", resp.StatusCode)
	}
	if observed < 5*time.Second {
		t.Fatalf("expected observed delay to respect the 5s minInterval floor, got %v", observed)
	}
}

func TestRetryStopsOnClientFatal(t *testing.T) {
	fake := &fakeRoundTripper{responses: []*http.Response{newResp(http.StatusBadRequest, nil)}}
	rt := New(fake, Config{Sleep: func(context.Context, time.Duration) error {
		t.Fatal("should not sleep on a client-fatal response")
		return nil
	}})

	req := httptest.NewRequest(http.MethodGet, "https://example.test/v1", nil)
	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status to pass through unchanged, got %d", resp.StatusCode)
	}
	if fake.n != 1 {
		t.Fatalf("expected exactly one attempt, got %d", fake.n)
	}
}

func TestRetryExhaustsGlobalBudget(t *testing.T) {
	fake := &fakeRoundTripper{
		responses: []*http.Response{
			newResp(http.StatusServiceUnavailable, nil),
			newResp(http.StatusServiceUnavailable, nil),
			newResp(http.StatusServiceUnavailable, nil),
		},
	}
	rt := New(fake, Config{
		GlobalBudget:     50 * time.Millisecond,
		MinInterval:      time.Millisecond,
		MaxPerRetryDelay: time.Millisecond,
		InitialDelay:     time.Millisecond,
		Clock:            fakeClock(50 * time.Millisecond),
		Sleep:            func(context.Context, time.Duration) error { return nil },
	})

	req := httptest.NewRequest(http.MethodGet, "https://example.test/v1", nil)
	_, err := rt.RoundTrip(req)
	if err == nil {
		t.Fatal("expected the exhausted budget to surface an error")
	}
}

// fakeClock returns a Clock func that jumps forward by step on every call,
// simulating budget exhaustion deterministically without real sleeps.
func fakeClock(step time.Duration) func() time.Time {
	t0 := time.Unix(0, 0)
	calls := 0
	return func() time.Time {
		calls++
		return t0.Add(time.Duration(calls) * step)
	}
}

func TestRetryAbortsOnCancellation(t *testing.T) {
	fake := &fakeRoundTripper{responses: []*http.Response{newResp(http.StatusTooManyRequests, nil)}}
	rt := New(fake, Config{
		Sleep: func(ctx context.Context, d time.Duration) error {
			return context.Canceled
		},
	})
	req := httptest.NewRequest(http.MethodGet, "https://example.test/v1", nil)
	_, err := rt.RoundTrip(req)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
