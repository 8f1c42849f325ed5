package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eddiefleurent/scranton_calendar/internal/broker"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/sony/gobreaker"
)

// --- Test helpers ---

type fakeGateway struct {
	broker.Gateway // unused methods panic

	callCount int32

	// if successAfterN > 0, return errTransient for attempts < N, then success
	successAfterN int
	errTransient  error
	errPermanent  error
}

func (f *fakeGateway) result() error {
	n := atomic.AddInt32(&f.callCount, 1)
	if f.successAfterN > 0 {
		if int(n) < f.successAfterN {
			if f.errTransient != nil {
				return f.errTransient
			}
			return errors.New("timeout")
		}
		return nil
	}
	if f.errPermanent != nil {
		return f.errPermanent
	}
	if f.errTransient != nil {
		return f.errTransient
	}
	return nil
}

func (f *fakeGateway) GetQuotes(_ context.Context, conids []string) (map[string]broker.Quote, error) {
	if err := f.result(); err != nil {
		return nil, err
	}
	return map[string]broker.Quote{conids[0]: {Conid: conids[0], Bid: 1, Ask: 2}}, nil
}

func (f *fakeGateway) GetIndexValue(_ context.Context, _ string) (float64, error) {
	if err := f.result(); err != nil {
		return broker.IndexValueUnavailable, err
	}
	return 17, nil
}

func (f *fakeGateway) CancelOrder(_ context.Context, _, _ string) (bool, error) {
	if err := f.result(); err != nil {
		return false, err
	}
	return true, nil
}

func (f *fakeGateway) SubmitMarketOrder(_ context.Context, _, _, _ string, _ int) (*broker.OrderResult, error) {
	if err := f.result(); err != nil {
		return nil, err
	}
	return &broker.OrderResult{ID: "m1"}, nil
}

func fastConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     3 * time.Millisecond,
		Timeout:        250 * time.Millisecond,
	}
}

// --- Tests ---

func TestNewGateway_ConfigSanitizationAndDefaults(t *testing.T) {
	g := NewGateway(&fakeGateway{}, nil, Config{MaxRetries: -1})

	if g.logger == nil {
		t.Fatalf("expected logger to be non-nil (defaulted)")
	}
	if g.config.MaxRetries != DefaultConfig.MaxRetries {
		t.Fatalf("MaxRetries sanitized: got %d want %d", g.config.MaxRetries, DefaultConfig.MaxRetries)
	}
	if g.config.InitialBackoff != DefaultConfig.InitialBackoff || g.config.MaxBackoff != DefaultConfig.MaxBackoff {
		t.Fatalf("backoff not sanitized: %+v", g.config)
	}
	if g.config.Timeout != DefaultConfig.Timeout {
		t.Fatalf("Timeout sanitized: got %v want %v", g.config.Timeout, DefaultConfig.Timeout)
	}
}

func TestIsTransientError_Patterns(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", errors.New("request TIMEOUT while processing"), true},
		{"conn refused", errors.New("connection refused by target"), true},
		{"conn reset", errors.New("read: connection reset by peer"), true},
		{"rate limit", errors.New("rate limit exceeded"), true},
		{"api 503", fmt.Errorf("GET /x: %w", &broker.APIError{Status: 503, Body: "down"}), true},
		{"api 429", &broker.APIError{Status: 429}, true},
		{"api 400", &broker.APIError{Status: 400, Body: "bad request timeout field"}, false},
		{"rejection", fmt.Errorf("%w: timeout in force invalid", broker.ErrOrderRejected), false},
		{"canceled", context.Canceled, false},
		{"breaker open", fmt.Errorf("quotes: %w", gobreaker.ErrOpenState), false},
		{"breaker half-open busy", gobreaker.ErrTooManyRequests, false},
		{"non-transient", errors.New("validation failed: credit check"), false},
		{"empty string", errors.New(""), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isTransientError(tc.err); got != tc.want {
				t.Fatalf("isTransientError(%v)=%v want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestCalculateNextBackoff_GeneralBehavior(t *testing.T) {
	g := NewGateway(&fakeGateway{}, nil, Config{
		MaxRetries:     2,
		InitialBackoff: 4 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		Timeout:        1 * time.Second,
	})

	next := g.calculateNextBackoff(4 * time.Millisecond) // base = 6ms, jitter in [0, 1.5ms)
	if next < 6*time.Millisecond || next >= 7500*time.Microsecond {
		t.Fatalf("unexpected next backoff: got %v", next)
	}

	next2 := g.calculateNextBackoff(8 * time.Millisecond) // capped at 10ms; jitter in [0, 2.5ms)
	if next2 < 10*time.Millisecond || next2 >= 12500*time.Microsecond {
		t.Fatalf("unexpected capped next backoff: got %v", next2)
	}

	if got := g.calculateNextBackoff(0); got != 0 {
		t.Fatalf("zero backoff expected to remain zero, got %v", got)
	}
}

func TestGetQuotes_RetriesOnTransientAndThenSucceeds(t *testing.T) {
	fg := &fakeGateway{successAfterN: 3, errTransient: errors.New("connection reset")}
	logger, hook := test.NewNullLogger()
	g := NewGateway(fg, logger, fastConfig())

	quotes, err := g.GetQuotes(context.Background(), []string{"701"})
	if err != nil {
		t.Fatalf("expected success after retries, got err: %v", err)
	}
	if quotes["701"].Mid() != 1.5 {
		t.Fatalf("unexpected quotes: %+v", quotes)
	}
	if atomic.LoadInt32(&fg.callCount) != 3 {
		t.Fatalf("expected 3 attempts, got %d", fg.callCount)
	}
	if !strings.Contains(hook.LastEntry().Message, "Succeeded on attempt 3") {
		t.Fatalf("expected recovery log, got: %s", hook.LastEntry().Message)
	}
}

func TestCancelOrder_FailFastOnNonTransient(t *testing.T) {
	fg := &fakeGateway{errPermanent: errors.New("order already filled")}
	g := NewGateway(fg, nil, fastConfig())

	ok, err := g.CancelOrder(context.Background(), "U1", "tp-1")
	if err == nil || ok {
		t.Fatalf("expected failure on non-transient error, got %v %v", ok, err)
	}
	if atomic.LoadInt32(&fg.callCount) != 1 {
		t.Fatalf("expected only 1 attempt on non-transient error, got %d", fg.callCount)
	}
	if !strings.Contains(err.Error(), "cancel tp-1 failed") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGetIndexValue_ExhaustedRetriesReturnsSentinel(t *testing.T) {
	fg := &fakeGateway{errTransient: errors.New("503 service unavailable")}
	g := NewGateway(fg, nil, Config{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Timeout: time.Second})

	v, err := g.GetIndexValue(context.Background(), "VIX")
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if v != broker.IndexValueUnavailable {
		t.Fatalf("expected unavailable sentinel, got %v", v)
	}
	if atomic.LoadInt32(&fg.callCount) != 3 {
		t.Fatalf("expected MaxRetries+1 attempts, got %d", fg.callCount)
	}
}

func TestSubmitMarketOrder_NeverRetried(t *testing.T) {
	fg := &fakeGateway{errTransient: errors.New("timeout")}
	g := NewGateway(fg, nil, fastConfig())

	if _, err := g.SubmitMarketOrder(context.Background(), "U1", "701", broker.SideBuy, 1); err == nil {
		t.Fatal("expected the submission error to surface")
	}
	if atomic.LoadInt32(&fg.callCount) != 1 {
		t.Fatalf("submissions must not be retried, got %d calls", fg.callCount)
	}
}

func TestWithRetry_ContextCanceled(t *testing.T) {
	fg := &fakeGateway{}
	g := NewGateway(fg, nil, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.GetQuotes(ctx, []string{"1"})
	if err == nil || !strings.Contains(err.Error(), "operation canceled") {
		t.Fatalf("expected 'operation canceled' in error, got: %v", err)
	}
	if atomic.LoadInt32(&fg.callCount) != 0 {
		t.Fatalf("expected 0 gateway calls, got %d", fg.callCount)
	}
}

func TestWithRetry_TimeoutDuringBackoff(t *testing.T) {
	fg := &fakeGateway{errTransient: errors.New("connection reset")}
	g := NewGateway(fg, nil, Config{
		MaxRetries:     10,
		InitialBackoff: 20 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		Timeout:        5 * time.Millisecond,
	})

	_, err := g.GetQuotes(context.Background(), []string{"1"})
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout-related error, got: %v", err)
	}
}
