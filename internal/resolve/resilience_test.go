package resolve

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// scriptedResolver returns canned responses in order.
type scriptedResolver struct {
	mu        sync.Mutex
	responses []any // each entry is Resolution or error
	callCount int
}

func (r *scriptedResolver) Resolve(ctx context.Context, req ConflictRequest) (Resolution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.callCount >= len(r.responses) {
		return Resolution{}, fmt.Errorf("unexpected call %d (only %d responses configured)", r.callCount+1, len(r.responses))
	}
	resp := r.responses[r.callCount]
	r.callCount++

	switch v := resp.(type) {
	case Resolution:
		return v, nil
	case error:
		return Resolution{}, v
	default:
		return Resolution{}, fmt.Errorf("invalid response type: %T", v)
	}
}

func (r *scriptedResolver) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.callCount
}

func fastRetry() RetryConfig {
	return RetryConfig{
		InitialInterval:     5 * time.Millisecond,
		MaxInterval:         20 * time.Millisecond,
		MaxElapsedTime:      time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// TestReliableResolverTransientThenSuccess verifies transient failures are retried.
func TestReliableResolverTransientThenSuccess(t *testing.T) {
	inner := &scriptedResolver{
		responses: []any{
			fmt.Errorf("transient error 1"),
			fmt.Errorf("transient error 2"),
			Resolution{Content: "resolved content"},
		},
	}

	r := NewReliableResolver(inner, time.Second, fastRetry(), zap.NewNop())
	res, err := r.Resolve(context.Background(), ConflictRequest{Branch: "b", File: "f.go"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Content != "resolved content" {
		t.Errorf("unexpected resolution: %q", res.Content)
	}
	if inner.CallCount() != 3 {
		t.Errorf("expected 3 calls, got %d", inner.CallCount())
	}
}

// TestReliableResolverUnavailableIsPermanent verifies the zero-config
// resolver is never retried.
func TestReliableResolverUnavailableIsPermanent(t *testing.T) {
	r := NewReliableResolver(Unavailable(), time.Second, fastRetry(), zap.NewNop())

	_, err := r.Resolve(context.Background(), ConflictRequest{Branch: "b", File: "f.go"})
	if err == nil {
		t.Fatal("expected error from unavailable resolver")
	}
}

// TestReliableResolverTimeout verifies a slow resolver call is cut off and
// surfaces as a failure.
func TestReliableResolverTimeout(t *testing.T) {
	slow := resolverFunc(func(ctx context.Context, _ ConflictRequest) (Resolution, error) {
		select {
		case <-ctx.Done():
			return Resolution{}, ctx.Err()
		case <-time.After(5 * time.Second):
			return Resolution{Content: "too late"}, nil
		}
	})

	cfg := fastRetry()
	cfg.MaxElapsedTime = 100 * time.Millisecond
	r := NewReliableResolver(slow, 10*time.Millisecond, cfg, zap.NewNop())

	_, err := r.Resolve(context.Background(), ConflictRequest{Branch: "b", File: "f.go"})
	if err == nil {
		t.Fatal("expected timeout to surface as an error")
	}
}

// TestReliableResolverCallerCancellation verifies caller cancellation stops
// retrying immediately.
func TestReliableResolverCallerCancellation(t *testing.T) {
	inner := &scriptedResolver{responses: []any{fmt.Errorf("boom")}}
	r := NewReliableResolver(inner, time.Second, fastRetry(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Resolve(ctx, ConflictRequest{Branch: "b", File: "f.go"})
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if inner.CallCount() > 1 {
		t.Errorf("expected at most 1 call after cancellation, got %d", inner.CallCount())
	}
}

// resolverFunc adapts a function to the Resolver interface.
type resolverFunc func(ctx context.Context, req ConflictRequest) (Resolution, error)

func (f resolverFunc) Resolve(ctx context.Context, req ConflictRequest) (Resolution, error) {
	return f(ctx, req)
}
