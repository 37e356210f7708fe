package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	logpkg "github.com/parleyline/parley/internal/log"
)

// scriptedModel returns queued outcomes in order, then repeats the last.
type scriptedModel struct {
	calls     int
	responses []*ModelResponse
	errs      []error
}

func (m *scriptedModel) Generate(_ context.Context, _ ModelRequest) (*ModelResponse, error) {
	i := m.calls
	m.calls++
	if i >= len(m.errs) {
		i = len(m.errs) - 1
	}
	return m.responses[i], m.errs[i]
}

func retryOrchestrator(model Model) *Orchestrator {
	return &Orchestrator{
		model:  model,
		logger: logpkg.NewNop(),
		retry: RetryConfig{
			MaxRetries:      2,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
		},
	}
}

func TestRetryableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{err: nil, want: false},
		{err: errors.New("429 rate limit exceeded"), want: true},
		{err: errors.New("server returned 503"), want: true},
		{err: errors.New("connection reset by peer"), want: true},
		{err: errors.New("Request Timeout"), want: true},
		{err: errors.New("invalid api key"), want: false},
		{err: errors.New("content policy violation"), want: false},
	}

	for _, tt := range tests {
		if got := retryableError(tt.err); got != tt.want {
			t.Errorf("retryableError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestGenerateWithRetryRecovers(t *testing.T) {
	model := &scriptedModel{
		responses: []*ModelResponse{nil, {Text: "recovered"}},
		errs:      []error{errors.New("503 unavailable"), nil},
	}
	o := retryOrchestrator(model)

	resp, err := o.generateWithRetry(context.Background(), ModelRequest{})
	if err != nil {
		t.Fatalf("generateWithRetry() unexpected error: %v", err)
	}
	if resp.Text != "recovered" {
		t.Errorf("generateWithRetry() text = %q, want %q", resp.Text, "recovered")
	}
	if model.calls != 2 {
		t.Errorf("model called %d times, want 2", model.calls)
	}
}

func TestGenerateWithRetryStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("invalid api key")
	model := &scriptedModel{
		responses: []*ModelResponse{nil},
		errs:      []error{permanent},
	}
	o := retryOrchestrator(model)

	_, err := o.generateWithRetry(context.Background(), ModelRequest{})
	if !errors.Is(err, permanent) {
		t.Fatalf("generateWithRetry() error = %v, want permanent error", err)
	}
	if model.calls != 1 {
		t.Errorf("model called %d times for a permanent error, want 1", model.calls)
	}
}

func TestGenerateWithRetryExhausts(t *testing.T) {
	transient := errors.New("503 unavailable")
	model := &scriptedModel{
		responses: []*ModelResponse{nil},
		errs:      []error{transient},
	}
	o := retryOrchestrator(model)

	_, err := o.generateWithRetry(context.Background(), ModelRequest{})
	if !errors.Is(err, transient) {
		t.Fatalf("generateWithRetry() error = %v, want wrapped transient error", err)
	}
	if model.calls != 3 { // initial + 2 retries
		t.Errorf("model called %d times, want 3", model.calls)
	}
}

func TestGenerateWithRetryHonorsCancellation(t *testing.T) {
	model := &scriptedModel{
		responses: []*ModelResponse{nil},
		errs:      []error{errors.New("503 unavailable")},
	}
	o := retryOrchestrator(model)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.generateWithRetry(ctx, ModelRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("generateWithRetry() on cancelled context = %v, want context.Canceled", err)
	}
}
