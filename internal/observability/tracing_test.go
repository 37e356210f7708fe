package observability

import (
	"context"
	"testing"

	logpkg "github.com/parleyline/parley/internal/log"
)

func TestSetupDisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{}, logpkg.NewNop())
	if err != nil {
		t.Fatalf("Setup() with empty endpoint: %v", err)
	}
	if shutdown == nil {
		t.Fatal("Setup() returned nil shutdown")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("no-op shutdown returned error: %v", err)
	}
}
