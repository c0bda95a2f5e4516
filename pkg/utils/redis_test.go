package utils

import (
	"context"
	"testing"
	"time"
)

func TestConcurrencyScriptsCompile(t *testing.T) {
	// Compile-time smoke test: scripts should be initialized.
	if concurrencyAcquireScript == nil || concurrencyReleaseScript == nil {
		t.Fatalf("expected scripts to be initialized")
	}
}

func TestAcquireConcurrencyCap_ArgValidation(t *testing.T) {
	ctx := context.Background()

	if _, err := AcquireConcurrencyCap(ctx, nil, "room", 2, time.Minute); err == nil {
		t.Fatalf("expected error for nil client")
	}
	if err := ReleaseConcurrencyCap(ctx, nil, "room"); err == nil {
		t.Fatalf("expected error for nil client")
	}
}
