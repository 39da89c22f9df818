package logger

import (
	"context"
	"log/slog"
	"testing"
)

func TestInit(t *testing.T) {
	log := Init("test-component", slog.LevelInfo)
	if log == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestAttrs_Empty(t *testing.T) {
	if attrs := Attrs(context.Background()); attrs != nil {
		t.Errorf("expected nil attrs on bare context, got %v", attrs)
	}
}

func TestAttrs_RoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithSymbol(ctx, "INFY.NS")
	ctx = WithTimeframe(ctx, "5m")
	ctx = WithJobID(ctx, "job-1")

	attrs := Attrs(ctx)
	if len(attrs) != 4 {
		t.Fatalf("expected 4 attrs, got %d: %v", len(attrs), attrs)
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	a, b := NewTraceID(), NewTraceID()
	if a == "" || b == "" {
		t.Fatal("expected non-empty trace ids")
	}
	if a == b {
		t.Fatal("expected distinct trace ids across calls")
	}
}
