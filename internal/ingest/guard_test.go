package ingest

import (
	"context"
	"testing"
)

func TestCheckPayloadUnderLimit(t *testing.T) {
	g := NewGuard(nil, Config{MaxPayloadBytes: 1024, MaxEnqueuePerMinute: 100})

	if err := g.CheckPayload(context.Background(), "default", 512); err != nil {
		t.Fatalf("payload under limit should pass: %v", err)
	}
	if err := g.CheckPayload(context.Background(), "default", 1024); err != nil {
		t.Fatalf("payload at limit should pass: %v", err)
	}
	if g.MaxPayloadBytes() != 1024 {
		t.Fatalf("unexpected limit: %d", g.MaxPayloadBytes())
	}
}
