package idempotency

import (
	"context"
	"testing"
	"time"
)

func TestFirstDeliveryLocalFallback(t *testing.T) {
	s := NewStore(nil, time.Minute)
	ctx := context.Background()

	if !s.FirstDelivery(ctx, "d-1") {
		t.Fatalf("first sighting reported as replay")
	}
	if s.FirstDelivery(ctx, "d-1") {
		t.Fatalf("replay reported as first sighting")
	}
	if !s.FirstDelivery(ctx, "d-2") {
		t.Fatalf("distinct key reported as replay")
	}
}

func TestFirstDeliveryExpiry(t *testing.T) {
	s := NewStore(nil, 10*time.Millisecond)
	ctx := context.Background()

	if !s.FirstDelivery(ctx, "d-1") {
		t.Fatalf("first sighting reported as replay")
	}
	time.Sleep(20 * time.Millisecond)
	if !s.FirstDelivery(ctx, "d-1") {
		t.Fatalf("expired key still treated as replay")
	}
}

func TestFirstDeliveryEmptyKey(t *testing.T) {
	s := NewStore(nil, time.Minute)
	// Deliveries without an ID cannot be deduplicated; let them through.
	if !s.FirstDelivery(context.Background(), "") || !s.FirstDelivery(context.Background(), "") {
		t.Fatalf("empty key was deduplicated")
	}
}
