package poke

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryBrokerDeliversPoke(t *testing.T) {
	broker := NewMemoryBroker()
	ctx := context.Background()

	ch, cancel, err := broker.Subscribe(ctx, "sp_1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if err := broker.Poke(ctx, "sp_1"); err != nil {
		t.Fatalf("poke: %v", err)
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("expected poke signal")
	}
}

func TestMemoryBrokerScopesBySpace(t *testing.T) {
	broker := NewMemoryBroker()
	ctx := context.Background()

	ch, cancel, err := broker.Subscribe(ctx, "sp_1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if err := broker.Poke(ctx, "sp_other"); err != nil {
		t.Fatalf("poke: %v", err)
	}

	select {
	case <-ch:
		t.Fatalf("poke for another space must not be delivered")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBrokerCoalescesPendingPokes(t *testing.T) {
	broker := NewMemoryBroker()
	ctx := context.Background()

	ch, cancel, err := broker.Subscribe(ctx, "sp_1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	for i := 0; i < 5; i++ {
		if err := broker.Poke(ctx, "sp_1"); err != nil {
			t.Fatalf("poke: %v", err)
		}
	}

	<-ch
	select {
	case <-ch:
		t.Fatalf("pokes should coalesce into one pending signal")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBrokerCancelStopsDelivery(t *testing.T) {
	broker := NewMemoryBroker()
	ctx := context.Background()

	ch, cancel, err := broker.Subscribe(ctx, "sp_1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()

	if err := broker.Poke(ctx, "sp_1"); err != nil {
		t.Fatalf("poke: %v", err)
	}
	select {
	case <-ch:
		t.Fatalf("cancelled subscriber must not receive pokes")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRedisBrokerDeliversPoke(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	broker := NewRedisBrokerWithClient(client)
	defer broker.Close()

	ctx := context.Background()
	ch, cancel, err := broker.Subscribe(ctx, "sp_1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if err := broker.Poke(ctx, "sp_1"); err != nil {
		t.Fatalf("poke: %v", err)
	}

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected poke signal over redis")
	}
}
