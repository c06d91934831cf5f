// Package testutil provides miniredis-backed fixtures shared by package tests.
package testutil

import (
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"lead-run-orchestrator/internal/store"
)

// Epoch is the default starting instant for test clocks.
var Epoch = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

// Env bundles a miniredis server, a client and a store on a controllable clock.
type Env struct {
	Redis  *miniredis.Miniredis
	Client *redis.Client
	Store  *store.RedisStore
	Clock  *Clock
}

// NewEnv starts miniredis and wires a RedisStore to it. Everything is closed on cleanup.
func NewEnv(t *testing.T) *Env {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clock := NewClock(Epoch)
	st := store.NewRedisStore(client, store.WithClock(clock.Now))
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return &Env{Redis: mr, Client: client, Store: st, Clock: clock}
}
