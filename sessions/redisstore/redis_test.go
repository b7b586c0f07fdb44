package redisstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/searchwire/searchwire/auth/authtest"
	"github.com/searchwire/searchwire/sessions"
)

// newTestStore connects to a local Redis, skipping when none is reachable.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(Config{KeyPrefix: "searchwire:test:" + uuid.NewString() + ":", TTL: time.Minute})
	if err != nil {
		t.Skipf("redis not reachable: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRedisRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	sess := sessions.NewSession(uuid.NewString(), &authtest.Identity{ID: "u1", Token: "tok"}, sessions.TransportSSE, map[string]string{"v": "1"})
	if err := store.Put(ctx, sess); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := store.Get(ctx, sess.ID())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID() != sess.ID() || got.UserID() != "u1" || got.Transport() != sessions.TransportSSE {
		t.Fatalf("session lost in round trip: %+v", got.Info())
	}
	if got.ClientInfo()["v"] != "1" {
		t.Fatal("client info lost in round trip")
	}

	removed, err := store.Remove(ctx, sess.ID())
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if removed == nil || removed.ID() != sess.ID() {
		t.Fatal("remove should return the removed session")
	}
	if _, err := store.Get(ctx, sess.ID()); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after removal, got %v", err)
	}

	removed, err = store.Remove(ctx, sess.ID())
	if err != nil || removed != nil {
		t.Fatalf("removing an absent session should be (nil, nil), got (%v, %v)", removed, err)
	}
}

func TestRedisListAndCleanup(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i := 0; i < 3; i++ {
		sess := sessions.NewSession(uuid.NewString(), &authtest.Identity{ID: "u"}, sessions.TransportHTTP, nil)
		if err := store.Put(ctx, sess); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}

	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(all))
	}

	time.Sleep(20 * time.Millisecond)
	expired, err := store.CleanupExpired(ctx, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if len(expired) != 3 {
		t.Fatalf("expected every session expired, got %d", len(expired))
	}

	all, err = store.List(ctx)
	if err != nil {
		t.Fatalf("list after cleanup: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected empty store, got %d", len(all))
	}
}
