package sessions

import (
	"testing"
	"time"

	"github.com/searchwire/searchwire/auth/authtest"
)

func TestSessionLifecycle(t *testing.T) {
	sess := NewSession("s1", &authtest.Identity{ID: "u1"}, TransportHTTP, map[string]string{"client": "test"})

	if sess.State() != SessionActive {
		t.Fatalf("expected active, got %s", sess.State())
	}
	if sess.UserID() != "u1" {
		t.Fatalf("expected user u1, got %s", sess.UserID())
	}

	sess.attachConnection("c1")
	sess.attachConnection("c2")
	sess.attachConnection("c1") // idempotent
	if got := sess.ConnectionCount(); got != 2 {
		t.Fatalf("expected 2 connections, got %d", got)
	}

	if !sess.detachConnection("c1") {
		t.Fatal("expected detach of known connection to report true")
	}
	if sess.detachConnection("c1") {
		t.Fatal("expected detach of unknown connection to report false")
	}

	sess.terminate()
	if sess.State() != SessionTerminated {
		t.Fatalf("expected terminated, got %s", sess.State())
	}
}

func TestSessionExpiryClock(t *testing.T) {
	sess := NewSession("s1", &authtest.Identity{ID: "u1"}, TransportHTTP, nil)

	if sess.IsExpired(time.Hour) {
		t.Fatal("fresh session should not be expired")
	}
	time.Sleep(2 * time.Millisecond)
	if !sess.IsExpired(time.Millisecond) {
		t.Fatal("session idle past timeout should be expired")
	}

	sess.terminate()
	if !sess.IsExpired(time.Hour) {
		t.Fatal("terminated session is always expired")
	}
	sess = NewSession("s2", &authtest.Identity{ID: "u1"}, TransportHTTP, nil)

	before := sess.LastActivity()
	time.Sleep(5 * time.Millisecond)
	sess.Touch()
	if !sess.LastActivity().After(before) {
		t.Fatal("Touch should advance last activity")
	}
}

func TestSessionClientInfoCopied(t *testing.T) {
	info := map[string]string{"ua": "curl"}
	sess := NewSession("s1", &authtest.Identity{ID: "u1"}, TransportSSE, info)

	info["ua"] = "mutated"
	if got := sess.ClientInfo()["ua"]; got != "curl" {
		t.Fatalf("client info should be copied at construction, got %q", got)
	}

	sess.ClientInfo()["extra"] = "x"
	if _, ok := sess.ClientInfo()["extra"]; ok {
		t.Fatal("returned client info should be a copy")
	}
}

func TestSessionRecordRoundTrip(t *testing.T) {
	sess := NewSession("s1", &authtest.Identity{ID: "u1", Token: "tok"}, TransportSSE, map[string]string{"v": "1"})
	sess.attachConnection("c1")

	got := FromRecord(sess.Record())
	if got.ID() != "s1" || got.UserID() != "u1" {
		t.Fatalf("identity lost in round trip: %s/%s", got.ID(), got.UserID())
	}
	if got.Transport() != TransportSSE {
		t.Fatalf("transport lost: %s", got.Transport())
	}
	if got.State() != SessionActive {
		t.Fatalf("state lost: %s", got.State())
	}
	if !got.Identity().IsAuthenticated() {
		t.Fatal("authenticated identity lost in round trip")
	}
	if got.Identity().IdentityToken() != "tok" {
		t.Fatal("identity token lost in round trip")
	}
	if got.ConnectionCount() != 1 {
		t.Fatalf("connections lost: %d", got.ConnectionCount())
	}
	if got.ClientInfo()["v"] != "1" {
		t.Fatal("client info lost in round trip")
	}
}
