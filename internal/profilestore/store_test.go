package profilestore

import (
	"testing"

	"notifyfeed/server/internal/wire"
)

func mustUsername(t *testing.T, raw string) Username {
	t.Helper()
	u, err := wire.NewUsername(raw)
	if err != nil {
		t.Fatalf("NewUsername(%q): %v", raw, err)
	}
	return u
}

func mustNotif(t *testing.T, raw string) wire.NotifMessage {
	t.Helper()
	n, err := wire.NewNotifMessage(raw)
	if err != nil {
		t.Fatalf("NewNotifMessage(%q): %v", raw, err)
	}
	return n
}

type recordingWake struct {
	woken []Username
}

func (r *recordingWake) Wake(username Username) { r.woken = append(r.woken, username) }

func mustAddr(t *testing.T, s string) wire.Address {
	t.Helper()
	addr, err := wire.ParseAddress(s)
	if err != nil {
		t.Fatalf("ParseAddress(%q): %v", s, err)
	}
	return addr
}

// TestConnectFollowPublishDeliver mirrors the connect/follow/publish/deliver
// walkthrough: @goodbye follows @helloworld, @helloworld publishes once, and
// @goodbye drains exactly one pending notification.
func TestConnectFollowPublishDeliver(t *testing.T) {
	store := New(nil, nil)

	helloAddr := mustAddr(t, "127.0.0.1:3232")
	goodbyeAddr := mustAddr(t, "127.0.0.1:4545")
	hello := mustUsername(t, "@helloworld")
	goodbye := mustUsername(t, "@goodbye")

	if err := store.Connect(helloAddr, hello, 1); err != nil {
		t.Fatalf("Connect hello: %v", err)
	}
	if err := store.Connect(goodbyeAddr, goodbye, 2); err != nil {
		t.Fatalf("Connect goodbye: %v", err)
	}
	if err := store.Follow(goodbyeAddr, hello, 3); err != nil {
		t.Fatalf("Follow: %v", err)
	}

	wake := &recordingWake{}
	msg := mustNotif(t, "Hello, World!")
	sender, notifID, followerCount, err := store.Notify(helloAddr, msg, wake, 4)
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if !sender.Equal(hello) || notifID != 1 || followerCount != 1 {
		t.Fatalf("unexpected Notify summary: sender=%v notifID=%d followerCount=%d", sender, notifID, followerCount)
	}
	if len(wake.woken) != 1 || !wake.woken[0].Equal(goodbye) {
		t.Fatalf("unexpected wake set: %+v", wake.woken)
	}

	pending, ok := store.ConsumeOnePending(goodbye)
	if !ok {
		t.Fatal("expected a pending notification for @goodbye")
	}
	if !pending.Sender.Equal(hello) || pending.Message.String() != "Hello, World!" {
		t.Fatalf("unexpected pending notif: %+v", pending)
	}
	if len(pending.Receivers) != 1 || pending.Receivers[0] != goodbyeAddr {
		t.Fatalf("unexpected receivers: %+v", pending.Receivers)
	}

	if _, ok := store.ConsumeOnePending(goodbye); ok {
		t.Fatal("expected no second pending notification")
	}
}

// TestTooManySessions exercises MAX_SESSIONS_PER_PROFILE = 2: a third
// concurrent session for the same username is rejected.
func TestTooManySessions(t *testing.T) {
	store := New(nil, nil)
	username := mustUsername(t, "@helloworld")

	addrs := []wire.Address{
		mustAddr(t, "127.0.0.1:1"),
		mustAddr(t, "127.0.0.1:2"),
		mustAddr(t, "127.0.0.1:3"),
	}

	if err := store.Connect(addrs[0], username, 1); err != nil {
		t.Fatalf("Connect #1: %v", err)
	}
	if err := store.Connect(addrs[1], username, 2); err != nil {
		t.Fatalf("Connect #2: %v", err)
	}
	err := store.Connect(addrs[2], username, 3)
	storeErr, ok := err.(*Error)
	if !ok || storeErr.Kind != wire.ErrKindTooManySessions {
		t.Fatalf("Connect #3: got %v, want TOO_MANY_SESSIONS", err)
	}
}

// TestFollowRejectsSelfAndUnknown exercises the CANNOT_FOLLOW_SELF and
// UNKNOWN_USERNAME error paths.
func TestFollowRejectsSelfAndUnknown(t *testing.T) {
	store := New(nil, nil)
	addr := mustAddr(t, "127.0.0.1:3232")
	username := mustUsername(t, "@helloworld")
	if err := store.Connect(addr, username, 1); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := store.Follow(addr, username, 2); err == nil {
		t.Fatal("expected CANNOT_FOLLOW_SELF")
	} else if storeErr := err.(*Error); storeErr.Kind != wire.ErrKindCannotFollowSelf {
		t.Fatalf("Follow self: got %v", err)
	}

	unknown := mustUsername(t, "@nobodyhome")
	if err := store.Follow(addr, unknown, 3); err == nil {
		t.Fatal("expected UNKNOWN_USERNAME")
	} else if storeErr := err.(*Error); storeErr.Kind != wire.ErrKindUnknownUsername {
		t.Fatalf("Follow unknown: got %v", err)
	}
}

// TestFollowRequiresConnection exercises the NO_CONNECTION error path for a
// follower address with no active session.
func TestFollowRequiresConnection(t *testing.T) {
	store := New(nil, nil)
	target := mustUsername(t, "@helloworld")
	if err := store.Connect(mustAddr(t, "127.0.0.1:1"), target, 1); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	err := store.Follow(mustAddr(t, "127.0.0.1:9999"), target, 2)
	storeErr, ok := err.(*Error)
	if !ok || storeErr.Kind != wire.ErrKindNoConnection {
		t.Fatalf("Follow from disconnected address: got %v, want NO_CONNECTION", err)
	}
}

// TestPendingNotifConservation checks invariant: every queued pending_notif
// entry corresponds to exactly one retained notification, and the retained
// notification's pending count is freed once every follower has consumed
// it, regardless of consumption order across followers.
func TestPendingNotifConservation(t *testing.T) {
	store := New(nil, nil)
	sender := mustUsername(t, "@helloworld")
	senderAddr := mustAddr(t, "127.0.0.1:1")
	if err := store.Connect(senderAddr, sender, 1); err != nil {
		t.Fatalf("Connect sender: %v", err)
	}

	followers := []Username{mustUsername(t, "@followerone"), mustUsername(t, "@followertwo")}
	followerAddrs := []wire.Address{mustAddr(t, "127.0.0.1:2"), mustAddr(t, "127.0.0.1:3")}
	for i, follower := range followers {
		if err := store.Connect(followerAddrs[i], follower, int64(i+2)); err != nil {
			t.Fatalf("Connect follower %d: %v", i, err)
		}
		if err := store.Follow(followerAddrs[i], sender, int64(i+2)); err != nil {
			t.Fatalf("Follow %d: %v", i, err)
		}
	}

	wake := &recordingWake{}
	if _, _, followerCount, err := store.Notify(senderAddr, mustNotif(t, "fan out"), wake, 10); err != nil {
		t.Fatalf("Notify: %v", err)
	} else if followerCount != 2 {
		t.Fatalf("expected 2 followers fanned out to, got %d", followerCount)
	}
	if len(wake.woken) != 2 {
		t.Fatalf("expected 2 wakes, got %d", len(wake.woken))
	}

	for _, follower := range followers {
		if _, ok := store.ConsumeOnePending(follower); !ok {
			t.Fatalf("expected pending notif for %s", follower.String())
		}
	}

	senderProfile := store.profiles[sender]
	if len(senderProfile.ReceivedNotifs) != 0 {
		t.Fatalf("retained notif should be freed once every follower consumed it, got %d remaining", len(senderProfile.ReceivedNotifs))
	}
}

// TestStatsReflectsOccupancy checks Stats against a store with one pending
// notification queued.
func TestStatsReflectsOccupancy(t *testing.T) {
	store := New(nil, nil)
	helloAddr := mustAddr(t, "127.0.0.1:1")
	goodbyeAddr := mustAddr(t, "127.0.0.1:2")
	hello := mustUsername(t, "@helloworld")
	goodbye := mustUsername(t, "@goodbye")

	if err := store.Connect(helloAddr, hello, 1); err != nil {
		t.Fatalf("Connect hello: %v", err)
	}
	if err := store.Connect(goodbyeAddr, goodbye, 2); err != nil {
		t.Fatalf("Connect goodbye: %v", err)
	}
	if err := store.Follow(goodbyeAddr, hello, 3); err != nil {
		t.Fatalf("Follow: %v", err)
	}
	wake := &recordingWake{}
	if _, _, _, err := store.Notify(helloAddr, mustNotif(t, "hi"), wake, 4); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	stats := store.Stats()
	if stats.Profiles != 2 {
		t.Fatalf("expected 2 profiles, got %d", stats.Profiles)
	}
	if stats.Sessions != 2 {
		t.Fatalf("expected 2 sessions, got %d", stats.Sessions)
	}
	if stats.PendingNotifs != 1 {
		t.Fatalf("expected 1 pending notif, got %d", stats.PendingNotifs)
	}
}

// TestDisconnectRemovesSession exercises session teardown.
func TestDisconnectRemovesSession(t *testing.T) {
	store := New(nil, nil)
	username := mustUsername(t, "@helloworld")
	addr := mustAddr(t, "127.0.0.1:1")
	if err := store.Connect(addr, username, 1); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if ok := store.Disconnect(addr, 2); !ok {
		t.Fatal("expected Disconnect to report an active session removed")
	}
	if ok := store.Disconnect(addr, 3); ok {
		t.Fatal("expected second Disconnect on the same address to report nothing to remove")
	}
	if len(store.profiles[username].Sessions) != 0 {
		t.Fatal("expected profile session set to be empty after disconnect")
	}
}
