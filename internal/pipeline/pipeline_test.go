package pipeline

import (
	"testing"
	"time"

	"notifyfeed/server/internal/logging"
	"notifyfeed/server/internal/profilestore"
	"notifyfeed/server/internal/transport"
	"notifyfeed/server/internal/wire"
	"notifyfeed/server/internal/worker"
)

func mustTransport(t *testing.T) (*transport.ReliableTransport, wire.Address) {
	t.Helper()
	ep, err := transport.Bind("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	addr, err := ep.LocalAddr()
	if err != nil {
		t.Fatalf("LocalAddr: %v", err)
	}
	cfg := transport.NewConfig(
		transport.WithBumpInterval(10*time.Millisecond),
		transport.WithPollTimeout(20*time.Millisecond),
	)
	return transport.New(ep, cfg, logging.NewTestLogger()), addr
}

func connectAndAwait(t *testing.T, tr *transport.ReliableTransport, server wire.Address, username string) {
	t.Helper()
	name, err := wire.NewUsername(username)
	if err != nil {
		t.Fatalf("NewUsername: %v", err)
	}
	sent, err := tr.SendReq(server, wire.ConnectReq{Username: name})
	if err != nil {
		t.Fatalf("SendReq CONNECT: %v", err)
	}
	resp, err := sent.AwaitResponse()
	if err != nil {
		t.Fatalf("AwaitResponse CONNECT: %v", err)
	}
	if _, ok := resp.Body.(wire.ConnectResp); !ok {
		t.Fatalf("unexpected CONNECT response: %#v", resp.Body)
	}
}

// TestConnectFollowNotifyDeliverEndToEnd wires a server pipeline to two raw
// client transports and exercises the connect/follow/notify/deliver path
// that S1 describes, confirming a REQ/DELIVER reaches the follower.
func TestConnectFollowNotifyDeliverEndToEnd(t *testing.T) {
	registry := worker.NewRegistry()
	serverTransport, serverAddr := mustTransport(t)
	store := profilestore.New(nil, nil)
	New(serverTransport, store, nil, logging.NewTestLogger(), registry)

	helloworld, _ := mustTransport(t)
	defer helloworld.Disconnect()
	goodbye, _ := mustTransport(t)
	defer goodbye.Disconnect()

	connectAndAwait(t, helloworld, serverAddr, "@helloworld")
	connectAndAwait(t, goodbye, serverAddr, "@goodbye")

	followUsername, _ := wire.NewUsername("@helloworld")
	followSent, err := goodbye.SendReq(serverAddr, wire.FollowReq{Username: followUsername})
	if err != nil {
		t.Fatalf("SendReq FOLLOW: %v", err)
	}
	followResp, err := followSent.AwaitResponse()
	if err != nil {
		t.Fatalf("AwaitResponse FOLLOW: %v", err)
	}
	if _, ok := followResp.Body.(wire.FollowResp); !ok {
		t.Fatalf("unexpected FOLLOW response: %#v", followResp.Body)
	}

	delivered := make(chan wire.DeliverReq, 1)
	go func() {
		for {
			received, err := goodbye.ReceiveReq()
			if err != nil {
				return
			}
			if body, ok := received.Request().Body.(wire.DeliverReq); ok {
				received.SendResp(wire.DeliverResp{})
				delivered <- body
				return
			}
			received.SendResp(wire.ErrorResp{Kind: wire.ErrKindBad})
		}
	}()

	notif, _ := wire.NewNotifMessage("Hello, World!")
	notifySent, err := helloworld.SendReq(serverAddr, wire.NotifyReq{NotifMessage: notif})
	if err != nil {
		t.Fatalf("SendReq NOTIFY: %v", err)
	}
	notifyResp, err := notifySent.AwaitResponse()
	if err != nil {
		t.Fatalf("AwaitResponse NOTIFY: %v", err)
	}
	if _, ok := notifyResp.Body.(wire.NotifyResp); !ok {
		t.Fatalf("unexpected NOTIFY response: %#v", notifyResp.Body)
	}

	select {
	case body := <-delivered:
		if body.NotifMessage.String() != "Hello, World!" {
			t.Fatalf("unexpected delivered message: %+v", body)
		}
		hello, _ := wire.NewUsername("@helloworld")
		if !body.Sender.Equal(hello) {
			t.Fatalf("unexpected delivered sender: %+v", body.Sender)
		}
	case <-time.After(time.Second):
		t.Fatal("expected REQ/DELIVER to reach @goodbye")
	}

	serverTransport.Disconnect()
	registry.Join()
}

// TestTooManySessionsSurfacesError exercises S6 through the pipeline: a
// third concurrent session for one username gets RESP/ERROR{TOO_MANY_SESSIONS}.
func TestTooManySessionsSurfacesError(t *testing.T) {
	registry := worker.NewRegistry()
	serverTransport, serverAddr := mustTransport(t)
	store := profilestore.New(nil, nil)
	New(serverTransport, store, nil, logging.NewTestLogger(), registry)

	username, _ := wire.NewUsername("@samename")
	var clients []*transport.ReliableTransport
	for i := 0; i < 2; i++ {
		tr, _ := mustTransport(t)
		clients = append(clients, tr)
		connectAndAwait(t, tr, serverAddr, "@samename")
	}
	defer func() {
		for _, tr := range clients {
			tr.Disconnect()
		}
	}()

	third, _ := mustTransport(t)
	defer third.Disconnect()
	sent, err := third.SendReq(serverAddr, wire.ConnectReq{Username: username})
	if err != nil {
		t.Fatalf("SendReq CONNECT: %v", err)
	}
	resp, err := sent.AwaitResponse()
	if err != nil {
		t.Fatalf("AwaitResponse: %v", err)
	}
	body, ok := resp.Body.(wire.ErrorResp)
	if !ok || body.Kind != wire.ErrKindTooManySessions {
		t.Fatalf("unexpected third CONNECT response: %#v", resp.Body)
	}

	serverTransport.Disconnect()
	registry.Join()
}
