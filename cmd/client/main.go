// Command client is a minimal line-oriented client: it connects under a
// username, prints notifications as they're delivered, and publishes
// whatever is typed on stdin as a new notification. There is no further
// UI beyond that; command-line interaction is the whole interface.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"notifyfeed/server/internal/logging"
	"notifyfeed/server/internal/transport"
	"notifyfeed/server/internal/wire"
)

func main() {
	if len(os.Args) != 4 {
		fmt.Fprintf(os.Stderr, "usage: %s <username> <server-ip> <server-port>\n", os.Args[0])
		os.Exit(1)
	}
	rawUsername, serverIP, serverPort := os.Args[1], os.Args[2], os.Args[3]

	username, err := wire.NewUsername(rawUsername)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid username: %v\n", err)
		os.Exit(1)
	}
	serverAddr, err := wire.ParseAddress(serverIP + ":" + serverPort)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid server address: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewTestLogger()
	endpoint, err := transport.Bind("0.0.0.0:0")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bind local endpoint: %v\n", err)
		os.Exit(1)
	}
	t := transport.New(endpoint, transport.NewConfig(), logger)
	defer t.Disconnect()

	sent, err := t.SendReq(serverAddr, wire.ConnectReq{Username: username})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to send connect request: %v\n", err)
		os.Exit(1)
	}
	resp, err := sent.AwaitResponse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect failed: %v\n", err)
		os.Exit(1)
	}
	if body, ok := resp.Body.(wire.ErrorResp); ok {
		fmt.Fprintf(os.Stderr, "server rejected connect: %s\n", body.Kind.String())
		os.Exit(1)
	}

	fmt.Printf("connected as %s; type a message and press enter to publish it, or /follow <username>\n", username.String())

	go func() {
		for {
			received, err := t.ReceiveReq()
			if err != nil {
				return
			}
			if deliver, ok := received.Request().Body.(wire.DeliverReq); ok {
				fmt.Printf("[%s] %s\n", deliver.Sender.String(), deliver.NotifMessage.String())
				received.SendResp(wire.DeliverResp{})
				continue
			}
			received.SendResp(wire.ErrorResp{Kind: wire.ErrKindBad})
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if target, ok := strings.CutPrefix(line, "/follow "); ok {
			followUsername, err := wire.NewUsername(strings.TrimSpace(target))
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid username: %v\n", err)
				continue
			}
			if err := followAndAwait(t, serverAddr, followUsername); err != nil {
				fmt.Fprintf(os.Stderr, "follow failed: %v\n", err)
			}
			continue
		}
		if err := notifyAndAwait(t, serverAddr, line); err != nil {
			fmt.Fprintf(os.Stderr, "publish failed: %v\n", err)
		}
	}

	disconnectSent, err := t.SendReq(serverAddr, wire.DisconnectReq{})
	if err == nil {
		disconnectSent.AwaitResponse()
	}
}

func followAndAwait(t *transport.ReliableTransport, serverAddr wire.Address, username wire.Username) error {
	sent, err := t.SendReq(serverAddr, wire.FollowReq{Username: username})
	if err != nil {
		return err
	}
	resp, err := sent.AwaitResponse()
	if err != nil {
		return err
	}
	if body, ok := resp.Body.(wire.ErrorResp); ok {
		return fmt.Errorf("%s", body.Kind.String())
	}
	return nil
}

func notifyAndAwait(t *transport.ReliableTransport, serverAddr wire.Address, message string) error {
	notif, err := wire.NewNotifMessage(message)
	if err != nil {
		return err
	}
	sent, err := t.SendReq(serverAddr, wire.NotifyReq{NotifMessage: notif})
	if err != nil {
		return err
	}
	resp, err := sent.AwaitResponse()
	if err != nil {
		return err
	}
	if body, ok := resp.Body.(wire.ErrorResp); ok {
		return fmt.Errorf("%s", body.Kind.String())
	}
	return nil
}
