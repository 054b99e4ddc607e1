package mqttwire

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// fakeBroker is a minimal hand-rolled broker used only to drive Client
// round trips: it serves each accepted connection on its own goroutine, echoes every
// PUBLISH it receives back to the sender (as if the sender were the only
// subscriber), and optionally denies auth/subscribe on request. It does not
// implement session state, retained messages, or routing between clients.
type fakeBroker struct {
	version       ProtocolVersion
	denyUser      string
	denySubstring string
}

func startFakeBroker(t *testing.T, fb fakeBroker) (addr string, cleanup func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go fb.handle(conn)
		}
	}()

	return ln.Addr().String(), func() {
		ln.Close()
		<-done
	}
}

func (fb fakeBroker) handle(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)

	switch fb.version {
	case ProtocolV5:
		fb.handleV5(conn, reader)
	default:
		fb.handleV4(conn, reader)
	}
}

func (fb fakeBroker) handleV4(conn net.Conn, reader *bufio.Reader) {
	packet, err := ReadV4Packet(reader, MaxPacketSize)
	if err != nil {
		return
	}
	connect, ok := packet.(*V4Connect)
	if !ok {
		return
	}
	if fb.denyUser != "" && connect.Username == fb.denyUser {
		WriteV4Packet(conn, &V4ConnAck{ReturnCode: ConnectBadCredentials})
		return
	}
	if err := WriteV4Packet(conn, &V4ConnAck{ReturnCode: ConnectAccepted}); err != nil {
		return
	}

	for {
		packet, err := ReadV4Packet(reader, MaxPacketSize)
		if err != nil {
			return
		}
		switch p := packet.(type) {
		case *V4Subscribe:
			codes := make([]byte, len(p.Filters))
			for i, f := range p.Filters {
				if fb.denySubstring != "" && strings.Contains(f.Topic, fb.denySubstring) {
					codes[i] = 0x80
				} else {
					codes[i] = byte(f.QoS)
				}
			}
			if WriteV4Packet(conn, &V4SubAck{PacketID: p.PacketID, ReturnCodes: codes}) != nil {
				return
			}
		case *V4Unsubscribe:
			if WriteV4Packet(conn, &V4UnsubAck{PacketID: p.PacketID}) != nil {
				return
			}
		case *V4Publish:
			if p.QoS == AtLeastOnce {
				if WriteV4Packet(conn, &V4PubAck{PacketID: p.PacketID}) != nil {
					return
				}
			}
			if WriteV4Packet(conn, &V4Publish{Topic: p.Topic, Payload: p.Payload, Retain: p.Retain}) != nil {
				return
			}
		case *V4PingReq:
			if WriteV4Packet(conn, &V4PingResp{}) != nil {
				return
			}
		case *V4Disconnect:
			return
		}
	}
}

func (fb fakeBroker) handleV5(conn net.Conn, reader *bufio.Reader) {
	packet, err := ReadV5Packet(reader, MaxPacketSize)
	if err != nil {
		return
	}
	connect, ok := packet.(*V5Connect)
	if !ok {
		return
	}
	if fb.denyUser != "" && connect.Username == fb.denyUser {
		WriteV5Packet(conn, &V5ConnAck{ReasonCode: ReasonBadUserNameOrPassword})
		return
	}
	if err := WriteV5Packet(conn, &V5ConnAck{ReasonCode: ReasonSuccess}); err != nil {
		return
	}

	for {
		packet, err := ReadV5Packet(reader, MaxPacketSize)
		if err != nil {
			return
		}
		switch p := packet.(type) {
		case *V5Subscribe:
			codes := make([]ReasonCode, len(p.Topics))
			for i, f := range p.Topics {
				if fb.denySubstring != "" && strings.Contains(f.Topic, fb.denySubstring) {
					codes[i] = ReasonNotAuthorized
				} else {
					codes[i] = ReasonCode(f.QoS)
				}
			}
			if WriteV5Packet(conn, &V5SubAck{PacketID: p.PacketID, ReasonCodes: codes}) != nil {
				return
			}
		case *V5Unsubscribe:
			if WriteV5Packet(conn, &V5UnsubAck{PacketID: p.PacketID}) != nil {
				return
			}
		case *V5Publish:
			if p.QoS == AtLeastOnce {
				if WriteV5Packet(conn, &V5PubAck{PacketID: p.PacketID, ReasonCode: ReasonSuccess}) != nil {
					return
				}
			}
			if WriteV5Packet(conn, &V5Publish{Topic: p.Topic, Payload: p.Payload, Retain: p.Retain}) != nil {
				return
			}
		case *V5PingReq:
			if WriteV5Packet(conn, &V5PingResp{}) != nil {
				return
			}
		case *V5Disconnect:
			return
		}
	}
}

var testClientSeq atomic.Uint32

func testClientID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, testClientSeq.Add(1))
}

func TestClientConnectV4(t *testing.T) {
	addr, cleanup := startFakeBroker(t, fakeBroker{version: ProtocolV4})
	defer cleanup()

	ctx := context.Background()
	client, err := Connect(ctx, ClientConfig{
		Addr:            "tcp://" + addr,
		ClientID:        testClientID("connect-v4"),
		ProtocolVersion: ProtocolV4,
	})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer client.Close()

	if !client.IsRunning() {
		t.Error("client should be running")
	}
}

func TestClientConnectV5(t *testing.T) {
	addr, cleanup := startFakeBroker(t, fakeBroker{version: ProtocolV5})
	defer cleanup()

	ctx := context.Background()
	sessionExpiry := uint32(3600)
	client, err := Connect(ctx, ClientConfig{
		Addr:            "tcp://" + addr,
		ClientID:        testClientID("connect-v5"),
		ProtocolVersion: ProtocolV5,
		SessionExpiry:   &sessionExpiry,
	})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer client.Close()

	if !client.IsRunning() {
		t.Error("client should be running")
	}
}

func TestClientConnectBadCredentials(t *testing.T) {
	addr, cleanup := startFakeBroker(t, fakeBroker{version: ProtocolV4, denyUser: "admin"})
	defer cleanup()

	ctx := context.Background()
	_, err := Connect(ctx, ClientConfig{
		Addr:     "tcp://" + addr,
		ClientID: testClientID("bad-creds"),
		Username: "admin",
		Password: []byte("wrong"),
	})
	if err == nil {
		t.Fatal("expected error for denied credentials")
	}
}

func TestClientPubSubQoS0(t *testing.T) {
	for _, version := range []ProtocolVersion{ProtocolV4, ProtocolV5} {
		addr, cleanup := startFakeBroker(t, fakeBroker{version: version})

		ctx := context.Background()
		client, err := Connect(ctx, ClientConfig{
			Addr:            "tcp://" + addr,
			ClientID:        testClientID("pubsub-qos0"),
			ProtocolVersion: version,
		})
		if err != nil {
			cleanup()
			t.Fatalf("connect failed: %v", err)
		}

		if err := client.Subscribe(ctx, AtMostOnce, "test/topic"); err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
		if err := client.Publish(ctx, AtMostOnce, "test/topic", []byte("hello"), false); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		msg, err := client.RecvTimeout(2 * time.Second)
		if err != nil {
			t.Fatalf("recv failed: %v", err)
		}
		if msg == nil {
			t.Fatal("expected a message, got nil")
		}
		if msg.Topic != "test/topic" || string(msg.Payload) != "hello" {
			t.Errorf("got (%q, %q), want (%q, %q)", msg.Topic, msg.Payload, "test/topic", "hello")
		}

		client.Close()
		cleanup()
	}
}

func TestClientPublishQoS1WaitsForAck(t *testing.T) {
	addr, cleanup := startFakeBroker(t, fakeBroker{version: ProtocolV4})
	defer cleanup()

	ctx := context.Background()
	client, err := Connect(ctx, ClientConfig{
		Addr:            "tcp://" + addr,
		ClientID:        testClientID("qos1-publish"),
		ProtocolVersion: ProtocolV4,
	})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer client.Close()

	if err := client.Publish(ctx, AtLeastOnce, "test/qos1", []byte("ack-me"), false); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	// The fake broker always echoes, so the QoS 1 publish we just sent
	// should also arrive back as an inbound message.
	msg, err := client.RecvTimeout(2 * time.Second)
	if err != nil {
		t.Fatalf("recv failed: %v", err)
	}
	if msg == nil || msg.Topic != "test/qos1" {
		t.Fatalf("expected echoed message on test/qos1, got %v", msg)
	}
}

func TestClientPublishQoS1TimesOutWithoutAck(t *testing.T) {
	_, cleanup := startFakeBroker(t, fakeBroker{version: ProtocolV4})
	defer cleanup()

	// Dial manually and never answer, to simulate a broker that drops the
	// PUBACK on the floor.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		packet, err := ReadV4Packet(reader, MaxPacketSize)
		if err != nil {
			return
		}
		if _, ok := packet.(*V4Connect); !ok {
			return
		}
		WriteV4Packet(conn, &V4ConnAck{ReturnCode: ConnectAccepted})
		// Read (and silently drop) the publish; never send PUBACK.
		ReadV4Packet(reader, MaxPacketSize)
		select {}
	}()

	ctx := context.Background()
	client, err := Connect(ctx, ClientConfig{
		Addr:            "tcp://" + ln.Addr().String(),
		ClientID:        testClientID("qos1-timeout"),
		ProtocolVersion: ProtocolV4,
	})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer client.Close()

	_ = cleanup // the shared fakeBroker listener above is unused in this test

	pubCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	err = client.Publish(pubCtx, AtLeastOnce, "test/topic", []byte("never acked"), false)
	if err == nil {
		t.Fatal("expected a timeout error, got nil")
	}
}

func TestClientSubscribeDenied(t *testing.T) {
	addr, cleanup := startFakeBroker(t, fakeBroker{version: ProtocolV4, denySubstring: "private"})
	defer cleanup()

	ctx := context.Background()
	client, err := Connect(ctx, ClientConfig{
		Addr:            "tcp://" + addr,
		ClientID:        testClientID("acl"),
		ProtocolVersion: ProtocolV4,
	})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer client.Close()

	if err := client.Subscribe(ctx, AtMostOnce, "public/news"); err != nil {
		t.Errorf("subscribe to allowed topic failed: %v", err)
	}
	if err := client.Subscribe(ctx, AtMostOnce, "private/data"); err != ErrACLDenied {
		t.Errorf("expected ErrACLDenied, got %v", err)
	}
}

func TestClientUnsubscribe(t *testing.T) {
	addr, cleanup := startFakeBroker(t, fakeBroker{version: ProtocolV4})
	defer cleanup()

	ctx := context.Background()
	client, err := Connect(ctx, ClientConfig{
		Addr:            "tcp://" + addr,
		ClientID:        testClientID("unsub"),
		ProtocolVersion: ProtocolV4,
	})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer client.Close()

	if err := client.Subscribe(ctx, AtMostOnce, "test/unsub"); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := client.Unsubscribe(ctx, "test/unsub"); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
}

func TestClientPing(t *testing.T) {
	addr, cleanup := startFakeBroker(t, fakeBroker{version: ProtocolV4})
	defer cleanup()

	ctx := context.Background()
	client, err := Connect(ctx, ClientConfig{
		Addr:          "tcp://" + addr,
		ClientID:      testClientID("ping"),
		AutoKeepalive: false,
	})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

func TestClientCloseWakesPendingPublish(t *testing.T) {
	_, cleanup := startFakeBroker(t, fakeBroker{version: ProtocolV4})
	defer cleanup()

	// A real broker that always acks defeats this test, so dial a listener
	// that accepts and acks CONNECT but never PUBACKs, then close the
	// client out from under an in-flight QoS 1 publish.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		if _, err := ReadV4Packet(reader, MaxPacketSize); err != nil {
			return
		}
		WriteV4Packet(conn, &V4ConnAck{ReturnCode: ConnectAccepted})
		select {}
	}()
	_ = cleanup

	ctx := context.Background()
	client, err := Connect(ctx, ClientConfig{
		Addr:            "tcp://" + ln.Addr().String(),
		ClientID:        testClientID("close-wakes"),
		ProtocolVersion: ProtocolV4,
	})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	result := make(chan error, 1)
	go func() {
		result <- client.Publish(context.Background(), AtLeastOnce, "test/topic", []byte("x"), false)
	}()

	time.Sleep(50 * time.Millisecond)
	client.Close()

	select {
	case err := <-result:
		if err == nil {
			t.Error("expected Close to wake the pending publish with an error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not wake the pending publish")
	}
}
