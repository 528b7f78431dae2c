package embedded

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaypost/postoffice"
	"github.com/relaypost/postoffice/internal/broker"
	"github.com/relaypost/postoffice/internal/wire"
)

func startTestBroker(t *testing.T) string {
	t.Helper()
	b := broker.New(zerolog.Nop(), 1000)

	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx, "127.0.0.1:0")
	for b.Addr() == nil {
		time.Sleep(time.Millisecond)
	}

	t.Cleanup(func() {
		cancel()
		b.Close()
	})
	return b.Addr().String()
}

func TestConnectRegistersAndReportsClientAddress(t *testing.T) {
	addr := startTestBroker(t)
	tr := New(addr)
	tr.SetIdentity("test-client")

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer tr.Close()

	if tr.ClientAddress() == "" {
		t.Fatal("expected a non-empty client address after Connect")
	}
}

func TestSetIdentityAfterConnectFails(t *testing.T) {
	addr := startTestBroker(t)
	tr := New(addr)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer tr.Close()

	if err := tr.SetIdentity("too-late"); err == nil {
		t.Fatal("expected SetIdentity after Connect to fail")
	}
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	addr := startTestBroker(t)

	publisher := New(addr)
	publisher.SetIdentity("publisher")
	if err := publisher.Connect(context.Background()); err != nil {
		t.Fatalf("publisher Connect failed: %v", err)
	}
	defer publisher.Close()

	subscriber := New(addr)
	subscriber.SetIdentity("subscriber")
	if err := subscriber.Connect(context.Background()); err != nil {
		t.Fatalf("subscriber Connect failed: %v", err)
	}
	defer subscriber.Close()

	if err := subscriber.Subscribe("orders.created"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	msg := postoffice.Message{Topic: "orders.created", Payload: []byte("hello")}
	if err := publisher.Publish(msg); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if !subscriber.Wait(2 * time.Second) {
		t.Fatal("expected Wait to be woken by the incoming delivery")
	}
	got, ok := subscriber.Receive()
	if !ok {
		t.Fatal("expected a message to be receivable after Wait returned true")
	}
	if got.Topic != "orders.created" || string(got.Payload) != "hello" {
		t.Fatalf("unexpected message: %+v", got)
	}
}

func TestMaybeReregisterSendsRegisterAfterGracePeriod(t *testing.T) {
	clientConn, brokerConn := net.Pipe()
	defer clientConn.Close()
	defer brokerConn.Close()

	tr := New("unused")
	tr.SetIdentity("worker")
	tr.lastRegisterAttempt = time.Now().Add(-reregisterGracePeriod - time.Millisecond)

	done := make(chan struct{})
	go func() {
		tr.maybeReregister(clientConn)
		close(done)
	}()

	parts, err := wire.ReadFrame(bufio.NewReader(brokerConn))
	if err != nil {
		t.Fatalf("expected a re-register frame, got error: %v", err)
	}
	<-done
	if string(parts[0]) != verbRegister || string(parts[1]) != "worker" {
		t.Fatalf("unexpected frame: %v", parts)
	}
}

func TestMaybeReregisterThrottledWithinGracePeriod(t *testing.T) {
	clientConn, brokerConn := net.Pipe()
	defer clientConn.Close()
	defer brokerConn.Close()

	tr := New("unused")
	tr.SetIdentity("worker")
	tr.lastRegisterAttempt = time.Now()

	done := make(chan struct{})
	go func() {
		tr.maybeReregister(clientConn)
		close(done)
	}()
	<-done

	brokerConn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, err := wire.ReadFrame(bufio.NewReader(brokerConn)); err == nil {
		t.Fatal("expected no re-register frame within the grace period")
	}
}

func TestReceiveNonBlockingWhenEmpty(t *testing.T) {
	addr := startTestBroker(t)
	tr := New(addr)
	tr.SetIdentity("client")
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer tr.Close()

	if _, ok := tr.Receive(); ok {
		t.Fatal("expected Receive to report no message when nothing was published")
	}
}
