package tchannel

import (
	"net"
	"testing"
	"time"
)

// handshakeReady returns two fully handshaked, dispatching Connections
// wired to each other over a net.Pipe.
func handshakeReady(t *testing.T, opts ...Option) (client, server *Connection) {
	t.Helper()
	c1, c2 := net.Pipe()
	client = NewConnection(c1, Outgoing, append([]Option{WithHandshakeTimeout(time.Second)}, opts...)...)
	server = NewConnection(c2, Incoming, append([]Option{WithHandshakeTimeout(time.Second)}, opts...)...)

	clientErr := make(chan error, 1)
	serverErr := make(chan error, 1)
	go func() {
		clientErr <- client.InitiateHandshake(map[string]string{
			"host_port":    "10.0.0.1:4040",
			"process_name": "client-proc",
		})
	}()
	go func() {
		serverErr <- server.ExpectHandshake(map[string]string{
			"host_port":    "10.0.0.2:5050",
			"process_name": "server-proc",
		})
	}()
	if err := <-clientErr; err != nil {
		t.Fatalf("InitiateHandshake: %v", err)
	}
	if err := <-serverErr; err != nil {
		t.Fatalf("ExpectHandshake: %v", err)
	}
	return client, server
}

func TestPingPongCompletesSlot(t *testing.T) {
	client, server := handshakeReady(t)
	defer client.Close()
	defer server.Close()

	// The server's dispatch loop answers the inbound PING_REQ on its own;
	// see dispatch's TypePingReq case.
	slot, err := client.Ping()
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if _, err := slot.Result(); err != nil {
		t.Fatalf("slot.Result: %v", err)
	}
}

func TestSendRegistersOutstandingAndRejectsDuplicateID(t *testing.T) {
	client, server := handshakeReady(t)
	defer client.Close()
	defer server.Close()

	req := &CallReq{id: 777, Service: "svc"}
	if _, err := client.Send(req); err != nil {
		t.Fatalf("Send: %v", err)
	}

	dup := &CallReq{id: 777, Service: "svc"}
	if _, err := client.Send(dup); err != ErrDuplicateID {
		t.Fatalf("Send with duplicate id = %v, want ErrDuplicateID", err)
	}
}

func TestAwaitDeliversReassembledCall(t *testing.T) {
	client, server := handshakeReady(t)
	defer client.Close()
	defer server.Close()

	req := &CallReq{Service: "echo", Headers: map[string]string{"h": "v"}}
	if _, err := client.SendRequest(req, [][]byte{[]byte("arg")}, time.Second); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	call, err := server.Await()
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if call.Service != "echo" {
		t.Fatalf("Service = %q, want echo", call.Service)
	}
	if len(call.Args) != 1 || string(call.Args[0]) != "arg" {
		t.Fatalf("Args = %v, want [arg]", call.Args)
	}
}

func TestSendRequestCompletesWithResponse(t *testing.T) {
	client, server := handshakeReady(t)
	defer client.Close()
	defer server.Close()

	req := &CallReq{Service: "echo"}
	slot, err := client.SendRequest(req, [][]byte{[]byte("ping")}, time.Second)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	call, err := server.Await()
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	res := &CallRes{Code: 0}
	if err := server.PostResponse(call.ID, res, [][]byte{[]byte("pong")}); err != nil {
		t.Fatalf("PostResponse: %v", err)
	}

	resp, err := slot.Result()
	if err != nil {
		t.Fatalf("slot.Result: %v", err)
	}
	if len(resp.Args) != 1 || string(resp.Args[0]) != "pong" {
		t.Fatalf("Args = %v, want [pong]", resp.Args)
	}
}

func TestSendRequestTimeoutTombstonesAndDropsLateResponse(t *testing.T) {
	client, server := handshakeReady(t, WithTombstoneTTL(time.Second))
	defer client.Close()
	defer server.Close()

	req := &CallReq{Service: "slow"}
	slot, err := client.SendRequest(req, nil, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	call, err := server.Await()
	if err != nil {
		t.Fatalf("Await: %v", err)
	}

	if _, err := slot.Result(); err == nil {
		t.Fatalf("slot.Result after ttl elapsed: want TimeoutError, got nil")
	}

	// The late response now arrives after the client has already
	// tombstoned the id; it must be dropped rather than delivered to a
	// second caller or logged as unrecognized forever.
	if err := server.PostResponse(call.ID, &CallRes{}, [][]byte{[]byte("late")}); err != nil {
		t.Fatalf("PostResponse: %v", err)
	}
	time.Sleep(50 * time.Millisecond) // let the dispatch loop observe and drop it

	if !client.tombstones.contains(call.ID) {
		t.Fatalf("id %d not tombstoned after timeout", call.ID)
	}
}

func TestCloseIsIdempotentAndFailsOutstanding(t *testing.T) {
	client, server := handshakeReady(t)
	defer server.Close()

	req := &CallReq{Service: "svc"}
	slot, err := client.SendRequest(req, nil, time.Second)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	if err := client.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if _, err := slot.Result(); err == nil {
		t.Fatalf("slot.Result after Close: want error, got nil")
	}
}

func TestSetCloseCallbackFiresOnceAndRejectsReRegistration(t *testing.T) {
	client, server := handshakeReady(t)
	defer server.Close()

	fired := make(chan struct{}, 1)
	if err := client.SetCloseCallback(func() { fired <- struct{}{} }); err != nil {
		t.Fatalf("SetCloseCallback: %v", err)
	}
	if err := client.SetCloseCallback(func() {}); err != ErrCloseCallbackSet {
		t.Fatalf("second SetCloseCallback = %v, want ErrCloseCallbackSet", err)
	}

	client.Close()
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatalf("close callback did not fire")
	}
}
