package tchannel

import (
	"testing"
	"time"
)

func TestStreamRequestDoesNotRegisterOutstanding(t *testing.T) {
	client, server := handshakeReady(t)
	defer client.Close()
	defer server.Close()

	req := &CallReq{id: 55, Service: "fire-and-forget"}
	if err := client.StreamRequest(req, [][]byte{[]byte("payload")}); err != nil {
		t.Fatalf("StreamRequest: %v", err)
	}
	if _, ok := client.lookupOutstanding(55); ok {
		t.Fatalf("StreamRequest left an outstanding slot behind")
	}

	call, err := server.Await()
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if call.Service != "fire-and-forget" {
		t.Fatalf("Service = %q, want fire-and-forget", call.Service)
	}
}

func TestSendRequestZeroTTLUsesConnectionDefault(t *testing.T) {
	client, server := handshakeReady(t, WithTombstoneTTL(25*time.Millisecond))
	defer client.Close()
	defer server.Close()

	req := &CallReq{Service: "svc"}
	slot, err := client.SendRequest(req, nil, 0)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if _, err := server.Await(); err != nil {
		t.Fatalf("Await: %v", err)
	}

	if _, err := slot.Result(); err == nil {
		t.Fatalf("slot.Result with a zero ttl: want it to eventually time out, got nil error")
	}
}

func TestPostResponseFragmentsLargeResponse(t *testing.T) {
	client, server := handshakeReady(t)
	defer client.Close()
	defer server.Close()

	req := &CallReq{Service: "bulk"}
	slot, err := client.SendRequest(req, nil, time.Second)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	call, err := server.Await()
	if err != nil {
		t.Fatalf("Await: %v", err)
	}

	big := make([]byte, 4*maxFrameSize)
	for i := range big {
		big[i] = byte(i)
	}
	if err := server.PostResponse(call.ID, &CallRes{}, [][]byte{big}); err != nil {
		t.Fatalf("PostResponse: %v", err)
	}

	resp, err := slot.Result()
	if err != nil {
		t.Fatalf("slot.Result: %v", err)
	}
	if len(resp.Args) != 1 || len(resp.Args[0]) != len(big) {
		t.Fatalf("got %d args, want 1 arg of length %d", len(resp.Args), len(big))
	}
	for i := range big {
		if resp.Args[0][i] != big[i] {
			t.Fatalf("byte %d = %d, want %d", i, resp.Args[0][i], big[i])
		}
	}
}
