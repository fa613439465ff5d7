package tchannel

import (
	"bytes"
	"testing"
)

func TestFragmentAndReassembleRoundTrip(t *testing.T) {
	mf := NewMessageFactory(DefaultRegistry, 64)
	head := &CallReq{id: 1, Service: "svc"}
	args := [][]byte{
		[]byte("arg1"),
		bytes.Repeat([]byte("x"), 200), // forces multiple CALL_REQ_CONTINUE frames
		[]byte(""),                     // empty argument must round-trip
	}

	msgs, err := mf.FragmentRequest(head, args)
	if err != nil {
		t.Fatalf("FragmentRequest: %v", err)
	}
	if len(msgs) < 2 {
		t.Fatalf("got %d frames, want at least 2 for a 200-byte argument at 64-byte frames", len(msgs))
	}

	var result *ReassembledCall
	for i, msg := range msgs {
		r, err := mf.Feed(msg)
		if err != nil {
			t.Fatalf("Feed(frame %d): %v", i, err)
		}
		if i < len(msgs)-1 && r != nil {
			t.Fatalf("Feed(frame %d) completed early, chain has %d frames", i, len(msgs))
		}
		if i == len(msgs)-1 {
			result = r
		}
	}
	if result == nil {
		t.Fatalf("final frame did not complete reassembly")
	}
	if len(result.Args) != len(args) {
		t.Fatalf("got %d args, want %d", len(result.Args), len(args))
	}
	for i := range args {
		if !bytes.Equal(result.Args[i], args[i]) {
			t.Fatalf("arg %d = %q, want %q", i, result.Args[i], args[i])
		}
	}
}

func TestFragmentExactCapacityProducesOneFrame(t *testing.T) {
	mf := NewMessageFactory(DefaultRegistry, 128)
	head := &CallReq{id: 1, Service: "s"}

	// Find how much argstream room the head frame has, then hand it
	// exactly that many bytes as a single argument.
	codec, _ := DefaultRegistry.CodecFor(TypeCallReq)
	probe, _ := codec.Encode(&CallReq{id: 1, Service: "s"})
	available := 128 - (frameHeaderSize + len(probe))

	args := [][]byte{make([]byte, available-2)} // -2 for the arg's own length prefix
	msgs, err := mf.FragmentRequest(head, args)
	if err != nil {
		t.Fatalf("FragmentRequest: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d frames, want exactly 1 for an argument that exactly fills the head frame", len(msgs))
	}
	if msgs[0].(*CallReq).Fragment() {
		t.Fatalf("sole frame has Fragment set, want cleared")
	}
}

func TestFeedOrphanContinuationIsProtocolError(t *testing.T) {
	mf := NewMessageFactory(DefaultRegistry, 64)
	cont := &CallReqContinue{id: 123, ArgstreamChunk: []byte("x")}
	if _, err := mf.Feed(cont); err != ErrNoReassemblyState {
		t.Fatalf("Feed(orphan continuation) = %v, want ErrNoReassemblyState", err)
	}
}

func TestDiscardDropsOpenState(t *testing.T) {
	mf := NewMessageFactory(DefaultRegistry, 64)
	head := &CallReq{id: 1, Service: "s", Flags: flagFragment}
	if _, err := mf.Feed(head); err != nil {
		t.Fatalf("Feed(head): %v", err)
	}
	mf.Discard(1)

	cont := &CallReqContinue{id: 1, ArgstreamChunk: []byte("x")}
	if _, err := mf.Feed(cont); err != ErrNoReassemblyState {
		t.Fatalf("Feed after Discard = %v, want ErrNoReassemblyState", err)
	}
}
