package tchannel

import (
	"container/heap"
	"io"
	"testing"
)

func TestSendHeapOrdersControlBeforeData(t *testing.T) {
	var h sendHeap
	heap.Init(&h)
	heap.Push(&h, writeRequest{class: classData, seq: 1})
	heap.Push(&h, writeRequest{class: classData, seq: 2})
	heap.Push(&h, writeRequest{class: classControl, seq: 3})

	first := heap.Pop(&h).(writeRequest)
	if first.class != classControl || first.seq != 3 {
		t.Fatalf("first popped = %+v, want the control request", first)
	}
	second := heap.Pop(&h).(writeRequest)
	third := heap.Pop(&h).(writeRequest)
	if second.seq != 1 || third.seq != 2 {
		t.Fatalf("data requests out of FIFO order: got seq %d, %d, want 1, 2", second.seq, third.seq)
	}
}

func TestWriterNextIDSkipsZeroAndWraps(t *testing.T) {
	wr := &Writer{idCounter: 0}
	if id := wr.NextID(); id != 1 {
		t.Fatalf("first NextID = %d, want 1", id)
	}
	wr.idCounter = ^uint32(0) // max value, next wraps to 0 then remaps to 1
	if id := wr.NextID(); id != 1 {
		t.Fatalf("NextID after wraparound = %d, want 1 (zero is reserved)", id)
	}
}

func TestWriterSubmitRoundTrip(t *testing.T) {
	pr, pw := io.Pipe()
	defer pr.Close()
	defer pw.Close()

	wr := NewWriter(pw, DefaultRegistry)
	defer wr.Close()
	rd := NewReader(pr, DefaultRegistry)

	msg := &PingReqMsg{}
	errCh := wr.Submit(msg)

	got, err := rd.Next()
	if err != nil {
		t.Fatalf("Reader.Next: %v", err)
	}
	if got.Type() != TypePingReq {
		t.Fatalf("got type %d, want TypePingReq", got.Type())
	}
	if got.ID() != msg.ID() {
		t.Fatalf("got id %d, want %d", got.ID(), msg.ID())
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Submit result: %v", err)
	}
}

func TestWriterSubmitAfterCloseFails(t *testing.T) {
	pr, pw := io.Pipe()
	defer pr.Close()
	defer pw.Close()

	wr := NewWriter(pw, DefaultRegistry)
	wr.Close()

	if err := <-wr.Submit(&PingReqMsg{}); err == nil {
		t.Fatalf("Submit after Close: want error, got nil")
	}
}
