package tchannel

import (
	"container/heap"
	"sync"
	"sync/atomic"

	"github.com/sagernet/sing/common/bufio"

	"io"
)

// writeClass prioritizes control traffic (handshake, ping/pong, error)
// ahead of bulk call-argument data sharing the same write queue, mirroring
// smux's CLSCTRL/CLSDATA split in its shaperLoop.
type writeClass int

const (
	classControl writeClass = iota
	classData
)

func classOf(t Type) writeClass {
	switch t {
	case TypeCallReq, TypeCallReqContinue, TypeCallRes, TypeCallResContinue:
		return classData
	default:
		return classControl
	}
}

// writeRequest is one encoded frame waiting to reach the stream.
type writeRequest struct {
	class  writeClass
	frame  Frame
	seq    uint32
	result chan error
}

// sendHeap orders pending writeRequests by class first (control before
// data) and by submission sequence within a class, exactly smux's
// shaperHeap, renamed to this module's vocabulary.
type sendHeap []writeRequest

func (h sendHeap) Len() int { return len(h) }
func (h sendHeap) Less(i, j int) bool {
	if h[i].class != h[j].class {
		return h[i].class < h[j].class
	}
	return h[i].seq < h[j].seq
}
func (h sendHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *sendHeap) Push(x any)   { *h = append(*h, x.(writeRequest)) }
func (h *sendHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Writer owns the outbound half of a connection's byte stream. It
// allocates message ids, serializes each submitted message into a
// frame, and drains an ordered queue onto the stream from exactly one
// goroutine (spec.md §4.3).
type Writer struct {
	w        io.Writer
	registry *Registry

	idCounter uint32 // atomic
	seq       uint32 // atomic

	shaper chan writeRequest
	writes chan writeRequest

	die      chan struct{}
	dieOnce  sync.Once
	writeErr atomic.Value
}

// NewWriter starts the shaper and drain goroutines writing to w.
func NewWriter(w io.Writer, registry *Registry) *Writer {
	wr := &Writer{
		w:        w,
		registry: registry,
		shaper:   make(chan writeRequest),
		writes:   make(chan writeRequest),
		die:      make(chan struct{}),
	}
	go wr.shaperLoop()
	go wr.sendLoop()
	return wr
}

// NextID returns the next id from a monotonic counter, skipping zero and
// wrapping via uint32 overflow back to 1 (spec.md §4.3/§6: zero is
// reserved, MAX_MESSAGE_ID is 2^32-1).
func (wr *Writer) NextID() uint32 {
	for {
		old := atomic.LoadUint32(&wr.idCounter)
		next := old + 1
		if next == 0 {
			next = 1
		}
		if atomic.CompareAndSwapUint32(&wr.idCounter, old, next) {
			return next
		}
	}
}

// Submit assigns msg an id if it has none, encodes it, and enqueues the
// resulting frame for the drain goroutine. The returned channel receives
// exactly one value once the frame's bytes have been written to the
// stream (nil) or the stream failed first (non-nil).
func (wr *Writer) Submit(msg Message) <-chan error {
	result := make(chan error, 1)

	if msg.ID() == 0 {
		msg.SetID(wr.NextID())
	}

	codec, ok := wr.registry.CodecFor(msg.Type())
	if !ok {
		result <- ErrInvalidMessage
		return result
	}
	payload, err := codec.Encode(msg)
	if err != nil {
		result <- err
		return result
	}

	frame := Frame{Type: msg.Type(), ID: msg.ID(), Payload: payload}
	if frame.size() > maxFrameSize {
		result <- ErrFrameTooLarge
		return result
	}

	req := writeRequest{
		class:  classOf(msg.Type()),
		frame:  frame,
		seq:    atomic.AddUint32(&wr.seq, 1),
		result: result,
	}

	select {
	case wr.shaper <- req:
	case <-wr.die:
		result <- wr.closedError()
	}
	return result
}

// Close stops the writer's goroutines. It does not close the underlying
// stream; the Connection owns that (spec.md §3 ownership).
func (wr *Writer) Close() {
	wr.dieOnce.Do(func() { close(wr.die) })
}

func (wr *Writer) closedError() error {
	if v := wr.writeErr.Load(); v != nil {
		return v.(error)
	}
	return ErrConnectionClosed
}

// shaperLoop implements a priority queue for write requests so control
// messages (handshake, ping/pong, send_error) are not stuck behind a
// large call's argument fragments. Structurally identical to smux's
// Session.shaperLoop.
func (wr *Writer) shaperLoop() {
	var reqs sendHeap
	var next writeRequest
	var chWrite chan writeRequest
	var chShaper chan writeRequest

	for {
		if len(reqs) > 0 {
			chWrite = wr.writes
			next = heap.Pop(&reqs).(writeRequest)
		} else {
			chWrite = nil
		}
		chShaper = wr.shaper

		select {
		case <-wr.die:
			return
		case r := <-chShaper:
			if chWrite != nil {
				heap.Push(&reqs, next)
			}
			heap.Push(&reqs, r)
		case chWrite <- next:
		}
	}
}

// sendLoop is the single goroutine permitted to write to the underlying
// stream (spec.md §4.3: "The stream is written by exactly one writer
// task"). It uses a vectorised write when the stream supports one,
// exactly smux's Session.sendLoop.
func (wr *Writer) sendLoop() {
	bw, vectorised := bufio.CreateVectorisedWriter(wr.w)
	var hdr [frameHeaderSize]byte
	var vec [][]byte
	if vectorised {
		vec = make([][]byte, 2)
	}

	for {
		select {
		case <-wr.die:
			return
		case req := <-wr.writes:
			var err error
			if vectorised {
				var headerBytes []byte
				headerBytes, err = encodeHeader(hdr[:0], req.frame)
				if err == nil {
					vec[0] = headerBytes
					vec[1] = req.frame.Payload
					_, err = bufio.WriteVectorised(bw, vec)
				}
			} else {
				var buf []byte
				buf, err = encodeFrame(nil, req.frame)
				if err == nil {
					_, err = wr.w.Write(buf)
				}
			}

			req.result <- err
			if err != nil {
				wr.writeErr.Store(newNetworkError("writer: stream write failed", err))
				wr.Close()
				return
			}
		}
	}
}
