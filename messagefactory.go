package tchannel

import (
	"encoding/binary"
	"sync"
)

// ReassembledCall is the result of feeding a complete chain of CALL_REQ/
// CALL_RES (plus zero or more continuations) through a MessageFactory:
// the head message (carrying service/headers/ttl/tracing/code) and the
// ordered argument values with their original boundaries restored.
type ReassembledCall struct {
	Head Message
	Args [][]byte
}

type reassemblyState struct {
	head Message
	buf  []byte
}

// MessageFactory bridges a logical call (a head message plus an ordered
// list of argument byte values) and the stream of on-wire CALL_*/
// CALL_*_CONTINUE frames that carry it, in both directions (spec.md
// §4.4). A Connection owns two independent instances — one for the
// CALL_REQ/CALL_REQ_CONTINUE chain, one for CALL_RES/CALL_RES_CONTINUE —
// so that an id shared between an inbound call and an outbound call
// never collides in reassembly state.
type MessageFactory struct {
	registry     *Registry
	maxFrameSize int

	mu     sync.Mutex
	states map[uint32]*reassemblyState
}

// NewMessageFactory returns a MessageFactory that fragments to frames no
// larger than maxFrameSize bytes and encodes/decodes using registry.
func NewMessageFactory(registry *Registry, maxFrameSize int) *MessageFactory {
	return &MessageFactory{
		registry:     registry,
		maxFrameSize: maxFrameSize,
		states:       make(map[uint32]*reassemblyState),
	}
}

// FragmentRequest splits a CALL_REQ whose ArgstreamChunk/Flags fields are
// not yet populated into a head CALL_REQ followed by zero or more
// CALL_REQ_CONTINUE frames carrying args in order.
func (mf *MessageFactory) FragmentRequest(head *CallReq, args [][]byte) ([]Message, error) {
	codec, ok := mf.registry.CodecFor(TypeCallReq)
	if !ok {
		return nil, ErrInvalidMessage
	}
	checksumType := head.ChecksumType
	return fragmentChain(codec, head, args, mf.maxFrameSize, func() callChunk {
		return &CallReqContinue{ChecksumType: checksumType}
	})
}

// FragmentResponse splits a CALL_RES the same way FragmentRequest splits
// a CALL_REQ.
func (mf *MessageFactory) FragmentResponse(head *CallRes, args [][]byte) ([]Message, error) {
	codec, ok := mf.registry.CodecFor(TypeCallRes)
	if !ok {
		return nil, ErrInvalidMessage
	}
	checksumType := head.ChecksumType
	return fragmentChain(codec, head, args, mf.maxFrameSize, func() callChunk {
		return &CallResContinue{ChecksumType: checksumType}
	})
}

// Feed accumulates one frame of a CALL_* chain. It returns a non-nil
// *ReassembledCall once the chain's final (non-fragment) frame has been
// fed, and nil while the chain is still open. A continuation frame for
// an id with no open head returns ErrNoReassemblyState (spec.md §4.4:
// "Receiving a continue frame with no open state for that id is a
// protocol error").
func (mf *MessageFactory) Feed(msg Message) (*ReassembledCall, error) {
	cc, ok := msg.(callChunk)
	if !ok {
		return nil, ErrInvalidMessage
	}
	id := cc.ID()
	isHead := msg.Type() == TypeCallReq || msg.Type() == TypeCallRes

	mf.mu.Lock()
	defer mf.mu.Unlock()

	if isHead {
		st := &reassemblyState{head: msg}
		st.buf = append(st.buf, cc.chunk()...)
		if cc.Fragment() {
			mf.states[id] = st
			return nil, nil
		}
		return finalizeReassembly(st)
	}

	st, ok := mf.states[id]
	if !ok {
		return nil, ErrNoReassemblyState
	}
	st.buf = append(st.buf, cc.chunk()...)
	if cc.Fragment() {
		return nil, nil
	}
	delete(mf.states, id)
	return finalizeReassembly(st)
}

// Discard drops any open reassembly state for id without completing it.
// The Connection's dispatch loop does not call it.
func (mf *MessageFactory) Discard(id uint32) {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	delete(mf.states, id)
}

func finalizeReassembly(st *reassemblyState) (*ReassembledCall, error) {
	args, err := parseArgstream(st.buf)
	if err != nil {
		return nil, err
	}
	return &ReassembledCall{Head: st.head, Args: args}, nil
}

// fragmentChain implements the fragmentation algorithm shared by
// CALL_REQ and CALL_RES chains: concatenate the arguments into one
// length-prefixed byte stream (so a chunk boundary, i.e. a frame split,
// may fall anywhere inside or between arguments — spec.md §3), then
// carve that stream into frame-sized pieces. The head frame's fixed
// overhead is measured by encoding it once with an empty chunk; each
// continuation frame's overhead is the constant continueOverhead.
func fragmentChain(codec Codec, head callChunk, args [][]byte, maxFrameSize int, newContinue func() callChunk) ([]Message, error) {
	argstream := buildArgstream(args)

	head.setChunk(nil)
	probe, err := codec.Encode(head)
	if err != nil {
		return nil, err
	}
	available := maxFrameSize - (frameHeaderSize + len(probe))
	if available <= 0 {
		return nil, ErrFrameTooLarge
	}

	var msgs []Message
	take := available
	if take > len(argstream) {
		take = len(argstream)
	}
	head.setChunk(argstream[:take])
	remaining := argstream[take:]
	head.SetFragment(len(remaining) > 0)
	msgs = append(msgs, head)

	const continueOverhead = 1 + 1 + 4 // flags + checksum type + checksum
	for len(remaining) > 0 {
		cont := newContinue()
		cont.SetID(head.ID())

		availableC := maxFrameSize - (frameHeaderSize + continueOverhead)
		if availableC <= 0 {
			return nil, ErrFrameTooLarge
		}
		takeC := availableC
		if takeC > len(remaining) {
			takeC = len(remaining)
		}
		cont.setChunk(remaining[:takeC])
		remaining = remaining[takeC:]
		cont.SetFragment(len(remaining) > 0)
		msgs = append(msgs, cont)
	}
	return msgs, nil
}

// buildArgstream concatenates args into one byte stream of
// [u16 length][bytes] records, preserved exactly so empty arguments
// round-trip (spec.md §4.4: "Empty arguments are preserved").
func buildArgstream(args [][]byte) []byte {
	size := 0
	for _, a := range args {
		size += 2 + len(a)
	}
	buf := make([]byte, 0, size)
	var lenBuf [2]byte
	for _, a := range args {
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(a)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, a...)
	}
	return buf
}

// parseArgstream is the inverse of buildArgstream.
func parseArgstream(buf []byte) ([][]byte, error) {
	var args [][]byte
	for len(buf) > 0 {
		if len(buf) < 2 {
			return nil, ErrInvalidMessage
		}
		n := int(binary.BigEndian.Uint16(buf[0:2]))
		buf = buf[2:]
		if len(buf) < n {
			return nil, ErrInvalidMessage
		}
		args = append(args, append([]byte(nil), buf[:n]...))
		buf = buf[n:]
	}
	return args, nil
}
