package tchannel

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ProtocolVersion is the version field the core sends in INIT_REQ/
// INIT_RES (spec.md §6: "the constant PROTOCOL_VERSION is used in INIT
// messages").
const ProtocolVersion uint16 = 2

// Direction tags which side of a connection this process is: the
// sentinel-object pattern in the source (spec.md §9) becomes a small
// closed enum here.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Outgoing {
		return "outgoing"
	}
	return "incoming"
}

type connState int32

const (
	stateNew connState = iota
	stateHandshaking
	stateDispatching
	stateClosed
)

// Handler is the opaque request-handler callback the core invokes for
// each reassembled inbound call (spec.md §1, §6).
type Handler func(call *IncomingCall, conn *Connection)

// IncomingCall is a fully reassembled inbound CALL_REQ chain.
type IncomingCall struct {
	ID      uint32
	Service string
	Headers map[string]string
	TTL     time.Duration
	Tracing []byte
	Args    [][]byte
}

// Response is a fully reassembled CALL_RES chain delivered to the
// caller that issued the matching request.
type Response struct {
	Code    uint8
	Headers map[string]string
	Tracing []byte
	Args    [][]byte
}

// Slot is a single-producer, single-consumer completion for one
// outstanding call: the dispatch loop (or the timeout path, or
// shutdown) is the sole producer; the caller that issued the call is
// the sole consumer (spec.md §9: "Futures ... are slots with a single
// producer and a single consumer ... never as shared mutable state").
type Slot struct {
	id      uint32
	ch      chan slotResult
	active  atomic.Bool
	cleanup func()
}

type slotResult struct {
	resp *Response
	err  error
}

func newSlot(id uint32) *Slot {
	s := &Slot{id: id, ch: make(chan slotResult, 1)}
	s.active.Store(true)
	return s
}

// Result blocks until the slot completes, returning the reassembled
// response or the error it failed with.
func (s *Slot) Result() (*Response, error) {
	r := <-s.ch
	return r.resp, r.err
}

// complete fires the slot's single completion exactly once; later calls
// are no-ops and report false.
func (s *Slot) complete(resp *Response, err error) bool {
	if !s.active.CompareAndSwap(true, false) {
		return false
	}
	if s.cleanup != nil {
		s.cleanup()
	}
	s.ch <- slotResult{resp: resp, err: err}
	return true
}

// Connection is the per-peer, bi-directional, message-multiplexed
// protocol engine described by spec.md. It wraps an open
// io.ReadWriteCloser; it becomes usable only after a handshake
// completes, and terminates when either peer closes the stream.
type Connection struct {
	conn      io.ReadWriteCloser
	direction Direction

	reader *Reader
	writer *Writer

	requestFactory  *MessageFactory
	responseFactory *MessageFactory
	tombstones      *tombstoneSet

	logger           Logger
	eventSink        EventSink
	handler          Handler
	tombstoneTTL     time.Duration
	handshakeTimeout time.Duration

	stateMu sync.RWMutex
	state   connState

	outstandingMu sync.Mutex
	outstanding   map[uint32]*Slot

	inbound chan *IncomingCall

	dispatchStarted atomic.Bool

	closeOnce    sync.Once
	closeErr     error
	shutdownOnce sync.Once

	closeCbMu sync.Mutex
	closeCb   func()

	remoteHost             string
	remoteHostPort         uint16
	remoteProcessName      string
	remoteRequestedVersion uint16
}

// inboundQueueDepth bounds the inbound-call queue (spec.md §1 Non-goals:
// "backpressure beyond what bounded queues provide").
const inboundQueueDepth = 256

// NewConnection wraps conn (already open) in a Connection usable once a
// handshake completes via InitiateHandshake or ExpectHandshake.
func NewConnection(conn io.ReadWriteCloser, direction Direction, opts ...Option) *Connection {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}

	c := &Connection{
		conn:             conn,
		direction:        direction,
		reader:           NewReader(conn, o.Registry),
		writer:           NewWriter(conn, o.Registry),
		requestFactory:   NewMessageFactory(o.Registry, o.MaxFrameSize),
		responseFactory:  NewMessageFactory(o.Registry, o.MaxFrameSize),
		tombstones:       newTombstoneSet(),
		logger:           o.Logger,
		eventSink:        o.EventSink,
		handler:          o.Handler,
		tombstoneTTL:     o.TombstoneTTL,
		handshakeTimeout: o.HandshakeTimeout,
		outstanding:      make(map[uint32]*Slot),
		inbound:          make(chan *IncomingCall, inboundQueueDepth),
	}
	return c
}

// Direction reports whether this Connection was dialed out (Outgoing)
// or accepted (Incoming).
func (c *Connection) Direction() Direction { return c.direction }

// RemoteHost returns the host portion of the peer's host_port header,
// populated once the handshake completes.
func (c *Connection) RemoteHost() string { return c.remoteHost }

// RemoteHostPort returns the port portion of the peer's host_port
// header.
func (c *Connection) RemoteHostPort() uint16 { return c.remoteHostPort }

// RemoteProcessName returns the peer's process_name header.
func (c *Connection) RemoteProcessName() string { return c.remoteProcessName }

// RemoteRequestedVersion returns the protocol version the peer asked
// for during the handshake. The core records but does not negotiate it
// (spec.md §6).
func (c *Connection) RemoteRequestedVersion() uint16 { return c.remoteRequestedVersion }

// SetCloseCallback registers cb to run exactly once after shutdown
// completes. Re-registration is a programming error (spec.md §6).
func (c *Connection) SetCloseCallback(cb func()) error {
	c.closeCbMu.Lock()
	defer c.closeCbMu.Unlock()
	if c.closeCb != nil {
		return ErrCloseCallbackSet
	}
	c.closeCb = cb
	return nil
}

func (c *Connection) setState(s connState) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

func (c *Connection) getState() connState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// applyPeerHeaders extracts host_port and process_name from the peer's
// handshake headers (spec.md §6: "missing host_port or process_name is
// a protocol error"), recovering the host/port split exactly as
// original_source's connection.py does (SPEC_FULL.md §6.2).
func (c *Connection) applyPeerHeaders(headers map[string]string) error {
	hostPort, ok := headers["host_port"]
	if !ok || hostPort == "" {
		return fmt.Errorf("%w: handshake missing host_port header", ErrInvalidMessage)
	}
	processName, ok := headers["process_name"]
	if !ok || processName == "" {
		return fmt.Errorf("%w: handshake missing process_name header", ErrInvalidMessage)
	}

	idx := strings.LastIndex(hostPort, ":")
	if idx < 0 {
		return fmt.Errorf("%w: malformed host_port %q", ErrInvalidMessage, hostPort)
	}
	host := hostPort[:idx]
	port, err := strconv.ParseUint(hostPort[idx+1:], 10, 16)
	if err != nil {
		return fmt.Errorf("%w: malformed host_port %q", ErrInvalidMessage, hostPort)
	}

	c.remoteHost = host
	c.remoteHostPort = uint16(port)
	c.remoteProcessName = processName
	return nil
}

// startDispatching transitions to DISPATCHING and launches the dispatch
// loop (and, if a Handler was configured, the loop that drains Await
// into it).
func (c *Connection) startDispatching() {
	c.setState(stateDispatching)
	c.dispatchStarted.Store(true)
	go c.dispatchLoop()
	if c.handler != nil {
		go c.handlerLoop()
	}
}

// --- outstanding table ---

func (c *Connection) registerOutstanding(id uint32) (*Slot, error) {
	c.outstandingMu.Lock()
	defer c.outstandingMu.Unlock()
	if _, exists := c.outstanding[id]; exists {
		return nil, ErrDuplicateID
	}
	slot := newSlot(id)
	c.outstanding[id] = slot
	return slot, nil
}

func (c *Connection) lookupOutstanding(id uint32) (*Slot, bool) {
	c.outstandingMu.Lock()
	defer c.outstandingMu.Unlock()
	s, ok := c.outstanding[id]
	return s, ok
}

func (c *Connection) removeOutstanding(id uint32) {
	c.outstandingMu.Lock()
	delete(c.outstanding, id)
	c.outstandingMu.Unlock()
}

func (c *Connection) popOutstanding(id uint32) (*Slot, bool) {
	c.outstandingMu.Lock()
	defer c.outstandingMu.Unlock()
	s, ok := c.outstanding[id]
	if ok {
		delete(c.outstanding, id)
	}
	return s, ok
}

// --- low-level send/write primitives (spec.md §4.6) ---

// Send assigns msg an id if it has none, registers a new pending slot
// keyed by that id (failing with ErrDuplicateID if one already exists),
// writes msg, and returns the slot. msg must be a CALL_REQ or
// CALL_REQ_CONTINUE; anything else is a programming error.
func (c *Connection) Send(msg Message) (*Slot, error) {
	if msg.Type() != TypeCallReq && msg.Type() != TypeCallReqContinue {
		return nil, ErrWrongMessageType
	}
	if c.getState() != stateDispatching {
		return nil, ErrNotHandshaked
	}
	if msg.ID() == 0 {
		msg.SetID(c.writer.NextID())
	}
	slot, err := c.registerOutstanding(msg.ID())
	if err != nil {
		return nil, err
	}
	if err := <-c.Write(msg); err != nil {
		c.removeOutstanding(msg.ID())
		slot.complete(nil, err)
		return nil, err
	}
	return slot, nil
}

// Write submits a single already-built message and returns a channel
// that resolves once its frame has reached the stream. It does not
// expect or correlate a response.
func (c *Connection) Write(msg Message) <-chan error {
	return c.writer.Submit(msg)
}

// Await blocks for the next reassembled incoming CALL_REQ.
func (c *Connection) Await() (*IncomingCall, error) {
	call, ok := <-c.inbound
	if !ok {
		return nil, newNetworkError("inbound call queue closed", ErrConnectionClosed)
	}
	return call, nil
}

// Ping submits a PING_REQ and returns a slot completed by the matching
// PING_RES.
func (c *Connection) Ping() (*Slot, error) {
	if c.getState() != stateDispatching {
		return nil, ErrNotHandshaked
	}
	id := c.writer.NextID()
	slot, err := c.registerOutstanding(id)
	if err != nil {
		return nil, err
	}
	if err := <-c.Write(&PingReqMsg{id: id}); err != nil {
		c.removeOutstanding(id)
		slot.complete(nil, err)
		return nil, err
	}
	return slot, nil
}

// Pong submits a PING_RES echoing id.
func (c *Connection) Pong(id uint32) <-chan error {
	return c.Write(&PingResMsg{id: id})
}

// SendError submits a framed ERROR message and fires
// EventAfterSendError once the write completes.
func (c *Connection) SendError(perr *ProtocolError) <-chan error {
	out := make(chan error, 1)
	msg := &ErrorMsg{id: perr.ID, Code: perr.Code, Tracing: perr.Tracing, Description: perr.Description}
	go func() {
		err := <-c.Write(msg)
		if err == nil {
			c.eventSink.OnEvent(EventAfterSendError, perr)
		}
		out <- err
	}()
	return out
}

// Close closes the underlying stream and runs the shutdown path exactly
// once, however many times Close is called.
func (c *Connection) Close() error {
	return c.closeWithCause(nil)
}

func (c *Connection) closeWithCause(cause error) error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	if c.dispatchStarted.Load() {
		// The dispatch loop is the sole producer into c.inbound once it
		// is running. Closing conn above unblocks its blocked
		// Reader.Next with an error, and the loop runs shutdown itself
		// on the way out. Nothing to do here but wait for that.
		return c.closeErr
	}
	c.shutdownOnce.Do(func() {
		if cause == nil {
			cause = newNetworkError("connection closed locally", c.closeErr)
		}
		c.shutdown(cause)
	})
	return c.closeErr
}

// shutdown runs the teardown sequence of spec.md §3/§4.6, exactly once
// per Connection (guarded by shutdownOnce). Before dispatching starts it
// runs synchronously inside closeWithCause; once the dispatch loop is
// running, it runs at the tail of dispatchLoop instead, which is by then
// the sole producer into c.inbound.
func (c *Connection) shutdown(cause error) {
	c.setState(stateClosed)
	c.writer.Close()
	c.tombstones.clear()

	c.outstandingMu.Lock()
	pending := c.outstanding
	c.outstanding = make(map[uint32]*Slot)
	c.outstandingMu.Unlock()

	for id, slot := range pending {
		slot.complete(nil, newNetworkError(fmt.Sprintf("canceling outstanding request %d", id), cause))
	}

drain:
	for {
		select {
		case call, ok := <-c.inbound:
			if !ok {
				break drain
			}
			c.logger.Printf("tchannel: dropping residual inbound call id=%d service=%q on shutdown", call.ID, call.Service)
		default:
			break drain
		}
	}
	close(c.inbound)

	c.closeCbMu.Lock()
	cb := c.closeCb
	c.closeCbMu.Unlock()
	if cb != nil {
		cb()
	}
}

// --- dispatch loop (spec.md §4.6) ---

func (c *Connection) dispatchLoop() {
	var cause error
	for {
		msg, err := c.reader.Next()
		if err != nil {
			cause = err
			break
		}
		c.dispatch(msg)
	}

	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	c.shutdownOnce.Do(func() {
		c.shutdown(cause)
	})
}

func (c *Connection) dispatch(msg Message) {
	switch msg.Type() {
	case TypeCallReq, TypeCallReqContinue:
		c.dispatchInboundCall(msg)
		return
	case TypePingReq:
		// The core answers a peer's ping on its own; there is no
		// outstanding slot to correlate an inbound PING_REQ against.
		c.Pong(msg.ID())
		return
	}

	id := msg.ID()
	if slot, ok := c.lookupOutstanding(id); ok {
		c.dispatchToSlot(slot, msg)
		return
	}
	if c.tombstones.contains(id) {
		return
	}
	c.logger.Printf("tchannel: dropping unrecognized message id=%d type=%d", id, msg.Type())
}

func (c *Connection) dispatchInboundCall(msg Message) {
	result, err := c.requestFactory.Feed(msg)
	if err != nil {
		c.logger.Printf("tchannel: dropping malformed inbound call chain id=%d: %v", msg.ID(), err)
		return
	}
	if result == nil {
		return
	}
	head := result.Head.(*CallReq)
	call := &IncomingCall{
		ID:      head.ID(),
		Service: head.Service,
		Headers: head.Headers,
		TTL:     time.Duration(head.TTL) * time.Millisecond,
		Tracing: head.Tracing,
		Args:    result.Args,
	}
	// A full queue applies backpressure straight onto the dispatch loop
	// rather than dropping the call (spec.md §1 Non-goals: bounded
	// queues are the only backpressure this core provides).
	c.inbound <- call
}

func (c *Connection) dispatchToSlot(slot *Slot, msg Message) {
	switch m := msg.(type) {
	case *ErrorMsg:
		c.popOutstanding(m.ID())
		perr := &ProtocolError{Code: m.Code, Description: m.Description, ID: m.ID(), Tracing: m.Tracing}
		if !slot.complete(nil, perr) {
			c.eventSink.OnEvent(EventAfterReceiveError, perr)
		}

	case *CallRes, *CallResContinue:
		result, err := c.responseFactory.Feed(msg)
		if err != nil {
			c.popOutstanding(msg.ID())
			slot.complete(nil, err)
			return
		}
		if result == nil {
			return // non-final fragment: leave the slot in place
		}
		c.popOutstanding(msg.ID())
		head := result.Head.(*CallRes)
		slot.complete(&Response{
			Code:    head.Code,
			Headers: head.Headers,
			Tracing: head.Tracing,
			Args:    result.Args,
		}, nil)

	case *PingResMsg:
		c.popOutstanding(m.ID())
		slot.complete(&Response{}, nil)

	default:
		c.popOutstanding(msg.ID())
		slot.complete(nil, fmt.Errorf("%w: unexpected message type %d for outstanding id %d", ErrInvalidMessage, msg.Type(), msg.ID()))
	}
}

// handlerLoop drains Await() and dispatches each call to the registered
// Handler in its own goroutine, recovering a handler panic into a
// send_error call (spec.md §9 open question, resolved per its own
// recommendation).
func (c *Connection) handlerLoop() {
	for {
		call, err := c.Await()
		if err != nil {
			return
		}
		go c.invokeHandler(call)
	}
}

func (c *Connection) invokeHandler(call *IncomingCall) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Printf("tchannel: handler panicked for call id=%d: %v", call.ID, r)
			<-c.SendError(&ProtocolError{
				Code:        protocolErrorCodeUnexpected,
				Description: fmt.Sprintf("handler panic: %v", r),
				ID:          call.ID,
			})
		}
	}()
	c.handler(call, c)
}

// protocolErrorCodeUnexpected mirrors the original implementation's
// "unexpected error" wire code for an uncaught handler exception.
const protocolErrorCodeUnexpected uint8 = 0x03
