package tchannel

import (
	"fmt"
	"time"
)

// InitiateHandshake sends an INIT_REQ carrying headers and blocks for the
// matching INIT_RES, failing the connection closable-but-unusable if the
// peer never answers within the configured handshake timeout (spec.md
// §6: "handshake: ... a fixed pair of round-trip steps run once before
// normal dispatch begins").
//
// headers MUST include host_port and process_name; those are this
// side's own identity, not validated here — only the peer's matching
// headers on the INIT_RES are.
func (c *Connection) InitiateHandshake(headers map[string]string) error {
	c.setState(stateHandshaking)

	req := &InitReq{InitMessage{Version: ProtocolVersion, Headers: headers}}
	if req.ID() == 0 {
		req.SetID(c.writer.NextID())
	}
	if err := <-c.writer.Submit(req); err != nil {
		return err
	}

	msg, err := c.readWithTimeout(c.handshakeTimeout)
	if err != nil {
		return err
	}
	res, ok := msg.(*InitRes)
	if !ok {
		return fmt.Errorf("%w: expected INIT_RES, got type %d", ErrInvalidMessage, msg.Type())
	}
	if res.ID() != req.ID() {
		return fmt.Errorf("%w: INIT_RES id %d does not match INIT_REQ id %d", ErrInvalidMessage, res.ID(), req.ID())
	}
	if err := c.applyPeerHeaders(res.Headers); err != nil {
		return err
	}
	c.remoteRequestedVersion = res.Version

	c.startDispatching()
	return nil
}

// ExpectHandshake blocks for an INIT_REQ, answers it with an INIT_RES
// carrying headers, and begins dispatching.
//
// headers MUST include host_port and process_name, this side's own
// identity echoed back to the peer.
func (c *Connection) ExpectHandshake(headers map[string]string) error {
	c.setState(stateHandshaking)

	msg, err := c.readWithTimeout(c.handshakeTimeout)
	if err != nil {
		return err
	}
	req, ok := msg.(*InitReq)
	if !ok {
		return fmt.Errorf("%w: expected INIT_REQ, got type %d", ErrInvalidMessage, msg.Type())
	}
	if err := c.applyPeerHeaders(req.Headers); err != nil {
		return err
	}
	c.remoteRequestedVersion = req.Version

	res := &InitRes{InitMessage{id: req.ID(), Version: ProtocolVersion, Headers: headers}}
	if err := <-c.writer.Submit(res); err != nil {
		return err
	}

	c.startDispatching()
	return nil
}

// readWithTimeout reads the next message directly off the Reader,
// bypassing the dispatch loop (which has not started yet during a
// handshake). If d elapses first, the read goroutine is abandoned; it
// will exit once the stream eventually yields a message or an error.
func (c *Connection) readWithTimeout(d time.Duration) (Message, error) {
	type result struct {
		msg Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := c.reader.Next()
		ch <- result{msg, err}
	}()

	select {
	case r := <-ch:
		return r.msg, r.err
	case <-time.After(d):
		return nil, &TimeoutError{}
	}
}
