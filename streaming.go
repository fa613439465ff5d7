package tchannel

import "time"

// PostResponse fragments res/args into a CALL_RES chain (assigning id if
// it is zero) and writes every frame in order, firing
// EventAfterSendResponse once the chain either finishes or fails
// partway through (spec.md §4.6 streaming layer).
func (c *Connection) PostResponse(id uint32, res *CallRes, args [][]byte) error {
	if res.ID() == 0 {
		res.SetID(id)
	}
	frames, err := c.responseFactory.FragmentResponse(res, args)
	if err != nil {
		return err
	}
	err = c.writeChain(frames)
	c.eventSink.OnEvent(EventAfterSendResponse, struct {
		ID  uint32
		Err error
	}{res.ID(), err})
	return err
}

// StreamRequest fragments req/args into a CALL_REQ chain and writes
// every frame, without registering an outstanding slot or expecting a
// response. Used for fire-and-forget or continuation-only traffic.
func (c *Connection) StreamRequest(req *CallReq, args [][]byte) error {
	if req.ID() == 0 {
		req.SetID(c.writer.NextID())
	}
	frames, err := c.requestFactory.FragmentRequest(req, args)
	if err != nil {
		return err
	}
	return c.writeChain(frames)
}

// SendRequest fragments req/args into a CALL_REQ chain, registers an
// outstanding slot for its id before the first frame goes out, and
// arranges for ttl (if positive) to fail that slot with a TimeoutError
// and tombstone the id if no response arrives in time (spec.md §4.5,
// §4.6: "send_request(request, ttl): ... adds the id to the tombstone
// set with that ttl").
func (c *Connection) SendRequest(req *CallReq, args [][]byte, ttl time.Duration) (*Slot, error) {
	if c.getState() != stateDispatching {
		return nil, ErrNotHandshaked
	}
	if req.ID() == 0 {
		req.SetID(c.writer.NextID())
	}
	slot, err := c.registerOutstanding(req.ID())
	if err != nil {
		return nil, err
	}
	if ttl > 0 {
		req.TTL = uint32(ttl / time.Millisecond)
	}

	frames, err := c.requestFactory.FragmentRequest(req, args)
	if err != nil {
		c.removeOutstanding(req.ID())
		return nil, err
	}
	if err := c.writeChain(frames); err != nil {
		c.removeOutstanding(req.ID())
		slot.complete(nil, err)
		return slot, err
	}

	if ttl <= 0 {
		ttl = c.tombstoneTTL
	}
	id := req.ID()
	timer := time.AfterFunc(ttl, func() {
		if s, ok := c.popOutstanding(id); ok {
			s.complete(nil, &TimeoutError{ID: id})
			c.tombstones.add(id, ttl)
		}
	})
	slot.cleanup = func() { timer.Stop() }

	return slot, nil
}

// writeChain submits msgs in order, stopping at and returning the first
// write error.
func (c *Connection) writeChain(msgs []Message) error {
	for _, msg := range msgs {
		if err := <-c.Write(msg); err != nil {
			return err
		}
	}
	return nil
}
