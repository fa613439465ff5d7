package tchannel

import (
	"encoding/binary"
	"hash/crc32"
)

// Type is the 1-byte wire discriminant for a message. The core treats
// every Type opaquely except the nine named here (spec.md §6).
type Type uint8

const (
	TypeInitReq         Type = 0x01
	TypeInitRes         Type = 0x02
	TypeCallReq         Type = 0x03
	TypeCallReqContinue Type = 0x04
	TypeCallRes         Type = 0x13
	TypeCallResContinue Type = 0x14
	TypePingReq         Type = 0xd0
	TypePingRes         Type = 0xd1
	TypeError           Type = 0xff
)

// flagFragment is bit 0 of a CALL_* flags byte: 1 = more frames follow
// for this id, 0 = final frame of the chain (spec.md §3).
const flagFragment uint8 = 0x01

// ChecksumType selects how (or whether) a call frame's argument chunk is
// checksummed. Only None and CRC32 are implemented; the original's
// Farmhash/Adler variants have no home in this core (SPEC_FULL §
// "Supplemented Features").
type ChecksumType uint8

const (
	ChecksumNone  ChecksumType = 0
	ChecksumCRC32 ChecksumType = 1
)

// Message is the common shape of every decoded wire message: a type
// discriminant and an id (spec.md §3: "Message: { type, id, ...
// type-specific fields }").
type Message interface {
	Type() Type
	ID() uint32
	SetID(id uint32)
}

// InitMessage is the shared shape of INIT_REQ and INIT_RES (spec.md §6
// handshake).
type InitMessage struct {
	id      uint32
	Version uint16
	Headers map[string]string
}

func (m *InitMessage) ID() uint32     { return m.id }
func (m *InitMessage) SetID(id uint32) { m.id = id }

// InitReq is the handshake request the initiator sends.
type InitReq struct{ InitMessage }

func (*InitReq) Type() Type { return TypeInitReq }

// InitRes is the handshake response the responder sends, echoing the
// INIT_REQ's id.
type InitRes struct{ InitMessage }

func (*InitRes) Type() Type { return TypeInitRes }

// CallReq is the head message of an outgoing-call chain.
type CallReq struct {
	id             uint32
	Flags          uint8
	TTL            uint32
	Tracing        []byte
	Service        string
	Headers        map[string]string
	ChecksumType   ChecksumType
	Checksum       uint32
	ArgstreamChunk []byte // raw length-prefixed argument bytes carried in this frame
}

func (*CallReq) Type() Type           { return TypeCallReq }
func (m *CallReq) ID() uint32          { return m.id }
func (m *CallReq) SetID(id uint32)     { m.id = id }
func (m *CallReq) Fragment() bool      { return m.Flags&flagFragment != 0 }
func (m *CallReq) SetFragment(v bool)  { setFragmentFlag(&m.Flags, v) }
func (m *CallReq) chunk() []byte       { return m.ArgstreamChunk }
func (m *CallReq) setChunk(b []byte)   { m.ArgstreamChunk = b }

// CallReqContinue carries the remaining fragments of an outgoing call.
type CallReqContinue struct {
	id             uint32
	Flags          uint8
	ChecksumType   ChecksumType
	Checksum       uint32
	ArgstreamChunk []byte
}

func (*CallReqContinue) Type() Type          { return TypeCallReqContinue }
func (m *CallReqContinue) ID() uint32        { return m.id }
func (m *CallReqContinue) SetID(id uint32)   { m.id = id }
func (m *CallReqContinue) Fragment() bool     { return m.Flags&flagFragment != 0 }
func (m *CallReqContinue) SetFragment(v bool) { setFragmentFlag(&m.Flags, v) }
func (m *CallReqContinue) chunk() []byte      { return m.ArgstreamChunk }
func (m *CallReqContinue) setChunk(b []byte)  { m.ArgstreamChunk = b }

// CallRes is the head message of an incoming-response chain.
type CallRes struct {
	id             uint32
	Flags          uint8
	Code           uint8
	Tracing        []byte
	Headers        map[string]string
	ChecksumType   ChecksumType
	Checksum       uint32
	ArgstreamChunk []byte
}

func (*CallRes) Type() Type          { return TypeCallRes }
func (m *CallRes) ID() uint32        { return m.id }
func (m *CallRes) SetID(id uint32)   { m.id = id }
func (m *CallRes) Fragment() bool     { return m.Flags&flagFragment != 0 }
func (m *CallRes) SetFragment(v bool) { setFragmentFlag(&m.Flags, v) }
func (m *CallRes) chunk() []byte      { return m.ArgstreamChunk }
func (m *CallRes) setChunk(b []byte)  { m.ArgstreamChunk = b }

// CallResContinue carries the remaining fragments of a response.
type CallResContinue struct {
	id             uint32
	Flags          uint8
	ChecksumType   ChecksumType
	Checksum       uint32
	ArgstreamChunk []byte
}

func (*CallResContinue) Type() Type          { return TypeCallResContinue }
func (m *CallResContinue) ID() uint32        { return m.id }
func (m *CallResContinue) SetID(id uint32)   { m.id = id }
func (m *CallResContinue) Fragment() bool     { return m.Flags&flagFragment != 0 }
func (m *CallResContinue) SetFragment(v bool) { setFragmentFlag(&m.Flags, v) }
func (m *CallResContinue) chunk() []byte      { return m.ArgstreamChunk }
func (m *CallResContinue) setChunk(b []byte)  { m.ArgstreamChunk = b }

func setFragmentFlag(flags *uint8, v bool) {
	if v {
		*flags |= flagFragment
	} else {
		*flags &^= flagFragment
	}
}

// callChunk is implemented by every CALL_* message so the Message
// Factory can fragment/reassemble them without a type switch per call
// kind.
type callChunk interface {
	Message
	Fragment() bool
	SetFragment(bool)
	chunk() []byte
	setChunk([]byte)
}

// ErrorMsg is the typed ERROR wire message (spec.md §7 "Protocol error").
type ErrorMsg struct {
	id          uint32
	Code        uint8
	Tracing     []byte
	Description string
}

func (*ErrorMsg) Type() Type        { return TypeError }
func (m *ErrorMsg) ID() uint32      { return m.id }
func (m *ErrorMsg) SetID(id uint32) { m.id = id }

// PingReqMsg and PingResMsg carry no payload.
type PingReqMsg struct{ id uint32 }

func (*PingReqMsg) Type() Type        { return TypePingReq }
func (m *PingReqMsg) ID() uint32      { return m.id }
func (m *PingReqMsg) SetID(id uint32) { m.id = id }

type PingResMsg struct{ id uint32 }

func (*PingResMsg) Type() Type        { return TypePingRes }
func (m *PingResMsg) ID() uint32      { return m.id }
func (m *PingResMsg) SetID(id uint32) { m.id = id }

// Codec encodes a Message to wire bytes and decodes wire bytes (with an
// id already stripped off by the frame layer) back into a Message
// (spec.md §6: "Codec registry: codec_for(type) -> {encode, decode}").
type Codec interface {
	Encode(msg Message) ([]byte, error)
	Decode(id uint32, payload []byte) (Message, error)
}

// Registry maps a Type to its Codec.
type Registry struct {
	codecs map[Type]Codec
}

// NewRegistry returns an empty Registry ready for RegisterCodec calls.
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[Type]Codec)}
}

// RegisterCodec installs the codec for t, replacing any previous one.
func (r *Registry) RegisterCodec(t Type, c Codec) {
	r.codecs[t] = c
}

// CodecFor returns the codec registered for t, if any.
func (r *Registry) CodecFor(t Type) (Codec, bool) {
	c, ok := r.codecs[t]
	return c, ok
}

// DefaultRegistry implements the nine core message types described in
// SPEC_FULL.md §6.1, recovered from original_source's messages/common.py
// field layout.
var DefaultRegistry = buildDefaultRegistry()

func buildDefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterCodec(TypeInitReq, initCodec{isReq: true})
	r.RegisterCodec(TypeInitRes, initCodec{isReq: false})
	r.RegisterCodec(TypeCallReq, callReqCodec{})
	r.RegisterCodec(TypeCallReqContinue, callReqContinueCodec{})
	r.RegisterCodec(TypeCallRes, callResCodec{})
	r.RegisterCodec(TypeCallResContinue, callResContinueCodec{})
	r.RegisterCodec(TypeError, errorCodec{})
	r.RegisterCodec(TypePingReq, pingReqCodec{})
	r.RegisterCodec(TypePingRes, pingResCodec{})
	return r
}

// --- init ---

type initCodec struct{ isReq bool }

func (c initCodec) Encode(msg Message) ([]byte, error) {
	var hdrs map[string]string
	var version uint16
	switch m := msg.(type) {
	case *InitReq:
		hdrs, version = m.Headers, m.Version
	case *InitRes:
		hdrs, version = m.Headers, m.Version
	default:
		return nil, ErrInvalidMessage
	}

	buf := make([]byte, 0, 16+len(hdrs)*16)
	var v [2]byte
	binary.BigEndian.PutUint16(v[:], version)
	buf = append(buf, v[:]...)

	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(hdrs)))
	buf = append(buf, n[:]...)
	for k, val := range hdrs {
		buf = appendLP16String(buf, k)
		buf = appendLP16String(buf, val)
	}
	return buf, nil
}

func (c initCodec) Decode(id uint32, payload []byte) (Message, error) {
	if len(payload) < 4 {
		return nil, ErrInvalidMessage
	}
	version := binary.BigEndian.Uint16(payload[0:2])
	count := binary.BigEndian.Uint16(payload[2:4])
	off := 4
	hdrs := make(map[string]string, count)
	for i := 0; i < int(count); i++ {
		key, n, err := readLP16String(payload[off:])
		if err != nil {
			return nil, err
		}
		off += n
		val, n, err := readLP16String(payload[off:])
		if err != nil {
			return nil, err
		}
		off += n
		hdrs[key] = val
	}

	im := InitMessage{id: id, Version: version, Headers: hdrs}
	if c.isReq {
		return &InitReq{im}, nil
	}
	return &InitRes{im}, nil
}

// --- call req / call req continue ---

type callReqCodec struct{}

func (callReqCodec) Encode(msg Message) ([]byte, error) {
	m, ok := msg.(*CallReq)
	if !ok {
		return nil, ErrInvalidMessage
	}
	buf := make([]byte, 0, 64+len(m.ArgstreamChunk))
	buf = append(buf, m.Flags)
	var ttl [4]byte
	binary.BigEndian.PutUint32(ttl[:], m.TTL)
	buf = append(buf, ttl[:]...)
	buf = appendTracing(buf, m.Tracing)
	buf = appendLP8String(buf, m.Service)
	buf = appendHeadersLP8(buf, m.Headers)
	buf = append(buf, byte(m.ChecksumType))
	if m.ChecksumType != ChecksumNone {
		m.Checksum = crc32.ChecksumIEEE(m.ArgstreamChunk)
	}
	var csum [4]byte
	binary.BigEndian.PutUint32(csum[:], m.Checksum)
	buf = append(buf, csum[:]...)
	buf = append(buf, m.ArgstreamChunk...)
	return buf, nil
}

func (callReqCodec) Decode(id uint32, payload []byte) (Message, error) {
	m := &CallReq{id: id}
	off := 0
	if len(payload) < 1+4+tracingSize+1 {
		return nil, ErrInvalidMessage
	}
	m.Flags = payload[off]
	off++
	m.TTL = binary.BigEndian.Uint32(payload[off : off+4])
	off += 4
	m.Tracing = append([]byte(nil), payload[off:off+tracingSize]...)
	off += tracingSize

	svc, n, err := readLP8String(payload[off:])
	if err != nil {
		return nil, err
	}
	m.Service = svc
	off += n

	hdrs, n, err := readHeadersLP8(payload[off:])
	if err != nil {
		return nil, err
	}
	m.Headers = hdrs
	off += n

	if off >= len(payload) {
		return nil, ErrInvalidMessage
	}
	m.ChecksumType = ChecksumType(payload[off])
	off++
	if off+4 > len(payload) {
		return nil, ErrInvalidMessage
	}
	m.Checksum = binary.BigEndian.Uint32(payload[off : off+4])
	off += 4
	m.ArgstreamChunk = append([]byte(nil), payload[off:]...)

	if err := verifyChecksum(m.ChecksumType, m.Checksum, m.ArgstreamChunk); err != nil {
		return nil, err
	}
	return m, nil
}

type callReqContinueCodec struct{}

func (callReqContinueCodec) Encode(msg Message) ([]byte, error) {
	m, ok := msg.(*CallReqContinue)
	if !ok {
		return nil, ErrInvalidMessage
	}
	return encodeContinue(m.Flags, m.ChecksumType, &m.Checksum, m.ArgstreamChunk), nil
}

func (callReqContinueCodec) Decode(id uint32, payload []byte) (Message, error) {
	m := &CallReqContinue{id: id}
	flags, ct, csum, chunk, err := decodeContinue(payload)
	if err != nil {
		return nil, err
	}
	m.Flags, m.ChecksumType, m.Checksum, m.ArgstreamChunk = flags, ct, csum, chunk
	return m, nil
}

// --- call res / call res continue ---

type callResCodec struct{}

func (callResCodec) Encode(msg Message) ([]byte, error) {
	m, ok := msg.(*CallRes)
	if !ok {
		return nil, ErrInvalidMessage
	}
	buf := make([]byte, 0, 64+len(m.ArgstreamChunk))
	buf = append(buf, m.Flags, m.Code)
	buf = appendTracing(buf, m.Tracing)
	buf = appendHeadersLP8(buf, m.Headers)
	buf = append(buf, byte(m.ChecksumType))
	if m.ChecksumType != ChecksumNone {
		m.Checksum = crc32.ChecksumIEEE(m.ArgstreamChunk)
	}
	var csum [4]byte
	binary.BigEndian.PutUint32(csum[:], m.Checksum)
	buf = append(buf, csum[:]...)
	buf = append(buf, m.ArgstreamChunk...)
	return buf, nil
}

func (callResCodec) Decode(id uint32, payload []byte) (Message, error) {
	m := &CallRes{id: id}
	off := 0
	if len(payload) < 2+tracingSize+1 {
		return nil, ErrInvalidMessage
	}
	m.Flags = payload[off]
	off++
	m.Code = payload[off]
	off++
	m.Tracing = append([]byte(nil), payload[off:off+tracingSize]...)
	off += tracingSize

	hdrs, n, err := readHeadersLP8(payload[off:])
	if err != nil {
		return nil, err
	}
	m.Headers = hdrs
	off += n

	if off >= len(payload) {
		return nil, ErrInvalidMessage
	}
	m.ChecksumType = ChecksumType(payload[off])
	off++
	if off+4 > len(payload) {
		return nil, ErrInvalidMessage
	}
	m.Checksum = binary.BigEndian.Uint32(payload[off : off+4])
	off += 4
	m.ArgstreamChunk = append([]byte(nil), payload[off:]...)

	if err := verifyChecksum(m.ChecksumType, m.Checksum, m.ArgstreamChunk); err != nil {
		return nil, err
	}
	return m, nil
}

type callResContinueCodec struct{}

func (callResContinueCodec) Encode(msg Message) ([]byte, error) {
	m, ok := msg.(*CallResContinue)
	if !ok {
		return nil, ErrInvalidMessage
	}
	return encodeContinue(m.Flags, m.ChecksumType, &m.Checksum, m.ArgstreamChunk), nil
}

func (callResContinueCodec) Decode(id uint32, payload []byte) (Message, error) {
	m := &CallResContinue{id: id}
	flags, ct, csum, chunk, err := decodeContinue(payload)
	if err != nil {
		return nil, err
	}
	m.Flags, m.ChecksumType, m.Checksum, m.ArgstreamChunk = flags, ct, csum, chunk
	return m, nil
}

// --- error ---

type errorCodec struct{}

func (errorCodec) Encode(msg Message) ([]byte, error) {
	m, ok := msg.(*ErrorMsg)
	if !ok {
		return nil, ErrInvalidMessage
	}
	buf := make([]byte, 0, 32+len(m.Description))
	buf = append(buf, m.Code)
	buf = appendTracing(buf, m.Tracing)
	buf = appendLP16String(buf, m.Description)
	return buf, nil
}

func (errorCodec) Decode(id uint32, payload []byte) (Message, error) {
	if len(payload) < 1+tracingSize {
		return nil, ErrInvalidMessage
	}
	m := &ErrorMsg{id: id}
	off := 0
	m.Code = payload[off]
	off++
	m.Tracing = append([]byte(nil), payload[off:off+tracingSize]...)
	off += tracingSize
	desc, _, err := readLP16String(payload[off:])
	if err != nil {
		return nil, err
	}
	m.Description = desc
	return m, nil
}

// --- ping ---

type pingReqCodec struct{}

func (pingReqCodec) Encode(Message) ([]byte, error) { return nil, nil }
func (pingReqCodec) Decode(id uint32, _ []byte) (Message, error) {
	return &PingReqMsg{id: id}, nil
}

type pingResCodec struct{}

func (pingResCodec) Encode(Message) ([]byte, error) { return nil, nil }
func (pingResCodec) Decode(id uint32, _ []byte) (Message, error) {
	return &PingResMsg{id: id}, nil
}

// --- shared wire helpers ---

// tracingSize is a fixed placeholder span width; distributed tracing
// context propagation rides on top of the core and is out of scope
// (spec.md §1), so this core only preserves the bytes round-trip.
const tracingSize = 25

func appendTracing(buf []byte, tracing []byte) []byte {
	var t [tracingSize]byte
	copy(t[:], tracing)
	return append(buf, t[:]...)
}

func appendLP8String(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)))
	return append(buf, s...)
}

func readLP8String(b []byte) (string, int, error) {
	if len(b) < 1 {
		return "", 0, ErrInvalidMessage
	}
	n := int(b[0])
	if len(b) < 1+n {
		return "", 0, ErrInvalidMessage
	}
	return string(b[1 : 1+n]), 1 + n, nil
}

func appendLP16String(buf []byte, s string) []byte {
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(s)))
	buf = append(buf, n[:]...)
	return append(buf, s...)
}

func readLP16String(b []byte) (string, int, error) {
	if len(b) < 2 {
		return "", 0, ErrInvalidMessage
	}
	n := int(binary.BigEndian.Uint16(b[0:2]))
	if len(b) < 2+n {
		return "", 0, ErrInvalidMessage
	}
	return string(b[2 : 2+n]), 2 + n, nil
}

func appendHeadersLP8(buf []byte, hdrs map[string]string) []byte {
	buf = append(buf, byte(len(hdrs)))
	for k, v := range hdrs {
		buf = appendLP8String(buf, k)
		buf = appendLP8String(buf, v)
	}
	return buf
}

func readHeadersLP8(b []byte) (map[string]string, int, error) {
	if len(b) < 1 {
		return nil, 0, ErrInvalidMessage
	}
	count := int(b[0])
	off := 1
	hdrs := make(map[string]string, count)
	for i := 0; i < count; i++ {
		k, n, err := readLP8String(b[off:])
		if err != nil {
			return nil, 0, err
		}
		off += n
		v, n, err := readLP8String(b[off:])
		if err != nil {
			return nil, 0, err
		}
		off += n
		hdrs[k] = v
	}
	return hdrs, off, nil
}

func encodeContinue(flags uint8, ct ChecksumType, checksum *uint32, chunk []byte) []byte {
	buf := make([]byte, 0, 6+len(chunk))
	buf = append(buf, flags, byte(ct))
	if ct != ChecksumNone {
		*checksum = crc32.ChecksumIEEE(chunk)
	}
	var csum [4]byte
	binary.BigEndian.PutUint32(csum[:], *checksum)
	buf = append(buf, csum[:]...)
	return append(buf, chunk...)
}

func decodeContinue(payload []byte) (flags uint8, ct ChecksumType, checksum uint32, chunk []byte, err error) {
	if len(payload) < 6 {
		return 0, 0, 0, nil, ErrInvalidMessage
	}
	flags = payload[0]
	ct = ChecksumType(payload[1])
	checksum = binary.BigEndian.Uint32(payload[2:6])
	chunk = append([]byte(nil), payload[6:]...)
	if err := verifyChecksum(ct, checksum, chunk); err != nil {
		return 0, 0, 0, nil, err
	}
	return flags, ct, checksum, chunk, nil
}

func verifyChecksum(ct ChecksumType, checksum uint32, chunk []byte) error {
	if ct == ChecksumNone {
		return nil
	}
	if crc32.ChecksumIEEE(chunk) != checksum {
		return ErrChecksumMismatch
	}
	return nil
}
