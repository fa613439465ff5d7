package tchannel

import "encoding/binary"

// frameHeaderSize is the number of bytes preceding the payload in an
// on-wire frame: size(2) + type(1) + id(4).
const frameHeaderSize = 7

// maxFrameSize is the largest value Size may take; size is a big-endian
// u16 so this is also the largest possible frame on the wire.
const maxFrameSize = 1<<16 - 1

// minFrameSize is frameHeaderSize: a frame with no payload still counts
// its own header in Size.
const minFrameSize = frameHeaderSize

// Frame is the smallest on-wire unit: a size-prefixed header plus an
// opaque payload carrying one message fragment.
//
// Size counts itself plus Type, ID and Payload, so
// Size == frameHeaderSize+len(Payload).
type Frame struct {
	Type    Type
	ID      uint32
	Payload []byte
}

// size returns the wire Size field for f.
func (f Frame) size() int { return frameHeaderSize + len(f.Payload) }

// encodeHeader appends just f's 7-byte header (size, type, id) to dst,
// without the payload. Used by the Writer's vectorised write path, which
// sends the header and payload as two separate buffers in one syscall.
func encodeHeader(dst []byte, f Frame) ([]byte, error) {
	size := f.size()
	if size > maxFrameSize {
		return dst, ErrFrameTooLarge
	}

	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(size))
	hdr[2] = byte(f.Type)
	binary.BigEndian.PutUint32(hdr[3:7], f.ID)

	return append(dst, hdr[:]...), nil
}

// encodeFrame appends f's full wire representation (header + payload) to dst
// and returns the result. It fails with ErrFrameTooLarge if the
// resulting frame would exceed maxFrameSize.
func encodeFrame(dst []byte, f Frame) ([]byte, error) {
	dst, err := encodeHeader(dst, f)
	if err != nil {
		return dst, err
	}
	return append(dst, f.Payload...), nil
}

// decodeSize decodes the 2-byte big-endian size prefix from buf.
func decodeSize(buf []byte) uint16 {
	return binary.BigEndian.Uint16(buf)
}

// decodeFrame decodes a full frame (header + payload) from buf, where
// len(buf) == int(decodeSize(buf)). The returned Frame's Payload aliases
// buf; callers that retain the frame beyond the lifetime of buf must copy.
func decodeFrame(buf []byte) (Frame, error) {
	if len(buf) < frameHeaderSize {
		return Frame{}, ErrInvalidMessage
	}
	f := Frame{
		Type: Type(buf[2]),
		ID:   binary.BigEndian.Uint32(buf[3:7]),
	}
	if len(buf) > frameHeaderSize {
		f.Payload = buf[frameHeaderSize:]
	}
	return f, nil
}
