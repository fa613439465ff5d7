package tchannel

import "testing"

func TestFrameRoundTrip(t *testing.T) {
	f := Frame{Type: TypeCallReq, ID: 42, Payload: []byte("hello")}
	buf, err := encodeFrame(nil, f)
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	if len(buf) != f.size() {
		t.Fatalf("encoded length = %d, want %d", len(buf), f.size())
	}

	size := decodeSize(buf)
	if int(size) != f.size() {
		t.Fatalf("decodeSize = %d, want %d", size, f.size())
	}

	got, err := decodeFrame(buf)
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if got.Type != f.Type || got.ID != f.ID || string(got.Payload) != string(f.Payload) {
		t.Fatalf("decodeFrame = %+v, want %+v", got, f)
	}
}

func TestFrameEmptyPayloadRoundTrip(t *testing.T) {
	f := Frame{Type: TypePingReq, ID: 7}
	buf, err := encodeFrame(nil, f)
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	got, err := decodeFrame(buf)
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if len(got.Payload) != 0 {
		t.Fatalf("Payload = %v, want empty", got.Payload)
	}
}

func TestFrameHeaderOnlyMatchesFullEncode(t *testing.T) {
	f := Frame{Type: TypeCallRes, ID: 9, Payload: []byte("argstream")}
	full, err := encodeFrame(nil, f)
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	hdr, err := encodeHeader(nil, f)
	if err != nil {
		t.Fatalf("encodeHeader: %v", err)
	}
	if string(full[:frameHeaderSize]) != string(hdr) {
		t.Fatalf("encodeHeader = %v, want prefix of encodeFrame %v", hdr, full[:frameHeaderSize])
	}
}

func TestFrameTooLarge(t *testing.T) {
	f := Frame{Type: TypeCallReq, ID: 1, Payload: make([]byte, maxFrameSize)}
	if _, err := encodeFrame(nil, f); err != ErrFrameTooLarge {
		t.Fatalf("encodeFrame error = %v, want ErrFrameTooLarge", err)
	}
}

func TestDecodeFrameTooShort(t *testing.T) {
	if _, err := decodeFrame([]byte{0, 1, 2}); err != ErrInvalidMessage {
		t.Fatalf("decodeFrame error = %v, want ErrInvalidMessage", err)
	}
}
