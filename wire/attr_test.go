package wire_test

import (
	"log"
	"testing"

	"github.com/go-test/deep"

	"github.com/m-lab/ipset-gateway/wire"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

// decodedAttr is the independent mini-decoder this test uses to verify
// wire's own encoding — it walks a TLV list without relying on any of
// wire's append/nest helpers, so a bug shared between encoder and decoder
// is unlikely to cancel out.
type decodedAttr struct {
	Type    uint16
	Payload []byte
}

func decodeAttrs(b []byte) []decodedAttr {
	var out []decodedAttr
	for len(b) >= wire.NLAHdrLen {
		length := int(le16(b[0:2]))
		typ := le16(b[2:4])
		if length < wire.NLAHdrLen || length > len(b) {
			break
		}
		out = append(out, decodedAttr{Type: typ, Payload: append([]byte(nil), b[wire.NLAHdrLen:length]...)})
		b = b[wire.Align(length):]
	}
	return out
}

// le16 decodes a little-endian uint16; this test always runs on
// little-endian hosts (amd64/arm64 CI), matching the native-order
// assumption wire itself makes via nl.NativeEndian().
func le16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func TestAppendHeaderAndGenmsg(t *testing.T) {
	buf := wire.NewBuffer(64)
	hdrOff := buf.AppendHeader(42, 7, 99, 1234)
	buf.AppendGenmsg(hdrOff, 2, 6)

	if got, want := buf.MsgLen(hdrOff), wire.NLMsgHdrLen+wire.NfGenMsgLen; got != want {
		t.Errorf("MsgLen = %d, want %d", got, want)
	}
	if got, want := buf.MessageEnd(hdrOff), wire.NLMsgHdrLen+wire.NfGenMsgLen; got != want {
		t.Errorf("MessageEnd = %d, want %d", got, want)
	}
}

func TestAppendAttrAligns(t *testing.T) {
	buf := wire.NewBuffer(64)
	hdrOff := buf.AppendHeader(1, 0, 0, 0)

	// A 1-byte payload should still consume a 4-byte-aligned slot.
	buf.AppendAttr(hdrOff, 5, []byte{0xff})
	if got, want := buf.MsgLen(hdrOff), wire.NLMsgHdrLen+wire.Align(wire.NLAHdrLen+1); got != want {
		t.Errorf("MsgLen after 1-byte attr = %d, want %d", got, want)
	}

	attrs := decodeAttrs(buf.Bytes()[hdrOff+wire.NLMsgHdrLen:])
	if len(attrs) != 1 {
		t.Fatalf("decoded %d attrs, want 1", len(attrs))
	}
	if diff := deep.Equal(attrs[0], decodedAttr{Type: 5, Payload: []byte{0xff}}); diff != nil {
		t.Error(diff)
	}
}

func TestNestedAttr(t *testing.T) {
	buf := wire.NewBuffer(64)
	hdrOff := buf.AppendHeader(1, 0, 0, 0)

	outer := buf.OpenNested(hdrOff, 10)
	buf.AppendAttr(hdrOff, 1, []byte{1, 2, 3, 4})
	buf.AppendAttr(hdrOff, 2, []byte{5, 6, 7, 8})
	buf.CloseNested(outer)

	attrs := decodeAttrs(buf.Bytes()[hdrOff+wire.NLMsgHdrLen:])
	if len(attrs) != 1 {
		t.Fatalf("decoded %d top-level attrs, want 1", len(attrs))
	}
	if attrs[0].Type != 10 {
		t.Errorf("outer type = %d, want 10", attrs[0].Type)
	}
	children := decodeAttrs(attrs[0].Payload)
	want := []decodedAttr{
		{Type: 1, Payload: []byte{1, 2, 3, 4}},
		{Type: 2, Payload: []byte{5, 6, 7, 8}},
	}
	if diff := deep.Equal(children, want); diff != nil {
		t.Error(diff)
	}
}

func TestParseErrorOnShortReply(t *testing.T) {
	if errno := wire.ParseError(nil); errno != 0 {
		t.Errorf("ParseError(nil) = %d, want 0", errno)
	}
	if errno := wire.ParseError(make([]byte, wire.NLMsgHdrLen)); errno != 0 {
		t.Errorf("ParseError(header-only) = %d, want 0", errno)
	}
}

func TestResetMessage(t *testing.T) {
	buf := wire.NewBuffer(64)
	hdrOff := buf.AppendHeader(1, 0, 0, 0)
	buf.AppendAttr(hdrOff, 1, []byte{1, 2, 3, 4})
	afterOne := buf.MsgLen(hdrOff)

	buf.AppendAttr(hdrOff, 2, []byte{5, 6, 7, 8})
	if buf.MsgLen(hdrOff) == afterOne {
		t.Fatal("second AppendAttr did not grow nlmsg_len")
	}

	buf.ResetMessage(hdrOff, afterOne)
	if got := buf.MsgLen(hdrOff); got != afterOne {
		t.Errorf("MsgLen after ResetMessage = %d, want %d", got, afterOne)
	}
	attrs := decodeAttrs(buf.Bytes()[hdrOff+wire.NLMsgHdrLen:])
	if len(attrs) != 1 {
		t.Fatalf("decoded %d attrs after reset, want 1", len(attrs))
	}
}
