package gateway

import (
	"bytes"
	"fmt"
	"log"
	"testing"

	"github.com/go-test/deep"

	"github.com/m-lab/ipset-gateway/wire"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

// tlv is the independent mini-decoder these tests use to verify template
// output; it duplicates none of wire's append/nest logic.
type tlv struct {
	Type    uint16
	Payload []byte
}

func decodeTLVs(b []byte) []tlv {
	var out []tlv
	for len(b) >= wire.NLAHdrLen {
		length := int(b[0]) | int(b[1])<<8
		typ := uint16(b[2]) | uint16(b[3])<<8&0x3fff // mask off NLA_F_* flag bits
		if length < wire.NLAHdrLen || length > len(b) {
			break
		}
		out = append(out, tlv{Type: typ, Payload: append([]byte(nil), b[wire.NLAHdrLen:length]...)})
		b = b[wire.Align(length):]
	}
	return out
}

// withFatalStub replaces the package's fatalf for the duration of fn,
// recording messages instead of exiting the process.
func withFatalStub(t *testing.T) *[]string {
	t.Helper()
	var msgs []string
	orig := fatalf
	fatalf = func(format string, args ...interface{}) {
		msgs = append(msgs, fmt.Sprintf(format, args...))
	}
	t.Cleanup(func() { fatalf = orig })
	return &msgs
}

func TestValidateClassicNameRejectsTooLong(t *testing.T) {
	msgs := withFatalStub(t)
	validateClassicName(string(bytes.Repeat([]byte("a"), 32)))
	if len(*msgs) == 0 {
		t.Fatal("expected fatalf to be called for an over-length name")
	}
}

func TestClassicProbeTemplateRoundTrip(t *testing.T) {
	withFatalStub(t)
	tmpl := buildClassicTemplate(FamilyV4, "chnroute", 4242)

	probe := tmpl.buf.Bytes()[tmpl.probeHdrOff:tmpl.buf.MessageEnd(tmpl.probeHdrOff)]
	top := decodeTLVs(probe[wire.NLMsgHdrLen+wire.NfGenMsgLen:])

	if len(top) != 3 {
		t.Fatalf("decoded %d top-level attrs, want 3 (PROTOCOL, SETNAME, DATA)", len(top))
	}
	if top[0].Type != ipsetAttrProtocol || top[0].Payload[0] != ipsetProtocol {
		t.Errorf("PROTOCOL attr = %+v, want value %d", top[0], ipsetProtocol)
	}
	wantName := append([]byte("chnroute"), 0)
	if diff := deep.Equal(top[1].Payload, wantName); diff != nil {
		t.Errorf("SETNAME attr: %v", diff)
	}

	data := decodeTLVs(top[2].Payload)
	if len(data) != 1 || data[0].Type != ipsetAttrIP {
		t.Fatalf("DATA children = %+v, want one IP attr", data)
	}
	ip := decodeTLVs(data[0].Payload)
	if len(ip) != 1 || ip[0].Type != ipsetAttrIPAddrV4 {
		t.Fatalf("IP children = %+v, want one IPADDR_V4 attr", ip)
	}
	if !bytes.Equal(ip[0].Payload, make([]byte, 4)) {
		t.Errorf("probe address slot = %x, want zero-valued", ip[0].Payload)
	}

	if tmpl.probeSlotOff+4 > tmpl.buf.Len() {
		t.Fatalf("recorded probeSlotOff %d out of range", tmpl.probeSlotOff)
	}
}

func TestClassicInsertTemplateHasOpenADT(t *testing.T) {
	withFatalStub(t)
	tmpl := buildClassicTemplate(FamilyV6, "blocklist", 1)

	if tmpl.buf.MsgLen(tmpl.insertHdrOff) != tmpl.initLen {
		t.Errorf("insert nlmsg_len = %d, want initLen %d", tmpl.buf.MsgLen(tmpl.insertHdrOff), tmpl.initLen)
	}
	if tmpl.width != 16 {
		t.Errorf("width = %d, want 16 for FamilyV6", tmpl.width)
	}
	// An open, still-empty ADT nest is the last attribute of the insert
	// message: its bare TLV header ends exactly at the message end.
	if got, want := tmpl.adt.TLVOff+wire.NLAHdrLen, tmpl.buf.MessageEnd(tmpl.insertHdrOff); got != want {
		t.Errorf("ADT header ends at %d, want %d (the insert message end)", got, want)
	}
	if got := tmpl.buf.Bytes()[tmpl.adt.TLVOff+2]; got != ipsetAttrADT {
		t.Errorf("last attr type = %d, want ADT (%d)", got, ipsetAttrADT)
	}
}

func TestNFProbeTemplateRoundTrip(t *testing.T) {
	withFatalStub(t)
	tmpl := buildNFTemplate(FamilyV6, "inet@filter@blockset", 9)

	probe := tmpl.buf.Bytes()[tmpl.probeHdrOff:tmpl.buf.MessageEnd(tmpl.probeHdrOff)]
	top := decodeTLVs(probe[wire.NLMsgHdrLen+wire.NfGenMsgLen:])
	if len(top) != 3 {
		t.Fatalf("decoded %d top-level attrs, want 3 (LIST_TABLE, LIST_SET, LIST_ELEMENTS)", len(top))
	}
	if diff := deep.Equal(top[0].Payload, append([]byte("filter"), 0)); diff != nil {
		t.Errorf("LIST_TABLE: %v", diff)
	}
	if diff := deep.Equal(top[1].Payload, append([]byte("blockset"), 0)); diff != nil {
		t.Errorf("LIST_SET: %v", diff)
	}

	elems := decodeTLVs(top[2].Payload)
	if len(elems) != 1 || elems[0].Type != nftaListElem {
		t.Fatalf("LIST_ELEMENTS children = %+v, want one LIST_ELEM", elems)
	}
	key := decodeTLVs(elems[0].Payload)
	if len(key) != 1 || key[0].Type != nftaSetElemKey {
		t.Fatalf("LIST_ELEM children = %+v, want one SET_ELEM_KEY", key)
	}
	val := decodeTLVs(key[0].Payload)
	if len(val) != 1 || val[0].Type != nftaDataValue {
		t.Fatalf("SET_ELEM_KEY children = %+v, want one DATA_VALUE", val)
	}
	if !bytes.Equal(val[0].Payload, make([]byte, 16)) {
		t.Errorf("probe address slot = %x, want zero-valued 16 bytes", val[0].Payload)
	}
}

func TestNFInsertTemplateHasTwoElemsWithFlags(t *testing.T) {
	withFatalStub(t)
	tmpl := buildNFTemplate(FamilyV4, "ip@nat@egress", 9)

	insert := tmpl.buf.Bytes()[tmpl.nsHdrOff:]
	nsLen := tmpl.buf.MsgLen(tmpl.nsHdrOff)
	top := decodeTLVs(insert[wire.NLMsgHdrLen+wire.NfGenMsgLen : nsLen])
	var elemsAttr *tlv
	for i := range top {
		if top[i].Type == nftaSetElemListElements {
			elemsAttr = &top[i]
		}
	}
	if elemsAttr == nil {
		t.Fatal("NEWSETELEM has no LIST_ELEMENTS attr")
	}
	elems := decodeTLVs(elemsAttr.Payload)
	if len(elems) != 2 {
		t.Fatalf("LIST_ELEMENTS has %d children, want 2", len(elems))
	}

	first := decodeTLVs(elems[0].Payload)
	second := decodeTLVs(elems[1].Payload)
	for _, c := range first {
		if c.Type == nftaSetElemFlags {
			t.Error("first LIST_ELEM should have no ELEM_FLAGS attr")
		}
	}
	var sawFlags bool
	for _, c := range second {
		if c.Type == nftaSetElemFlags {
			sawFlags = true
			got := uint32(c.Payload[0])<<24 | uint32(c.Payload[1])<<16 | uint32(c.Payload[2])<<8 | uint32(c.Payload[3])
			if got != nftSetElemIntervalEnd {
				t.Errorf("ELEM_FLAGS = %d, want INTERVAL_END (%d)", got, nftSetElemIntervalEnd)
			}
		}
	}
	if !sawFlags {
		t.Error("second LIST_ELEM is missing ELEM_FLAGS=INTERVAL_END")
	}
}

func TestNFFamilyByte(t *testing.T) {
	cases := map[string]uint8{"ip": nfprotoIPv4, "ip6": nfprotoIPv6, "inet": nfprotoInet}
	for word, want := range cases {
		if got := nfFamilyByte(word); got != want {
			t.Errorf("nfFamilyByte(%q) = %d, want %d", word, got, want)
		}
	}
}

func TestNFFamilyByteRejectsUnknown(t *testing.T) {
	msgs := withFatalStub(t)
	nfFamilyByte("ip7")
	if len(*msgs) == 0 {
		t.Error("expected fatalf to be called for an unknown family word")
	}
}

func TestParseNFNameRejectsBadFormat(t *testing.T) {
	msgs := withFatalStub(t)
	parseNFName("notright")
	if len(*msgs) == 0 {
		t.Error("expected fatalf to be called for a name without two '@'s")
	}
}
