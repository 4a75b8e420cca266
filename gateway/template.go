package gateway

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/m-lab/go/rtx"

	"github.com/m-lab/ipset-gateway/wire"
)

// fatalf reports a Configuration error (spec §7: fatal at init, never a
// returned error value). Tests replace it with a stub that records the
// message instead of exiting.
var fatalf = func(format string, args ...interface{}) {
	rtx.Must(fmt.Errorf(format, args...), "gateway: configuration error")
}

// classicTemplate holds the pre-built probe/insert message pair for one
// family under the classic ipset dialect. Both messages live in the same
// backing buffer, probe first, insert duplicated right after it — mirroring
// the original's single per-family BUFSZ(v4) buffer holding {test_req, add_req}.
type classicTemplate struct {
	buf *wire.Buffer

	probeHdrOff  int // offset of the probe (IPSET_CMD_TEST) nlmsghdr
	probeSlotOff int // offset of the probe's IPADDR payload (mutable slot)

	insertHdrOff int            // offset of the insert (IPSET_CMD_ADD) nlmsghdr
	adt          wire.NestHandle // the still-open ADT nest, closed once per flush
	initLen      int            // nlmsg_len right after ADT was opened, no elements yet

	width int
}

// validateClassicName enforces spec.md §3: name length including the NUL
// terminator must be at most IPSET_MAXNAMELEN (32). Violations are fatal
// (Configuration error, spec.md §7) via fatalf, not a returned error.
func validateClassicName(name string) {
	if len(name) == 0 {
		fatalf("gateway: set name must not be empty")
		return
	}
	if len(name)+1 > ipsetMaxNameLen {
		fatalf("gateway: set name %q exceeds max length %d", name, ipsetMaxNameLen-1)
	}
}

// buildClassicTemplate constructs the probe+insert template pair for one
// family of the classic dialect, per spec.md §4.2.
func buildClassicTemplate(family Family, name string, portID uint32) *classicTemplate {
	validateClassicName(name)

	width := family.Width()
	// Room for the probe, the insert prefix and a full MaxBatch of IPv6
	// elements (448 bytes at the longest set name), so Stage never grows it.
	buf := wire.NewBuffer(512)

	// ---- probe (IPSET_CMD_TEST) ----
	probeHdrOff := buf.AppendHeader(uint16(nfnlSubsysIPSet<<8|ipsetCmdTest), unix.NLM_F_REQUEST, 0, portID)
	buf.AppendGenmsg(probeHdrOff, family.afInet(), 0)
	buf.AppendAttr(probeHdrOff, ipsetAttrProtocol, []byte{ipsetProtocol})
	nameBytes := append([]byte(name), 0)
	buf.AppendAttr(probeHdrOff, ipsetAttrSetName, nameBytes)

	prefixLen := buf.MsgLen(probeHdrOff) // "len" in the original: header+nfh+protocol+setname, no DATA yet

	dataNest := buf.OpenNested(probeHdrOff, ipsetAttrData)
	ipNest := buf.OpenNested(probeHdrOff, ipsetAttrIP)
	addrType := ipAddrAttrType(family) | wire.NLAFNetByteorder
	probeSlotOff := buf.AppendAttr(probeHdrOff, addrType, make([]byte, width))
	buf.CloseNested(ipNest)
	buf.CloseNested(dataNest)

	// ---- insert (IPSET_CMD_ADD), duplicated from the probe's prefix ----
	prefix := append([]byte(nil), buf.Bytes()[probeHdrOff:probeHdrOff+prefixLen]...)
	insertHdrOff := buf.AppendRaw(prefix)
	buf.SetMsgLen(insertHdrOff, prefixLen)
	buf.SetMsgType(insertHdrOff, uint16(nfnlSubsysIPSet<<8|ipsetCmdAdd))

	buf.AppendAttr(insertHdrOff, ipsetAttrLineno, make([]byte, 4))
	adt := buf.OpenNested(insertHdrOff, ipsetAttrADT) // left open; closed once per Flush

	initLen := buf.MsgLen(insertHdrOff)

	return &classicTemplate{
		buf:          buf,
		probeHdrOff:  probeHdrOff,
		probeSlotOff: probeSlotOff,
		insertHdrOff: insertHdrOff,
		adt:          adt,
		initLen:      initLen,
		width:        width,
	}
}

func ipAddrAttrType(family Family) uint16 {
	if family == FamilyV4 {
		return ipsetAttrIPAddrV4
	}
	return ipsetAttrIPAddrV6
}

// nftTemplate holds the pre-built probe (GETSETELEM)/insert (batch of
// NEWSETELEM) message set for one family under the table-oriented
// nftables dialect, per spec.md §4.2.
type nftTemplate struct {
	buf *wire.Buffer

	probeHdrOff  int
	probeSlotOff int

	bbHdrOff int // BATCH_BEGIN
	nsHdrOff int // NEWSETELEM
	beHdrOff int // BATCH_END

	elem1SlotOff int // first LIST_ELEM's DATA_VALUE payload (the interval start)
	elem2SlotOff int // second LIST_ELEM's DATA_VALUE payload (the interval end)

	initLen    int // total length of batch_begin+newsetelem+batch_end
	reservedOff int // start of the N_IP_ADD*2*width raw-address region

	width int
}

// parseNFName splits "family@table@set" into its three components, per
// spec.md §4.2 / §6's set-name grammar. A malformed name is a Configuration
// error (spec.md §7): fatalf is called and the zero-valued components are
// returned so tests with a non-exiting fatalf stub can still observe it.
func parseNFName(name string) (family, table, set string) {
	parts := strings.SplitN(name, "@", 3)
	if len(parts) != 3 {
		fatalf("gateway: bad format: %q (family@table@set)", name)
		return "", "", ""
	}
	family, table, set = parts[0], parts[1], parts[2]
	for _, fieldName := range []string{"family", "table", "set"} {
		v := map[string]string{"family": family, "table": table, "set": set}[fieldName]
		if len(v) < 1 {
			fatalf("gateway: %s min length is 1: %q", fieldName, name)
			continue
		}
		if fieldName != "family" && len(v)+1 > nftNameMaxLen {
			fatalf("gateway: %s max length is %d: %q", fieldName, nftNameMaxLen-1, v)
		}
	}
	return family, table, set
}

func nfFamilyByte(word string) uint8 {
	switch word {
	case "ip":
		return nfprotoIPv4
	case "ip6":
		return nfprotoIPv6
	case "inet":
		return nfprotoInet
	default:
		fatalf("gateway: invalid family: %q (ip | ip6 | inet)", word)
		return 0
	}
}

// buildNFTemplate constructs the probe+insert template set for one family
// of the nftables dialect, per spec.md §4.2.
func buildNFTemplate(family Family, name string, portID uint32) *nftTemplate {
	familyWord, table, set := parseNFName(name)
	nfFamily := nfFamilyByte(familyWord)

	width := family.Width()
	buf := wire.NewBuffer(512)

	// ---- probe (NFT_MSG_GETSETELEM) ----
	probeHdrOff := buf.AppendHeader(uint16(nfnlSubsysNFTables<<8|nftMsgGetSetElem), unix.NLM_F_REQUEST, 0, portID)
	buf.AppendGenmsg(probeHdrOff, nfFamily, 0)
	buf.AppendAttr(probeHdrOff, nftaSetElemListTable, append([]byte(table), 0))
	buf.AppendAttr(probeHdrOff, nftaSetElemListSet, append([]byte(set), 0))

	prefixLen := buf.MsgLen(probeHdrOff) // prefix before LIST_ELEMENTS, duplicated into NEWSETELEM below

	elemsNest := buf.OpenNested(probeHdrOff, nftaSetElemListElements)
	probeSlotOff := appendNFElem(buf, probeHdrOff, width, 0)
	buf.CloseNested(elemsNest)

	// ---- insert: BATCH_BEGIN, NEWSETELEM (two elems), BATCH_END ----
	bbHdrOff := buf.AppendHeader(nfnlMsgBatchBegin, unix.NLM_F_REQUEST, 0, portID)
	buf.AppendGenmsg(bbHdrOff, nfprotoUnspec, nfnlSubsysNFTables)

	prefix := append([]byte(nil), buf.Bytes()[probeHdrOff:probeHdrOff+prefixLen]...)
	nsHdrOff := buf.AppendRaw(prefix)
	buf.SetMsgLen(nsHdrOff, prefixLen)
	buf.SetMsgType(nsHdrOff, uint16(nfnlSubsysNFTables<<8|nftMsgNewSetElem))

	nsElemsNest := buf.OpenNested(nsHdrOff, nftaSetElemListElements)
	elem1SlotOff := appendNFElem(buf, nsHdrOff, width, 0)
	elem2SlotOff := appendNFElem(buf, nsHdrOff, width, nftSetElemIntervalEnd)
	buf.CloseNested(nsElemsNest)

	beHdrOff := buf.AppendHeader(nfnlMsgBatchEnd, unix.NLM_F_REQUEST, 0, portID)
	buf.AppendGenmsg(beHdrOff, nfprotoUnspec, nfnlSubsysNFTables)

	initLen := buf.MessageEnd(beHdrOff) - bbHdrOff
	reservedOff := buf.Reserve(MaxBatch * 2 * width)

	return &nftTemplate{
		buf:          buf,
		probeHdrOff:  probeHdrOff,
		probeSlotOff: probeSlotOff,
		bbHdrOff:     bbHdrOff,
		nsHdrOff:     nsHdrOff,
		beHdrOff:     beHdrOff,
		elem1SlotOff: elem1SlotOff,
		elem2SlotOff: elem2SlotOff,
		initLen:      initLen,
		reservedOff:  reservedOff,
		width:        width,
	}
}

// appendNFElem appends one LIST_ELEM { [ELEM_FLAGS] KEY { DATA_VALUE } }
// child to the LIST_ELEMENTS nest currently open at hdrOff, and returns the
// offset of the DATA_VALUE payload (the mutable address slot).
func appendNFElem(buf *wire.Buffer, hdrOff int, width int, flags uint32) int {
	elemNest := buf.OpenNested(hdrOff, nftaListElem)
	if flags != 0 {
		be := []byte{byte(flags >> 24), byte(flags >> 16), byte(flags >> 8), byte(flags)}
		buf.AppendAttr(hdrOff, nftaSetElemFlags, be)
	}
	keyNest := buf.OpenNested(hdrOff, nftaSetElemKey)
	slot := buf.AppendAttr(hdrOff, nftaDataValue|wire.NLAFNetByteorder, make([]byte, width))
	buf.CloseNested(keyNest)
	buf.CloseNested(elemNest)
	return slot
}
