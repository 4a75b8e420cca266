package gateway

import (
	"log"

	"golang.org/x/sys/unix"

	"github.com/m-lab/ipset-gateway/metrics"
	"github.com/m-lab/ipset-gateway/wire"
)

// dialectImpl is the sealed variant DESIGN NOTES §9 calls for: exactly two
// unexported implementations (classicDialect, nftDialect), dispatched from
// Session in place of the original's three function pointers.
type dialectImpl interface {
	test(s *Session, family Family, addr []byte) bool
	stage(s *Session, family Family, addr []byte)
	flush(s *Session) (sent int, errorsLogged int)
}

// incrementBigEndian computes the big-endian successor of addr in place:
// iterate least-significant byte first, stop at the first byte that does
// not wrap to zero. If every byte wraps, addr is left all-zero — spec.md
// §4.4 requires this exact, unhandled behavior, matching the original.
// TODO: an all-zero "end" makes the staged interval [addr, 0), which wraps
// the entire address space; neither spec.md nor the original source special-
// cases it, so neither does this.
func incrementBigEndian(addr []byte) {
	for i := len(addr) - 1; i >= 0; i-- {
		addr[i]++
		if addr[i] != 0 {
			return
		}
	}
}

// classicDialect implements the fixed-set ipset dialect: one pending
// counter per family, inserts accumulated as DATA/IP/IPADDR children of an
// insert template's still-open ADT nest.
type classicDialect struct {
	tmpl    [2]*classicTemplate
	pending [2]int
}

func (d *classicDialect) test(s *Session, family Family, addr []byte) bool {
	t := d.tmpl[family]
	copy(t.buf.Bytes()[t.probeSlotOff:t.probeSlotOff+t.width], addr)

	s.sendIovecs[0] = makeIovec(t.buf.Bytes()[t.probeHdrOff:t.buf.MessageEnd(t.probeHdrOff)])
	s.mmsgs[0].Hdr = buildMsghdr(s.sendIovecs[:1], &s.dest)
	if n := s.sendmmsg(s.mmsgs[:1]); n < 1 {
		return false
	}

	s.recvIovecs[0] = makeIovec(s.reply[:replyFrameSize])
	s.mmsgs[0].Hdr = buildMsghdr(s.recvIovecs[:1], nil)
	n := s.recvmmsg(s.mmsgs[:1])
	if n == 0 {
		// No reply: the kernel sends no ACK for a successful TEST, so
		// absence of a reply means the address is present.
		return true
	}

	frame := s.reply[:s.mmsgs[0].Len]
	if errno := -wire.ParseError(frame); errno != 0 {
		if errno != ipsetErrExist {
			log.Printf("gateway: classic test on %s: %s", family, classicErrString(errno))
			metrics.ErrorCount.WithLabelValues("kernel").Inc()
		}
	}
	return false
}

func (d *classicDialect) stage(s *Session, family Family, addr []byte) {
	if d.pending[family] == MaxBatch {
		s.Flush()
	}
	t := d.tmpl[family]
	if d.pending[family] == 0 {
		t.buf.ResetMessage(t.insertHdrOff, t.initLen)
	}
	dataNest := t.buf.OpenNested(t.insertHdrOff, ipsetAttrData)
	ipNest := t.buf.OpenNested(t.insertHdrOff, ipsetAttrIP)
	t.buf.AppendAttr(t.insertHdrOff, ipAddrAttrType(family)|wire.NLAFNetByteorder, addr)
	t.buf.CloseNested(ipNest)
	t.buf.CloseNested(dataNest)
	d.pending[family]++
	metrics.StageTotal.WithLabelValues(family.String()).Inc()
}

func (d *classicDialect) flush(s *Session) (sent int, errorsLogged int) {
	for _, fam := range []Family{FamilyV4, FamilyV6} {
		metrics.FlushBatchSizeHistogram.WithLabelValues(fam.String()).Observe(float64(d.pending[fam]))
	}
	defer func() { d.pending[FamilyV4] = 0; d.pending[FamilyV6] = 0 }()

	var order []Family
	n := 0
	for _, fam := range []Family{FamilyV4, FamilyV6} {
		if d.pending[fam] == 0 {
			continue
		}
		t := d.tmpl[fam]
		t.buf.CloseNested(t.adt)
		s.sendIovecs[n] = makeIovec(t.buf.Bytes()[t.insertHdrOff:t.buf.MessageEnd(t.insertHdrOff)])
		s.mmsgs[n].Hdr = buildMsghdr(s.sendIovecs[n:n+1], &s.dest)
		order = append(order, fam)
		n++
	}
	if n == 0 {
		return 0, 0
	}

	sentN := s.sendmmsg(s.mmsgs[:n])
	if sentN == 0 {
		return 0, 0
	}

	for i := 0; i < sentN; i++ {
		s.recvIovecs[i] = makeIovec(s.reply[i*replyFrameSize : (i+1)*replyFrameSize])
		s.mmsgs[i].Hdr = buildMsghdr(s.recvIovecs[i:i+1], nil)
	}
	rn := s.recvmmsg(s.mmsgs[:sentN])
	for i := 0; i < rn; i++ {
		frame := s.reply[i*replyFrameSize : i*replyFrameSize+int(s.mmsgs[i].Len)]
		if errno := -wire.ParseError(frame); errno != 0 {
			log.Printf("gateway: classic add on %s: %s", order[i], classicErrString(errno))
			metrics.ErrorCount.WithLabelValues("kernel").Inc()
			errorsLogged++
		}
	}
	metrics.FlushTotal.Inc()
	return sentN, errorsLogged
}

// nftDialect implements the table-oriented, range-interval nf_tables
// dialect: addresses are staged as raw [start, end) byte pairs in a
// reserved region of the insert buffer and flushed in the two-phase
// existence-probe-then-insert sequence of spec.md §4.5.
type nftDialect struct {
	tmpl    [2]*nftTemplate
	pending [2]int
}

func (d *nftDialect) test(s *Session, family Family, addr []byte) bool {
	t := d.tmpl[family]
	copy(t.buf.Bytes()[t.probeSlotOff:t.probeSlotOff+t.width], addr)

	s.sendIovecs[0] = makeIovec(t.buf.Bytes()[t.probeHdrOff:t.buf.MessageEnd(t.probeHdrOff)])
	s.mmsgs[0].Hdr = buildMsghdr(s.sendIovecs[:1], &s.dest)
	if n := s.sendmmsg(s.mmsgs[:1]); n < 1 {
		return false
	}

	s.recvIovecs[0] = makeIovec(s.reply[:replyFrameSize])
	s.mmsgs[0].Hdr = buildMsghdr(s.recvIovecs[:1], nil)
	n := s.recvmmsg(s.mmsgs[:1])
	if n == 0 {
		return false
	}

	frame := s.reply[:s.mmsgs[0].Len]
	if wire.MsgType(frame) == uint16(nfnlSubsysNFTables<<8|nftMsgNewSetElem) {
		return true
	}
	if errno := wire.ParseError(frame); errno != 0 && errno != -int32(unix.ENOENT) {
		log.Printf("gateway: nftables test on %s: %s", family, errnoString(errno))
		metrics.ErrorCount.WithLabelValues("kernel").Inc()
	}
	return false
}

func (d *nftDialect) stage(s *Session, family Family, addr []byte) {
	if d.pending[family] == MaxBatch {
		s.Flush()
	}
	t := d.tmpl[family]
	idx := d.pending[family]
	width := t.width
	slotOff := t.reservedOff + idx*2*width
	buf := t.buf.Bytes()
	copy(buf[slotOff:slotOff+width], addr)
	copy(buf[slotOff+width:slotOff+2*width], addr)
	incrementBigEndian(buf[slotOff+width : slotOff+2*width])
	d.pending[family]++
	metrics.StageTotal.WithLabelValues(family.String()).Inc()
}

// nftPending identifies one staged address by family and batch index.
type nftPending struct {
	family Family
	idx    int
}

func (d *nftDialect) flush(s *Session) (sent int, errorsLogged int) {
	for _, fam := range []Family{FamilyV4, FamilyV6} {
		metrics.FlushBatchSizeHistogram.WithLabelValues(fam.String()).Observe(float64(d.pending[fam]))
	}
	defer func() { d.pending[FamilyV4] = 0; d.pending[FamilyV6] = 0 }()

	var entries []nftPending
	n := 0
	for _, fam := range []Family{FamilyV4, FamilyV6} {
		t := d.tmpl[fam]
		width := t.width
		for idx := 0; idx < d.pending[fam]; idx++ {
			slotOff := t.reservedOff + idx*2*width
			buf := t.buf.Bytes()
			s.sendIovecs[2*n] = makeIovec(buf[t.probeHdrOff:t.probeSlotOff])
			s.sendIovecs[2*n+1] = makeIovec(buf[slotOff : slotOff+width])
			s.mmsgs[n].Hdr = buildMsghdr(s.sendIovecs[2*n:2*n+2], &s.dest)
			entries = append(entries, nftPending{fam, idx})
			n++
		}
	}
	if n == 0 {
		return 0, 0
	}

	sent1 := s.sendmmsg(s.mmsgs[:n])
	if sent1 == 0 {
		return 0, 0
	}

	for i := 0; i < sent1; i++ {
		s.recvIovecs[i] = makeIovec(s.reply[i*replyFrameSize : (i+1)*replyFrameSize])
		s.mmsgs[i].Hdr = buildMsghdr(s.recvIovecs[i:i+1], nil)
	}
	rn1 := s.recvmmsg(s.mmsgs[:sent1])
	present := make([]bool, sent1)
	for i := 0; i < rn1; i++ {
		frame := s.reply[i*replyFrameSize : i*replyFrameSize+int(s.mmsgs[i].Len)]
		if wire.MsgType(frame) == uint16(nfnlSubsysNFTables<<8|nftMsgNewSetElem) {
			present[i] = true
		}
	}

	var toInsert []nftPending
	m := 0
	for i := 0; i < sent1; i++ {
		if present[i] {
			continue
		}
		e := entries[i]
		t := d.tmpl[e.family]
		width := t.width
		slotOff := t.reservedOff + e.idx*2*width
		buf := t.buf.Bytes()
		s.sendIovecs[5*m+0] = makeIovec(buf[t.bbHdrOff:t.elem1SlotOff])
		s.sendIovecs[5*m+1] = makeIovec(buf[slotOff : slotOff+width])
		s.sendIovecs[5*m+2] = makeIovec(buf[t.elem1SlotOff+width : t.elem2SlotOff])
		s.sendIovecs[5*m+3] = makeIovec(buf[slotOff+width : slotOff+2*width])
		s.sendIovecs[5*m+4] = makeIovec(buf[t.elem2SlotOff+width : t.buf.MessageEnd(t.beHdrOff)])
		s.mmsgs[m].Hdr = buildMsghdr(s.sendIovecs[5*m:5*m+5], &s.dest)
		toInsert = append(toInsert, e)
		m++
	}
	if m == 0 {
		metrics.FlushTotal.Inc()
		return sent1, 0
	}

	sent2 := s.sendmmsg(s.mmsgs[:m])
	if sent2 == 0 {
		metrics.FlushTotal.Inc()
		return sent1, 0
	}

	for i := 0; i < sent2; i++ {
		s.recvIovecs[i] = makeIovec(s.reply[i*replyFrameSize : (i+1)*replyFrameSize])
		s.mmsgs[i].Hdr = buildMsghdr(s.recvIovecs[i:i+1], nil)
	}
	rn2 := s.recvmmsg(s.mmsgs[:sent2])
	for i := 0; i < rn2; i++ {
		frame := s.reply[i*replyFrameSize : i*replyFrameSize+int(s.mmsgs[i].Len)]
		if errno := wire.ParseError(frame); errno != 0 {
			log.Printf("gateway: nftables insert on %s: %s", toInsert[i].family, errnoString(errno))
			metrics.ErrorCount.WithLabelValues("kernel").Inc()
			errorsLogged++
		}
	}
	metrics.FlushTotal.Inc()
	return sent1 + sent2, errorsLogged
}
