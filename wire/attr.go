// Package wire builds and parses netlink messages by hand: length-prefixed
// headers followed by 4-byte-aligned type-length-value attributes, with
// attributes allowed to nest. It supplies exactly the primitives the
// ipset/nftables gateway needs to pre-serialize template requests and patch
// them in place on the hot path — nothing more.
package wire

import (
	"encoding/binary"

	"github.com/vishvananda/netlink/nl"
)

// Netlink message and attribute framing constants (uapi/linux/netlink.h).
const (
	NLMsgHdrLen = 16 // nlmsghdr: len(4) + type(2) + flags(2) + seq(4) + pid(4)
	NLAHdrLen   = 4  // nlattr: len(2) + type(2)
	AlignTo     = 4  // NLMSG_ALIGNTO == NLA_ALIGNTO == 4 on every arch we care about

	// NLAFNetByteorder marks an attribute payload as already network byte
	// order (uapi/linux/netlink.h NLA_F_NET_BYTEORDER).
	NLAFNetByteorder = 0x4000

	// NfGenMsgLen is sizeof(struct nfgenmsg): family(1) + version(1) + res_id(2).
	NfGenMsgLen = 4
)

// Align rounds n up to the next multiple of AlignTo.
func Align(n int) int {
	return (n + AlignTo - 1) &^ (AlignTo - 1)
}

// native is the host-byte-order codec used for nlmsg_len/nlmsg_type/nlmsg_seq
// and attribute length/type fields, which netlink always carries in host
// order regardless of the wire byte order of attribute payloads.
var native = nl.NativeEndian()

// Buffer is a growable message buffer that accumulates one or more
// concatenated netlink messages. It never reallocates past its initial
// capacity on the call paths that matter (Session preallocates one Buffer
// per family and only ever truncates-and-rewrites it).
type Buffer struct {
	b []byte
}

// NewBuffer returns a Buffer with the given starting capacity.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{b: make([]byte, 0, capacity)}
}

// Bytes returns the buffer's current contents.
func (b *Buffer) Bytes() []byte { return b.b }

// Len returns the number of bytes written so far.
func (b *Buffer) Len() int { return len(b.b) }

// Truncate resets the buffer to length n, discarding anything appended
// after it. Used (via ResetMessage) to rewind the classic ipset insert
// message back to its initial length before a new batch is staged.
func (b *Buffer) Truncate(n int) {
	b.b = b.b[:n]
}

// grow appends n zero bytes and returns the offset they start at.
func (b *Buffer) grow(n int) int {
	off := len(b.b)
	b.b = append(b.b, make([]byte, n)...)
	return off
}

// AppendHeader writes a 16-byte nlmsghdr with nlmsg_len left at the header
// size only; later AppendGenmsg/AppendAttr/OpenNested calls at this hdrOff
// grow it, and SetMsgLen pins it directly. Returns the header's offset (always the start of a
// new top-level message within this Buffer).
func (b *Buffer) AppendHeader(msgType uint16, flags uint16, seq, portID uint32) int {
	off := b.grow(NLMsgHdrLen)
	native.PutUint32(b.b[off:], uint32(NLMsgHdrLen))
	native.PutUint16(b.b[off+4:], msgType)
	native.PutUint16(b.b[off+6:], flags)
	native.PutUint32(b.b[off+8:], seq)
	native.PutUint32(b.b[off+12:], portID)
	return off
}

// AppendGenmsg writes the 4-byte nfgenmsg preamble (family, version,
// big-endian res_id) used by every netfilter-subsystem message, and bumps
// the enclosing message's nlmsg_len at hdrOff.
func (b *Buffer) AppendGenmsg(hdrOff int, family uint8, resID uint16) {
	off := b.grow(NfGenMsgLen)
	b.b[off] = family
	b.b[off+1] = 0 // NFNETLINK_V0
	binary.BigEndian.PutUint16(b.b[off+2:], resID)
	b.setMsgLen(hdrOff, len(b.b)-hdrOff)
}

// AppendAttr appends one TLV attribute (header + payload, padded to a
// 4-byte boundary) and grows the enclosing message's nlmsg_len at hdrOff.
// Returns the offset of the payload (not the TLV header).
func (b *Buffer) AppendAttr(hdrOff int, attrType uint16, data []byte) int {
	tlvOff := b.grow(NLAHdrLen)
	native.PutUint16(b.b[tlvOff:], uint16(NLAHdrLen+len(data)))
	native.PutUint16(b.b[tlvOff+2:], attrType)
	payloadOff := b.grow(len(data))
	copy(b.b[payloadOff:], data)
	pad := Align(len(data)) - len(data)
	if pad > 0 {
		b.grow(pad)
	}
	b.setMsgLen(hdrOff, len(b.b)-hdrOff)
	return payloadOff
}

// NestHandle identifies an open nested attribute awaiting CloseNested.
type NestHandle struct {
	TLVOff int // offset of the nested attribute's own TLV header
	HdrOff int // offset of the enclosing message's nlmsghdr
}

// OpenNested reserves a TLV header for a nested attribute (its length is
// unknown until the children are written) and returns a handle to close it.
func (b *Buffer) OpenNested(hdrOff int, attrType uint16) NestHandle {
	tlvOff := b.grow(NLAHdrLen)
	native.PutUint16(b.b[tlvOff:], uint16(NLAHdrLen)) // provisional, fixed by CloseNested
	native.PutUint16(b.b[tlvOff+2:], attrType)
	b.setMsgLen(hdrOff, len(b.b)-hdrOff)
	return NestHandle{TLVOff: tlvOff, HdrOff: hdrOff}
}

// CloseNested backfills the nested attribute's length from the buffer's
// current write position. It is the caller's responsibility to invoke this
// exactly once per OpenNested and only when len(b.b) has not shrunk below
// TLVOff (e.g. via Truncate) since the matching open.
func (b *Buffer) CloseNested(h NestHandle) {
	length := len(b.b) - h.TLVOff
	native.PutUint16(b.b[h.TLVOff:], uint16(length))
}

// AppendRaw copies data onto the end of the buffer verbatim, with no TLV
// framing of its own — used to duplicate a previously-built message prefix
// (e.g. the classic insert template starts as a byte-for-byte copy of the
// probe template's header+protocol+setname prefix).
func (b *Buffer) AppendRaw(data []byte) int {
	off := b.grow(len(data))
	copy(b.b[off:], data)
	return off
}

// Reserve appends n zeroed bytes without any framing and returns their
// start offset. Used to carve out the fixed-size region that Stage later
// overwrites in place with raw address bytes (the nftables dialect's
// per-address [start, end) pairs).
func (b *Buffer) Reserve(n int) int {
	return b.grow(n)
}

// ResetMessage truncates the buffer back to hdrOff+length — the message at
// hdrOff keeps exactly its first length bytes, and anything before hdrOff
// (e.g. a probe template that precedes this insert template in the same
// Buffer) is left untouched — and rewrites nlmsg_len at hdrOff to length.
// Used at the start of a new batch to forget whatever a previous Flush
// left appended past the template's initial length.
func (b *Buffer) ResetMessage(hdrOff, length int) {
	b.Truncate(hdrOff + length)
	b.setMsgLen(hdrOff, length)
}

// setMsgLen rewrites nlmsg_len for the message starting at hdrOff.
func (b *Buffer) setMsgLen(hdrOff, length int) {
	native.PutUint32(b.b[hdrOff:], uint32(length))
}

// SetMsgLen rewrites nlmsg_len for the message at hdrOff directly — used
// when a duplicated prefix's length must be pinned back to its true size
// (AppendRaw has no framing of its own to do this for the caller).
func (b *Buffer) SetMsgLen(hdrOff, length int) {
	b.setMsgLen(hdrOff, length)
}

// MsgLen returns the current nlmsg_len recorded at hdrOff.
func (b *Buffer) MsgLen(hdrOff int) int {
	return int(native.Uint32(b.b[hdrOff:]))
}

// SetMsgType rewrites the nlmsg_type field of the message at hdrOff — used
// when an insert template is duplicated from a probe template and only the
// command differs.
func (b *Buffer) SetMsgType(hdrOff int, msgType uint16) {
	native.PutUint16(b.b[hdrOff+4:], msgType)
}

// MessageEnd returns the offset of the first byte beyond the message that
// starts at hdrOff, i.e. hdrOff + nlmsg_len (messages are not separately
// padded beyond their own attribute padding — each attribute already ends
// on a 4-byte boundary).
func (b *Buffer) MessageEnd(hdrOff int) int {
	return hdrOff + b.MsgLen(hdrOff)
}

// ParseError extracts the signed errno from an error-kind reply (the
// 4-byte field immediately following the replied-to nlmsghdr, per
// struct nlmsgerr). Zero means the kernel ACKed the request.
func ParseError(reply []byte) int32 {
	if len(reply) < NLMsgHdrLen+4 {
		return 0
	}
	return int32(native.Uint32(reply[NLMsgHdrLen:]))
}

// MsgType reads nlmsg_type from a raw reply buffer.
func MsgType(reply []byte) uint16 {
	if len(reply) < NLMsgHdrLen {
		return 0
	}
	return native.Uint16(reply[4:])
}
