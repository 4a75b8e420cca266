package gateway

import (
	"fmt"
	"log"
	"net"
	"strings"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/m-lab/ipset-gateway/metrics"
)

// replyFrameSize bounds one decoded kernel reply: nlmsghdr (16) + nlmsgerr's
// error field and echoed request header (up to another 16+16), rounded well
// above anything ipset/nf_tables actually send back for ADD/TEST/NEWSETELEM
// acknowledgements.
const replyFrameSize = 128

// Session is the process-wide handle onto one NETLINK_NETFILTER socket and
// the four (two, for whichever dialect was selected) pre-built message
// templates that back it. It is not goroutine-safe: spec.md's concurrency
// model is single-threaded and synchronous, and this type carries that
// forward as a doc comment rather than a sync.Mutex retrofit — callers
// serialize their own access.
type Session struct {
	fd     int
	portID uint32
	dest   unix.RawSockaddrNetlink // AF_NETLINK, pid 0: the kernel

	dialect dialectImpl

	// Preallocated, process-lifetime scratch reused by every Test/Stage/Flush
	// call and sliced down to the count actually in use. Sized exactly per
	// spec.md §5: the mmsghdr array at N_IP_ADD×2, the send iovec array at
	// N_IP_ADD×5×2 (the nftables two-family phase-2 worst case), and the
	// reply scratch at N_IP_ADD×2 decoded error frames.
	mmsgs      []unix.Mmsghdr
	sendIovecs []unix.Iovec
	recvIovecs []unix.Iovec
	reply      []byte
}

// Config carries the two configured set names (one per family) and the
// geographic/"tag"-address policy flag, per spec.md §6. Where these values
// come from (flags, environment, a resolver config file) is cmd/ipsetgated's
// concern, not this package's.
type Config struct {
	SetNameV4 string
	SetNameV6 string

	// AddTaggedAddresses mirrors the source's tag:chn-style policy switch:
	// whether geographically-tagged addresses are staged for insertion in
	// addition to the primary address stream. Session itself does not
	// interpret it; it is surfaced for the caller that decides what to stage.
	AddTaggedAddresses bool
}

// New opens the NETLINK_NETFILTER socket, selects a dialect from cfg, and
// builds its message templates. Socket-level failures (a Transport-kind
// condition: the environment lacks CAP_NET_ADMIN, netfilter isn't compiled
// in, etc.) are returned as an error. Set-name/family-word validation
// failures are a Configuration error per spec.md §7 and are fatal at this
// call via rtx.Must, not returned — see template.go's fatalf.
func New(cfg Config) (*Session, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_NETFILTER)
	if err != nil {
		return nil, fmt.Errorf("gateway: socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("gateway: bind: %w", err)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("gateway: getsockname: %w", err)
	}
	nlsa, ok := sa.(*unix.SockaddrNetlink)
	if !ok {
		unix.Close(fd)
		return nil, fmt.Errorf("gateway: getsockname returned %T, not *unix.SockaddrNetlink", sa)
	}
	portID := nlsa.Pid

	s := &Session{
		fd:         fd,
		portID:     portID,
		dest:       unix.RawSockaddrNetlink{Family: unix.AF_NETLINK},
		mmsgs:      make([]unix.Mmsghdr, MaxBatch*2),
		sendIovecs: make([]unix.Iovec, MaxBatch*5*2),
		recvIovecs: make([]unix.Iovec, MaxBatch*2),
		reply:      make([]byte, MaxBatch*2*replyFrameSize),
	}

	if strings.Contains(cfg.SetNameV4, "@") || strings.Contains(cfg.SetNameV6, "@") {
		log.Printf("gateway: selected nftables dialect (v4=%q v6=%q)", cfg.SetNameV4, cfg.SetNameV6)
		s.dialect = &nftDialect{
			tmpl: [2]*nftTemplate{
				FamilyV4: buildNFTemplate(FamilyV4, cfg.SetNameV4, portID),
				FamilyV6: buildNFTemplate(FamilyV6, cfg.SetNameV6, portID),
			},
		}
	} else {
		log.Printf("gateway: selected classic ipset dialect (v4=%q v6=%q)", cfg.SetNameV4, cfg.SetNameV6)
		s.dialect = &classicDialect{
			tmpl: [2]*classicTemplate{
				FamilyV4: buildClassicTemplate(FamilyV4, cfg.SetNameV4, portID),
				FamilyV6: buildClassicTemplate(FamilyV6, cfg.SetNameV6, portID),
			},
		}
	}
	return s, nil
}

// Test reports whether addr is a member of its family's set, per spec.md
// §4.3. See dialectImpl.test for the per-dialect reply-decoding rules.
func (s *Session) Test(addr net.IP) bool {
	family, raw, err := FamilyOf(addr)
	if err != nil {
		log.Printf("gateway: Test: %v", err)
		return false
	}
	member := s.dialect.test(s, family, raw)
	result := "absent"
	if member {
		result = "member"
	}
	metrics.TestTotal.WithLabelValues(family.String(), result).Inc()
	return member
}

// Stage queues addr for insertion, auto-flushing the family's batch first
// if it is already full, per spec.md §4.4.
func (s *Session) Stage(addr net.IP) error {
	family, raw, err := FamilyOf(addr)
	if err != nil {
		return err
	}
	s.dialect.stage(s, family, raw)
	return nil
}

// Flush emits all pending inserts for both families and unconditionally
// zeros the pending counters, per spec.md §4.5 / §5. It never fails a
// caller-visible return; sent/errorsLogged are purely informational.
func (s *Session) Flush() (sent int, errorsLogged int) {
	return s.dialect.flush(s)
}

// Close releases the underlying socket.
func (s *Session) Close() error {
	return unix.Close(s.fd)
}

// sendmmsg issues one batched send of msgs, logging and counting failures
// as a Transport error per spec.md §7.
func (s *Session) sendmmsg(msgs []unix.Mmsghdr) int {
	if len(msgs) == 0 {
		return 0
	}
	start := time.Now()
	n, err := unix.Sendmmsg(s.fd, msgs, 0)
	metrics.SyscallTimeHistogram.WithLabelValues("sendmmsg").Observe(time.Since(start).Seconds())
	if err != nil {
		log.Printf("gateway: sendmmsg: %v", err)
		metrics.ErrorCount.WithLabelValues("send").Inc()
		return 0
	}
	if n < len(msgs) {
		log.Printf("gateway: sendmmsg: sent %d/%d messages", n, len(msgs))
	}
	return n
}

// recvmmsg issues one nonblocking batched receive of up to len(msgs)
// replies. A would-block result (no reply pending) is not an error
// condition and is reported as n==0 with no logging.
func (s *Session) recvmmsg(msgs []unix.Mmsghdr) int {
	if len(msgs) == 0 {
		return 0
	}
	start := time.Now()
	n, err := unix.Recvmmsg(s.fd, msgs, unix.MSG_DONTWAIT, nil)
	metrics.SyscallTimeHistogram.WithLabelValues("recvmmsg").Observe(time.Since(start).Seconds())
	if err != nil {
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			log.Printf("gateway: recvmmsg: %v", err)
			metrics.ErrorCount.WithLabelValues("recv").Inc()
		}
		return 0
	}
	return n
}

// makeIovec points an Iovec at b without copying. b must outlive the
// syscall it is passed to; every caller here draws b from a template's
// backing buffer or the Session's preallocated reply scratch, both of
// which are process-lifetime.
func makeIovec(b []byte) unix.Iovec {
	var iov unix.Iovec
	if len(b) > 0 {
		iov.Base = &b[0]
	}
	iov.SetLen(len(b))
	return iov
}

// buildMsghdr assembles a Msghdr from a contiguous slice of this Session's
// iovec arrays and an optional destination address (nil for receives, which
// stay associated with the bound/connected socket).
func buildMsghdr(iov []unix.Iovec, name *unix.RawSockaddrNetlink) unix.Msghdr {
	var h unix.Msghdr
	if name != nil {
		h.Name = (*byte)(unsafe.Pointer(name))
		h.Namelen = uint32(unsafe.Sizeof(*name))
	}
	if len(iov) > 0 {
		h.Iov = &iov[0]
		h.SetIovlen(len(iov))
	}
	return h
}
