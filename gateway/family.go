package gateway

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Family distinguishes the IPv4 and IPv6 address families the gateway
// serves. There are exactly two; each Session owns one template pair per
// Family.
type Family uint8

const (
	FamilyV4 Family = iota
	FamilyV6
)

// Width returns the address width in bytes: 4 for IPv4, 16 for IPv6.
func (f Family) Width() int {
	if f == FamilyV4 {
		return 4
	}
	return 16
}

// afInet is the nfgenmsg family value for the classic dialect.
func (f Family) afInet() uint8 {
	if f == FamilyV4 {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

func (f Family) String() string {
	if f == FamilyV4 {
		return "v4"
	}
	return "v6"
}

// FamilyOf returns the Family of addr, or an error if addr is neither a
// valid 4-byte nor 16-byte IP address.
func FamilyOf(addr net.IP) (Family, []byte, error) {
	if v4 := addr.To4(); v4 != nil {
		return FamilyV4, v4, nil
	}
	if v6 := addr.To16(); v6 != nil {
		return FamilyV6, v6, nil
	}
	return 0, nil, fmt.Errorf("gateway: %v is not a valid IPv4 or IPv6 address", addr)
}
