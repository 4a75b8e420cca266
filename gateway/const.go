// Package gateway implements the ipset/nftables kernel set-membership
// gateway: given an IPv4 or IPv6 address it asks the local packet filter
// whether the address is a set member, and batches non-members for
// insertion, over a single NETLINK_NETFILTER control-plane socket.
package gateway

import "golang.org/x/sys/unix"

// MaxBatch bounds the number of addresses accumulated per family before
// Stage auto-flushes (N_IP_ADD in the original implementation).
const MaxBatch = 10

// nfgenmsg.nfgen_family values for the nftables dialect (uapi nfnetlink.h).
const (
	nfprotoInet = 1
	nfprotoIPv4 = 2
	nfprotoIPv6 = 10
	nfprotoUnspec = unix.AF_UNSPEC
)

// Netfilter batch framing (uapi/linux/netfilter/nfnetlink.h).
const (
	nfnlMsgBatchBegin = 16
	nfnlMsgBatchEnd   = 17
)

// Subsystem ids (nlmsg_type = subsys<<8 | cmd).
const (
	nfnlSubsysIPSet    = 6
	nfnlSubsysNFTables = 10
)

// ipset commands (linux/netfilter/ipset/ip_set.h).
const (
	ipsetCmdAdd  = 9
	ipsetCmdTest = 11
)

// nf_tables set-element messages (linux/netfilter/nf_tables.h).
const (
	nftMsgNewSetElem  = 12
	nftMsgGetSetElem  = 13
)

// ipset attribute types.
const (
	ipsetAttrProtocol  = 1
	ipsetAttrSetName   = 2
	ipsetAttrData      = 7
	ipsetAttrADT       = 8
	ipsetAttrLineno    = 9
	ipsetAttrIP        = 1 // nested, inside DATA
	ipsetAttrIPAddrV4  = 1 // nested, inside IP
	ipsetAttrIPAddrV6  = 2 // nested, inside IP
)

// ipsetProtocol is the value carried by IPSET_ATTR_PROTOCOL.
const ipsetProtocol = 6

// ipsetMaxNameLen is IPSET_MAXNAMELEN, including the terminating NUL.
const ipsetMaxNameLen = 32

// nft_name max length (NFT_NAME_MAXLEN), including the terminating NUL.
const nftNameMaxLen = 256

// nf_tables set-element attribute types.
const (
	nftaSetElemListTable    = 1
	nftaSetElemListSet      = 2
	nftaSetElemListElements = 3
	nftaListElem            = 1
	nftaSetElemKey          = 1
	nftaSetElemFlags        = 3
	nftaDataValue           = 1
)

// nftSetElemIntervalEnd is the NFT_SET_ELEM_INTERVAL_END elem_flags bit.
const nftSetElemIntervalEnd = 1

// classic ipset error codes (linux/netfilter/ipset/ip_set.h), 4097..4357.
const (
	ipsetErrProtocol              = 4097
	ipsetErrFindType              = 4098
	ipsetErrMaxSets               = 4099
	ipsetErrBusy                  = 4100
	ipsetErrExistSetname2         = 4101
	ipsetErrTypeMismatch          = 4102
	ipsetErrExist                 = 4103
	ipsetErrInvalidCIDR           = 4104
	ipsetErrInvalidNetmask        = 4105
	ipsetErrInvalidFamily         = 4106
	ipsetErrTimeout               = 4107
	ipsetErrReferenced            = 4108
	ipsetErrIPAddrV4              = 4109
	ipsetErrIPAddrV6              = 4110
	ipsetErrCounter               = 4111
	ipsetErrComment               = 4112
	ipsetErrInvalidMarkmask       = 4113
	ipsetErrSkbinfo               = 4114
	ipsetErrBitmaskNetmaskExcl    = 4115
	ipsetErrHashFull              = 4352
	ipsetErrHashElem              = 4353
	ipsetErrInvalidProto          = 4354
	ipsetErrMissingProto          = 4355
	ipsetErrHashRangeUnsupported  = 4356
	ipsetErrHashRange             = 4357
)

var ipsetErrNames = map[int32]string{
	ipsetErrProtocol:             "IPSET_ERR_PROTOCOL",
	ipsetErrFindType:             "IPSET_ERR_FIND_TYPE",
	ipsetErrMaxSets:              "IPSET_ERR_MAX_SETS",
	ipsetErrBusy:                 "IPSET_ERR_BUSY",
	ipsetErrExistSetname2:        "IPSET_ERR_EXIST_SETNAME2",
	ipsetErrTypeMismatch:         "IPSET_ERR_TYPE_MISMATCH",
	ipsetErrExist:                "IPSET_ERR_EXIST",
	ipsetErrInvalidCIDR:          "IPSET_ERR_INVALID_CIDR",
	ipsetErrInvalidNetmask:       "IPSET_ERR_INVALID_NETMASK",
	ipsetErrInvalidFamily:        "IPSET_ERR_INVALID_FAMILY",
	ipsetErrTimeout:              "IPSET_ERR_TIMEOUT",
	ipsetErrReferenced:           "IPSET_ERR_REFERENCED",
	ipsetErrIPAddrV4:             "IPSET_ERR_IPADDR_IPV4",
	ipsetErrIPAddrV6:             "IPSET_ERR_IPADDR_IPV6",
	ipsetErrCounter:              "IPSET_ERR_COUNTER",
	ipsetErrComment:              "IPSET_ERR_COMMENT",
	ipsetErrInvalidMarkmask:      "IPSET_ERR_INVALID_MARKMASK",
	ipsetErrSkbinfo:              "IPSET_ERR_SKBINFO",
	ipsetErrBitmaskNetmaskExcl:   "IPSET_ERR_BITMASK_NETMASK_EXCL",
	ipsetErrHashFull:             "IPSET_ERR_HASH_FULL",
	ipsetErrHashElem:             "IPSET_ERR_HASH_ELEM",
	ipsetErrInvalidProto:         "IPSET_ERR_INVALID_PROTO",
	ipsetErrMissingProto:         "IPSET_ERR_MISSING_PROTO",
	ipsetErrHashRangeUnsupported: "IPSET_ERR_HASH_RANGE_UNSUPPORTED",
	ipsetErrHashRange:            "IPSET_ERR_HASH_RANGE",
}

// classicErrString names a classic ipset error code the way the kernel
// headers do, falling back to the raw errno's strerror for anything
// outside the ipset-specific range. errno must already be negated from
// the raw nlmsgerr.error field: the kernel delivers IPSET_ERR_* codes as
// negative values (e.g. -4103 for EXIST), but ipsetErrNames and the
// IPSET_ERR_* constants are all positive, mirroring nlmsg_errcode.
func classicErrString(errno int32) string {
	if name, ok := ipsetErrNames[errno]; ok {
		return name
	}
	return unix.Errno(errno).Error()
}

// errnoString names a standard kernel error reply from the nf_tables
// dialect (classic replies go through classicErrString): nlmsgerr carries
// -errno, so the sign is flipped back before formatting.
func errnoString(errno int32) string {
	return unix.Errno(-errno).Error()
}
