// Package eth provides Ethernet frame inspection and header building for a
// user-space network stack. Header encoding, decoding and checksums are
// built on github.com/google/netstack/tcpip/header; this package adds frame
// attachment, address conversions and the pseudo-header checksums the
// transport layers need.
package eth

import (
	"net/netip"

	"github.com/google/netstack/tcpip"
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

// EtherType aliases the netstack network protocol number; the two EtherTypes
// this stack dispatches on are EtherTypeIPv4 and EtherTypeARP.
type EtherType = tcpip.NetworkProtocolNumber

const (
	EtherTypeIPv4 EtherType = header.IPv4ProtocolNumber // 0x0800
	EtherTypeARP  EtherType = header.ARPProtocolNumber  // 0x0806
)

// Header sizes without options.
const (
	SizeEthernetHeader = header.EthernetMinimumSize
	SizeIPv4Header     = header.IPv4MinimumSize
	SizeTCPHeader      = header.TCPMinimumSize
	SizeUDPHeader      = header.UDPMinimumSize
	SizeARPPayload     = header.ARPSize
)

// IP protocol numbers carried in the IPv4 header.
const (
	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

var (
	ErrShortFrame = errors.New("ethernet frame too short")
)

// Frame is a raw Ethernet II frame attached to a byte slice. The zero value
// is not usable; obtain one through Attach.
type Frame []byte

// Attach validates that b is large enough to hold an Ethernet header and
// returns it as a Frame. The underlying array is shared, not copied.
func Attach(b []byte) (Frame, error) {
	if len(b) < SizeEthernetHeader {
		return nil, ErrShortFrame
	}
	return Frame(b), nil
}

// Destination returns the destination MAC of the frame.
func (f Frame) Destination() (mac [6]byte) {
	copy(mac[:], header.Ethernet(f).DestinationAddress())
	return mac
}

// Source returns the source MAC of the frame.
func (f Frame) Source() (mac [6]byte) {
	copy(mac[:], header.Ethernet(f).SourceAddress())
	return mac
}

// EtherType returns the frame's EtherType field.
func (f Frame) EtherType() EtherType {
	return header.Ethernet(f).Type()
}

// Payload returns the bytes following the Ethernet header.
func (f Frame) Payload() []byte { return f[SizeEthernetHeader:] }

// PutEthernetHeader writes an Ethernet header to dst.
func PutEthernetHeader(dst []byte, srcMAC, dstMAC [6]byte, etype EtherType) {
	header.Ethernet(dst).Encode(&header.EthernetFields{
		SrcAddr: tcpip.LinkAddress(srcMAC[:]),
		DstAddr: tcpip.LinkAddress(dstMAC[:]),
		Type:    etype,
	})
}

// BroadcastHW6 returns the broadcast hardware address ff:ff:...
func BroadcastHW6() [6]byte {
	return [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
}

// IsBroadcastHW returns true if mac is the broadcast hardware address.
func IsBroadcastHW(mac [6]byte) bool {
	return mac == BroadcastHW6()
}

// AddrTo4 converts a netip address to the netstack address representation.
func AddrTo4(addr netip.Addr) tcpip.Address {
	a4 := addr.As4()
	return tcpip.Address(a4[:])
}

// AddrFrom4 converts a netstack address back into a netip one. Non-IPv4
// addresses yield the zero Addr.
func AddrFrom4(addr tcpip.Address) netip.Addr {
	if len(addr) != 4 {
		return netip.Addr{}
	}
	return netip.AddrFrom4([4]byte([]byte(addr)))
}
