package eth

import (
	"encoding/binary"
	"net/netip"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"

	"github.com/ustack/ustack"
)

var (
	ErrShortPacket  = errors.New("packet too short")
	ErrBadChecksum  = errors.New("bad checksum")
	ErrBadIPHeader  = errors.New("bad IPv4 header")
	ErrNotIPv4      = errors.New("IP version not supported")
	ErrBadTCPOffset = errors.New("invalid TCP data offset")
)

// PseudoHeaderChecksum computes the partial checksum of the IPv4
// pseudo-header used by TCP and UDP: source, destination, zero, protocol
// and transport length.
func PseudoHeaderChecksum(protocol uint8, src, dst netip.Addr, transportLen uint16) uint16 {
	var ph [12]byte
	s4 := src.As4()
	d4 := dst.As4()
	copy(ph[0:4], s4[:])
	copy(ph[4:8], d4[:])
	ph[9] = protocol
	binary.BigEndian.PutUint16(ph[10:12], transportLen)
	return header.Checksum(ph[:], 0)
}

// TCPPacket describes one parsed TCP segment extracted from an IPv4
// datagram, addressed with the stack's own value types.
type TCPPacket struct {
	SrcAddr netip.Addr
	DstAddr netip.Addr
	SrcPort uint16
	DstPort uint16
	Seg     ustack.Segment
	Payload []byte
}

// ParseTCPPacket parses and checksums the TCP segment held in an IPv4
// payload. src and dst come from the enclosing IPv4 header.
func ParseTCPPacket(src, dst netip.Addr, ipPayload []byte) (TCPPacket, error) {
	if len(ipPayload) < SizeTCPHeader {
		return TCPPacket{}, errors.Wrap(ErrShortPacket, "tcp")
	}
	tcp := header.TCP(ipPayload)
	offset := int(tcp.DataOffset())
	if offset < SizeTCPHeader || offset > len(ipPayload) {
		return TCPPacket{}, ErrBadTCPOffset
	}
	xsum := PseudoHeaderChecksum(ProtoTCP, src, dst, uint16(len(ipPayload)))
	if header.Checksum(ipPayload, xsum) != 0xffff {
		return TCPPacket{}, errors.Wrap(ErrBadChecksum, "tcp")
	}
	payload := ipPayload[offset:]
	pkt := TCPPacket{
		SrcAddr: src,
		DstAddr: dst,
		SrcPort: tcp.SourcePort(),
		DstPort: tcp.DestinationPort(),
		Seg: ustack.Segment{
			SEQ:     ustack.Value(tcp.SequenceNumber()),
			ACK:     ustack.Value(tcp.AckNumber()),
			WND:     ustack.Size(tcp.WindowSize()),
			Flags:   ustack.Flags(tcp.Flags()),
			DATALEN: ustack.Size(len(payload)),
		},
		Payload: payload,
	}
	return pkt, nil
}

// PutTCPFrame writes a full Ethernet+IPv4+TCP frame without options to dst
// and returns the number of bytes written. The TCP flag bit layout of
// ustack.Flags matches the on-wire encoding so the conversion is direct.
func PutTCPFrame(dst []byte, srcMAC, dstMAC [6]byte, src, dst4 netip.Addr, srcPort, dstPort uint16, ipID uint16, seg ustack.Segment, payload []byte) int {
	const hdrLen = SizeEthernetHeader + SizeIPv4Header + SizeTCPHeader
	total := hdrLen + len(payload)
	if len(dst) < total {
		panic("short TCP frame buffer")
	}
	PutEthernetHeader(dst, srcMAC, dstMAC, EtherTypeIPv4)
	putIPv4Header(dst[SizeEthernetHeader:], src, dst4, ProtoTCP, ipID, SizeTCPHeader+len(payload))

	tcp := header.TCP(dst[SizeEthernetHeader+SizeIPv4Header:])
	tcp.Encode(&header.TCPFields{
		SrcPort:    srcPort,
		DstPort:    dstPort,
		SeqNum:     uint32(seg.SEQ),
		AckNum:     uint32(seg.ACK),
		DataOffset: SizeTCPHeader,
		Flags:      uint8(seg.Flags),
		WindowSize: uint16(seg.WND),
		Checksum:   0,
	})
	copy(dst[hdrLen:total], payload)
	xsum := PseudoHeaderChecksum(ProtoTCP, src, dst4, uint16(SizeTCPHeader+len(payload)))
	xsum = header.Checksum(dst[SizeEthernetHeader+SizeIPv4Header:total], xsum)
	tcp.SetChecksum(^xsum)
	return total
}

// UDPPacket is one parsed UDP datagram.
type UDPPacket struct {
	SrcAddr netip.Addr
	DstAddr netip.Addr
	SrcPort uint16
	DstPort uint16
	Payload []byte
}

// ParseUDPPacket parses and checksums the UDP datagram held in an IPv4
// payload.
func ParseUDPPacket(src, dst netip.Addr, ipPayload []byte) (UDPPacket, error) {
	if len(ipPayload) < SizeUDPHeader {
		return UDPPacket{}, errors.Wrap(ErrShortPacket, "udp")
	}
	udp := header.UDP(ipPayload)
	if int(udp.Length()) < SizeUDPHeader || int(udp.Length()) > len(ipPayload) {
		return UDPPacket{}, errors.Wrap(ErrShortPacket, "udp length")
	}
	if udp.Checksum() != 0 { // Zero checksum means unset for IPv4 UDP.
		xsum := PseudoHeaderChecksum(ProtoUDP, src, dst, udp.Length())
		if header.Checksum(ipPayload[:udp.Length()], xsum) != 0xffff {
			return UDPPacket{}, errors.Wrap(ErrBadChecksum, "udp")
		}
	}
	return UDPPacket{
		SrcAddr: src,
		DstAddr: dst,
		SrcPort: udp.SourcePort(),
		DstPort: udp.DestinationPort(),
		Payload: ipPayload[SizeUDPHeader:udp.Length()],
	}, nil
}

// PutUDPFrame writes a full Ethernet+IPv4+UDP frame to dst and returns the
// number of bytes written.
func PutUDPFrame(dst []byte, srcMAC, dstMAC [6]byte, src, dst4 netip.Addr, srcPort, dstPort uint16, ipID uint16, payload []byte) int {
	const hdrLen = SizeEthernetHeader + SizeIPv4Header + SizeUDPHeader
	total := hdrLen + len(payload)
	if len(dst) < total {
		panic("short UDP frame buffer")
	}
	PutEthernetHeader(dst, srcMAC, dstMAC, EtherTypeIPv4)
	putIPv4Header(dst[SizeEthernetHeader:], src, dst4, ProtoUDP, ipID, SizeUDPHeader+len(payload))

	udpLen := uint16(SizeUDPHeader + len(payload))
	udp := header.UDP(dst[SizeEthernetHeader+SizeIPv4Header:])
	udp.Encode(&header.UDPFields{
		SrcPort:  srcPort,
		DstPort:  dstPort,
		Length:   udpLen,
		Checksum: 0,
	})
	copy(dst[hdrLen:total], payload)
	xsum := PseudoHeaderChecksum(ProtoUDP, src, dst4, udpLen)
	xsum = header.Checksum(dst[SizeEthernetHeader+SizeIPv4Header:total], xsum)
	udp.SetChecksum(^xsum)
	return total
}

// IPv4Info carries the fields of a validated IPv4 header that the upper
// layers care about.
type IPv4Info struct {
	Src      netip.Addr
	Dst      netip.Addr
	Protocol uint8
}

// ParseIPv4 validates the IPv4 header at the start of b and returns its
// addressing info and payload. Fragmented datagrams are not reassembled and
// are rejected by the caller.
func ParseIPv4(b []byte) (IPv4Info, []byte, error) {
	if len(b) < SizeIPv4Header {
		return IPv4Info{}, nil, errors.Wrap(ErrShortPacket, "ipv4")
	}
	if header.IPVersion(b) != 4 {
		return IPv4Info{}, nil, ErrNotIPv4
	}
	ip := header.IPv4(b)
	if !ip.IsValid(len(b)) {
		return IPv4Info{}, nil, ErrBadIPHeader
	}
	if ip.CalculateChecksum() != 0xffff {
		return IPv4Info{}, nil, errors.Wrap(ErrBadChecksum, "ipv4 header")
	}
	hlen := int(ip.HeaderLength())
	tlen := int(ip.TotalLength())
	if tlen < hlen || tlen > len(b) {
		return IPv4Info{}, nil, ErrBadIPHeader
	}
	info := IPv4Info{
		Src:      AddrFrom4(ip.SourceAddress()),
		Dst:      AddrFrom4(ip.DestinationAddress()),
		Protocol: ip.Protocol(),
	}
	return info, b[hlen:tlen], nil
}

// IsFragment reports whether the IPv4 header at the start of b describes a
// fragment of a larger datagram (more-fragments set or nonzero offset).
func IsFragment(b []byte) bool {
	ip := header.IPv4(b)
	return ip.FragmentOffset() != 0 || ip.Flags()&header.IPv4FlagMoreFragments != 0
}

func putIPv4Header(dst []byte, src, dst4 netip.Addr, protocol uint8, id uint16, payloadLen int) {
	ip := header.IPv4(dst)
	ip.Encode(&header.IPv4Fields{
		IHL:         SizeIPv4Header,
		TOS:         0,
		TotalLength: uint16(SizeIPv4Header + payloadLen),
		ID:          id,
		TTL:         64,
		Protocol:    protocol,
		SrcAddr:     AddrTo4(src),
		DstAddr:     AddrTo4(dst4),
	})
	ip.SetChecksum(^ip.CalculateChecksum())
}

// PutARPFrame writes a full Ethernet+ARP frame to dst and returns the number
// of bytes written. Requests are broadcast when dstMAC is the broadcast
// address; replies go straight back to the requester.
func PutARPFrame(dst []byte, op header.ARPOp, srcMAC, dstMAC [6]byte, senderIP netip.Addr, targetMAC [6]byte, targetIP netip.Addr) int {
	total := SizeEthernetHeader + SizeARPPayload
	if len(dst) < total {
		panic("short ARP frame buffer")
	}
	PutEthernetHeader(dst, srcMAC, dstMAC, EtherTypeARP)
	a := header.ARP(dst[SizeEthernetHeader:])
	a.SetIPv4OverEthernet()
	a.SetOp(op)
	s4 := senderIP.As4()
	t4 := targetIP.As4()
	copy(a.HardwareAddressSender(), srcMAC[:])
	copy(a.ProtocolAddressSender(), s4[:])
	copy(a.HardwareAddressTarget(), targetMAC[:])
	copy(a.ProtocolAddressTarget(), t4[:])
	return total
}

// ARPInfo is the decoded form of an ARP payload.
type ARPInfo struct {
	Op        header.ARPOp
	SenderMAC [6]byte
	SenderIP  netip.Addr
	TargetMAC [6]byte
	TargetIP  netip.Addr
}

// ParseARP decodes the ARP payload in b, rejecting anything that is not
// IPv4-over-Ethernet.
func ParseARP(b []byte) (ARPInfo, error) {
	if len(b) < SizeARPPayload {
		return ARPInfo{}, errors.Wrap(ErrShortPacket, "arp")
	}
	a := header.ARP(b)
	if !a.IsValid() {
		return ARPInfo{}, errors.New("unsupported ARP")
	}
	var info ARPInfo
	info.Op = a.Op()
	copy(info.SenderMAC[:], a.HardwareAddressSender())
	copy(info.TargetMAC[:], a.HardwareAddressTarget())
	info.SenderIP = netip.AddrFrom4([4]byte(a.ProtocolAddressSender()))
	info.TargetIP = netip.AddrFrom4([4]byte(a.ProtocolAddressTarget()))
	return info, nil
}

// ICMP echo message layout: type, code, checksum, identifier, sequence.
const SizeICMPEcho = 8

// ICMPEcho is a parsed ICMP echo request or reply.
type ICMPEcho struct {
	Reply    bool
	Ident    uint16
	Sequence uint16
	Payload  []byte
}

// ParseICMPEcho decodes an ICMP echo message from an IPv4 payload. ok is
// false for non-echo ICMP types, which this stack ignores.
func ParseICMPEcho(ipPayload []byte) (ICMPEcho, bool, error) {
	if len(ipPayload) < SizeICMPEcho {
		return ICMPEcho{}, false, errors.Wrap(ErrShortPacket, "icmp")
	}
	icmp := header.ICMPv4(ipPayload)
	typ := icmp.Type()
	if typ != header.ICMPv4Echo && typ != header.ICMPv4EchoReply {
		return ICMPEcho{}, false, nil
	}
	if header.Checksum(ipPayload, 0) != 0xffff {
		return ICMPEcho{}, false, errors.Wrap(ErrBadChecksum, "icmp")
	}
	return ICMPEcho{
		Reply:    typ == header.ICMPv4EchoReply,
		Ident:    binary.BigEndian.Uint16(ipPayload[4:6]),
		Sequence: binary.BigEndian.Uint16(ipPayload[6:8]),
		Payload:  ipPayload[SizeICMPEcho:],
	}, true, nil
}

// PutICMPEchoFrame writes a full Ethernet+IPv4+ICMP echo frame to dst and
// returns the number of bytes written.
func PutICMPEchoFrame(dst []byte, reply bool, srcMAC, dstMAC [6]byte, src, dst4 netip.Addr, ipID, ident, seq uint16, payload []byte) int {
	const hdrLen = SizeEthernetHeader + SizeIPv4Header + SizeICMPEcho
	total := hdrLen + len(payload)
	if len(dst) < total {
		panic("short ICMP frame buffer")
	}
	PutEthernetHeader(dst, srcMAC, dstMAC, EtherTypeIPv4)
	putIPv4Header(dst[SizeEthernetHeader:], src, dst4, ProtoICMP, ipID, SizeICMPEcho+len(payload))

	icmp := dst[SizeEthernetHeader+SizeIPv4Header : total]
	typ := header.ICMPv4Echo
	if reply {
		typ = header.ICMPv4EchoReply
	}
	icmp[0] = byte(typ)
	icmp[1] = 0
	icmp[2], icmp[3] = 0, 0
	binary.BigEndian.PutUint16(icmp[4:6], ident)
	binary.BigEndian.PutUint16(icmp[6:8], seq)
	copy(icmp[SizeICMPEcho:], payload)
	xsum := ^header.Checksum(icmp, 0)
	binary.BigEndian.PutUint16(icmp[2:4], xsum)
	return total
}
