package vrrp

import (
	"encoding/binary"
	"net"
)

// Gratuitous ARP frame, RFC 826 ARP reply shape, broadcast at the Ethernet
// layer so every peer on the segment refreshes its cache. Grounded on the
// ARP packet layout govrrp's AnnounceAll builds (hardware type 1, protocol
// type 0x0800, operation 2 "reply"), adapted here into a standalone encoder
// since the façade — not the engine — owns the wire socket.
const (
	arpHardwareEthernet = 1
	arpProtocolIPv4      = 0x0800
	arpOpReply           = 2
	arpFrameLen          = 28 // 8-byte ARP header + 2*(6+4) addresses
)

var broadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// encodeGratuitousARP builds the ARP payload (not the Ethernet header —
// Vif.Send is given src/dst/ethertype separately) announcing that ip now
// lives at mac: the sender fields are mac/ip, the target hardware field is
// broadcast, and the target protocol field is ip again, which is what makes
// the reply "gratuitous" (unsolicited, and naming the same address as both
// sender and target).
func encodeGratuitousARP(mac net.HardwareAddr, ip net.IP) []byte {
	v4 := ip.To4()
	buf := make([]byte, arpFrameLen)
	binary.BigEndian.PutUint16(buf[0:2], arpHardwareEthernet)
	binary.BigEndian.PutUint16(buf[2:4], arpProtocolIPv4)
	buf[4] = 6 // hardware address length
	buf[5] = 4 // protocol address length
	binary.BigEndian.PutUint16(buf[6:8], arpOpReply)
	copy(buf[8:14], mac)
	copy(buf[14:18], v4)
	copy(buf[18:24], broadcastMAC)
	copy(buf[24:28], v4)
	return buf
}

// sendGratuitousARP emits one gratuitous ARP reply for ip over vif,
// announcing it at mac. Errors are the caller's to log; the protocol's
// guarantee is best-effort (spec §4.3 Master entry actions).
func sendGratuitousARP(vif Vif, mac net.HardwareAddr, ip net.IP) error {
	return vif.Send(mac, broadcastMAC, etherTypeARP, encodeGratuitousARP(mac, ip))
}
