// Package linuxvif is the production vrrp.Vif implementation for Linux: it
// installs virtual IPs with vishvananda/netlink, transports advertisements
// over a golang.org/x/net/ipv4 raw multicast socket, and emits gratuitous
// ARP with github.com/mdlayher/arp. Grounded on the teacher's
// pkg/vrrp/ip_manager.go and pkg/vrrp/network.go, adapted to the Vif
// contract and the VRID-keyed multi-instance sharing model spec §5
// requires.
package linuxvif

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"sync"

	"github.com/mdlayher/arp"
	"github.com/vishvananda/netlink"
	"golang.org/x/net/ipv4"

	"github.com/catalyst/vrrpd/pkg/vrrp"
)

const ethertypeIPv4 = 0x0800

// Vif is a vrrp.Vif bound to one Linux network interface. One Vif may back
// several VRRP instances (distinct VRIDs) on the same link; multicast
// membership and the sysctl-based ARP-ignore toggle are reference-counted
// so the last instance to leave is the one that actually undoes them
// (spec §5, "Shared resources").
type Vif struct {
	mu sync.Mutex

	iface *net.Interface
	link  netlink.Link

	packetConn *ipv4.PacketConn
	rawConn    *ipv4.RawConn
	arpClient  *arp.Client

	mcastRefs map[string]int
	arpUsers  int

	logger *log.Logger
}

// New opens the raw multicast socket and ARP client for ifaceName and
// returns a Vif ready to be registered with a vrrp.Target. Close releases
// both when the last instance using this interface is gone.
func New(ifaceName string, logger *log.Logger) (*Vif, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("linuxvif: %s: %w", ifaceName, err)
	}
	link, err := netlink.LinkByIndex(iface.Index)
	if err != nil {
		return nil, fmt.Errorf("linuxvif: %s: link lookup: %w", ifaceName, err)
	}

	conn, err := net.ListenPacket(fmt.Sprintf("ip4:%d", vrrp.IPProtocol), "0.0.0.0")
	if err != nil {
		return nil, fmt.Errorf("linuxvif: %s: listen ip4:%d: %w", ifaceName, vrrp.IPProtocol, err)
	}
	rawConn, err := ipv4.NewRawConn(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("linuxvif: %s: raw conn: %w", ifaceName, err)
	}
	packetConn := ipv4.NewPacketConn(conn)
	if err := packetConn.SetMulticastInterface(iface); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("linuxvif: %s: set multicast interface: %w", ifaceName, err)
	}
	if err := packetConn.SetMulticastTTL(255); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("linuxvif: %s: set multicast ttl: %w", ifaceName, err)
	}

	arpClient, err := arp.Dial(iface)
	if err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("linuxvif: %s: arp dial: %w", ifaceName, err)
	}

	if logger == nil {
		logger = log.Default()
	}

	return &Vif{
		iface:      iface,
		link:       link,
		packetConn: packetConn,
		rawConn:    rawConn,
		arpClient:  arpClient,
		mcastRefs:  make(map[string]int),
		logger:     logger,
	}, nil
}

// Close releases the multicast socket and ARP client. Call once all
// instances bound to this interface have been removed.
func (v *Vif) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	arpErr := v.arpClient.Close()
	rawErr := v.rawConn.Close()
	if arpErr != nil {
		return arpErr
	}
	return rawErr
}

func (v *Vif) Ready() bool {
	link, err := netlink.LinkByIndex(v.iface.Index)
	if err != nil {
		return false
	}
	if link.Attrs().Flags&net.FlagUp == 0 {
		return false
	}
	return v.primaryAddr() != nil
}

func (v *Vif) PrimaryAddr() net.IP {
	return v.primaryAddr()
}

func (v *Vif) primaryAddr() net.IP {
	addrs, err := netlink.AddrList(v.link, netlink.FAMILY_V4)
	if err != nil || len(addrs) == 0 {
		return nil
	}
	return addrs[0].IP.To4()
}

func (v *Vif) JoinMcast(group net.IP) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	key := group.String()
	if v.mcastRefs[key] == 0 {
		if err := v.packetConn.JoinGroup(v.iface, &net.UDPAddr{IP: group}); err != nil {
			return fmt.Errorf("linuxvif: join %s: %w", key, err)
		}
	}
	v.mcastRefs[key]++
	return nil
}

func (v *Vif) LeaveMcast(group net.IP) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	key := group.String()
	if v.mcastRefs[key] == 0 {
		return nil
	}
	v.mcastRefs[key]--
	if v.mcastRefs[key] == 0 {
		if err := v.packetConn.LeaveGroup(v.iface, &net.UDPAddr{IP: group}); err != nil {
			return fmt.Errorf("linuxvif: leave %s: %w", key, err)
		}
	}
	return nil
}

// AddMAC and DeleteMAC implement the kernel-assisted ARP mode (spec §4.5
// mode 1): rather than installing a second hardware address on the NIC,
// they toggle arp_ignore/arp_announce the way the teacher's
// ip_manager.go SetArpReply does, so the host only answers ARP for the
// virtual IP once it's actually present, and announces from it.
func (v *Vif) AddMAC(mac net.HardwareAddr) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.arpUsers == 0 {
		setArpReply(v.logger, v.iface.Name, true)
	}
	v.arpUsers++
	return nil
}

func (v *Vif) DeleteMAC(mac net.HardwareAddr) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.arpUsers == 0 {
		return nil
	}
	v.arpUsers--
	if v.arpUsers == 0 {
		setArpReply(v.logger, v.iface.Name, false)
	}
	return nil
}

func (v *Vif) AddIP(ip net.IP, prefix int) error {
	addrs, err := netlink.AddrList(v.link, netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("linuxvif: list addrs: %w", err)
	}
	for _, a := range addrs {
		if a.IP.Equal(ip) {
			return nil
		}
	}
	addr := &netlink.Addr{
		IPNet: &net.IPNet{IP: ip, Mask: net.CIDRMask(prefix, 32)},
		Label: v.iface.Name,
		Scope: int(netlink.SCOPE_UNIVERSE),
	}
	if err := netlink.AddrAdd(v.link, addr); err != nil {
		return fmt.Errorf("linuxvif: add %s/%d: %w", ip, prefix, err)
	}
	return nil
}

func (v *Vif) DeleteIP(ip net.IP) error {
	addrs, err := netlink.AddrList(v.link, netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("linuxvif: list addrs: %w", err)
	}
	for _, a := range addrs {
		if a.IP.Equal(ip) {
			if err := netlink.AddrDel(v.link, &a); err != nil {
				return fmt.Errorf("linuxvif: delete %s: %w", ip, err)
			}
			return nil
		}
	}
	return nil
}

// Send transmits a VRRP advertisement (ethertype 0x0800, wrapped in an IP
// header per spec §4.1) or a gratuitous ARP reply (ethertype 0x0806, sent
// via the mdlayher/arp client per spec §4.5). src/dst MAC addresses are
// informational for the IPv4 path — the kernel owns Ethernet framing for
// a multicast IP socket. On the ARP path src is used as the ARP packet's
// sender hardware address; dst is not used, and the target hardware
// address and Ethernet destination are always broadcast.
func (v *Vif) Send(src, dst net.HardwareAddr, ethertype uint16, payload []byte) error {
	switch ethertype {
	case ethertypeIPv4:
		return v.sendAdvertisement(payload)
	case 0x0806:
		return v.sendGratuitousARP(src, payload)
	default:
		return fmt.Errorf("linuxvif: unsupported ethertype %#x", ethertype)
	}
}

func (v *Vif) sendAdvertisement(payload []byte) error {
	dst := net.ParseIP(vrrp.MulticastGroup)
	header := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + len(payload),
		TTL:      255,
		Protocol: vrrp.IPProtocol,
		Dst:      dst,
		Src:      v.primaryAddr(),
	}
	if err := v.rawConn.WriteTo(header, payload, nil); err != nil {
		return fmt.Errorf("linuxvif: send advertisement: %w", err)
	}
	return nil
}

// sendGratuitousARP decodes the ARP payload the engine built (pkg/vrrp's
// arp.go, a fixed 28-byte layout) back into an arp.Packet and transmits it
// with the mdlayher client, mirroring govrrp's vip_announcer.go AnnounceAll.
func (v *Vif) sendGratuitousARP(senderMAC net.HardwareAddr, payload []byte) error {
	if len(payload) < 28 {
		return fmt.Errorf("linuxvif: short arp payload")
	}
	senderIP := net.IP(payload[14:18])
	targetIP := net.IP(payload[24:28])

	packet, err := arp.NewPacket(arp.OperationReply, senderMAC, senderIP, broadcastMAC, targetIP)
	if err != nil {
		return fmt.Errorf("linuxvif: build arp packet: %w", err)
	}
	if err := v.arpClient.WriteTo(packet, broadcastMAC); err != nil {
		return fmt.Errorf("linuxvif: send gratuitous arp: %w", err)
	}
	return nil
}

var broadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ReceiveLoop reads advertisements off the raw socket until ctx is
// cancelled, decoding just enough of the IP header to hand the target the
// VRRP payload, the source address, and to enforce TTL 255 (spec §6:
// "receivers MUST drop frames with TTL != 255"). Grounded on the
// teacher's network.go ReceivePackets / router.go recvLoop pair.
func ReceiveLoop(ctx context.Context, v *Vif, ifName string, target *vrrp.Target) error {
	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		header, payload, _, err := v.rawConn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("linuxvif: read: %w", err)
		}
		if header.Protocol != vrrp.IPProtocol || header.TTL != 255 {
			continue
		}
		target.OnFrame(ifName, header.Src, payload)
	}
}

// setArpReply mirrors the teacher's ip_manager.go SetArpReply: best-effort,
// since not every kernel/sandbox allows sysctl writes and the protocol
// degrades gracefully without it, so failures are logged rather than
// returned.
func setArpReply(logger *log.Logger, ifaceName string, enable bool) {
	ignore, announce := "0", "0"
	if enable {
		ignore, announce = "1", "2"
	}
	paths := map[string]string{
		fmt.Sprintf("/proc/sys/net/ipv4/conf/%s/arp_ignore", ifaceName):   ignore,
		fmt.Sprintf("/proc/sys/net/ipv4/conf/%s/arp_announce", ifaceName): announce,
	}
	for path, value := range paths {
		if err := writeSysctl(path, value); err != nil {
			logger.Printf("linuxvif: write %s: %v", path, err)
		}
	}
}

func writeSysctl(path, value string) error {
	return os.WriteFile(path, []byte(value), 0644)
}
