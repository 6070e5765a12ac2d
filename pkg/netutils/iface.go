package netutils

import (
	"fmt"
	"net"
	"net/netip"
	"slices"

	"github.com/vishvananda/netlink"
)

// Interface is a local IPv4 interface the protocol can run on.
type Interface struct {
	Name      string
	Index     int
	Addr      netip.Addr
	Prefix    netip.Prefix
	Broadcast netip.Addr
}

func (i Interface) String() string {
	return fmt.Sprintf("%s(%d) %s bcast %s", i.Name, i.Index, i.Prefix, i.Broadcast)
}

// Interfaces returns every up, non-loopback link that has an IPv4 address,
// ordered by link index. Only the first address of each link is used. When
// names is not empty only the named links are considered.
func Interfaces(names []string) ([]Interface, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}

	var out []Interface
	for _, link := range links {
		attrs := link.Attrs()
		if attrs.Flags&net.FlagLoopback != 0 || attrs.Flags&net.FlagUp == 0 {
			continue
		}
		if len(names) > 0 && !slices.Contains(names, attrs.Name) {
			continue
		}

		addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
		if err != nil {
			return nil, fmt.Errorf("failed to list addresses of %s: %w", attrs.Name, err)
		}
		if len(addrs) == 0 {
			continue
		}

		iface, ok := fromNetlinkAddr(attrs, addrs[0])
		if !ok {
			continue
		}
		out = append(out, iface)
	}

	slices.SortFunc(out, func(a, b Interface) int { return a.Index - b.Index })
	return out, nil
}

func fromNetlinkAddr(attrs *netlink.LinkAttrs, a netlink.Addr) (Interface, bool) {
	if a.IPNet == nil {
		return Interface{}, false
	}
	ip, ok := netip.AddrFromSlice(a.IP.To4())
	if !ok {
		return Interface{}, false
	}
	ones, _ := a.Mask.Size()
	prefix := netip.PrefixFrom(ip, ones)

	bcast, ok := netip.AddrFromSlice(a.Broadcast.To4())
	if !ok || !bcast.IsValid() || bcast.IsUnspecified() {
		bcast = DirectedBroadcast(prefix)
	}

	return Interface{
		Name:      attrs.Name,
		Index:     attrs.Index,
		Addr:      ip,
		Prefix:    prefix,
		Broadcast: bcast,
	}, true
}

// DirectedBroadcast returns the subnet-directed broadcast address of p.
// Point-to-point prefixes (/31 and /32) have none, so the limited broadcast
// address is returned instead.
func DirectedBroadcast(p netip.Prefix) netip.Addr {
	if !p.Addr().Is4() || p.Bits() >= 31 {
		return netip.AddrFrom4([4]byte{255, 255, 255, 255})
	}
	a := p.Addr().As4()
	host := ^uint32(0) >> p.Bits()
	v := uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3])
	v |= host
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

// InterfaceByAddr returns the interface holding addr.
func InterfaceByAddr(ifaces []Interface, addr netip.Addr) (Interface, bool) {
	for _, iface := range ifaces {
		if iface.Addr == addr {
			return iface, true
		}
	}
	return Interface{}, false
}
