package netutils

import (
	"net"
	"net/netip"
	"os"
	"testing"

	"github.com/vishvananda/netlink"
)

func requireRoot(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("route integration tests need CAP_NET_ADMIN")
	}
}

func TestHostRoute(t *testing.T) {
	dst := hostRoute(netip.MustParseAddr("192.168.100.100"))
	if dst.String() != "192.168.100.100/32" {
		t.Errorf("Expected 192.168.100.100/32, got %s", dst)
	}
}

// TestAddRouteIntegration adds a real route and checks if it is added
func TestAddRouteIntegration(t *testing.T) {
	requireRoot(t)

	ip := netip.MustParseAddr("192.168.100.100")
	linkIndex := 1

	err := AddRoute(ip, linkIndex)
	if err != nil {
		t.Fatalf("failed to add route: %v", err)
	}

	routes, err := netlink.RouteListFiltered(netlink.FAMILY_ALL, &netlink.Route{
		LinkIndex: linkIndex,
		Dst:       &net.IPNet{IP: ip.AsSlice(), Mask: net.CIDRMask(32, 32)},
	}, netlink.RT_FILTER_DST|netlink.RT_FILTER_OIF)
	if err != nil {
		t.Fatalf("failed to list routes: %v", err)
	}

	if len(routes) == 0 {
		t.Fatalf("expected route to exist but none found")
	}
}

// TestRemoveRouteIntegration removes a real route and checks if it is removed
func TestRemoveRouteIntegration(t *testing.T) {
	requireRoot(t)

	ip := netip.MustParseAddr("192.168.100.100")
	linkIndex := 1

	err := RemoveRoute(ip, linkIndex)
	if err != nil {
		t.Fatalf("failed to remove route: %v", err)
	}

	routes, err := netlink.RouteListFiltered(netlink.FAMILY_ALL, &netlink.Route{
		LinkIndex: linkIndex,
		Dst:       &net.IPNet{IP: ip.AsSlice(), Mask: net.CIDRMask(32, 32)},
	}, netlink.RT_FILTER_DST|netlink.RT_FILTER_OIF)
	if err != nil {
		t.Fatalf("failed to list routes: %v", err)
	}

	if len(routes) > 0 {
		t.Fatalf("expected route to be removed but found")
	}
}
