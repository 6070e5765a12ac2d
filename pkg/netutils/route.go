package netutils

import (
	"net"
	"net/netip"

	"github.com/tomvil/neighprobe/internal/logger"
	"github.com/vishvananda/netlink"
)

func hostRoute(ip netip.Addr) *net.IPNet {
	return &net.IPNet{
		IP:   ip.AsSlice(),
		Mask: net.CIDRMask(ip.BitLen(), ip.BitLen()),
	}
}

func routeExists(dst *net.IPNet, linkIndex int) (bool, error) {
	routes, err := netlink.RouteListFiltered(netlink.FAMILY_ALL, &netlink.Route{
		LinkIndex: linkIndex,
		Dst:       dst,
	}, netlink.RT_FILTER_DST|netlink.RT_FILTER_OIF)
	if err != nil {
		logger.Error("Failed to list routes for dst %s on link %d: %v", dst.String(), linkIndex, err)
		return false, err
	}

	if len(routes) == 0 {
		logger.Debug("No routes found for dst %s on link index %d", dst.String(), linkIndex)
		return false, nil
	}

	logger.Debug("Found %d routes for dst %s on link index %d", len(routes), dst.String(), linkIndex)
	return true, nil
}

// AddRoute installs a link-scope host route to ip via linkIndex. An existing
// route is left alone.
func AddRoute(ip netip.Addr, linkIndex int) error {
	routeDst := hostRoute(ip)

	exists, err := routeExists(routeDst, linkIndex)
	if err != nil {
		logger.Error("Failed to check if route exists for %s: %v", ip, err)
		return err
	}

	if exists {
		return nil
	}

	route := &netlink.Route{
		LinkIndex: linkIndex,
		Scope:     netlink.SCOPE_LINK,
		Dst:       routeDst,
	}

	if err := netlink.RouteAdd(route); err != nil {
		logger.Error("Failed to add route for %s: %v", ip, err)
		return err
	}

	logger.Info("Added route for %s on link index %d", ip, linkIndex)
	return nil
}

// RemoveRoute deletes the host route to ip via linkIndex if it exists.
func RemoveRoute(ip netip.Addr, linkIndex int) error {
	routeDst := hostRoute(ip)

	exists, err := routeExists(routeDst, linkIndex)
	if err != nil {
		logger.Error("Failed to check if route exists for %s: %v", ip, err)
		return err
	}

	if !exists {
		return nil
	}

	route := &netlink.Route{
		LinkIndex: linkIndex,
		Scope:     netlink.SCOPE_LINK,
		Dst:       routeDst,
	}

	if err := netlink.RouteDel(route); err != nil {
		logger.Error("Failed to remove route for %s: %v", ip, err)
		return err
	}

	logger.Info("Removed route for %s on link index %d", ip, linkIndex)
	return nil
}
