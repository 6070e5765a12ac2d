package netutils

import (
	"net/netip"

	"github.com/j-keck/arping"
	"github.com/tomvil/neighprobe/internal/logger"
)

// SendARPRequest resolves ip on ifaceName so the kernel neighbor cache holds
// a fresh entry for it.
func SendARPRequest(ip netip.Addr, ifaceName string) error {
	hw, rtt, err := arping.PingOverIfaceByName(ip.AsSlice(), ifaceName)
	if err != nil {
		logger.Warn("Failed to send ARP request to %s on %s: %v", ip, ifaceName, err)
		return err
	}
	logger.Debug("ARP reply from %s (%s) on %s in %s", ip, hw, ifaceName, rtt)
	return nil
}
