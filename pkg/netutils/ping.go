package netutils

import (
	"net/netip"
	"time"

	"github.com/go-ping/ping"
	"github.com/tomvil/neighprobe/internal/logger"
)

// Ping sends a short burst of ICMP echo requests to ip.
func Ping(ip netip.Addr) (*ping.Statistics, error) {
	pinger, err := ping.NewPinger(ip.String())
	if err != nil {
		logger.Error("failed to create pinger: %v", err)
		return nil, err
	}

	pinger.Count = 3
	pinger.Timeout = time.Second * 5
	pinger.Interval = time.Second * 1
	pinger.SetPrivileged(true)

	err = pinger.Run()
	if err != nil {
		logger.Error("failed to run pinger: %v", err)
		return nil, err
	}

	stats := pinger.Statistics()
	logger.Debug("ICMP %s: %d/%d received, avg rtt %s", ip, stats.PacketsRecv, stats.PacketsSent, stats.AvgRtt)
	return stats, nil
}
