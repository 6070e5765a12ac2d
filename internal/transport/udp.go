//go:build linux

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/tomvil/neighprobe/pkg/netutils"
)

// UDPConfig controls the UDP channel.
type UDPConfig struct {
	Port           int
	ReadBufferSize int
	// BindTimeout bounds how long binding an interface is retried before
	// giving up.
	BindTimeout time.Duration
}

// UDP is a Channel with one socket per interface, each bound to its device
// on 0.0.0.0:Port so that subnet broadcasts are received.
type UDP struct {
	cfg       UDPConfig
	links     []*link
	incoming  chan Packet
	closeOnce sync.Once
	log       *zap.SugaredLogger
}

type link struct {
	iface netutils.Interface
	conn  *ipv4.PacketConn
}

// ListenUDP binds one socket per interface. Binding is retried with
// exponential backoff until cfg.BindTimeout elapses; failing to bind any
// interface is fatal.
func ListenUDP(ctx context.Context, ifaces []netutils.Interface, cfg UDPConfig, log *zap.SugaredLogger) (*UDP, error) {
	if len(ifaces) == 0 {
		return nil, errors.New("no interfaces to bind")
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 2048
	}

	u := &UDP{
		cfg:      cfg,
		incoming: make(chan Packet, 256),
		log:      log,
	}

	for _, iface := range ifaces {
		pc, err := bindWithRetry(ctx, iface, cfg, log)
		if err != nil {
			return nil, multierr.Append(err, u.closeLinks())
		}

		conn := ipv4.NewPacketConn(pc)
		if err := conn.SetControlMessage(ipv4.FlagInterface, true); err != nil {
			log.Warnw("interface control messages unavailable", "iface", iface.Name, zap.Error(err))
		}
		u.links = append(u.links, &link{iface: iface, conn: conn})
		log.Infow("bound interface", "iface", iface.Name, "addr", iface.Addr, "broadcast", iface.Broadcast, "port", cfg.Port)
	}

	return u, nil
}

func bindWithRetry(ctx context.Context, iface netutils.Interface, cfg UDPConfig, log *zap.SugaredLogger) (net.PacketConn, error) {
	if cfg.BindTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.BindTimeout)
		defer cancel()
	}

	ticker := backoff.NewTicker(&backoff.ExponentialBackOff{
		InitialInterval:     backoff.DefaultInitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         5 * time.Second,
	})
	defer ticker.Stop()

	var lastErr error
	for {
		select {
		case <-ctx.Done():
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			return nil, fmt.Errorf("failed to bind %s on %s: %w", iface.Addr, iface.Name, lastErr)
		case <-ticker.C:
			pc, err := listen(ctx, iface.Name, cfg.Port)
			if err == nil {
				return pc, nil
			}
			lastErr = err
			log.Warnw("bind failed, retrying", "iface", iface.Name, zap.Error(err))
		}
	}
}

func listen(ctx context.Context, device string, port int) (net.PacketConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
					return
				}
				if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); sockErr != nil {
					return
				}
				sockErr = unix.BindToDevice(int(fd), device)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.ListenPacket(ctx, "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
}

// Serve reads from every bound interface until ctx is cancelled or a socket
// fails. The incoming channel is closed when Serve returns.
func (u *UDP) Serve(ctx context.Context) error {
	defer close(u.incoming)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return u.Close()
	})
	for _, l := range u.links {
		g.Go(func() error {
			return u.read(ctx, l)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (u *UDP) read(ctx context.Context, l *link) error {
	buf := make([]byte, u.cfg.ReadBufferSize)
	for {
		n, cm, src, err := l.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read on %s: %w", l.iface.Name, err)
		}
		if cm != nil && cm.IfIndex != 0 && cm.IfIndex != l.iface.Index {
			continue
		}

		pkt := Packet{
			Data:      append([]byte(nil), buf[:n]...),
			Interface: l.iface.Addr,
		}
		if ua, ok := src.(*net.UDPAddr); ok {
			pkt.From = ua.AddrPort()
		}

		select {
		case u.incoming <- pkt:
		case <-ctx.Done():
			return nil
		}
	}
}

// Broadcast sends data to the broadcast address of every bound interface.
// A failure on one interface does not stop the others.
func (u *UDP) Broadcast(data []byte) error {
	var errs error
	for _, l := range u.links {
		dst := &net.UDPAddr{IP: l.iface.Broadcast.AsSlice(), Port: u.cfg.Port}
		if _, err := l.conn.WriteTo(data, nil, dst); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("send on %s: %w", l.iface.Name, err))
		}
	}
	return errs
}

func (u *UDP) Incoming() <-chan Packet {
	return u.incoming
}

func (u *UDP) LocalAddrs() []netip.Addr {
	out := make([]netip.Addr, 0, len(u.links))
	for _, l := range u.links {
		out = append(out, l.iface.Addr)
	}
	return out
}

// Interfaces returns the bound interfaces.
func (u *UDP) Interfaces() []netutils.Interface {
	out := make([]netutils.Interface, 0, len(u.links))
	for _, l := range u.links {
		out = append(out, l.iface)
	}
	return out
}

// Close closes every socket. It is safe to call more than once.
func (u *UDP) Close() error {
	var err error
	u.closeOnce.Do(func() {
		err = u.closeLinks()
	})
	return err
}

func (u *UDP) closeLinks() error {
	var errs error
	for _, l := range u.links {
		errs = multierr.Append(errs, l.conn.Close())
	}
	return errs
}
