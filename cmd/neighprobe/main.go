//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tomvil/neighprobe/internal/api"
	"github.com/tomvil/neighprobe/internal/config"
	"github.com/tomvil/neighprobe/internal/directory"
	"github.com/tomvil/neighprobe/internal/engine"
	"github.com/tomvil/neighprobe/internal/logger"
	"github.com/tomvil/neighprobe/internal/routing"
	"github.com/tomvil/neighprobe/internal/telemetry"
	"github.com/tomvil/neighprobe/internal/transport"
	"github.com/tomvil/neighprobe/pkg/netutils"
)

var version = "dev"

const routeRefreshInterval = 30 * time.Second

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// ConfigPath is the path to the configuration file.
	ConfigPath string
	// API is the address of a running node's HTTP API.
	API string
	// Wait makes ping block until the probe completes.
	Wait bool
}

var rootCmd = &cobra.Command{
	Use:           "neighprobe",
	Short:         "Neighbor discovery and reachability probing",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the protocol on the local interfaces",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		err := run(cmd)
		var interrupted Interrupted
		if errors.As(err, &interrupted) {
			return nil
		}
		return err
	},
}

func init() {
	runCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file (required)")
	runCmd.MarkFlagRequired("config")

	rootCmd.PersistentFlags().StringVar(&cmd.API, "api", "127.0.0.1:8698", "HTTP API address of the node")
	pingCmd.Flags().BoolVarP(&cmd.Wait, "wait", "w", false, "Wait for the probe response")

	rootCmd.AddCommand(runCmd, pingCmd, dumpCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	cfg, err := config.LoadConfig(cmd.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.Init(cfg.Log.Debug); err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()
	log := logger.L()

	telemetry.SetBuildInfo(version, cfg.Node)

	ifaces, err := netutils.Interfaces(cfg.Interfaces)
	if err != nil {
		return fmt.Errorf("failed to list interfaces: %w", err)
	}
	if len(ifaces) == 0 {
		return errors.New("no usable IPv4 interfaces")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	static := directory.NewStatic(cfg.Directory.Nodes)
	var dir engine.Directory = static
	var etcdDir *directory.Etcd
	var watchRev int64
	if cfg.EtcdEnabled() {
		cli, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.Directory.Etcd.Endpoints,
			DialTimeout: cfg.Directory.Etcd.DialTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to create etcd client: %w", err)
		}
		defer cli.Close()

		etcdDir = directory.NewEtcd(cli, cfg.Directory.Etcd.Prefix, static, log.Named("directory"))
		if watchRev, err = etcdDir.Load(ctx); err != nil {
			return err
		}
		dir = etcdDir
	}

	ch, err := transport.ListenUDP(ctx, ifaces, transport.UDPConfig{
		Port:           int(cfg.Port),
		ReadBufferSize: int(cfg.ReadBufferSize.Bytes()),
		BindTimeout:    cfg.BindTimeout,
	}, log.Named("transport"))
	if err != nil {
		return err
	}
	defer ch.Close()

	opts := []engine.Option{engine.WithLog(log.Named("engine"))}
	if cfg.MainAddress.IsValid() {
		opts = append(opts, engine.WithMainAddress(cfg.MainAddress))
	}

	var routes *routing.HostRoutes
	if cfg.Routes.Install {
		routes = routing.NewHostRoutes(ifaces, warmupFunc(cfg.Routes.Warmup), log.Named("routes"))
		defer routes.Cleanup()
		opts = append(opts, engine.WithRouteStrategy(routes))
	} else {
		opts = append(opts, engine.WithRouteStrategy(routing.Noop{}))
	}

	e, err := engine.New(ch, dir, cfg.Engine(), opts...)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	if etcdDir != nil {
		addrs := []netip.Addr{e.MainAddress()}
		for _, iface := range ifaces {
			if iface.Addr != e.MainAddress() {
				addrs = append(addrs, iface.Addr)
			}
		}
		revoke, err := etcdDir.Register(ctx, cfg.Node, addrs, cfg.Directory.Etcd.LeaseTTL)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := revoke(ctx); err != nil {
				log.Warnw("failed to revoke lease", zap.Error(err))
			}
		}()
	}

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return ch.Serve(ctx)
	})
	wg.Go(func() error {
		return e.Run(ctx)
	})
	if etcdDir != nil {
		wg.Go(func() error {
			return etcdDir.Watch(ctx, watchRev)
		})
	}
	if routes != nil {
		wg.Go(func() error {
			routes.Refresh(ctx, routeRefreshInterval)
			return nil
		})
	}
	if cfg.API.Listen != "" {
		server := &http.Server{
			Addr:              cfg.API.Listen,
			Handler:           (&api.API{Engine: e, WaitTimeout: 2 * cfg.PingTimeout}).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		wg.Go(func() error {
			log.Infow("serving API", "addr", cfg.API.Listen)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("API server failed: %w", err)
			}
			return nil
		})
		wg.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}
	wg.Go(func() error {
		err := WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		return err
	})

	return wg.Wait()
}

func warmupFunc(method string) routing.WarmupFunc {
	switch method {
	case config.WarmupARP:
		return routing.ARPWarmup
	case config.WarmupICMP:
		return routing.ICMPWarmup
	default:
		return nil
	}
}

type Interrupted struct {
	os.Signal
}

func (m Interrupted) Error() string {
	return m.String()
}

// WaitInterrupted blocks until either SIGINT or SIGTERM signal is received or
// the provided context is canceled.
func WaitInterrupted(ctx context.Context) error {
	ch := make(chan os.Signal, 1)

	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(ch)
	select {
	case v := <-ch:
		return Interrupted{Signal: v}
	case <-ctx.Done():
		return ctx.Err()
	}
}
