package directory

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const DefaultPrefix = "/neighprobe/nodes"

// Etcd is a directory backed by keys of the form <prefix>/<node> whose value
// is a comma separated address list, primary first. Lookups are served from
// a local cache kept current by Watch.
type Etcd struct {
	*Static

	cli    *clientv3.Client
	prefix string
	log    *zap.SugaredLogger
}

// NewEtcd returns an etcd backed directory. Entries in seed are served until
// etcd overrides them.
func NewEtcd(cli *clientv3.Client, prefix string, seed *Static, log *zap.SugaredLogger) *Etcd {
	if seed == nil {
		seed = NewStatic(nil)
	}
	return &Etcd{
		Static: seed,
		cli:    cli,
		prefix: strings.TrimSuffix(prefix, "/"),
		log:    log,
	}
}

// Load reads every node under the prefix into the cache and returns the
// revision to watch from.
func (d *Etcd) Load(ctx context.Context) (int64, error) {
	resp, err := d.cli.Get(ctx, d.prefix+"/", clientv3.WithPrefix())
	if err != nil {
		return 0, fmt.Errorf("failed to load nodes: %w", err)
	}

	for _, kv := range resp.Kvs {
		if err := d.apply(mvccpb.PUT, kv); err != nil {
			d.log.Warnw("skipping directory entry", "key", string(kv.Key), zap.Error(err))
		}
	}
	d.log.Infow("loaded directory", "nodes", len(resp.Kvs), "revision", resp.Header.Revision)
	return resp.Header.Revision, nil
}

// Watch applies changes made after rev until ctx is done.
func (d *Etcd) Watch(ctx context.Context, rev int64) error {
	wch := d.cli.Watch(ctx, d.prefix+"/", clientv3.WithPrefix(), clientv3.WithRev(rev+1))
	for resp := range wch {
		if err := resp.Err(); err != nil {
			return fmt.Errorf("directory watch failed: %w", err)
		}
		for _, ev := range resp.Events {
			if err := d.apply(ev.Type, ev.Kv); err != nil {
				d.log.Warnw("skipping directory event", "key", string(ev.Kv.Key), zap.Error(err))
			}
		}
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (d *Etcd) apply(typ mvccpb.Event_EventType, kv *mvccpb.KeyValue) error {
	node, err := parseKey(d.prefix, string(kv.Key))
	if err != nil {
		return err
	}

	switch typ {
	case mvccpb.DELETE:
		d.Delete(node)
		d.log.Debugw("node removed", "node", node)
	case mvccpb.PUT:
		addrs, err := parseAddrs(string(kv.Value))
		if err != nil {
			return err
		}
		d.Set(node, addrs...)
		d.log.Debugw("node updated", "node", node, "addrs", addrs)
	}
	return nil
}

// Register publishes this node's addresses under a lease kept alive until
// ctx is done. The returned function revokes the lease.
func (d *Etcd) Register(ctx context.Context, node uint32, addrs []netip.Addr, ttl int64) (func(context.Context) error, error) {
	if len(addrs) == 0 {
		return nil, errors.New("no addresses to register")
	}

	lease, err := d.cli.Grant(ctx, ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to grant lease: %w", err)
	}

	key := nodeKey(d.prefix, node)
	if _, err := d.cli.Put(ctx, key, formatAddrs(addrs), clientv3.WithLease(lease.ID)); err != nil {
		return nil, fmt.Errorf("failed to register %s: %w", key, err)
	}

	alive, err := d.cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to keep lease alive: %w", err)
	}
	go func() {
		for range alive {
		}
		d.log.Debugw("lease keepalive stopped", "lease", lease.ID)
	}()

	d.log.Infow("registered node", "key", key, "addrs", addrs, "ttl", ttl)
	return func(ctx context.Context) error {
		_, err := d.cli.Revoke(ctx, lease.ID)
		return err
	}, nil
}

func nodeKey(prefix string, node uint32) string {
	return prefix + "/" + strconv.FormatUint(uint64(node), 10)
}

func parseKey(prefix, key string) (uint32, error) {
	rest, ok := strings.CutPrefix(key, prefix+"/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return 0, fmt.Errorf("unexpected key %q", key)
	}
	n, err := strconv.ParseUint(rest, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid node number in key %q: %w", key, err)
	}
	return uint32(n), nil
}

func parseAddrs(v string) ([]netip.Addr, error) {
	var out []netip.Addr
	for _, f := range strings.Split(v, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		a, err := netip.ParseAddr(f)
		if err != nil {
			return nil, err
		}
		if !a.Is4() {
			return nil, fmt.Errorf("%s is not an IPv4 address", a)
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, errors.New("empty address list")
	}
	return out, nil
}

func formatAddrs(addrs []netip.Addr) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = a.String()
	}
	return strings.Join(parts, ",")
}
