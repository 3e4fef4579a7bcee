package memberlist

import (
    "context"
    "encoding/json"
    "fmt"
    "log"
    "net"
    "strconv"
    "sync"
    "time"

    "github.com/hashicorp/memberlist"

    base "github.com/amirimatin/go-consortium/pkg/gossip"
    "github.com/amirimatin/go-consortium/pkg/internal/logutil"
    "github.com/amirimatin/go-consortium/pkg/observability/metrics"
)

// Options configures the memberlist-based gossip implementation.
type Options struct {
    NodeID string

    // Bind is the bind address in host:port form (e.g. ":7946" or "0.0.0.0:7946").
    Bind string

    // Advertise is the address peers use to reach this node. If empty,
    // memberlist derives it from Bind.
    Advertise string

    // Meta is gossiped with the alive messages of this node.
    Meta map[string]string

    Logger *log.Logger

    // Tuning parameters (optional). Zero means use defaults.
    ProbeInterval time.Duration
    ProbeTimeout  time.Duration
    SuspicionMult int
}

type impl struct {
    startMu sync.Mutex
    mu      sync.RWMutex
    opts    Options
    ml      *memberlist.Memberlist
    stopped bool

    // evMu guards evts and closed only. Memberlist calls the event delegate
    // synchronously from Create and Shutdown, so emit must never need mu.
    evMu   sync.RWMutex
    evts   chan base.Event
    closed bool
}

// New constructs a memberlist-backed gossip layer.
func New(opts Options) (base.Gossip, error) {
    if opts.NodeID == "" {
        return nil, fmt.Errorf("memberlist: empty NodeID")
    }
    if opts.Bind == "" {
        return nil, fmt.Errorf("memberlist: empty Bind address")
    }
    if opts.Logger == nil {
        opts.Logger = log.Default()
    }
    return &impl{opts: opts, evts: make(chan base.Event, 64)}, nil
}

func splitAddr(addr string) (string, int, error) {
    host, portStr, err := net.SplitHostPort(addr)
    if err != nil {
        return "", 0, fmt.Errorf("memberlist: invalid address %q: %w", addr, err)
    }
    port, err := strconv.Atoi(portStr)
    if err != nil || port < 0 || port > 65535 {
        return "", 0, fmt.Errorf("memberlist: invalid port %q", portStr)
    }
    return host, port, nil
}

func (m *impl) Start(ctx context.Context) error {
    m.startMu.Lock()
    defer m.startMu.Unlock()
    m.mu.RLock()
    started, stopped := m.ml != nil, m.stopped
    m.mu.RUnlock()
    if started {
        return nil
    }
    if stopped {
        return fmt.Errorf("memberlist: stopped")
    }

    cfg := memberlist.DefaultLANConfig()
    cfg.Name = m.opts.NodeID
    cfg.Logger = m.opts.Logger
    host, port, err := splitAddr(m.opts.Bind)
    if err != nil {
        return err
    }
    cfg.BindAddr, cfg.BindPort = host, port
    if m.opts.Advertise != "" {
        ahost, aport, err := splitAddr(m.opts.Advertise)
        if err != nil {
            return err
        }
        cfg.AdvertiseAddr, cfg.AdvertisePort = ahost, aport
    }
    if m.opts.ProbeInterval > 0 {
        cfg.ProbeInterval = m.opts.ProbeInterval
    }
    if m.opts.ProbeTimeout > 0 {
        cfg.ProbeTimeout = m.opts.ProbeTimeout
    }
    if m.opts.SuspicionMult > 0 {
        cfg.SuspicionMult = m.opts.SuspicionMult
    }

    cfg.Events = &eventDelegate{emit: m.emit}
    meta, err := json.Marshal(m.opts.Meta)
    if err != nil {
        return err
    }
    cfg.Delegate = &metaDelegate{meta: meta}

    ml, err := memberlist.Create(cfg)
    if err != nil {
        return err
    }
    m.mu.Lock()
    if m.stopped {
        m.mu.Unlock()
        _ = ml.Shutdown()
        return fmt.Errorf("memberlist: stopped")
    }
    m.ml = ml
    m.mu.Unlock()

    go func() {
        <-ctx.Done()
        _ = m.Stop()
    }()
    return nil
}

func (m *impl) list() *memberlist.Memberlist {
    m.mu.RLock()
    defer m.mu.RUnlock()
    return m.ml
}

func (m *impl) Join(seeds []string) error {
    ml := m.list()
    if ml == nil {
        return fmt.Errorf("memberlist: not started")
    }
    if len(seeds) == 0 {
        return nil
    }
    n, err := ml.Join(seeds)
    logutil.Debugf(m.opts.Logger, "memberlist: joined %d of %d seeds", n, len(seeds))
    return err
}

func (m *impl) Local() base.Peer {
    ml := m.list()
    if ml == nil {
        return base.Peer{}
    }
    p := toPeer(ml.LocalNode())
    if len(p.Meta) == 0 && m.opts.Meta != nil {
        p.Meta = m.opts.Meta
    }
    return p
}

func (m *impl) Peers() []base.Peer {
    ml := m.list()
    if ml == nil {
        return nil
    }
    nodes := ml.Members()
    out := make([]base.Peer, 0, len(nodes))
    for _, n := range nodes {
        out = append(out, toPeer(n))
    }
    metrics.GossipPeers.Set(float64(len(out)))
    return out
}

func (m *impl) Events() <-chan base.Event { return m.evts }

func (m *impl) Leave() error {
    ml := m.list()
    if ml == nil {
        return nil
    }
    // best-effort: give the leave message some time to spread
    _ = ml.Leave(time.Second)
    return nil
}

func (m *impl) Stop() error {
    m.mu.Lock()
    if m.stopped {
        m.mu.Unlock()
        return nil
    }
    m.stopped = true
    ml := m.ml
    m.ml = nil
    m.mu.Unlock()
    if ml != nil {
        _ = ml.Shutdown()
    }

    m.evMu.Lock()
    m.closed = true
    close(m.evts)
    m.evMu.Unlock()
    return nil
}

// HealthScore exposes memberlist's awareness score.
func (m *impl) HealthScore() int {
    ml := m.list()
    if ml == nil {
        return -1
    }
    return ml.GetHealthScore()
}

func (m *impl) emit(e base.Event) {
    m.evMu.RLock()
    defer m.evMu.RUnlock()
    if m.closed {
        return
    }
    select {
    case m.evts <- e:
    default:
        logutil.Warnf(m.opts.Logger, "memberlist: dropping %s event for %s: channel full", e.Type, e.Peer.ID)
    }
}

func toPeer(n *memberlist.Node) base.Peer {
    meta := map[string]string{}
    if len(n.Meta) > 0 {
        _ = json.Unmarshal(n.Meta, &meta)
    }
    return base.Peer{ID: n.Name, Addr: net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port))), Meta: meta}
}

type eventDelegate struct {
    emit func(e base.Event)
}

func (d *eventDelegate) notify(t base.EventType, n *memberlist.Node) {
    if n == nil {
        return
    }
    d.emit(base.Event{Type: t, Peer: toPeer(n), At: time.Now()})
}

func (d *eventDelegate) NotifyJoin(n *memberlist.Node)   { d.notify(base.EventJoin, n) }
func (d *eventDelegate) NotifyLeave(n *memberlist.Node)  { d.notify(base.EventLeave, n) }
func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) { d.notify(base.EventUpdate, n) }

// metaDelegate gossips static node metadata. Memberlist truncates nothing
// itself, so NodeMeta has to respect limit.
type metaDelegate struct{ meta []byte }

func (d *metaDelegate) NodeMeta(limit int) []byte {
    if len(d.meta) <= limit {
        return d.meta
    }
    return nil
}

func (d *metaDelegate) NotifyMsg([]byte)                       {}
func (d *metaDelegate) GetBroadcasts(int, int) [][]byte        { return nil }
func (d *metaDelegate) LocalState(join bool) []byte            { return nil }
func (d *metaDelegate) MergeRemoteState(buf []byte, join bool) {}
