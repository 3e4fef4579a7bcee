// Package node runs a consortium node: a consensus engine over the
// governance state machine, exposed through a management endpoint that
// serves governance, transaction status and application writes.
package node

import (
    "context"
    "errors"
    "log"
    "sync"
    "time"

    "github.com/amirimatin/go-consortium/pkg/consensus"
    "github.com/amirimatin/go-consortium/pkg/discovery"
    "github.com/amirimatin/go-consortium/pkg/gossip"
    "github.com/amirimatin/go-consortium/pkg/internal/logutil"
    "github.com/amirimatin/go-consortium/pkg/observability/metrics"
    gs "github.com/amirimatin/go-consortium/pkg/state/governance"
    "github.com/amirimatin/go-consortium/pkg/transport"
)

var (
    ErrNotReady = errors.New("node: service not initialised")
    ErrNoClient = errors.New("node: no RPC client configured")
)

const defaultApplyTimeout = 3 * time.Second

// Node is a single consortium node.
type Node struct {
    opts Options
    log  *log.Logger
    cons Engine
    st   *gs.State
    eb   eventBus

    mu  sync.Mutex
    run struct {
        started bool
        closed  bool
    }
    ready chan struct{}
    once  sync.Once
}

// New validates opts. It performs no network activity; call Start.
func New(opts Options) (*Node, error) {
    if err := opts.Validate(); err != nil {
        return nil, err
    }
    if opts.Logger == nil {
        opts.Logger = log.Default()
    }
    if opts.ApplyTimeout <= 0 {
        opts.ApplyTimeout = defaultApplyTimeout
    }
    n := &Node{opts: opts, log: opts.Logger, cons: opts.Consensus, st: opts.State, ready: make(chan struct{})}
    if n.st.Initialised() {
        n.markReady()
    }
    return n, nil
}

func (n *Node) ID() string { return n.opts.NodeID }

// Addr is the management endpoint address, known once started.
func (n *Node) Addr() string { return n.opts.RPCServer.Addr() }

// State exposes the local replica of governance state.
func (n *Node) State() *gs.State { return n.st }

// Start launches gossip, consensus and the management endpoint.
func (n *Node) Start(ctx context.Context) error {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.run.started {
        return nil
    }
    n.run.started = true
    metrics.Register()

    if err := n.opts.RPCServer.Start(ctx, n.Handlers()); err != nil {
        return err
    }
    logutil.Infof(n.log, "node %s: management endpoint at %s", n.opts.NodeID, n.Addr())

    if g := n.opts.Gossip; g != nil {
        if err := g.Start(ctx); err != nil {
            return err
        }
        if seeds := discovery.Addrs(n.opts.Discovery); len(seeds) > 0 {
            logutil.Infof(n.log, "node %s: joining gossip seeds %v", n.opts.NodeID, seeds)
            if err := g.Join(seeds); err != nil {
                logutil.Warnf(n.log, "node %s: gossip join: %v", n.opts.NodeID, err)
            }
        }
        go n.gossipLoop(ctx)
    }

    if err := n.cons.Start(ctx); err != nil {
        return err
    }
    if ln, ok := n.cons.(consensus.LeaderNotifier); ok {
        go n.primaryLoop(ctx, ln.LeaderCh())
    }
    go n.readyLoop(ctx)
    return nil
}

// Ready is closed once governance state has been initialised.
func (n *Node) Ready() <-chan struct{} { return n.ready }

// WaitReady blocks until the service is initialised or ctx ends.
func (n *Node) WaitReady(ctx context.Context) error {
    select {
    case <-n.ready:
        return nil
    case <-ctx.Done():
        return ctx.Err()
    }
}

func (n *Node) markReady() { n.once.Do(func() { close(n.ready) }) }

// readyLoop applies genesis when this node is primary of an uninitialised
// service, and notices when a replicated genesis arrives.
func (n *Node) readyLoop(ctx context.Context) {
    tick := time.NewTicker(50 * time.Millisecond)
    defer tick.Stop()
    for {
        if n.st.Initialised() {
            n.markReady()
            return
        }
        if g := n.opts.Genesis; g != nil && n.cons.IsLeader() {
            if err := n.applyGenesis(*g); err != nil {
                logutil.Warnf(n.log, "node %s: genesis: %v", n.opts.NodeID, err)
            }
        }
        select {
        case <-ctx.Done():
            return
        case <-tick.C:
        }
    }
}

func (n *Node) applyGenesis(g gs.Genesis) error {
    if len(g.Nodes) == 0 {
        g.Nodes = []transport.NodeInfo{n.self()}
    }
    res, err := n.apply(gs.OpGenesis, g)
    if err != nil {
        return err
    }
    logutil.Infof(n.log, "node %s: service initialised at %s with %d members", n.opts.NodeID, res.TxID, len(g.Members))
    n.eb.publish(Event{Type: EventGenesis, At: time.Now()})
    return nil
}

func (n *Node) self() transport.NodeInfo {
    return transport.NodeInfo{ID: n.opts.NodeID, RaftAddr: n.opts.RaftAddr, MgmtAddr: n.Addr()}
}

func (n *Node) primaryLoop(ctx context.Context, ch <-chan consensus.LeaderInfo) {
    for {
        select {
        case <-ctx.Done():
            return
        case li, ok := <-ch:
            if !ok {
                return
            }
            metrics.PrimaryChanges.Inc()
            if li.ID == n.opts.NodeID {
                metrics.IsPrimary.Set(1)
            } else {
                metrics.IsPrimary.Set(0)
            }
            logutil.Infof(n.log, "node %s: primary is %s in view %d", n.opts.NodeID, li.ID, li.Term)
            info := li
            n.eb.publish(Event{Type: EventPrimaryChanged, At: time.Now(), Primary: &info})
            if n.opts.OnPrimaryChange != nil {
                n.opts.OnPrimaryChange(info)
            }
        }
    }
}

func (n *Node) gossipLoop(ctx context.Context) {
    for {
        select {
        case <-ctx.Done():
            return
        case e, ok := <-n.opts.Gossip.Events():
            if !ok {
                return
            }
            p := e.Peer
            switch e.Type {
            case gossip.EventJoin:
                logutil.Debugf(n.log, "node %s: peer %s up at %s (mgmt %s)", n.opts.NodeID, p.ID, p.Addr, p.Mgmt())
                n.eb.publish(Event{Type: EventPeerJoin, At: e.At, Peer: &p})
            case gossip.EventLeave:
                logutil.Infof(n.log, "node %s: peer %s gone", n.opts.NodeID, p.ID)
                n.eb.publish(Event{Type: EventPeerLeave, At: e.At, Peer: &p})
            }
            metrics.GossipPeers.Set(float64(len(n.opts.Gossip.Peers())))
        }
    }
}

// Join asks the primary, reached through seed, to record this node as
// PENDING. A trust_node proposal then makes it a consensus voter.
func (n *Node) Join(ctx context.Context, seed string) (transport.JoinResponse, error) {
    if n.opts.RPCClient == nil {
        return transport.JoinResponse{}, ErrNoClient
    }
    req := transport.JoinRequest{ID: n.opts.NodeID, RaftAddr: n.opts.RaftAddr, MgmtAddr: n.Addr()}
    resp, err := n.opts.RPCClient.Join(ctx, seed, req)
    if err != nil {
        return resp, err
    }
    logutil.Infof(n.log, "node %s: joined via %s as %s at %s", n.opts.NodeID, seed, resp.State, resp.TxID)
    return resp, nil
}

// primary returns the ID and management address of the current primary.
func (n *Node) primary() (id, mgmt string, ok bool) {
    id, _, ok = n.cons.Leader()
    if !ok {
        return "", "", false
    }
    if id == n.opts.NodeID {
        return id, n.Addr(), true
    }
    if a := gossip.MgmtAddr(n.opts.Gossip, id); a != "" {
        return id, a, true
    }
    if ni, found := n.st.Node(id); found {
        return id, ni.MgmtAddr, true
    }
    return id, "", true
}

// Status summarises this node's view of the service.
func (n *Node) Status(ctx context.Context) (transport.NodeStatus, error) {
    st := transport.NodeStatus{
        ID:      n.opts.NodeID,
        Primary: n.cons.IsLeader(),
        View:    n.cons.Term(),
        Service: n.st.Service(),
        Members: n.st.ActiveMembers(),
        Nodes:   n.st.Nodes(),
    }
    if id, mgmt, ok := n.primary(); ok {
        st.PrimaryID, st.PrimaryAddr = id, mgmt
    }
    commit, err := n.cons.CommitPoint()
    if err != nil {
        return st, err
    }
    st.Commit = commit
    if n.opts.Gossip != nil {
        for _, p := range n.opts.Gossip.Peers() {
            st.Peers = append(st.Peers, p.ID)
        }
    }
    if st.Primary {
        metrics.IsPrimary.Set(1)
    } else {
        metrics.IsPrimary.Set(0)
    }
    return st, nil
}

// Stop shuts down consensus, gossip and the management endpoint.
func (n *Node) Stop(ctx context.Context) error {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.run.closed {
        return nil
    }
    n.run.closed = true
    var errs []error
    if err := n.cons.Stop(); err != nil {
        errs = append(errs, err)
    }
    if g := n.opts.Gossip; g != nil {
        _ = g.Leave()
        _ = g.Stop()
    }
    if err := n.opts.RPCServer.Stop(ctx); err != nil {
        errs = append(errs, err)
    }
    return errors.Join(errs...)
}

// Close is Stop with a background context.
func (n *Node) Close() error { return n.Stop(context.Background()) }
