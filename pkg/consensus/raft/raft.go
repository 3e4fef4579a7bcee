package raftcons

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "os"
    "path/filepath"
    "strconv"
    "sync"
    "time"

    "github.com/hashicorp/raft"
    raftboltdb "github.com/hashicorp/raft-boltdb"

    c "github.com/amirimatin/go-consortium/pkg/consensus"
    "github.com/amirimatin/go-consortium/pkg/txstatus"
)

var (
    ErrNotStarted = errors.New("raftcons: not started")
    ErrNotLeader  = c.ErrNotLeader
)

// keptLogs is the number of entries kept behind each snapshot. Status queries
// derive the view of a seqno from the log store, so compaction must not drop
// the entries a history sweep asks about.
const keptLogs = 1 << 40

// Node implements consensus.Consensus using HashiCorp Raft. Terms are views
// and log indexes are seqnos.
type Node struct {
    opts Options
    log  *log.Logger
    lch  chan c.LeaderInfo

    mu    sync.RWMutex
    r     *raft.Raft
    logs  raft.LogStore
    addr  raft.ServerAddress
    trans raft.Transport
    lb    raft.LoopbackTransport
    bolt  *raftboltdb.BoltStore
}

func New(opts Options) (*Node, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    if opts.Logger == nil {
        opts.Logger = log.Default()
    }
    return &Node{opts: opts, log: opts.Logger, lch: make(chan c.LeaderInfo, 16)}, nil
}

func (n *Node) raft() *raft.Raft {
    n.mu.RLock()
    defer n.mu.RUnlock()
    return n.r
}

func (n *Node) Start(ctx context.Context) error {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.r != nil {
        return nil
    }

    cfg := raft.DefaultConfig()
    cfg.LocalID = raft.ServerID(n.opts.NodeID)
    cfg.TrailingLogs = keptLogs
    if n.opts.HeartbeatTimeout > 0 {
        cfg.HeartbeatTimeout = n.opts.HeartbeatTimeout
        // Keep lease <= heartbeat to satisfy invariants
        if cfg.LeaderLeaseTimeout > cfg.HeartbeatTimeout {
            cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout / 2
            if cfg.LeaderLeaseTimeout == 0 { cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout }
        }
    }
    if n.opts.ElectionTimeout > 0 { cfg.ElectionTimeout = n.opts.ElectionTimeout }
    if n.opts.CommitTimeout > 0 { cfg.CommitTimeout = n.opts.CommitTimeout }

    var (
        logs   raft.LogStore
        stable raft.StableStore
        snaps  raft.SnapshotStore
        addr   raft.ServerAddress
        trans  raft.Transport
        err    error
    )

    // Storage selection: on-disk when DataDir provided, else in-memory.
    if n.opts.DataDir != "" {
        if n.opts.SnapshotsRetained == 0 { n.opts.SnapshotsRetained = 2 }
        if err := os.MkdirAll(n.opts.DataDir, 0o755); err != nil { return err }
        bstore, err := raftboltdb.NewBoltStore(filepath.Join(n.opts.DataDir, "raft.db"))
        if err != nil { return err }
        n.bolt = bstore
        logs = bstore
        stable = bstore
        snaps, err = raft.NewFileSnapshotStore(n.opts.DataDir, n.opts.SnapshotsRetained, os.Stderr)
        if err != nil { return err }
    } else {
        logs = raft.NewInmemStore()
        stable = raft.NewInmemStore()
        snaps = raft.NewInmemSnapshotStore()
    }

    // Transport selection
    if n.opts.BindAddr != "" {
        nt, err := raft.NewTCPTransport(n.opts.BindAddr, nil, 3, 1*time.Second, os.Stderr)
        if err != nil { return err }
        trans = nt
        addr = nt.LocalAddr()
    } else {
        addr, trans = raft.NewInmemTransport(raft.ServerAddress(n.opts.NodeID))
    }

    r, err := raft.NewRaft(cfg, newMachineFSM(n.opts.Machine), logs, stable, snaps, trans)
    if err != nil {
        return err
    }
    n.r = r
    n.logs = logs
    n.addr = addr
    n.trans = trans
    if lb, ok := trans.(raft.LoopbackTransport); ok { n.lb = lb }

    // Observe leadership changes and forward to LeaderCh.
    obsCh := make(chan raft.Observation, 32)
    observer := raft.NewObserver(obsCh, false, func(o *raft.Observation) bool {
        _, ok := o.Data.(raft.LeaderObservation)
        return ok
    })
    r.RegisterObserver(observer)
    go func() {
        for range obsCh {
            if id, addr, ok := n.Leader(); ok {
                n.emitLeader(c.LeaderInfo{ID: id, Addr: addr, Term: n.Term()})
            }
        }
    }()

    if n.opts.Bootstrap {
        cfgs := raft.Configuration{Servers: []raft.Server{{
            ID:      cfg.LocalID,
            Address: addr,
        }}}
        if err := r.BootstrapCluster(cfgs).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
            return err
        }
    }

    go func() {
        <-ctx.Done()
        _ = n.Stop()
    }()
    return nil
}

// Addr is the raft transport address other nodes reach this node at.
func (n *Node) Addr() string {
    n.mu.RLock()
    defer n.mu.RUnlock()
    return string(n.addr)
}

// Apply replicates cmd and waits for the state machine to run it. A state
// machine error is returned together with the position it was committed at.
func (n *Node) Apply(cmd c.Command, timeout time.Duration) (c.Applied, error) {
    r := n.raft()
    if r == nil { return c.Applied{}, ErrNotStarted }
    if r.State() != raft.Leader { return c.Applied{}, ErrNotLeader }
    data, err := json.Marshal(cmd)
    if err != nil { return c.Applied{}, err }
    t := timeout
    if t <= 0 && n.opts.ApplyTimeout > 0 { t = n.opts.ApplyTimeout }
    af := r.Apply(data, t)
    if err := af.Error(); err != nil {
        if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) { return c.Applied{}, ErrNotLeader }
        return c.Applied{}, err
    }
    resp, ok := af.Response().(fsmResponse)
    if !ok { return c.Applied{}, fmt.Errorf("raftcons: unexpected fsm response %T", af.Response()) }
    return c.Applied{TxID: resp.at, Result: resp.res}, resp.err
}

func (n *Node) IsLeader() bool {
    r := n.raft()
    if r == nil { return false }
    return r.State() == raft.Leader
}

func (n *Node) Leader() (id string, addr string, ok bool) {
    r := n.raft()
    if r == nil { return "", "", false }
    a, sid := r.LeaderWithID()
    if sid == "" { return "", "", false }
    return string(sid), string(a), true
}

func (n *Node) Term() uint64 {
    r := n.raft()
    if r == nil { return 0 }
    if v := r.Stats()["term"]; v != "" {
        if u, err := strconv.ParseUint(v, 10, 64); err == nil { return u }
    }
    return 0
}

// CommitPoint returns the last applied log position.
func (n *Node) CommitPoint() (txstatus.TxID, error) {
    r := n.raft()
    if r == nil { return txstatus.TxID{}, ErrNotStarted }
    idx := r.AppliedIndex()
    if idx == 0 { return txstatus.TxID{}, nil }
    view, err := n.ViewAt(idx)
    if err != nil { return txstatus.TxID{}, err }
    return txstatus.TxID{View: view, Seqno: idx}, nil
}

// ViewAt returns the term of the local log entry at seqno, 0 if absent.
func (n *Node) ViewAt(seqno uint64) (uint64, error) {
    n.mu.RLock()
    logs := n.logs
    n.mu.RUnlock()
    if logs == nil { return 0, ErrNotStarted }
    var l raft.Log
    if err := logs.GetLog(seqno, &l); err != nil {
        if errors.Is(err, raft.ErrLogNotFound) { return 0, nil }
        return 0, err
    }
    return l.Term, nil
}

func (n *Node) Stop() error {
    n.mu.Lock()
    r, bolt := n.r, n.bolt
    n.r, n.bolt = nil, nil
    n.mu.Unlock()
    if r == nil { return nil }
    err := r.Shutdown().Error()
    if bolt != nil { _ = bolt.Close() }
    return err
}

var (
    _ c.Consensus      = (*Node)(nil)
    _ c.History        = (*Node)(nil)
    _ c.LeaderNotifier = (*Node)(nil)
    _ c.Reconfigurer   = (*Node)(nil)
)

func (n *Node) LeaderCh() <-chan c.LeaderInfo { return n.lch }

func (n *Node) emitLeader(li c.LeaderInfo) {
    select {
    case n.lch <- li:
    default:
        // drop to avoid blocking; last-writer-wins semantics are ok for leadership
    }
}

// ConnectInmem wires the in-memory transports of a and b to each other.
func ConnectInmem(a, b *Node) error {
    if a.lb == nil || b.lb == nil { return errors.New("raftcons: loopback transport expected") }
    a.lb.Connect(b.addr, b.trans)
    b.lb.Connect(a.addr, a.trans)
    return nil
}

// --- Dynamic Reconfiguration ---

// AddVoter adds a voting server to the Raft cluster if not already present.
func (n *Node) AddVoter(id, addr string, timeout time.Duration) error {
    r := n.raft()
    if r == nil { return ErrNotStarted }
    cfg := r.GetConfiguration()
    if err := cfg.Error(); err == nil {
        for _, srv := range cfg.Configuration().Servers {
            if string(srv.ID) == id {
                if string(srv.Address) == addr {
                    return nil
                }
                // Remove stale entry with different address before adding
                if err := r.RemoveServer(srv.ID, 0, timeout).Error(); err != nil { return err }
                break
            }
        }
    }
    return r.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, timeout).Error()
}

// RemoveServer removes a server from the Raft cluster if present.
func (n *Node) RemoveServer(id string, timeout time.Duration) error {
    r := n.raft()
    if r == nil { return ErrNotStarted }
    return r.RemoveServer(raft.ServerID(id), 0, timeout).Error()
}

// Servers lists the current Raft configuration.
func (n *Node) Servers() ([]c.Server, error) {
    r := n.raft()
    if r == nil { return nil, ErrNotStarted }
    f := r.GetConfiguration()
    if err := f.Error(); err != nil { return nil, err }
    var out []c.Server
    for _, s := range f.Configuration().Servers {
        out = append(out, c.Server{ID: string(s.ID), Addr: string(s.Address), Voter: s.Suffrage == raft.Voter})
    }
    return out, nil
}
