// Package bootstrap assembles a consortium node from a flat Config: the
// governance state machine, Raft, gossip, discovery and the management
// transport.
package bootstrap

import (
    "context"
    "crypto/tls"
    "fmt"
    "log"
    "time"

    cns "github.com/amirimatin/go-consortium/pkg/consensus"
    raftcons "github.com/amirimatin/go-consortium/pkg/consensus/raft"
    "github.com/amirimatin/go-consortium/pkg/discovery"
    dDNS "github.com/amirimatin/go-consortium/pkg/discovery/dns"
    dFile "github.com/amirimatin/go-consortium/pkg/discovery/file"
    dStatic "github.com/amirimatin/go-consortium/pkg/discovery/static"
    "github.com/amirimatin/go-consortium/pkg/gossip"
    ml "github.com/amirimatin/go-consortium/pkg/gossip/memberlist"
    "github.com/amirimatin/go-consortium/pkg/node"
    tlsx "github.com/amirimatin/go-consortium/pkg/security/tlsconfig"
    gs "github.com/amirimatin/go-consortium/pkg/state/governance"
    "github.com/amirimatin/go-consortium/pkg/transport"
    mgmtgrpc "github.com/amirimatin/go-consortium/pkg/transport/grpc"
    httpjson "github.com/amirimatin/go-consortium/pkg/transport/httpjson"
)

// Config defines the inputs of one consortium node.
type Config struct {
    // Identity and addresses
    NodeID   string
    RaftAddr string // raft TCP bind, e.g. "127.0.0.1:9520"
    MemBind  string // gossip bind host:port; empty disables gossip
    MemAdv   string // optional advertise host:port

    // Management API (governance, tx status, join, app writes, metrics)
    MgmtAddr  string
    MgmtProto string // "http" (default) or "grpc"

    // Discovery of gossip seeds
    DiscoveryKind string // "static" (default), "dns", or "file"
    SeedsCSV      string
    DNSNamesCSV   string
    DNSPort       int
    DiscRefresh   time.Duration
    FilePath      string
    FileEnv       string

    // JoinAddr is the management address of an existing node. When set the
    // node asks to be recorded as PENDING once started.
    JoinAddr string

    // Persistence and bootstrap
    DataDir   string // empty means in-memory
    Bootstrap bool   // form a single-voter raft cluster

    // Genesis is applied by the first primary of a new service. Only the
    // bootstrapping node needs it.
    Genesis *gs.Genesis

    AllowUnsignedBallots bool
    ApplyTimeout         time.Duration
    RPCTimeout           time.Duration

    // TLS (optional) for the management API
    TLSEnable     bool
    TLSCA         string
    TLSCert       string
    TLSKey        string
    TLSServerName string
    TLSSkipVerify bool

    Logger *log.Logger

    OnPrimaryChange func(info cns.LeaderInfo)
}

// Discovery returns the seed discovery backend selected by cfg.
func (cfg Config) Discovery() (discovery.Discovery, error) {
    switch cfg.DiscoveryKind {
    case "dns":
        opts := dDNS.Options{Names: dStatic.Parse(cfg.DNSNamesCSV), Port: cfg.DNSPort, Refresh: cfg.DiscRefresh, Logger: cfg.Logger}
        return dDNS.New(opts), nil
    case "file":
        return dFile.New(dFile.Options{Path: cfg.FilePath, Env: cfg.FileEnv, Refresh: cfg.DiscRefresh}), nil
    case "", "static":
        return dStatic.New(dStatic.Parse(cfg.SeedsCSV)...), nil
    default:
        return nil, fmt.Errorf("bootstrap: unknown discovery %q", cfg.DiscoveryKind)
    }
}

// TLS returns the server and client TLS configs, both nil when TLS is off.
// The hot reload variants allow certificate rotation by replacing files.
func (cfg Config) TLS() (srv, cli *tls.Config, err error) {
    if !cfg.TLSEnable { return nil, nil, nil }
    topts := tlsx.Options{Enable: true, CAFile: cfg.TLSCA, CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey, InsecureSkipVerify: cfg.TLSSkipVerify, ServerName: cfg.TLSServerName}
    if srv, err = topts.ServerHotReload(); err != nil { return nil, nil, err }
    if cli, err = topts.ClientHotReload(); err != nil { return nil, nil, err }
    return srv, cli, nil
}

// Client returns a management client for proto ("http" or "grpc").
func Client(proto string, timeout time.Duration, cliTLS *tls.Config, logger *log.Logger) (transport.RPCClient, error) {
    if timeout <= 0 { timeout = 3 * time.Second }
    switch proto {
    case "grpc":
        c := mgmtgrpc.NewClient(timeout).WithLogger(logger)
        if cliTLS != nil { c.UseTLS(cliTLS) }
        return c, nil
    case "", "http":
        c := httpjson.NewClient(timeout).WithLogger(logger)
        if cliTLS != nil { c.UseTLS(cliTLS) }
        return c, nil
    default:
        return nil, fmt.Errorf("bootstrap: unknown management protocol %q", proto)
    }
}

func server(proto, addr string, srvTLS *tls.Config, logger *log.Logger) (transport.RPCServer, error) {
    switch proto {
    case "grpc":
        s := mgmtgrpc.NewServer(addr).WithLogger(logger)
        if srvTLS != nil { s.UseTLS(srvTLS) }
        return s, nil
    case "", "http":
        s := httpjson.NewServer(addr, logger)
        if srvTLS != nil { s.UseTLS(srvTLS) }
        return s, nil
    default:
        return nil, fmt.Errorf("bootstrap: unknown management protocol %q", proto)
    }
}

// Build assembles a node from cfg without starting it.
func Build(cfg Config) (*node.Node, error) {
    if cfg.Logger == nil { cfg.Logger = log.Default() }
    if cfg.NodeID == "" { return nil, fmt.Errorf("bootstrap: empty NodeID") }

    disc, err := cfg.Discovery()
    if err != nil { return nil, err }

    st := gs.New()
    cons, err := raftcons.New(raftcons.Options{
        NodeID:       cfg.NodeID,
        Logger:       cfg.Logger,
        Machine:      st,
        Bootstrap:    cfg.Bootstrap,
        BindAddr:     cfg.RaftAddr,
        DataDir:      cfg.DataDir,
        ApplyTimeout: cfg.ApplyTimeout,
    })
    if err != nil { return nil, err }

    // Peers learn each other's management address from gossip metadata so
    // that followers can forward writes to the primary.
    var g gossip.Gossip
    if cfg.MemBind != "" {
        meta := map[string]string{}
        if cfg.MgmtAddr != "" { meta[gossip.MetaMgmt] = cfg.MgmtAddr }
        g, err = ml.New(ml.Options{NodeID: cfg.NodeID, Bind: cfg.MemBind, Advertise: cfg.MemAdv, Logger: cfg.Logger, Meta: meta})
        if err != nil { return nil, err }
    }

    // Without a raft bind the in-memory transport addresses nodes by ID.
    raftAddr := cfg.RaftAddr
    if raftAddr == "" { raftAddr = cfg.NodeID }

    srvTLS, cliTLS, err := cfg.TLS()
    if err != nil { return nil, err }
    srv, err := server(cfg.MgmtProto, cfg.MgmtAddr, srvTLS, cfg.Logger)
    if err != nil { return nil, err }
    cli, err := Client(cfg.MgmtProto, cfg.RPCTimeout, cliTLS, cfg.Logger)
    if err != nil { return nil, err }

    return node.New(node.Options{
        NodeID:               cfg.NodeID,
        Logger:               cfg.Logger,
        RaftAddr:             raftAddr,
        Consensus:            cons,
        State:                st,
        RPCServer:            srv,
        RPCClient:            cli,
        Gossip:               g,
        Discovery:            disc,
        Genesis:              cfg.Genesis,
        AllowUnsignedBallots: cfg.AllowUnsignedBallots,
        ApplyTimeout:         cfg.ApplyTimeout,
        OnPrimaryChange:      cfg.OnPrimaryChange,
    })
}

// Run builds and starts a node, then joins it through JoinAddr when set.
// The caller is responsible for calling Close.
func Run(ctx context.Context, cfg Config) (*node.Node, error) {
    n, err := Build(cfg)
    if err != nil { return nil, err }
    if err := n.Start(ctx); err != nil {
        _ = n.Close()
        return nil, err
    }
    if cfg.JoinAddr != "" {
        if _, err := n.Join(ctx, cfg.JoinAddr); err != nil {
            _ = n.Close()
            return nil, fmt.Errorf("bootstrap: join via %s: %w", cfg.JoinAddr, err)
        }
    }
    return n, nil
}
