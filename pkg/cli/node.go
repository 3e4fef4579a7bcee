package cli

import (
    "fmt"
    "log"
    "time"

    petname "github.com/dustinkirkland/golang-petname"
    "github.com/spf13/cobra"

    "github.com/amirimatin/go-consortium/pkg/bootstrap"
    "github.com/amirimatin/go-consortium/pkg/security/keys"
    gs "github.com/amirimatin/go-consortium/pkg/state/governance"
    "github.com/amirimatin/go-consortium/pkg/transport"
)

// NewNodeCommand returns "node" with run/status/join.
func NewNodeCommand() *cobra.Command {
    parent := &cobra.Command{Use: "node", Short: "run and inspect consortium nodes"}
    parent.AddCommand(NewRunCmd())
    parent.AddCommand(NewStatusCmd())
    parent.AddCommand(NewJoinCmd())
    return parent
}

// genesisFrom loads the genesis members from id=pubkey.pem entries.
func genesisFrom(members, users []string) (*gs.Genesis, error) {
    if len(members) == 0 { return nil, nil }
    g := &gs.Genesis{Users: users}
    for _, arg := range members {
        m, err := keys.ParseMemberArgs(arg)
        if err != nil { return nil, err }
        g.Members = append(g.Members, m)
    }
    return g, nil
}

// NewRunCmd returns "node run", which starts a node and blocks until
// interrupted.
func NewRunCmd() *cobra.Command {
    var (
        cfg            bootstrap.Config
        tf             tlsFlags
        members, users []string
    )
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run a consortium node",
        RunE: func(cmd *cobra.Command, args []string) error {
            if cfg.NodeID == "" {
                cfg.NodeID = petname.Generate(2, "-")
                log.Printf("node id not given, using %s", cfg.NodeID)
            }
            g, err := genesisFrom(members, users)
            if err != nil { return err }
            if g == nil && cfg.Bootstrap { return fmt.Errorf("--bootstrap needs at least one --genesis-member") }
            cfg.Genesis = g
            cfg.TLSEnable, cfg.TLSCA, cfg.TLSCert, cfg.TLSKey = tf.enable, tf.ca, tf.cert, tf.key
            cfg.TLSServerName, cfg.TLSSkipVerify = tf.serverName, tf.skip
            cfg.Logger = log.Default()

            ctx, cancel := signalContext()
            defer cancel()
            n, err := bootstrap.Run(ctx, cfg)
            if err != nil { return err }
            defer n.Close()

            fmt.Fprintf(cmd.OutOrStdout(), "node %s serving at %s. Press Ctrl+C to exit.\n", n.ID(), n.Addr())
            <-ctx.Done()
            return nil
        },
    }
    f := cmd.Flags()
    f.StringVar(&cfg.NodeID, "id", "", "node id (default: a generated petname)")
    f.StringVar(&cfg.RaftAddr, "raft-addr", "127.0.0.1:9520", "raft bind addr (tcp host:port)")
    f.StringVar(&cfg.MemBind, "mem-bind", ":7946", "gossip bind addr (host:port, empty disables gossip)")
    f.StringVar(&cfg.MemAdv, "mem-adv", "", "gossip advertise addr (host:port, optional)")
    f.StringVar(&cfg.SeedsCSV, "seeds", "", "comma-separated gossip seeds (host:port) used by discovery=static")
    f.StringVar(&cfg.JoinAddr, "join", "", "management address of an existing node to join through")
    f.StringVar(&cfg.MgmtAddr, "mgmt-addr", ":17946", "management address (tcp)")
    f.StringVar(&cfg.MgmtProto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
    f.StringVar(&cfg.DiscoveryKind, "discovery", "static", "seed discovery backend: static|dns|file")
    f.StringVar(&cfg.DNSNamesCSV, "dns-names", "", "comma-separated DNS names or SRV records (e.g., _consortium._tcp.example.com)")
    f.IntVar(&cfg.DNSPort, "dns-port", 7946, "port used for A/AAAA lookups")
    f.DurationVar(&cfg.DiscRefresh, "disc-refresh", 5*time.Second, "discovery refresh/cache duration")
    f.StringVar(&cfg.FilePath, "file-path", "", "path or glob to a file with seeds (one per line or CSV)")
    f.StringVar(&cfg.FileEnv, "file-env", "", "ENV var with CSV seeds; overrides the file when set")
    f.StringVar(&cfg.DataDir, "data", "", "raft data dir (empty keeps everything in memory)")
    f.BoolVar(&cfg.Bootstrap, "bootstrap", false, "bootstrap a new service with this node as the only voter")
    f.StringArrayVar(&members, "genesis-member", nil, "genesis member as id=pubkey.pem (repeatable)")
    f.StringArrayVar(&users, "genesis-user", nil, "genesis user id (repeatable)")
    f.BoolVar(&cfg.AllowUnsignedBallots, "allow-unsigned-ballots", false, "accept member requests without a signature")
    f.DurationVar(&cfg.ApplyTimeout, "apply-timeout", 3*time.Second, "raft apply timeout")
    f.DurationVar(&cfg.RPCTimeout, "rpc-timeout", 3*time.Second, "timeout of forwarded requests")
    tf.register(cmd)
    return cmd
}

// NewStatusCmd returns "node status".
func NewStatusCmd() *cobra.Command {
    var c conn
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Fetch node status as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            node, err := c.node()
            if err != nil { return err }
            ctx, cancel := signalContext()
            defer cancel()
            st, err := node.Status(ctx)
            if err != nil { return fmt.Errorf("status error: %w", err) }
            return printJSON(cmd.OutOrStdout(), st)
        },
    }
    c.register(cmd)
    return cmd
}

// NewJoinCmd returns "node join", which records a node as PENDING on behalf
// of an operator. The node still needs a trust_node proposal.
func NewJoinCmd() *cobra.Command {
    var (
        c   conn
        req transport.JoinRequest
    )
    cmd := &cobra.Command{
        Use:   "join",
        Short: "Ask the primary to record a node as PENDING",
        RunE: func(cmd *cobra.Command, args []string) error {
            if req.ID == "" || req.RaftAddr == "" { return fmt.Errorf("missing required flags: --id and --raft-addr") }
            cl, err := c.client()
            if err != nil { return err }
            ctx, cancel := signalContext()
            defer cancel()
            resp, err := cl.Join(ctx, c.addr, req)
            if err != nil { return fmt.Errorf("join error: %w", err) }
            return printJSON(cmd.OutOrStdout(), resp)
        },
    }
    cmd.Flags().StringVar(&req.ID, "id", "", "node id to add (required)")
    cmd.Flags().StringVar(&req.RaftAddr, "raft-addr", "", "node raft address (host:port, required)")
    cmd.Flags().StringVar(&req.MgmtAddr, "node-mgmt-addr", "", "management address of the joining node")
    c.register(cmd)
    return cmd
}
