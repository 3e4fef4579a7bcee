// Package cli provides the cobra commands of govctl: running a node,
// driving governance, tracking transactions and verifying view history.
package cli

import (
    "context"
    "encoding/json"
    "fmt"
    "io"
    "log"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/spf13/cobra"

    "github.com/amirimatin/go-consortium/pkg/bootstrap"
    "github.com/amirimatin/go-consortium/pkg/internal/logutil"
    tracing "github.com/amirimatin/go-consortium/pkg/observability/tracing"
    tlsx "github.com/amirimatin/go-consortium/pkg/security/tlsconfig"
    "github.com/amirimatin/go-consortium/pkg/transport"
)

// NewRoot returns the root command with every subcommand attached.
func NewRoot(name string) *cobra.Command {
    var (
        logJSON, debug, trace bool
        shutdown              func(context.Context) error
    )
    root := &cobra.Command{
        Use:           name,
        Short:         "consortium governance and consistency tooling",
        SilenceUsage:  true,
        SilenceErrors: true,
        PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
            if logJSON { logutil.SetJSON(true) }
            if debug { logutil.SetDebug(true) }
            var err error
            shutdown, err = tracing.Setup(trace)
            if err != nil { log.Printf("tracing setup error: %v", err) }
            return nil
        },
        PersistentPostRun: func(cmd *cobra.Command, args []string) {
            if shutdown != nil { _ = shutdown(context.Background()) }
        },
    }
    root.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log one JSON object per line")
    root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
    root.PersistentFlags().BoolVar(&trace, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
    AddAll(root)
    return root
}

// AddAll attaches the govctl command groups to root so services can embed
// them in their own CLI.
func AddAll(root *cobra.Command) {
    root.AddCommand(NewNodeCommand())
    root.AddCommand(NewGovCommand())
    root.AddCommand(NewTxCommand())
    root.AddCommand(NewAppCommand())
    root.AddCommand(NewHistoryCommand())
    root.AddCommand(NewKeysCommand())
}

type tlsFlags struct {
    enable, skip              bool
    ca, cert, key, serverName         string
}

func (f *tlsFlags) register(cmd *cobra.Command) {
    cmd.Flags().BoolVar(&f.enable, "tls-enable", false, "enable mTLS for management transport")
    cmd.Flags().StringVar(&f.ca, "tls-ca", "", "path to CA cert (PEM)")
    cmd.Flags().StringVar(&f.cert, "tls-cert", "", "path to certificate (PEM)")
    cmd.Flags().StringVar(&f.key, "tls-key", "", "path to private key (PEM)")
    cmd.Flags().BoolVar(&f.skip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    cmd.Flags().StringVar(&f.serverName, "tls-server-name", "", "expected server name (for TLS validation)")
}

func (f *tlsFlags) options() tlsx.Options {
    return tlsx.Options{Enable: f.enable, CAFile: f.ca, CertFile: f.cert, KeyFile: f.key, InsecureSkipVerify: f.skip, ServerName: f.serverName}
}

// conn holds the flags every client command shares.
type conn struct {
    addr    string
    proto   string
    timeout time.Duration
    tls     tlsFlags
}

func (c *conn) register(cmd *cobra.Command) {
    cmd.Flags().StringVar(&c.addr, "addr", "127.0.0.1:17946", "management address of a node (host:port)")
    cmd.Flags().StringVar(&c.proto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
    cmd.Flags().DurationVar(&c.timeout, "timeout", 5*time.Second, "request timeout")
    c.tls.register(cmd)
}

func (c *conn) client() (transport.RPCClient, error) {
    cfg, err := c.tls.options().Client()
    if err != nil { return nil, fmt.Errorf("tls client config: %w", err) }
    return bootstrap.Client(c.proto, c.timeout, cfg, log.Default())
}

func (c *conn) node() (*transport.Bound, error) {
    cl, err := c.client()
    if err != nil { return nil, err }
    return transport.Bind(cl, c.addr), nil
}

func printJSON(w io.Writer, v any) error {
    enc := json.NewEncoder(w)
    enc.SetIndent("", "  ")
    return enc.Encode(v)
}

func signalContext() (context.Context, context.CancelFunc) {
    return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
