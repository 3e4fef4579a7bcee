package cli

import (
    "fmt"
    "log"
    "sort"

    "github.com/spf13/cobra"

    "github.com/amirimatin/go-consortium/pkg/bootstrap"
    "github.com/amirimatin/go-consortium/pkg/discovery"
    "github.com/amirimatin/go-consortium/pkg/history"
    "github.com/amirimatin/go-consortium/pkg/transport"
)

type reportJSON struct {
    Node     string `json:"node"`
    Commit   string `json:"commit"`
    Seqnos   int    `json:"seqnos"`
    Queries  int    `json:"queries"`
    Duration string `json:"duration"`
}

// NewHistoryCommand returns "history verify", which sweeps the committed
// history of every target node and fails when a seqno has more than one view
// or none.
func NewHistoryCommand() *cobra.Command {
    parent := &cobra.Command{Use: "history", Short: "verify consensus view history"}
    var (
        c       conn
        cfg     bootstrap.Config
        workers int
    )
    verify := &cobra.Command{
        Use:   "verify",
        Short: "Verify that every committed seqno has exactly one view",
        RunE: func(cmd *cobra.Command, args []string) error {
            cfg.Logger = log.Default()
            d, err := cfg.Discovery()
            if err != nil { return err }
            eps := discovery.Endpoints(d)
            if len(eps) == 0 { eps = []discovery.Endpoint{discovery.ParseEndpoint(c.addr)} }
            cl, err := c.client()
            if err != nil { return err }
            targets := make(map[string]transport.NodeClient, len(eps))
            for _, e := range eps { targets[e.Name] = transport.Bind(cl, e.Addr) }

            ctx, cancel := signalContext()
            defer cancel()
            v := history.Verifier{Workers: workers, Logger: log.Default()}
            reports, err := v.VerifyAll(ctx, targets)
            names := make([]string, 0, len(reports))
            for n := range reports { names = append(names, n) }
            sort.Strings(names)
            out := make([]reportJSON, 0, len(names))
            for _, n := range names {
                r := reports[n]
                out = append(out, reportJSON{Node: n, Commit: r.Commit.String(), Seqnos: len(r.Entries), Queries: r.Queries, Duration: r.Duration.String()})
            }
            if perr := printJSON(cmd.OutOrStdout(), out); perr != nil { return perr }
            if err != nil { return fmt.Errorf("history: %w", err) }
            return nil
        },
    }
    verify.Flags().StringVar(&cfg.DiscoveryKind, "discovery", "static", "target discovery backend: static|dns|file")
    verify.Flags().StringVar(&cfg.SeedsCSV, "targets", "", "comma-separated name=host:port management addresses; --addr when empty")
    verify.Flags().StringVar(&cfg.DNSNamesCSV, "dns-names", "", "comma-separated DNS names or SRV records")
    verify.Flags().IntVar(&cfg.DNSPort, "dns-port", 17946, "port used for A/AAAA lookups")
    verify.Flags().StringVar(&cfg.FilePath, "file-path", "", "path or glob to a file with targets")
    verify.Flags().StringVar(&cfg.FileEnv, "file-env", "-", "ENV var with CSV targets; overrides the file when set")
    verify.Flags().IntVar(&workers, "workers", history.DefaultWorkers, "concurrent status queries per node")
    c.register(verify)
    parent.AddCommand(verify)
    return parent
}
