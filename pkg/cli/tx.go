package cli

import (
    "context"
    "fmt"
    "log"
    "time"

    "github.com/spf13/cobra"

    "github.com/amirimatin/go-consortium/pkg/governance"
    "github.com/amirimatin/go-consortium/pkg/tracker"
    "github.com/amirimatin/go-consortium/pkg/transport"
    "github.com/amirimatin/go-consortium/pkg/txstatus"
)

// NewTxCommand returns "tx" with status/commit/wait.
func NewTxCommand() *cobra.Command {
    parent := &cobra.Command{Use: "tx", Short: "query transaction commit status"}
    parent.AddCommand(newTxStatusCmd(), newTxCommitCmd(), newTxWaitCmd())
    return parent
}

func newTxStatusCmd() *cobra.Command {
    var c conn
    cmd := &cobra.Command{
        Use:   "status VIEW.SEQNO",
        Short: "Print the commit status of a Tx ID",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            id, err := txstatus.ParseTxID(args[0])
            if err != nil { return err }
            node, err := c.node()
            if err != nil { return err }
            ctx, cancel := signalContext()
            defer cancel()
            st, err := node.TxStatus(ctx, id)
            if err != nil { return err }
            return printJSON(cmd.OutOrStdout(), transport.TxStatusResponse{TxID: id, Status: st})
        },
    }
    c.register(cmd)
    return cmd
}

func newTxCommitCmd() *cobra.Command {
    var c conn
    cmd := &cobra.Command{
        Use:   "commit",
        Short: "Print the node's last committed Tx ID",
        RunE: func(cmd *cobra.Command, args []string) error {
            node, err := c.node()
            if err != nil { return err }
            ctx, cancel := signalContext()
            defer cancel()
            id, err := node.Commit(ctx)
            if err != nil { return err }
            return printJSON(cmd.OutOrStdout(), transport.CommitResponse{TxID: id})
        },
    }
    c.register(cmd)
    return cmd
}

func newTxWaitCmd() *cobra.Command {
    var (
        c    conn
        wait governance.WaitConfig
    )
    cmd := &cobra.Command{
        Use:   "wait VIEW.SEQNO",
        Short: "Block until a Tx ID is committed",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            id, err := txstatus.ParseTxID(args[0])
            if err != nil { return err }
            node, err := c.node()
            if err != nil { return err }
            ctx, cancel := signalContext()
            defer cancel()
            g := &governance.Consortium{Logger: log.Default(), Wait: wait}
            if err := g.WaitForCommit(ctx, node, id); err != nil { return err }
            return printJSON(cmd.OutOrStdout(), transport.TxStatusResponse{TxID: id, Status: txstatus.Committed})
        },
    }
    cmd.Flags().DurationVar(&wait.Interval, "poll-interval", governance.DefaultPollInterval, "tx status poll interval")
    cmd.Flags().DurationVar(&wait.Timeout, "commit-timeout", governance.DefaultCommitTimeout, "how long to wait")
    c.register(cmd)
    return cmd
}

// NewAppCommand returns "app" with write/load.
func NewAppCommand() *cobra.Command {
    parent := &cobra.Command{Use: "app", Short: "issue application writes"}
    parent.AddCommand(newAppWriteCmd(), newAppLoadCmd())
    return parent
}

func newAppWriteCmd() *cobra.Command {
    var (
        c    conn
        user string
    )
    cmd := &cobra.Command{
        Use:   "write KEY VALUE",
        Short: "Write one key as --user and print its Tx ID",
        Args:  cobra.ExactArgs(2),
        RunE: func(cmd *cobra.Command, args []string) error {
            node, err := c.node()
            if err != nil { return err }
            ctx, cancel := signalContext()
            defer cancel()
            resp, err := node.AppWrite(ctx, user, transport.AppWriteRequest{Key: args[0], Value: args[1]})
            if err != nil { return err }
            return printJSON(cmd.OutOrStdout(), resp)
        },
    }
    cmd.Flags().StringVar(&user, "user", "", "user id")
    c.register(cmd)
    return cmd
}

type loadSummary struct {
    Session   string `json:"session"`
    Writes    int    `json:"writes"`
    Committed int    `json:"committed"`
    Invalid   int    `json:"invalid"`
    Pending   int    `json:"pending"`
    Polls     int    `json:"polls"`
}

// newAppLoadCmd issues a burst of writes and tracks every Tx ID until it
// reaches a final status, failing on any impossible status transition.
func newAppLoadCmd() *cobra.Command {
    var (
        c        conn
        user     string
        count    int
        maxPolls int
        wait     governance.WaitConfig
    )
    cmd := &cobra.Command{
        Use:   "load",
        Short: "Write --count keys and track their commit status",
        RunE: func(cmd *cobra.Command, args []string) error {
            node, err := c.node()
            if err != nil { return err }
            ctx, cancel := signalContext()
            defer cancel()
            tr := tracker.New()
            for i := 0; i < count; i++ {
                resp, err := node.AppWrite(ctx, user, transport.AppWriteRequest{Key: fmt.Sprintf("%s/%d", tr.Session(), i), Value: fmt.Sprint(i)})
                if err != nil { return fmt.Errorf("write %d: %w", i, err) }
                tr.Track(resp.TxID.View, resp.TxID.Seqno)
            }
            sum := loadSummary{Session: tr.Session(), Writes: tr.Len()}
            defer node.SuppressRequestLogging()()
            for sum.Polls < maxPolls && len(tr.Pending()) > 0 {
                if err := tr.Poll(ctx, node); err != nil { return err }
                sum.Polls++
                if len(tr.Pending()) > 0 {
                    if err := sleep(ctx, wait.Interval); err != nil { return err }
                }
            }
            for _, id := range tr.IDs() {
                switch st, _ := tr.Status(id); st {
                case txstatus.Committed:
                    sum.Committed++
                case txstatus.Invalid:
                    sum.Invalid++
                default:
                    sum.Pending++
                }
            }
            return printJSON(cmd.OutOrStdout(), sum)
        },
    }
    cmd.Flags().StringVar(&user, "user", "", "user id")
    cmd.Flags().IntVar(&count, "count", 100, "number of writes")
    cmd.Flags().IntVar(&maxPolls, "max-polls", 100, "give up after this many status sweeps")
    cmd.Flags().DurationVar(&wait.Interval, "poll-interval", governance.DefaultPollInterval, "delay between status sweeps")
    c.register(cmd)
    return cmd
}

func sleep(ctx context.Context, d time.Duration) error {
    t := time.NewTimer(d)
    defer t.Stop()
    select {
    case <-ctx.Done():
        return ctx.Err()
    case <-t.C:
        return nil
    }
}
