package cli

import (
    "encoding/json"
    "fmt"
    "log"
    "strings"

    "github.com/spf13/cobra"

    "github.com/amirimatin/go-consortium/pkg/governance"
    "github.com/amirimatin/go-consortium/pkg/security/keys"
    "github.com/amirimatin/go-consortium/pkg/transport"
)

// govFlags extend conn with the signing members and commit wait settings.
type govFlags struct {
    conn
    members []string
    wait    governance.WaitConfig
}

func (g *govFlags) register(cmd *cobra.Command) {
    g.conn.register(cmd)
    cmd.Flags().StringArrayVar(&g.members, "member", nil, "member as id=privkey.pem, or a bare id for unsigned requests (repeatable)")
    cmd.Flags().DurationVar(&g.wait.Interval, "poll-interval", governance.DefaultPollInterval, "tx status poll interval")
    cmd.Flags().DurationVar(&g.wait.Timeout, "commit-timeout", governance.DefaultCommitTimeout, "how long to wait for global commit")
}

func (g *govFlags) consortium() (*governance.Consortium, error) {
    c := &governance.Consortium{Logger: log.Default(), Wait: g.wait}
    for _, arg := range g.members {
        m, err := keys.ParseMember(arg)
        if err != nil { return nil, err }
        c.Members = append(c.Members, m)
    }
    if err := c.Validate(); err != nil { return nil, err }
    return c, nil
}

// parseAction reads "name" or "name=<json args>".
func parseAction(s string) (transport.Action, error) {
    name, args, ok := strings.Cut(s, "=")
    name = strings.TrimSpace(name)
    if name == "" { return transport.Action{}, fmt.Errorf("empty action in %q", s) }
    if !ok { return transport.Action{Name: name}, nil }
    if !json.Valid([]byte(args)) { return transport.Action{}, fmt.Errorf("action %s: args are not JSON", name) }
    return transport.Action{Name: name, Args: json.RawMessage(args)}, nil
}

// NewGovCommand returns "gov" with the proposal lifecycle and one shortcut
// per action that proposes and votes it through with a majority.
func NewGovCommand() *cobra.Command {
    parent := &cobra.Command{Use: "gov", Short: "submit and vote on governance proposals"}
    parent.AddCommand(newProposeCmd(), newVoteCmd(), newWithdrawCmd(), newAckCmd(), newShowCmd())
    parent.AddCommand(
        newActionCmd("open-network", "Open the service to users", 0, func(args []string) (string, any, error) {
            return transport.ActionOpenNetwork, nil, nil
        }),
        newActionCmd("trust-node ID", "Make a PENDING node a consensus voter", 1, idAction(transport.ActionTrustNode)),
        newActionCmd("retire-node ID", "Remove a node from the voter set", 1, idAction(transport.ActionRetireNode)),
        newActionCmd("retire-member ID", "Retire a member", 1, idAction(transport.ActionRetireMember)),
        newActionCmd("add-user ID", "Register an application user", 1, idAction(transport.ActionNewUser)),
        newActionCmd("remove-user ID", "Remove an application user", 1, idAction(transport.ActionRemoveUser)),
        newActionCmd("add-member ID=PUBKEY.pem", "Register a member; it votes after acking", 1, func(args []string) (string, any, error) {
            m, err := keys.ParseMemberArgs(args[0])
            return transport.ActionNewMember, m, err
        }),
    )
    return parent
}

func idAction(name string) func([]string) (string, any, error) {
    return func(args []string) (string, any, error) { return name, transport.IDArgs{ID: args[0]}, nil }
}

func newActionCmd(use, short string, nargs int, build func(args []string) (string, any, error)) *cobra.Command {
    var g govFlags
    cmd := &cobra.Command{
        Use:   use,
        Short: short,
        Args:  cobra.ExactArgs(nargs),
        RunE: func(cmd *cobra.Command, args []string) error {
            name, v, err := build(args)
            if err != nil { return err }
            a, err := transport.NewAction(name, v)
            if err != nil { return err }
            c, err := g.consortium()
            if err != nil { return err }
            node, err := g.node()
            if err != nil { return err }
            ctx, cancel := signalContext()
            defer cancel()
            res, err := c.ProposeAndAccept(ctx, node, a)
            if err != nil { return err }
            return printJSON(cmd.OutOrStdout(), resultView(res))
        },
    }
    g.register(cmd)
    return cmd
}

type resultJSON struct {
    ProposalID string   `json:"proposal_id"`
    Accepted   bool     `json:"accepted"`
    Voters     []string `json:"voters"`
    TxID       string   `json:"tx_id"`
}

func resultView(r *governance.Result) resultJSON {
    return resultJSON{ProposalID: r.ProposalID, Accepted: r.Accepted, Voters: r.VoterIDs(), TxID: r.TxID.String()}
}

func newProposeCmd() *cobra.Command {
    var (
        g       govFlags
        actions []string
        vote    bool
    )
    cmd := &cobra.Command{
        Use:   "propose",
        Short: "Submit a proposal as the first --member",
        RunE: func(cmd *cobra.Command, args []string) error {
            var p transport.Proposal
            for _, s := range actions {
                a, err := parseAction(s)
                if err != nil { return err }
                p.Actions = append(p.Actions, a)
            }
            if len(p.Actions) == 0 { return fmt.Errorf("at least one --action is required") }
            c, err := g.consortium()
            if err != nil { return err }
            node, err := g.node()
            if err != nil { return err }
            ctx, cancel := signalContext()
            defer cancel()
            id, err := c.Propose(ctx, node, c.Members[0], p)
            if err != nil { return err }
            if !vote { return printJSON(cmd.OutOrStdout(), map[string]string{"proposal_id": id}) }
            res, err := c.VoteUsingMajority(ctx, node, id, governance.WaitForGlobalCommit(true))
            if err != nil { return err }
            return printJSON(cmd.OutOrStdout(), resultView(res))
        },
    }
    cmd.Flags().StringArrayVar(&actions, "action", nil, "action as name or name=<json args> (repeatable, applied in order)")
    cmd.Flags().BoolVar(&vote, "vote", false, "vote the proposal through with a majority of --member and wait for commit")
    g.register(cmd)
    return cmd
}

func newVoteCmd() *cobra.Command {
    var (
        g                      govFlags
        reject, unsigned, wait bool
    )
    cmd := &cobra.Command{
        Use:   "vote PROPOSAL",
        Short: "Cast a ballot for every --member, in order",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            c, err := g.consortium()
            if err != nil { return err }
            node, err := g.node()
            if err != nil { return err }
            var opts []governance.VoteOption
            if unsigned { opts = append(opts, governance.Unsigned()) }
            if wait { opts = append(opts, governance.WaitForGlobalCommit(true)) }
            ctx, cancel := signalContext()
            defer cancel()
            accepted := false
            for _, m := range c.Members {
                accepted, err = c.Vote(ctx, node, m, args[0], !reject, opts...)
                if err != nil { return err }
            }
            return printJSON(cmd.OutOrStdout(), map[string]any{"proposal_id": args[0], "accepted": accepted})
        },
    }
    cmd.Flags().BoolVar(&reject, "reject", false, "vote against the proposal")
    cmd.Flags().BoolVar(&unsigned, "unsigned", false, "do not sign the ballot")
    cmd.Flags().BoolVar(&wait, "wait", false, "wait for global commit of an accepting ballot")
    g.register(cmd)
    return cmd
}

func newWithdrawCmd() *cobra.Command {
    var g govFlags
    cmd := &cobra.Command{
        Use:   "withdraw PROPOSAL",
        Short: "Withdraw an open proposal as its proposer (first --member)",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            c, err := g.consortium()
            if err != nil { return err }
            node, err := g.node()
            if err != nil { return err }
            ctx, cancel := signalContext()
            defer cancel()
            info, err := c.Withdraw(ctx, node, c.Members[0], args[0])
            if err != nil { return err }
            return printJSON(cmd.OutOrStdout(), info)
        },
    }
    g.register(cmd)
    return cmd
}

func newAckCmd() *cobra.Command {
    var g govFlags
    cmd := &cobra.Command{
        Use:   "ack",
        Short: "Activate every --member that was added by new_member",
        RunE: func(cmd *cobra.Command, args []string) error {
            c, err := g.consortium()
            if err != nil { return err }
            node, err := g.node()
            if err != nil { return err }
            ctx, cancel := signalContext()
            defer cancel()
            var out []transport.AckResponse
            for _, m := range c.Members {
                resp, err := c.Ack(ctx, node, m)
                if err != nil { return err }
                out = append(out, resp)
            }
            return printJSON(cmd.OutOrStdout(), out)
        },
    }
    g.register(cmd)
    return cmd
}

func newShowCmd() *cobra.Command {
    var c conn
    cmd := &cobra.Command{
        Use:   "show PROPOSAL",
        Short: "Print the server side record of a proposal",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            node, err := c.node()
            if err != nil { return err }
            ctx, cancel := signalContext()
            defer cancel()
            info, err := node.GetProposal(ctx, args[0])
            if err != nil { return err }
            return printJSON(cmd.OutOrStdout(), info)
        },
    }
    c.register(cmd)
    return cmd
}
