// Package governance drives member proposals to acceptance on a consortium
// node and optionally waits for the accepting transaction to reach global
// commit.
package governance

import (
    "context"
    "crypto/ed25519"
    "errors"
    "fmt"
    "log"
    "time"

    "github.com/bits-and-blooms/bitset"

    "github.com/amirimatin/go-consortium/pkg/internal/logutil"
    "github.com/amirimatin/go-consortium/pkg/observability/metrics"
    "github.com/amirimatin/go-consortium/pkg/observability/tracing"
    "github.com/amirimatin/go-consortium/pkg/tracker"
    "github.com/amirimatin/go-consortium/pkg/transport"
    "github.com/amirimatin/go-consortium/pkg/txstatus"
)

// Majority is the number of accept ballots needed among n voting members.
func Majority(n int) int { return n/2 + 1 }

// Consortium is the client side view of the voting members. Members are
// always iterated in slice order.
type Consortium struct {
    Members []transport.Member
    Logger  *log.Logger
    Wait    WaitConfig
}

// Validate checks that members exist and have distinct IDs.
func (c *Consortium) Validate() error {
    if len(c.Members) == 0 { return ErrNoMembers }
    seen := make(map[string]bool, len(c.Members))
    for i, m := range c.Members {
        if m.ID == "" { return fmt.Errorf("governance: member %d has no id", i) }
        if seen[m.ID] { return fmt.Errorf("governance: duplicate member %q", m.ID) }
        seen[m.ID] = true
    }
    return nil
}

// Member returns the member with the given ID.
func (c *Consortium) Member(id string) (transport.Member, bool) {
    for _, m := range c.Members {
        if m.ID == id { return m, true }
    }
    return transport.Member{}, false
}

// Result describes a majority vote.
type Result struct {
    ProposalID string
    Accepted   bool
    // Voters has bit i set when Members[i] cast a ballot.
    Voters *bitset.BitSet
    // TxID is the transaction of the last ballot cast.
    TxID txstatus.TxID

    ids []string
}

// VoterIDs returns the IDs of the members that voted, in member order.
func (r *Result) VoterIDs() []string {
    var out []string
    for i, ok := r.Voters.NextSet(0); ok; i, ok = r.Voters.NextSet(i + 1) {
        out = append(out, r.ids[i])
    }
    return out
}

// Propose submits p on behalf of m and returns the proposal ID. The server
// records the proposer's accept ballot.
func (c *Consortium) Propose(ctx context.Context, node transport.Cluster, m transport.Member, p transport.Proposal) (string, error) {
    ctx, end := tracing.StartSpan(ctx, "governance.propose", "member", m.ID)
    defer end()
    resp, err := node.Propose(ctx, m, p)
    if err != nil {
        metrics.ProposalsSubmitted.WithLabelValues(resultLabel(err)).Inc()
        return "", err
    }
    metrics.ProposalsSubmitted.WithLabelValues("ok").Inc()
    logutil.Infof(c.Logger, "governance: %s proposed %s (%d actions) at %s", m.ID, resp.ProposalID, len(p.Actions), resp.TxID)
    return resp.ProposalID, nil
}

// Vote casts one ballot and reports whether the proposal is accepted after
// it. Ballots are signed whenever the member has a key, unless Unsigned is
// given. With WaitForGlobalCommit an accepting ballot blocks until its
// transaction commits.
func (c *Consortium) Vote(ctx context.Context, node transport.Cluster, m transport.Member, proposalID string, accept bool, opts ...VoteOption) (bool, error) {
    o := buildVoteOptions(opts)
    resp, err := c.vote(ctx, node, m, proposalID, accept, o)
    if err != nil { return false, err }
    if resp.Accepted && o.wait {
        if err := c.WaitForCommit(ctx, node, resp.TxID); err != nil { return true, err }
    }
    return resp.Accepted, nil
}

func (c *Consortium) vote(ctx context.Context, node transport.Cluster, m transport.Member, proposalID string, accept bool, o voteOptions) (transport.VoteResponse, error) {
    ctx, end := tracing.StartSpan(ctx, "governance.vote", "member", m.ID, "proposal", proposalID)
    defer end()
    req := transport.VoteRequest{ProposalID: proposalID, Ballot: accept, Signed: !o.unsigned && m.CanSign()}
    resp, err := node.Vote(ctx, m, req)
    if err != nil {
        metrics.VotesCast.WithLabelValues(resultLabel(err)).Inc()
        logutil.Warnf(c.Logger, "governance: %s vote on %s failed: %v", m.ID, proposalID, err)
        return resp, err
    }
    metrics.VotesCast.WithLabelValues("ok").Inc()
    logutil.Debugf(c.Logger, "governance: %s voted %t on %s -> %s at %s", m.ID, accept, proposalID, resp.State, resp.TxID)
    return resp, nil
}

// VoteUsingMajority casts accept ballots in member order and stops as soon as
// the node reports the proposal accepted. It never casts more than
// Majority(len(Members)) ballots and returns ErrNoQuorum, together with the
// partial Result, when that bound is reached without acceptance.
func (c *Consortium) VoteUsingMajority(ctx context.Context, node transport.Cluster, proposalID string, opts ...VoteOption) (*Result, error) {
    if err := c.Validate(); err != nil { return nil, err }
    o := buildVoteOptions(opts)
    n := len(c.Members)
    res := &Result{ProposalID: proposalID, Voters: bitset.New(uint(n)), ids: make([]string, n)}
    for i, m := range c.Members { res.ids[i] = m.ID }

    limit := Majority(n)
    for i := 0; i < limit; i++ {
        m := c.Members[i]
        resp, err := c.vote(ctx, node, m, proposalID, true, o)
        if err != nil { return res, fmt.Errorf("governance: ballot %d of %d by %s: %w", i+1, limit, m.ID, err) }
        res.Voters.Set(uint(i))
        res.TxID = resp.TxID
        if resp.Accepted {
            res.Accepted = true
            break
        }
    }
    if !res.Accepted { return res, fmt.Errorf("%w: proposal %s after %d ballots", ErrNoQuorum, proposalID, res.Voters.Count()) }
    logutil.Infof(c.Logger, "governance: proposal %s accepted by %v at %s", proposalID, res.VoterIDs(), res.TxID)
    if o.wait {
        if err := c.WaitForCommit(ctx, node, res.TxID); err != nil { return res, err }
    }
    return res, nil
}

// Withdraw retracts an open proposal. Only its proposer may do so.
func (c *Consortium) Withdraw(ctx context.Context, node transport.Cluster, m transport.Member, proposalID string) (transport.ProposalInfo, error) {
    ctx, end := tracing.StartSpan(ctx, "governance.withdraw", "member", m.ID, "proposal", proposalID)
    defer end()
    return node.Withdraw(ctx, m, proposalID)
}

// Ack activates a member that was added by new_member.
func (c *Consortium) Ack(ctx context.Context, node transport.Cluster, m transport.Member) (transport.AckResponse, error) {
    ctx, end := tracing.StartSpan(ctx, "governance.ack", "member", m.ID)
    defer end()
    return node.Ack(ctx, m)
}

// Proposal reads the current server side record of a proposal.
func (c *Consortium) Proposal(ctx context.Context, node transport.Cluster, proposalID string) (transport.ProposalInfo, error) {
    return node.GetProposal(ctx, proposalID)
}

// WaitForCommit polls the status of id until it is committed. Every observed
// status goes through a fresh tracker so an impossible transition surfaces as
// a safety violation. It returns ErrCommitInvalid if id is invalidated and a
// *TimeoutError when the configured timeout elapses first.
func (c *Consortium) WaitForCommit(ctx context.Context, node transport.NodeClient, id txstatus.TxID) error {
    w := c.Wait.withDefaults()
    ctx, end := tracing.StartSpan(ctx, "governance.wait_commit", "tx", id.String())
    defer end()
    start := time.Now()
    deadline := time.NewTimer(w.Timeout)
    defer deadline.Stop()
    tick := time.NewTicker(w.Interval)
    defer tick.Stop()

    tr := tracker.New()
    tr.Track(id.View, id.Seqno)
    var (
        last    = txstatus.Unknown
        lastErr error
    )
    for {
        st, err := node.TxStatus(ctx, id)
        switch {
        case err != nil && ctx.Err() != nil:
            metrics.CommitWaits.WithLabelValues("canceled").Inc()
            return ctx.Err()
        case err != nil:
            lastErr = err
            logutil.Debugf(c.Logger, "governance: status of %s: %v", id, err)
        default:
            if err := tr.Observe(id, st); err != nil {
                metrics.CommitWaits.WithLabelValues("violation").Inc()
                return err
            }
            last, lastErr = st, nil
            switch st {
            case txstatus.Committed:
                metrics.CommitWaits.WithLabelValues("committed").Inc()
                metrics.CommitWaitSeconds.Observe(time.Since(start).Seconds())
                logutil.Debugf(c.Logger, "governance: %s committed after %s", id, time.Since(start))
                return nil
            case txstatus.Invalid:
                metrics.CommitWaits.WithLabelValues("invalid").Inc()
                return fmt.Errorf("%w: %s", ErrCommitInvalid, id)
            }
        }
        select {
        case <-ctx.Done():
            metrics.CommitWaits.WithLabelValues("canceled").Inc()
            return ctx.Err()
        case <-deadline.C:
            metrics.CommitWaits.WithLabelValues("timeout").Inc()
            return &TimeoutError{TxID: id, Last: last, Waited: time.Since(start), LastErr: lastErr}
        case <-tick.C:
        }
    }
}

// ProposeAndAccept proposes actions as the first member and votes them
// through with a majority, waiting for global commit.
func (c *Consortium) ProposeAndAccept(ctx context.Context, node transport.Cluster, actions ...transport.Action) (*Result, error) {
    if err := c.Validate(); err != nil { return nil, err }
    id, err := c.Propose(ctx, node, c.Members[0], transport.Proposal{Actions: actions})
    if err != nil { return nil, err }
    return c.VoteUsingMajority(ctx, node, id, WaitForGlobalCommit(true))
}

func (c *Consortium) single(ctx context.Context, node transport.Cluster, name string, args any) (*Result, error) {
    a, err := transport.NewAction(name, args)
    if err != nil { return nil, err }
    return c.ProposeAndAccept(ctx, node, a)
}

// OpenNetwork moves the service from OPENING to OPEN.
func (c *Consortium) OpenNetwork(ctx context.Context, node transport.Cluster) (*Result, error) {
    return c.single(ctx, node, transport.ActionOpenNetwork, nil)
}

// AddMember registers a new member; it votes only after acking.
func (c *Consortium) AddMember(ctx context.Context, node transport.Cluster, id string, pub ed25519.PublicKey) (*Result, error) {
    if len(pub) != ed25519.PublicKeySize { return nil, errors.New("governance: bad member public key") }
    return c.single(ctx, node, transport.ActionNewMember, transport.MemberArgs{ID: id, PublicKey: pub})
}

func (c *Consortium) RetireMember(ctx context.Context, node transport.Cluster, id string) (*Result, error) {
    return c.single(ctx, node, transport.ActionRetireMember, transport.IDArgs{ID: id})
}

// TrustNode promotes a PENDING node to a consensus voter.
func (c *Consortium) TrustNode(ctx context.Context, node transport.Cluster, id string) (*Result, error) {
    return c.single(ctx, node, transport.ActionTrustNode, transport.IDArgs{ID: id})
}

func (c *Consortium) RetireNode(ctx context.Context, node transport.Cluster, id string) (*Result, error) {
    return c.single(ctx, node, transport.ActionRetireNode, transport.IDArgs{ID: id})
}

func (c *Consortium) AddUser(ctx context.Context, node transport.Cluster, id string) (*Result, error) {
    return c.single(ctx, node, transport.ActionNewUser, transport.IDArgs{ID: id})
}

func (c *Consortium) RemoveUser(ctx context.Context, node transport.Cluster, id string) (*Result, error) {
    return c.single(ctx, node, transport.ActionRemoveUser, transport.IDArgs{ID: id})
}

func resultLabel(err error) string {
    if code := transport.ErrorCode(err); code != "" { return code }
    return "error"
}
