package node

import (
    "context"
    "crypto/ed25519"
    "encoding/json"
    "errors"
    "fmt"
    "slices"
    "strings"

    "github.com/amirimatin/go-consortium/pkg/consensus"
    "github.com/amirimatin/go-consortium/pkg/internal/logutil"
    "github.com/amirimatin/go-consortium/pkg/observability/metrics"
    "github.com/amirimatin/go-consortium/pkg/observability/tracing"
    gs "github.com/amirimatin/go-consortium/pkg/state/governance"
    "github.com/amirimatin/go-consortium/pkg/transport"
    "github.com/amirimatin/go-consortium/pkg/txstatus"
)

// Handlers returns the operations served on the management endpoint.
func (n *Node) Handlers() transport.Handlers {
    return transport.Handlers{
        Propose:     n.handlePropose,
        Vote:        n.handleVote,
        Withdraw:    n.handleWithdraw,
        Ack:         n.handleAck,
        GetProposal: n.handleGetProposal,
        TxStatus:    n.handleTxStatus,
        Commit:      n.handleCommit,
        Status:      n.Status,
        Join:        n.handleJoin,
        AppWrite:    n.handleAppWrite,
    }
}

func observe(op string, err error) {
    metrics.GovernanceRequests.WithLabelValues(op, codeLabel(err)).Inc()
}

func codeLabel(err error) string {
    if err == nil { return "ok" }
    if c := transport.ErrorCode(err); c != "" { return c }
    return transport.CodeInternal
}

// apply replicates one governance command. Only the primary accepts writes.
func (n *Node) apply(op string, v any) (consensus.Applied, error) {
    if !n.cons.IsLeader() { return consensus.Applied{}, n.notPrimary() }
    cmd, err := gs.Encode(op, v)
    if err != nil { return consensus.Applied{}, transport.Errorf(transport.CodeInvalidRequest, "%v", err) }
    res, err := n.cons.Apply(cmd, n.opts.ApplyTimeout)
    if errors.Is(err, consensus.ErrNotLeader) { return res, n.notPrimary() }
    return res, err
}

func (n *Node) notPrimary() error {
    id, mgmt, ok := n.primary()
    if !ok { return transport.Errorf(transport.CodeNotPrimary, "no primary known") }
    return transport.Errorf(transport.CodeNotPrimary, "primary is %s at %s", id, mgmt)
}

// enact carries out reconfiguration requested by an applied proposal.
func (n *Node) enact(effects []gs.Effect) {
    if len(effects) == 0 { return }
    rc, ok := n.cons.(consensus.Reconfigurer)
    if !ok {
        logutil.Warnf(n.log, "node %s: consensus cannot reconfigure, %d effects skipped", n.opts.NodeID, len(effects))
        return
    }
    for _, e := range effects {
        var err error
        switch e.Kind {
        case gs.EffectAddVoter:
            err = rc.AddVoter(e.Node.ID, e.Node.RaftAddr, n.opts.ApplyTimeout)
        case gs.EffectRemoveVoter:
            err = rc.RemoveServer(e.Node.ID, n.opts.ApplyTimeout)
        }
        if err != nil {
            logutil.Errorf(n.log, "node %s: %s %s: %v", n.opts.NodeID, e.Kind, e.Node.ID, err)
            continue
        }
        logutil.Infof(n.log, "node %s: %s %s (%s)", n.opts.NodeID, e.Kind, e.Node.ID, e.Node.RaftAddr)
    }
}

func (n *Node) handlePropose(ctx context.Context, c transport.Caller, p transport.Proposal) (resp transport.ProposeResponse, err error) {
    _, end := tracing.StartSpan(ctx, "node.propose", "member", c.MemberID)
    defer end()
    defer func() { observe("propose", err) }()
    if _, err := n.authenticate(c, nil, "actions", gs.MemberActive); err != nil { return resp, err }
    res, err := n.apply(gs.OpPropose, gs.ProposeCmd{Proposer: c.MemberID, Actions: p.Actions})
    if err != nil { return resp, err }
    out := res.Result.(gs.Outcome)
    n.enact(out.Effects)
    logutil.Infof(n.log, "node %s: %s proposed %s (%s) at %s", n.opts.NodeID, c.MemberID, out.ProposalID, out.State, res.TxID)
    return transport.ProposeResponse{ProposalID: out.ProposalID, State: out.State, TxID: res.TxID}, nil
}

func (n *Node) handleVote(ctx context.Context, c transport.Caller, req transport.VoteRequest) (resp transport.VoteResponse, err error) {
    _, end := tracing.StartSpan(ctx, "node.vote", "member", c.MemberID, "proposal", req.ProposalID)
    defer end()
    defer func() { observe("vote", err) }()
    if err := n.checkBallot(c, req); err != nil { return resp, err }
    res, err := n.apply(gs.OpVote, gs.VoteCmd{Member: c.MemberID, ProposalID: req.ProposalID, Ballot: req.Ballot})
    if err != nil { return resp, err }
    out := res.Result.(gs.Outcome)
    n.enact(out.Effects)
    return transport.VoteResponse{Accepted: out.State == transport.ProposalAccepted, State: out.State, TxID: res.TxID}, nil
}

// checkBallot rejects ballots in the same order the state machine would, then
// authenticates the signature over the request body.
func (n *Node) checkBallot(c transport.Caller, req transport.VoteRequest) error {
    p, ok := n.st.Proposal(req.ProposalID)
    if !ok { return transport.Errorf(transport.CodeProposalNotFound, "proposal %q not found", req.ProposalID) }
    if p.State != transport.ProposalOpen {
        return transport.Errorf(transport.CodeProposalNotOpen, "proposal %s is %s", p.ID, p.State)
    }
    var signed transport.VoteRequest
    if _, err := n.authenticate(c, &signed, "proposal_id,ballot", gs.MemberActive); err != nil { return err }
    if len(c.Signature) > 0 && signed.ProposalID != req.ProposalID {
        return transport.Errorf(transport.CodeInvalidSignature, "ballot by %s was signed for %s", c.MemberID, signed.ProposalID)
    }
    return nil
}

// authenticate resolves the calling member, requires one of states when any
// are given, and checks the signature over c.Body. A signed body must be a
// JSON object with exactly the comma separated fields; it is decoded into
// signed when that is non-nil.
func (n *Node) authenticate(c transport.Caller, signed any, fields string, states ...string) (gs.Member, error) {
    m, ok := n.st.Member(c.MemberID)
    if !ok || m.State == gs.MemberRetired || (len(states) > 0 && !slices.Contains(states, m.State)) {
        return m, transport.Errorf(transport.CodeMemberNotActive, "member %q is not active", c.MemberID)
    }
    if err := n.checkSignature(c, m); err != nil { return m, err }
    if len(c.Signature) == 0 { return m, nil }
    if err := exactFields(c.Body, strings.Split(fields, ",")); err != nil {
        return m, transport.Errorf(transport.CodeInvalidSignature, "signed body from %s: %v", c.MemberID, err)
    }
    if signed != nil {
        if err := json.Unmarshal(c.Body, signed); err != nil {
            return m, transport.Errorf(transport.CodeInvalidRequest, "bad request: %v", err)
        }
    }
    return m, nil
}

// checkSignature verifies c.Signature over c.Body with the key of m. Unsigned
// requests pass only when the node allows unsigned ballots.
func (n *Node) checkSignature(c transport.Caller, m gs.Member) error {
    if len(c.Signature) == 0 {
        if n.opts.AllowUnsignedBallots { return nil }
        return transport.Errorf(transport.CodeVoteNotSigned, "request by %s is not signed", c.MemberID)
    }
    if !ed25519.Verify(ed25519.PublicKey(m.PublicKey), c.Body, c.Signature) {
        return transport.Errorf(transport.CodeInvalidSignature, "bad signature from %s", c.MemberID)
    }
    return nil
}

// exactFields reports an error unless body is a JSON object whose keys are
// exactly fields. Each operation signs a distinct key set.
func exactFields(body []byte, fields []string) error {
    var obj map[string]json.RawMessage
    if err := json.Unmarshal(body, &obj); err != nil { return fmt.Errorf("not a JSON object: %w", err) }
    if len(obj) != len(fields) { return fmt.Errorf("want fields %v", fields) }
    for _, f := range fields {
        if _, ok := obj[f]; !ok { return fmt.Errorf("missing field %q", f) }
    }
    return nil
}

func (n *Node) handleWithdraw(ctx context.Context, c transport.Caller, id string) (info transport.ProposalInfo, err error) {
    _, end := tracing.StartSpan(ctx, "node.withdraw", "member", c.MemberID, "proposal", id)
    defer end()
    defer func() { observe("withdraw", err) }()
    var signed transport.WithdrawRequest
    if _, err := n.authenticate(c, &signed, "proposal_id"); err != nil { return info, err }
    if len(c.Signature) > 0 && signed.ProposalID != id {
        return info, transport.Errorf(transport.CodeInvalidSignature, "withdrawal by %s was signed for %q", c.MemberID, signed.ProposalID)
    }
    res, err := n.apply(gs.OpWithdraw, gs.WithdrawCmd{Member: c.MemberID, ProposalID: id})
    if err != nil { return info, err }
    return res.Result.(transport.ProposalInfo), nil
}

func (n *Node) handleAck(ctx context.Context, c transport.Caller) (resp transport.AckResponse, err error) {
    _, end := tracing.StartSpan(ctx, "node.ack", "member", c.MemberID)
    defer end()
    defer func() { observe("ack", err) }()
    var signed transport.AckRequest
    if _, err := n.authenticate(c, &signed, "member_id", gs.MemberAccepted, gs.MemberActive); err != nil { return resp, err }
    if len(c.Signature) > 0 && signed.MemberID != c.MemberID {
        return resp, transport.Errorf(transport.CodeInvalidSignature, "ack by %s was signed for %q", c.MemberID, signed.MemberID)
    }
    res, err := n.apply(gs.OpAck, gs.AckCmd{Member: c.MemberID})
    if err != nil { return resp, err }
    return transport.AckResponse{MemberID: c.MemberID, State: res.Result.(string), TxID: res.TxID}, nil
}

func (n *Node) handleGetProposal(_ context.Context, id string) (transport.ProposalInfo, error) {
    p, ok := n.st.Proposal(id)
    if !ok { return p, transport.Errorf(transport.CodeProposalNotFound, "proposal %q not found", id) }
    return p, nil
}

// handleTxStatus derives the status of id from the local log.
func (n *Node) handleTxStatus(_ context.Context, id txstatus.TxID) (txstatus.Status, error) {
    if !id.Valid() { return txstatus.Unknown, transport.Errorf(transport.CodeInvalidRequest, "invalid tx id %s", id) }
    commit, err := n.cons.CommitPoint()
    if err != nil { return txstatus.Unknown, err }
    view, err := n.cons.ViewAt(id.Seqno)
    if err != nil { return txstatus.Unknown, err }
    return txstatus.Derive(id, view, commit)
}

func (n *Node) handleCommit(context.Context) (txstatus.TxID, error) { return n.cons.CommitPoint() }

// handleJoin records a joining node as PENDING. Followers pass the request
// on to the primary.
func (n *Node) handleJoin(ctx context.Context, req transport.JoinRequest) (resp transport.JoinResponse, err error) {
    ctx, end := tracing.StartSpan(ctx, "node.join", "id", req.ID)
    defer end()
    if !n.cons.IsLeader() {
        return n.forwardJoin(ctx, req)
    }
    res, err := n.apply(gs.OpJoin, req)
    if err != nil {
        metrics.JoinRequests.WithLabelValues("rejected").Inc()
        logutil.Warnf(n.log, "node %s: join of %s rejected: %v", n.opts.NodeID, req.ID, err)
        return resp, err
    }
    metrics.JoinRequests.WithLabelValues("accepted").Inc()
    logutil.Infof(n.log, "node %s: %s joined as %s (raft %s)", n.opts.NodeID, req.ID, res.Result, req.RaftAddr)
    return transport.JoinResponse{State: res.Result.(string), PrimaryAddr: n.Addr(), TxID: res.TxID}, nil
}

func (n *Node) forwardJoin(ctx context.Context, req transport.JoinRequest) (transport.JoinResponse, error) {
    _, mgmt, ok := n.primary()
    if !ok || mgmt == "" || n.opts.RPCClient == nil {
        metrics.JoinRequests.WithLabelValues("rejected").Inc()
        return transport.JoinResponse{}, n.notPrimary()
    }
    metrics.JoinRequests.WithLabelValues("forwarded").Inc()
    return n.opts.RPCClient.Join(ctx, mgmt, req)
}

// handleAppWrite commits one user write and returns its Tx ID. Followers
// forward the write to the primary.
func (n *Node) handleAppWrite(ctx context.Context, c transport.Caller, req transport.AppWriteRequest) (resp transport.AppWriteResponse, err error) {
    ctx, end := tracing.StartSpan(ctx, "node.app_write", "user", c.UserID)
    defer end()
    defer func() {
        if err != nil {
            metrics.AppWrites.WithLabelValues(codeLabel(err)).Inc()
        }
    }()
    if c.UserID == "" { return resp, transport.Errorf(transport.CodeUserNotFound, "no user identity") }
    if !n.cons.IsLeader() {
        _, mgmt, ok := n.primary()
        if !ok || mgmt == "" || n.opts.RPCClient == nil { return resp, n.notPrimary() }
        metrics.AppWrites.WithLabelValues("forwarded").Inc()
        return n.opts.RPCClient.AppWrite(ctx, mgmt, c.UserID, req)
    }
    res, err := n.apply(gs.OpAppWrite, gs.AppWriteCmd{User: c.UserID, Key: req.Key, Value: req.Value})
    if err != nil { return resp, err }
    metrics.AppWrites.WithLabelValues("ok").Inc()
    logutil.Debugf(n.log, "node %s: write %s by %s at %s", n.opts.NodeID, req.Key, c.UserID, res.TxID)
    return transport.AppWriteResponse{TxID: res.TxID}, nil
}
