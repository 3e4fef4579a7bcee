package transporttest

import (
    "context"

    "github.com/amirimatin/go-consortium/pkg/transport"
)

// Handlers serves the stub through a server transport. Callers are mapped to
// key-less members; signatures are not checked.
func (c *Cluster) Handlers() transport.Handlers {
    member := func(cl transport.Caller) transport.Member { return transport.Member{ID: cl.MemberID} }
    return transport.Handlers{
        Propose: func(ctx context.Context, cl transport.Caller, p transport.Proposal) (transport.ProposeResponse, error) {
            return c.Propose(ctx, member(cl), p)
        },
        Vote: func(ctx context.Context, cl transport.Caller, req transport.VoteRequest) (transport.VoteResponse, error) {
            return c.Vote(ctx, member(cl), req)
        },
        Withdraw: func(ctx context.Context, cl transport.Caller, id string) (transport.ProposalInfo, error) {
            return c.Withdraw(ctx, member(cl), id)
        },
        Ack: func(ctx context.Context, cl transport.Caller) (transport.AckResponse, error) {
            return c.Ack(ctx, member(cl))
        },
        GetProposal: c.GetProposal,
        TxStatus:    c.TxStatus,
        Commit:      c.Commit,
        Status: func(ctx context.Context) (transport.NodeStatus, error) {
            commit, err := c.Commit(ctx)
            if err != nil { return transport.NodeStatus{}, err }
            c.mu.Lock()
            defer c.mu.Unlock()
            return transport.NodeStatus{ID: "stub", Primary: true, View: c.view, Commit: commit, Service: "OPEN", Members: len(c.members)}, nil
        },
    }
}
