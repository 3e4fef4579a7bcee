package governance

import (
    "crypto/ed25519"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    c "github.com/amirimatin/go-consortium/pkg/consensus"
    "github.com/amirimatin/go-consortium/pkg/transport"
    "github.com/amirimatin/go-consortium/pkg/txstatus"
)

type harness struct {
    t     *testing.T
    s     *State
    seqno uint64
}

func key(t *testing.T) []byte {
    pub, _, err := ed25519.GenerateKey(nil)
    require.NoError(t, err)
    return pub
}

func newHarness(t *testing.T, members ...string) *harness {
    h := &harness{t: t, s: New()}
    g := Genesis{
        Nodes: []transport.NodeInfo{{ID: "n0", RaftAddr: "n0"}},
        Users: []string{"alice"},
    }
    for _, m := range members {
        g.Members = append(g.Members, transport.MemberArgs{ID: m, PublicKey: key(t)})
    }
    _, err := h.apply(OpGenesis, g)
    require.NoError(t, err)
    return h
}

func (h *harness) apply(op string, v any) (any, error) {
    h.t.Helper()
    cmd, err := Encode(op, v)
    require.NoError(h.t, err)
    h.seqno++
    return h.s.Apply(txstatus.TxID{View: 1, Seqno: h.seqno}, cmd)
}

func (h *harness) propose(by string, acts ...transport.Action) Outcome {
    h.t.Helper()
    res, err := h.apply(OpPropose, ProposeCmd{Proposer: by, Actions: acts})
    require.NoError(h.t, err)
    return res.(Outcome)
}

func (h *harness) vote(by, id string, ballot bool) (Outcome, error) {
    h.t.Helper()
    res, err := h.apply(OpVote, VoteCmd{Member: by, ProposalID: id, Ballot: ballot})
    if err != nil { return Outcome{}, err }
    return res.(Outcome), nil
}

func action(t *testing.T, name string, args any) transport.Action {
    a, err := transport.NewAction(name, args)
    require.NoError(t, err)
    return a
}

func TestGenesisOnce(t *testing.T) {
    h := newHarness(t, "m0")
    assert.True(t, h.s.Initialised())
    assert.Equal(t, ServiceOpening, h.s.Service())
    assert.Equal(t, 1, h.s.ActiveMembers())
    n, ok := h.s.Node("n0")
    require.True(t, ok)
    assert.Equal(t, NodeTrusted, n.State)

    _, err := h.apply(OpGenesis, Genesis{Members: []transport.MemberArgs{{ID: "x", PublicKey: key(t)}}})
    assert.Equal(t, transport.CodeInvalidRequest, transport.ErrorCode(err))
}

func TestProposalAcceptedByMajority(t *testing.T) {
    h := newHarness(t, "m0", "m1", "m2")
    out := h.propose("m0", action(t, transport.ActionOpenNetwork, nil))
    assert.Equal(t, "p1", out.ProposalID)
    assert.Equal(t, transport.ProposalOpen, out.State)

    out, err := h.vote("m1", out.ProposalID, true)
    require.NoError(t, err)
    assert.Equal(t, transport.ProposalAccepted, out.State)
    assert.Equal(t, ServiceOpen, h.s.Service())

    info, ok := h.s.Proposal("p1")
    require.True(t, ok)
    assert.Equal(t, map[string]bool{"m0": true, "m1": true}, info.Votes)
    assert.Equal(t, txstatus.TxID{View: 1, Seqno: 3}, info.TxID)

    _, err = h.vote("m2", "p1", true)
    assert.Equal(t, transport.CodeProposalNotOpen, transport.ErrorCode(err))
}

func TestSingleMemberProposalAcceptsImmediately(t *testing.T) {
    h := newHarness(t, "m0")
    out := h.propose("m0", action(t, transport.ActionOpenNetwork, nil))
    assert.Equal(t, transport.ProposalAccepted, out.State)
}

func TestProposalRejected(t *testing.T) {
    h := newHarness(t, "m0", "m1", "m2")
    out := h.propose("m0", action(t, transport.ActionNewUser, transport.IDArgs{ID: "bob"}))
    out, err := h.vote("m1", out.ProposalID, false)
    require.NoError(t, err)
    assert.Equal(t, transport.ProposalOpen, out.State)
    out, err = h.vote("m2", out.ProposalID, false)
    require.NoError(t, err)
    assert.Equal(t, transport.ProposalRejected, out.State)
    assert.False(t, h.s.HasUser("bob"))
}

func TestVoteErrors(t *testing.T) {
    h := newHarness(t, "m0", "m1", "m2")
    _, err := h.vote("m1", "p9", true)
    assert.Equal(t, transport.CodeProposalNotFound, transport.ErrorCode(err))

    out := h.propose("m0", action(t, transport.ActionOpenNetwork, nil))
    _, err = h.vote("stranger", out.ProposalID, true)
    assert.Equal(t, transport.CodeMemberNotActive, transport.ErrorCode(err))

    _, err = h.apply(OpPropose, ProposeCmd{Proposer: "m0", Actions: []transport.Action{{Name: "launch"}}})
    assert.Equal(t, transport.CodeUnknownAction, transport.ErrorCode(err))
    _, err = h.apply(OpPropose, ProposeCmd{Proposer: "stranger", Actions: []transport.Action{{Name: transport.ActionOpenNetwork}}})
    assert.Equal(t, transport.CodeMemberNotActive, transport.ErrorCode(err))
}

func TestFailedProposalLeavesStateUntouched(t *testing.T) {
    h := newHarness(t, "m0")
    out := h.propose("m0",
        action(t, transport.ActionNewUser, transport.IDArgs{ID: "bob"}),
        action(t, transport.ActionRemoveUser, transport.IDArgs{ID: "carol"}),
    )
    assert.Equal(t, transport.ProposalFailed, out.State)
    assert.False(t, h.s.HasUser("bob"))
    info, _ := h.s.Proposal(out.ProposalID)
    assert.Contains(t, info.Failure, "carol")
}

func TestNewMemberNeedsAck(t *testing.T) {
    h := newHarness(t, "m0")
    out := h.propose("m0", action(t, transport.ActionNewMember, transport.MemberArgs{ID: "m1", PublicKey: key(t)}))
    require.Equal(t, transport.ProposalAccepted, out.State)

    m, ok := h.s.Member("m1")
    require.True(t, ok)
    assert.Equal(t, MemberAccepted, m.State)
    assert.Equal(t, 1, h.s.ActiveMembers())

    res, err := h.apply(OpAck, AckCmd{Member: "m1"})
    require.NoError(t, err)
    assert.Equal(t, MemberActive, res)
    assert.Equal(t, 2, h.s.ActiveMembers())

    // Two active members now need both ballots.
    out = h.propose("m0", action(t, transport.ActionOpenNetwork, nil))
    assert.Equal(t, transport.ProposalOpen, out.State)
}

func TestRetireLastMemberFails(t *testing.T) {
    h := newHarness(t, "m0")
    out := h.propose("m0", action(t, transport.ActionRetireMember, transport.IDArgs{ID: "m0"}))
    assert.Equal(t, transport.ProposalFailed, out.State)
    assert.Equal(t, 1, h.s.ActiveMembers())
}

func TestNodeJoinTrustRetire(t *testing.T) {
    h := newHarness(t, "m0")
    res, err := h.apply(OpJoin, transport.JoinRequest{ID: "n1", RaftAddr: "10.0.0.1:7000", MgmtAddr: "10.0.0.1:8000"})
    require.NoError(t, err)
    assert.Equal(t, NodePending, res)

    out := h.propose("m0", action(t, transport.ActionTrustNode, transport.IDArgs{ID: "n1"}))
    require.Equal(t, transport.ProposalAccepted, out.State)
    require.Len(t, out.Effects, 1)
    assert.Equal(t, EffectAddVoter, out.Effects[0].Kind)
    assert.Equal(t, "10.0.0.1:7000", out.Effects[0].Node.RaftAddr)

    // Joining again reports the current state.
    res, err = h.apply(OpJoin, transport.JoinRequest{ID: "n1", RaftAddr: "10.0.0.1:7000"})
    require.NoError(t, err)
    assert.Equal(t, NodeTrusted, res)

    out = h.propose("m0", action(t, transport.ActionRetireNode, transport.IDArgs{ID: "n1"}))
    require.Equal(t, transport.ProposalAccepted, out.State)
    assert.Equal(t, EffectRemoveVoter, out.Effects[0].Kind)
    assert.Len(t, h.s.Nodes(), 2)
}

func TestAppWrites(t *testing.T) {
    h := newHarness(t, "m0")
    w := AppWriteCmd{User: "alice", Key: "k", Value: "v"}
    _, err := h.apply(OpAppWrite, w)
    assert.Equal(t, transport.CodeServiceNotOpen, transport.ErrorCode(err))

    h.propose("m0", action(t, transport.ActionOpenNetwork, nil))
    _, err = h.apply(OpAppWrite, w)
    require.NoError(t, err)
    v, ok := h.s.Value("k")
    assert.True(t, ok)
    assert.Equal(t, "v", v)

    _, err = h.apply(OpAppWrite, AppWriteCmd{User: "mallory", Key: "k"})
    assert.Equal(t, transport.CodeUserNotFound, transport.ErrorCode(err))
}

func TestWithdraw(t *testing.T) {
    h := newHarness(t, "m0", "m1", "m2")
    out := h.propose("m0", action(t, transport.ActionOpenNetwork, nil))

    _, err := h.apply(OpWithdraw, WithdrawCmd{Member: "m1", ProposalID: out.ProposalID})
    assert.Equal(t, transport.CodeMemberNotActive, transport.ErrorCode(err))

    res, err := h.apply(OpWithdraw, WithdrawCmd{Member: "m0", ProposalID: out.ProposalID})
    require.NoError(t, err)
    assert.Equal(t, transport.ProposalWithdrawn, res.(transport.ProposalInfo).State)

    _, err = h.vote("m1", out.ProposalID, true)
    assert.Equal(t, transport.CodeProposalNotOpen, transport.ErrorCode(err))
}

func TestSnapshotRestore(t *testing.T) {
    h := newHarness(t, "m0")
    h.propose("m0", action(t, transport.ActionOpenNetwork, nil))
    _, err := h.apply(OpAppWrite, AppWriteCmd{User: "alice", Key: "k", Value: "v"})
    require.NoError(t, err)

    blob, err := h.s.Snapshot()
    require.NoError(t, err)
    other := New()
    require.NoError(t, other.Restore(blob))

    assert.True(t, other.Initialised())
    assert.Equal(t, ServiceOpen, other.Service())
    v, _ := other.Value("k")
    assert.Equal(t, "v", v)
    _, ok := other.Proposal("p1")
    assert.True(t, ok)

    // Proposal numbering continues after a restore.
    res, err := other.Apply(txstatus.TxID{View: 2, Seqno: 10}, mustEncode(t, OpPropose, ProposeCmd{
        Proposer: "m0", Actions: []transport.Action{action(t, transport.ActionNewUser, transport.IDArgs{ID: "bob"})},
    }))
    require.NoError(t, err)
    assert.Equal(t, "p2", res.(Outcome).ProposalID)

    assert.Error(t, other.Restore([]byte(`{"version":7}`)))
}

func mustEncode(t *testing.T, op string, v any) c.Command {
    cmd, err := Encode(op, v)
    require.NoError(t, err)
    return cmd
}

func TestUnknownCommand(t *testing.T) {
    _, err := New().Apply(txstatus.TxID{View: 1, Seqno: 1}, c.Command{Op: "bogus"})
    assert.Equal(t, transport.CodeInvalidRequest, transport.ErrorCode(err))
}
