// Package transporttest provides a deterministic in-memory transport.Cluster
// for exercising governance and verification logic without a network.
package transporttest

import (
    "context"
    "fmt"
    "sync"

    "github.com/amirimatin/go-consortium/pkg/transport"
    "github.com/amirimatin/go-consortium/pkg/txstatus"
)

// Never used as Cluster.CommitAfter keeps every issued transaction pending.
const Never = -1

// Cluster is a single node stub. Every state-changing call issues a new Tx ID
// in the current view. Statuses of issued transactions follow CommitAfter;
// SetStatus overrides any position, including ones never issued.
type Cluster struct {
    // CommitAfter is the number of Pending answers a TxStatus query gets for
    // an issued transaction before it reports Committed. Never keeps it
    // pending forever.
    CommitAfter int
    // NoImplicitProposerVote disables counting the proposer's accept on
    // propose.
    NoImplicitProposerVote bool
    // RequireSignedVotes rejects ballots without a signature.
    RequireSignedVotes bool

    mu        sync.Mutex
    members   []string
    view      uint64
    seqno     uint64
    proposals map[string]*transport.ProposalInfo
    nextProp  int
    issued    map[txstatus.TxID]int
    statuses  map[txstatus.TxID]txstatus.Status
    commit    *txstatus.TxID
    votes     []string
    queries   int
    logged    int
    suppress  int
}

// New returns a stub whose governance body is memberIDs, in view 1.
func New(memberIDs ...string) *Cluster {
    return &Cluster{
        members:   append([]string(nil), memberIDs...),
        view:      1,
        proposals: make(map[string]*transport.ProposalInfo),
        issued:    make(map[txstatus.TxID]int),
        statuses:  make(map[txstatus.TxID]txstatus.Status),
    }
}

// SetView moves the stub to view v for subsequently issued transactions.
func (c *Cluster) SetView(v uint64) { c.mu.Lock(); c.view = v; c.mu.Unlock() }

// SetStatus pins the status reported for id.
func (c *Cluster) SetStatus(id txstatus.TxID, st txstatus.Status) {
    c.mu.Lock()
    c.statuses[id] = st
    c.mu.Unlock()
}

// SetCommit pins the commit point reported by Commit.
func (c *Cluster) SetCommit(id txstatus.TxID) {
    c.mu.Lock()
    c.commit = &id
    c.mu.Unlock()
}

// Votes returns the member IDs of every explicit ballot cast, in order.
func (c *Cluster) Votes() []string {
    c.mu.Lock()
    defer c.mu.Unlock()
    return append([]string(nil), c.votes...)
}

// Queries returns the number of TxStatus calls served.
func (c *Cluster) Queries() int { c.mu.Lock(); defer c.mu.Unlock(); return c.queries }

// LoggedQueries returns the TxStatus calls served while request logging was
// not suppressed.
func (c *Cluster) LoggedQueries() int { c.mu.Lock(); defer c.mu.Unlock(); return c.logged }

// Suppressed reports whether request logging is currently suppressed.
func (c *Cluster) Suppressed() bool { c.mu.Lock(); defer c.mu.Unlock(); return c.suppress > 0 }

func (c *Cluster) SuppressRequestLogging() func() {
    c.mu.Lock()
    c.suppress++
    c.mu.Unlock()
    var once sync.Once
    return func() {
        once.Do(func() {
            c.mu.Lock()
            c.suppress--
            c.mu.Unlock()
        })
    }
}

func (c *Cluster) majority() int { return len(c.members)/2 + 1 }

func (c *Cluster) isMember(id string) bool {
    for _, m := range c.members {
        if m == id { return true }
    }
    return false
}

// issue must be called with mu held.
func (c *Cluster) issue() txstatus.TxID {
    c.seqno++
    id := txstatus.TxID{View: c.view, Seqno: c.seqno}
    c.issued[id] = 0
    return id
}

func (c *Cluster) accepts(p *transport.ProposalInfo) int {
    n := 0
    for m, b := range p.Votes {
        if b && c.isMember(m) { n++ }
    }
    return n
}

func (c *Cluster) Propose(ctx context.Context, m transport.Member, p transport.Proposal) (transport.ProposeResponse, error) {
    if err := ctx.Err(); err != nil { return transport.ProposeResponse{}, err }
    c.mu.Lock()
    defer c.mu.Unlock()
    if !c.isMember(m.ID) { return transport.ProposeResponse{}, transport.Errorf(transport.CodeMemberNotActive, "member %q is not active", m.ID) }
    if len(p.Actions) == 0 { return transport.ProposeResponse{}, transport.Errorf(transport.CodeInvalidRequest, "proposal has no actions") }
    c.nextProp++
    info := &transport.ProposalInfo{
        ID:       fmt.Sprintf("p%d", c.nextProp),
        Proposer: m.ID,
        State:    transport.ProposalOpen,
        Actions:  p.Actions,
        Votes:    map[string]bool{},
    }
    if !c.NoImplicitProposerVote { info.Votes[m.ID] = true }
    info.TxID = c.issue()
    c.proposals[info.ID] = info
    return transport.ProposeResponse{ProposalID: info.ID, State: info.State, TxID: info.TxID}, nil
}

func (c *Cluster) Vote(ctx context.Context, m transport.Member, req transport.VoteRequest) (transport.VoteResponse, error) {
    if err := ctx.Err(); err != nil { return transport.VoteResponse{}, err }
    c.mu.Lock()
    defer c.mu.Unlock()
    p, ok := c.proposals[req.ProposalID]
    if !ok { return transport.VoteResponse{}, transport.Errorf(transport.CodeProposalNotFound, "proposal %q not found", req.ProposalID) }
    if p.State != transport.ProposalOpen {
        return transport.VoteResponse{}, transport.Errorf(transport.CodeProposalNotOpen, "proposal %s is %s", p.ID, p.State)
    }
    if !c.isMember(m.ID) { return transport.VoteResponse{}, transport.Errorf(transport.CodeMemberNotActive, "member %q is not active", m.ID) }
    if c.RequireSignedVotes && !req.Signed { return transport.VoteResponse{}, transport.Errorf(transport.CodeVoteNotSigned, "votes must be signed") }
    c.votes = append(c.votes, m.ID)
    p.Votes[m.ID] = req.Ballot
    if c.accepts(p) >= c.majority() {
        p.State = transport.ProposalAccepted
    } else if rejects := len(p.Votes) - c.accepts(p); len(c.members)-rejects < c.majority() {
        p.State = transport.ProposalRejected
    }
    p.TxID = c.issue()
    return transport.VoteResponse{Accepted: p.State == transport.ProposalAccepted, State: p.State, TxID: p.TxID}, nil
}

func (c *Cluster) Withdraw(ctx context.Context, m transport.Member, proposalID string) (transport.ProposalInfo, error) {
    if err := ctx.Err(); err != nil { return transport.ProposalInfo{}, err }
    c.mu.Lock()
    defer c.mu.Unlock()
    p, ok := c.proposals[proposalID]
    if !ok { return transport.ProposalInfo{}, transport.Errorf(transport.CodeProposalNotFound, "proposal %q not found", proposalID) }
    if p.Proposer != m.ID { return transport.ProposalInfo{}, transport.Errorf(transport.CodeMemberNotActive, "only the proposer may withdraw") }
    if p.State != transport.ProposalOpen { return transport.ProposalInfo{}, transport.Errorf(transport.CodeProposalNotOpen, "proposal %s is %s", p.ID, p.State) }
    p.State = transport.ProposalWithdrawn
    p.TxID = c.issue()
    return *p, nil
}

func (c *Cluster) Ack(ctx context.Context, m transport.Member) (transport.AckResponse, error) {
    if err := ctx.Err(); err != nil { return transport.AckResponse{}, err }
    c.mu.Lock()
    defer c.mu.Unlock()
    if !c.isMember(m.ID) { return transport.AckResponse{}, transport.Errorf(transport.CodeMemberNotActive, "member %q unknown", m.ID) }
    return transport.AckResponse{MemberID: m.ID, State: "ACTIVE", TxID: c.issue()}, nil
}

func (c *Cluster) GetProposal(ctx context.Context, proposalID string) (transport.ProposalInfo, error) {
    if err := ctx.Err(); err != nil { return transport.ProposalInfo{}, err }
    c.mu.Lock()
    defer c.mu.Unlock()
    p, ok := c.proposals[proposalID]
    if !ok { return transport.ProposalInfo{}, transport.Errorf(transport.CodeProposalNotFound, "proposal %q not found", proposalID) }
    out := *p
    out.Votes = make(map[string]bool, len(p.Votes))
    for k, v := range p.Votes { out.Votes[k] = v }
    return out, nil
}

func (c *Cluster) TxStatus(ctx context.Context, id txstatus.TxID) (txstatus.Status, error) {
    if err := ctx.Err(); err != nil { return txstatus.Unknown, err }
    c.mu.Lock()
    defer c.mu.Unlock()
    c.queries++
    if c.suppress == 0 { c.logged++ }
    if st, ok := c.statuses[id]; ok { return st, nil }
    n, ok := c.issued[id]
    if !ok { return txstatus.Unknown, nil }
    if c.CommitAfter == Never || n < c.CommitAfter {
        c.issued[id] = n + 1
        return txstatus.Pending, nil
    }
    return txstatus.Committed, nil
}

// Commit returns the pinned commit point, or the highest issued transaction
// that has already been reported committed.
func (c *Cluster) Commit(ctx context.Context) (txstatus.TxID, error) {
    if err := ctx.Err(); err != nil { return txstatus.TxID{}, err }
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.commit != nil { return *c.commit, nil }
    var best txstatus.TxID
    for id, n := range c.issued {
        if c.CommitAfter == Never || n < c.CommitAfter { continue }
        if id.Seqno > best.Seqno { best = id }
    }
    return best, nil
}

var (
    _ transport.Cluster              = (*Cluster)(nil)
    _ transport.RequestLogSuppressor = (*Cluster)(nil)
)
