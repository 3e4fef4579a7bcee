// Package governance is the replicated governance state of a consortium
// node: members, nodes, users, proposals and the application key/value
// table.
package governance

import (
    "crypto/ed25519"
    "encoding/json"
    "fmt"
    "sort"
    "strconv"
    "sync"

    "github.com/bits-and-blooms/bitset"

    c "github.com/amirimatin/go-consortium/pkg/consensus"
    gov "github.com/amirimatin/go-consortium/pkg/governance"
    base "github.com/amirimatin/go-consortium/pkg/state"
    "github.com/amirimatin/go-consortium/pkg/transport"
    "github.com/amirimatin/go-consortium/pkg/txstatus"
)

// Member states.
const (
    MemberAccepted = "ACCEPTED"
    MemberActive   = "ACTIVE"
    MemberRetired  = "RETIRED"
)

// Node states.
const (
    NodePending = "PENDING"
    NodeTrusted = "TRUSTED"
    NodeRetired = "RETIRED"
)

// Service states.
const (
    ServiceOpening = "OPENING"
    ServiceOpen    = "OPEN"
)

type Member struct {
    ID        string `json:"id"`
    PublicKey []byte `json:"public_key"`
    State     string `json:"state"`
}

type proposal struct {
    ID       string                  `json:"id"`
    Proposer string                  `json:"proposer"`
    Actions  []transport.Action      `json:"actions"`
    Votes    map[string]bool         `json:"votes"`
    State    transport.ProposalState `json:"state"`
    TxID     txstatus.TxID           `json:"tx_id"`
    Failure  string                  `json:"failure,omitempty"`
}

// tables is the part of the state proposals act on. Accepted proposals run
// against a copy that replaces the live state only if every action succeeds.
type tables struct {
    Service string                        `json:"service"`
    Members map[string]*Member            `json:"members"`
    Nodes   map[string]transport.NodeInfo `json:"nodes"`
    Users   map[string]bool               `json:"users"`
}

func (t *tables) clone() *tables {
    out := &tables{
        Service: t.Service,
        Members: make(map[string]*Member, len(t.Members)),
        Nodes:   make(map[string]transport.NodeInfo, len(t.Nodes)),
        Users:   make(map[string]bool, len(t.Users)),
    }
    for k, v := range t.Members {
        m := *v
        out.Members[k] = &m
    }
    for k, v := range t.Nodes { out.Nodes[k] = v }
    for k, v := range t.Users { out.Users[k] = v }
    return out
}

// State implements state.Machine for governance commands.
type State struct {
    mu        sync.RWMutex
    ready     bool
    t         *tables
    proposals map[string]*proposal
    next      uint64
    kv        map[string]string
}

func New() *State {
    return &State{
        t: &tables{
            Service: ServiceOpening,
            Members: map[string]*Member{},
            Nodes:   map[string]transport.NodeInfo{},
            Users:   map[string]bool{},
        },
        proposals: map[string]*proposal{},
        kv:        map[string]string{},
    }
}

var _ base.Machine = (*State)(nil)

func (s *State) Apply(at txstatus.TxID, cmd c.Command) (any, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    switch cmd.Op {
    case OpGenesis:
        var g Genesis
        if err := decode(cmd, &g); err != nil { return nil, err }
        return nil, s.genesis(g)
    case OpPropose:
        var p ProposeCmd
        if err := decode(cmd, &p); err != nil { return nil, err }
        return s.propose(at, p)
    case OpVote:
        var v VoteCmd
        if err := decode(cmd, &v); err != nil { return nil, err }
        return s.vote(at, v)
    case OpWithdraw:
        var w WithdrawCmd
        if err := decode(cmd, &w); err != nil { return nil, err }
        return s.withdraw(at, w)
    case OpAck:
        var a AckCmd
        if err := decode(cmd, &a); err != nil { return nil, err }
        return s.ack(a)
    case OpJoin:
        var j transport.JoinRequest
        if err := decode(cmd, &j); err != nil { return nil, err }
        return s.join(j)
    case OpAppWrite:
        var w AppWriteCmd
        if err := decode(cmd, &w); err != nil { return nil, err }
        return nil, s.write(w)
    default:
        return nil, transport.Errorf(transport.CodeInvalidRequest, "unknown command %q", cmd.Op)
    }
}

func decode(cmd c.Command, v any) error {
    if err := json.Unmarshal(cmd.Payload, v); err != nil {
        return transport.Errorf(transport.CodeInvalidRequest, "%s: %v", cmd.Op, err)
    }
    return nil
}

func (s *State) genesis(g Genesis) error {
    if s.ready { return transport.Errorf(transport.CodeInvalidRequest, "service already initialised") }
    if len(g.Members) == 0 { return transport.Errorf(transport.CodeInvalidRequest, "genesis without members") }
    for _, m := range g.Members {
        if err := checkMember(m); err != nil { return err }
        s.t.Members[m.ID] = &Member{ID: m.ID, PublicKey: m.PublicKey, State: MemberActive}
    }
    for _, n := range g.Nodes {
        n.State = NodeTrusted
        s.t.Nodes[n.ID] = n
    }
    for _, u := range g.Users { s.t.Users[u] = true }
    s.ready = true
    return nil
}

func checkMember(m transport.MemberArgs) error {
    if m.ID == "" { return transport.Errorf(transport.CodeInvalidRequest, "member without id") }
    if len(m.PublicKey) != ed25519.PublicKeySize {
        return transport.Errorf(transport.CodeInvalidRequest, "member %s: bad public key size %d", m.ID, len(m.PublicKey))
    }
    return nil
}

func (s *State) activeMember(id string) error {
    m, ok := s.t.Members[id]
    if !ok || m.State != MemberActive {
        return transport.Errorf(transport.CodeMemberNotActive, "member %q is not active", id)
    }
    return nil
}

func (s *State) propose(at txstatus.TxID, p ProposeCmd) (Outcome, error) {
    if err := s.activeMember(p.Proposer); err != nil { return Outcome{}, err }
    if len(p.Actions) == 0 { return Outcome{}, transport.Errorf(transport.CodeInvalidRequest, "proposal has no actions") }
    for _, a := range p.Actions {
        if _, ok := actions[a.Name]; !ok {
            return Outcome{}, transport.Errorf(transport.CodeUnknownAction, "unknown action %q", a.Name)
        }
    }
    s.next++
    pr := &proposal{
        ID:       "p" + strconv.FormatUint(s.next, 10),
        Proposer: p.Proposer,
        Actions:  p.Actions,
        Votes:    map[string]bool{p.Proposer: true},
        State:    transport.ProposalOpen,
        TxID:     at,
    }
    s.proposals[pr.ID] = pr
    effects := s.resolve(pr)
    return Outcome{ProposalID: pr.ID, State: pr.State, Effects: effects}, nil
}

func (s *State) vote(at txstatus.TxID, v VoteCmd) (Outcome, error) {
    pr, ok := s.proposals[v.ProposalID]
    if !ok { return Outcome{}, transport.Errorf(transport.CodeProposalNotFound, "proposal %q not found", v.ProposalID) }
    if pr.State != transport.ProposalOpen {
        return Outcome{}, transport.Errorf(transport.CodeProposalNotOpen, "proposal %s is %s", pr.ID, pr.State)
    }
    if err := s.activeMember(v.Member); err != nil { return Outcome{}, err }
    pr.Votes[v.Member] = v.Ballot
    pr.TxID = at
    effects := s.resolve(pr)
    return Outcome{ProposalID: pr.ID, State: pr.State, Effects: effects}, nil
}

// resolve closes pr once a majority of active members accepted it, or once
// such a majority is no longer reachable.
func (s *State) resolve(pr *proposal) []Effect {
    ids := s.activeIDs()
    accepts := bitset.New(uint(len(ids)))
    rejects := bitset.New(uint(len(ids)))
    for i, id := range ids {
        b, voted := pr.Votes[id]
        switch {
        case !voted:
        case b:
            accepts.Set(uint(i))
        default:
            rejects.Set(uint(i))
        }
    }
    need := gov.Majority(len(ids))
    switch {
    case int(accepts.Count()) >= need:
        next := s.t.clone()
        var effects []Effect
        for i, a := range pr.Actions {
            eff, err := actions[a.Name](next, a.Args)
            if err != nil {
                pr.State = transport.ProposalFailed
                pr.Failure = fmt.Sprintf("action %d (%s): %v", i, a.Name, err)
                return nil
            }
            effects = append(effects, eff...)
        }
        s.t = next
        pr.State = transport.ProposalAccepted
        return effects
    case len(ids)-int(rejects.Count()) < need:
        pr.State = transport.ProposalRejected
    }
    return nil
}

func (s *State) activeIDs() []string {
    var ids []string
    for id, m := range s.t.Members {
        if m.State == MemberActive { ids = append(ids, id) }
    }
    sort.Strings(ids)
    return ids
}

func (s *State) withdraw(at txstatus.TxID, w WithdrawCmd) (transport.ProposalInfo, error) {
    pr, ok := s.proposals[w.ProposalID]
    if !ok { return transport.ProposalInfo{}, transport.Errorf(transport.CodeProposalNotFound, "proposal %q not found", w.ProposalID) }
    if pr.Proposer != w.Member {
        return transport.ProposalInfo{}, transport.Errorf(transport.CodeMemberNotActive, "only %s may withdraw %s", pr.Proposer, pr.ID)
    }
    if pr.State != transport.ProposalOpen {
        return transport.ProposalInfo{}, transport.Errorf(transport.CodeProposalNotOpen, "proposal %s is %s", pr.ID, pr.State)
    }
    pr.State = transport.ProposalWithdrawn
    pr.TxID = at
    return pr.info(), nil
}

func (s *State) ack(a AckCmd) (string, error) {
    m, ok := s.t.Members[a.Member]
    if !ok || m.State == MemberRetired {
        return "", transport.Errorf(transport.CodeMemberNotActive, "member %q cannot ack", a.Member)
    }
    m.State = MemberActive
    return m.State, nil
}

func (s *State) join(j transport.JoinRequest) (string, error) {
    if j.ID == "" || j.RaftAddr == "" {
        return "", transport.Errorf(transport.CodeInvalidRequest, "join needs id and raft address")
    }
    if n, ok := s.t.Nodes[j.ID]; ok && n.State != NodeRetired {
        if n.MgmtAddr != j.MgmtAddr && j.MgmtAddr != "" {
            n.MgmtAddr = j.MgmtAddr
            s.t.Nodes[j.ID] = n
        }
        return n.State, nil
    }
    s.t.Nodes[j.ID] = transport.NodeInfo{ID: j.ID, RaftAddr: j.RaftAddr, MgmtAddr: j.MgmtAddr, State: NodePending}
    return NodePending, nil
}

func (s *State) write(w AppWriteCmd) error {
    if s.t.Service != ServiceOpen { return transport.Errorf(transport.CodeServiceNotOpen, "service is %s", s.t.Service) }
    if !s.t.Users[w.User] { return transport.Errorf(transport.CodeUserNotFound, "user %q not found", w.User) }
    if w.Key == "" { return transport.Errorf(transport.CodeInvalidRequest, "empty key") }
    s.kv[w.Key] = w.Value
    return nil
}

func (p *proposal) info() transport.ProposalInfo {
    votes := make(map[string]bool, len(p.Votes))
    for k, v := range p.Votes { votes[k] = v }
    return transport.ProposalInfo{
        ID: p.ID, Proposer: p.Proposer, State: p.State,
        Actions: append([]transport.Action(nil), p.Actions...),
        Votes: votes, TxID: p.TxID, Failure: p.Failure,
    }
}

// --- Queries ---

func (s *State) Initialised() bool {
    s.mu.RLock(); defer s.mu.RUnlock()
    return s.ready
}

func (s *State) Service() string {
    s.mu.RLock(); defer s.mu.RUnlock()
    return s.t.Service
}

func (s *State) Member(id string) (Member, bool) {
    s.mu.RLock(); defer s.mu.RUnlock()
    m, ok := s.t.Members[id]
    if !ok { return Member{}, false }
    return *m, true
}

// ActiveMembers is the number of members entitled to vote.
func (s *State) ActiveMembers() int {
    s.mu.RLock(); defer s.mu.RUnlock()
    return len(s.activeIDs())
}

func (s *State) Proposal(id string) (transport.ProposalInfo, bool) {
    s.mu.RLock(); defer s.mu.RUnlock()
    p, ok := s.proposals[id]
    if !ok { return transport.ProposalInfo{}, false }
    return p.info(), true
}

// Nodes returns every recorded node ordered by ID.
func (s *State) Nodes() []transport.NodeInfo {
    s.mu.RLock(); defer s.mu.RUnlock()
    out := make([]transport.NodeInfo, 0, len(s.t.Nodes))
    for _, n := range s.t.Nodes { out = append(out, n) }
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return out
}

func (s *State) Node(id string) (transport.NodeInfo, bool) {
    s.mu.RLock(); defer s.mu.RUnlock()
    n, ok := s.t.Nodes[id]
    return n, ok
}

func (s *State) HasUser(id string) bool {
    s.mu.RLock(); defer s.mu.RUnlock()
    return s.t.Users[id]
}

func (s *State) Value(key string) (string, bool) {
    s.mu.RLock(); defer s.mu.RUnlock()
    v, ok := s.kv[key]
    return v, ok
}

// --- Snapshots ---

type snapshot struct {
    Version   int                  `json:"version"`
    Init      bool                 `json:"init"`
    Tables    *tables              `json:"tables"`
    Proposals map[string]*proposal `json:"proposals"`
    Next      uint64               `json:"next"`
    KV        map[string]string    `json:"kv"`
}

// Snapshot encodes state as JSON for ease of debugging.
func (s *State) Snapshot() ([]byte, error) {
    s.mu.RLock(); defer s.mu.RUnlock()
    return json.Marshal(snapshot{Version: 1, Init: s.ready, Tables: s.t, Proposals: s.proposals, Next: s.next, KV: s.kv})
}

func (s *State) Restore(buf []byte) error {
    var snap snapshot
    if err := json.Unmarshal(buf, &snap); err != nil { return err }
    if snap.Version != 1 { return fmt.Errorf("governance state: unsupported snapshot version %d", snap.Version) }
    fresh := New()
    if snap.Tables != nil {
        if snap.Tables.Members != nil { fresh.t.Members = snap.Tables.Members }
        if snap.Tables.Nodes != nil { fresh.t.Nodes = snap.Tables.Nodes }
        if snap.Tables.Users != nil { fresh.t.Users = snap.Tables.Users }
        if snap.Tables.Service != "" { fresh.t.Service = snap.Tables.Service }
    }
    if snap.Proposals != nil { fresh.proposals = snap.Proposals }
    if snap.KV != nil { fresh.kv = snap.KV }
    s.mu.Lock(); defer s.mu.Unlock()
    s.ready, s.t, s.proposals, s.next, s.kv = snap.Init, fresh.t, fresh.proposals, snap.Next, fresh.kv
    return nil
}
