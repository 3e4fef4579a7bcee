package transport

import (
    "context"
    "encoding/json"

    "github.com/amirimatin/go-consortium/pkg/txstatus"
)

// Action is one step of a proposal. Args is interpreted by the named action.
type Action struct {
    Name string          `json:"name"`
    Args json.RawMessage `json:"args,omitempty"`
}

// Proposal is an ordered list of actions applied atomically on acceptance.
type Proposal struct {
    Actions []Action `json:"actions"`
}

// NewAction marshals args into an Action.
func NewAction(name string, args any) (Action, error) {
    if args == nil { return Action{Name: name}, nil }
    b, err := json.Marshal(args)
    if err != nil { return Action{}, err }
    return Action{Name: name, Args: b}, nil
}

// ProposalState is the server side lifecycle state of a proposal.
type ProposalState string

const (
    ProposalOpen      ProposalState = "OPEN"
    ProposalAccepted  ProposalState = "ACCEPTED"
    ProposalWithdrawn ProposalState = "WITHDRAWN"
    ProposalRejected  ProposalState = "REJECTED"
    ProposalFailed    ProposalState = "FAILED"
)

type ProposeResponse struct {
    ProposalID string        `json:"proposal_id"`
    State      ProposalState `json:"state"`
    TxID       txstatus.TxID `json:"tx_id"`
}

// VoteRequest is the ballot body. Signed asks the client to attach a
// signature over the encoded body; it never travels on the wire itself.
type VoteRequest struct {
    ProposalID string `json:"proposal_id"`
    Ballot     bool   `json:"ballot"`
    Signed     bool   `json:"-"`
}

// WithdrawRequest is the signed body of a withdrawal. ProposalID must match
// the proposal named by the route.
type WithdrawRequest struct {
    ProposalID string `json:"proposal_id"`
}

// AckRequest is the signed body of a member acknowledgement.
type AckRequest struct {
    MemberID string `json:"member_id"`
}

// VoteResponse reports whether the proposal is accepted after this ballot and
// the Tx ID of the transaction that recorded it.
type VoteResponse struct {
    Accepted bool          `json:"accepted"`
    State    ProposalState `json:"state"`
    TxID     txstatus.TxID `json:"tx_id"`
}

type ProposalInfo struct {
    ID       string          `json:"id"`
    Proposer string          `json:"proposer"`
    State    ProposalState   `json:"state"`
    Actions  []Action        `json:"actions"`
    Votes    map[string]bool `json:"votes"`
    TxID     txstatus.TxID   `json:"tx_id"`
    Failure  string          `json:"failure,omitempty"`
}

type AckResponse struct {
    MemberID string        `json:"member_id"`
    State    string        `json:"state"`
    TxID     txstatus.TxID `json:"tx_id"`
}

type TxStatusResponse struct {
    TxID   txstatus.TxID   `json:"tx_id"`
    Status txstatus.Status `json:"status"`
}

type CommitResponse struct {
    TxID txstatus.TxID `json:"tx_id"`
}

// NodeInfo describes a consensus node as recorded in governance state.
type NodeInfo struct {
    ID       string `json:"id"`
    RaftAddr string `json:"raft_addr"`
    MgmtAddr string `json:"mgmt_addr,omitempty"`
    State    string `json:"state"`
}

// NodeStatus is the management /node/status payload.
type NodeStatus struct {
    ID          string        `json:"id"`
    Primary     bool          `json:"primary"`
    PrimaryID   string        `json:"primary_id,omitempty"`
    PrimaryAddr string        `json:"primary_addr,omitempty"`
    View        uint64        `json:"view"`
    Commit      txstatus.TxID `json:"commit"`
    Service     string        `json:"service"`
    Members     int           `json:"active_members"`
    Nodes       []NodeInfo    `json:"nodes"`
    Peers       []string      `json:"peers,omitempty"`
}

// JoinRequest asks the primary to record a new node as PENDING.
type JoinRequest struct {
    ID       string `json:"id"`
    RaftAddr string `json:"raft_addr"`
    MgmtAddr string `json:"mgmt_addr,omitempty"`
}

type JoinResponse struct {
    State       string        `json:"state"`
    PrimaryAddr string        `json:"primary_addr,omitempty"`
    TxID        txstatus.TxID `json:"tx_id"`
}

// AppWriteRequest is one application key/value write issued by a user.
type AppWriteRequest struct {
    Key   string `json:"key"`
    Value string `json:"value"`
}

type AppWriteResponse struct {
    TxID txstatus.TxID `json:"tx_id"`
}

// Caller carries the authenticated identity of a request as extracted by a
// server transport. Body holds the exact request bytes a signature covers.
type Caller struct {
    MemberID  string
    UserID    string
    Signature []byte
    Body      []byte
}

type (
    ProposeFunc     func(ctx context.Context, c Caller, p Proposal) (ProposeResponse, error)
    VoteFunc        func(ctx context.Context, c Caller, req VoteRequest) (VoteResponse, error)
    WithdrawFunc    func(ctx context.Context, c Caller, proposalID string) (ProposalInfo, error)
    AckFunc         func(ctx context.Context, c Caller) (AckResponse, error)
    GetProposalFunc func(ctx context.Context, proposalID string) (ProposalInfo, error)
    TxStatusFunc    func(ctx context.Context, id txstatus.TxID) (txstatus.Status, error)
    CommitFunc      func(ctx context.Context) (txstatus.TxID, error)
    StatusFunc      func(ctx context.Context) (NodeStatus, error)
    JoinFunc        func(ctx context.Context, req JoinRequest) (JoinResponse, error)
    AppWriteFunc    func(ctx context.Context, c Caller, req AppWriteRequest) (AppWriteResponse, error)
)

// Handlers is the set of node operations a server transport exposes. Nil
// handlers are reported to callers as not supported.
type Handlers struct {
    Propose     ProposeFunc
    Vote        VoteFunc
    Withdraw    WithdrawFunc
    Ack         AckFunc
    GetProposal GetProposalFunc
    TxStatus    TxStatusFunc
    Commit      CommitFunc
    Status      StatusFunc
    Join        JoinFunc
    AppWrite    AppWriteFunc
}

// RPCServer exposes Handlers over a network protocol.
type RPCServer interface {
    Start(ctx context.Context, h Handlers) error
    Addr() string
    Stop(ctx context.Context) error
}

// RPCClient calls node operations on the node at addr.
type RPCClient interface {
    Propose(ctx context.Context, addr string, m Member, p Proposal) (ProposeResponse, error)
    Vote(ctx context.Context, addr string, m Member, req VoteRequest) (VoteResponse, error)
    Withdraw(ctx context.Context, addr string, m Member, proposalID string) (ProposalInfo, error)
    Ack(ctx context.Context, addr string, m Member) (AckResponse, error)
    GetProposal(ctx context.Context, addr string, proposalID string) (ProposalInfo, error)
    TxStatus(ctx context.Context, addr string, id txstatus.TxID) (txstatus.Status, error)
    Commit(ctx context.Context, addr string) (txstatus.TxID, error)
    Status(ctx context.Context, addr string) (NodeStatus, error)
    Join(ctx context.Context, addr string, req JoinRequest) (JoinResponse, error)
    AppWrite(ctx context.Context, addr string, userID string, req AppWriteRequest) (AppWriteResponse, error)
}

// Action names understood by consortium nodes.
const (
    ActionOpenNetwork  = "open_network"
    ActionNewMember    = "new_member"
    ActionRetireMember = "retire_member"
    ActionTrustNode    = "trust_node"
    ActionRetireNode   = "retire_node"
    ActionNewUser      = "new_user"
    ActionRemoveUser   = "remove_user"
)

// MemberArgs are the arguments of new_member. PublicKey is a raw ed25519 key.
type MemberArgs struct {
    ID        string `json:"id"`
    PublicKey []byte `json:"public_key"`
}

// IDArgs are the arguments of every action that names a single principal.
type IDArgs struct {
    ID string `json:"id"`
}
