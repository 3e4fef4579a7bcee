// Package transport defines the request/response boundary between the
// governance client, the history verifier and a consortium node. Concrete
// clients and servers live in the httpjson and grpc subpackages; transporttest
// provides a deterministic in-memory cluster.
package transport

import (
    "context"
    "crypto/ed25519"
    "errors"

    "github.com/amirimatin/go-consortium/pkg/txstatus"
)

// ErrNoSigningKey is returned when a signed ballot is requested for a member
// without a private key.
var ErrNoSigningKey = errors.New("transport: member has no signing key")

// Member is a voting principal. Key may be nil for members that only cast
// unsigned requests.
type Member struct {
    ID  string
    Key ed25519.PrivateKey
}

// CanSign reports whether the member holds a usable private key.
func (m Member) CanSign() bool { return len(m.Key) == ed25519.PrivateKeySize }

// Sign returns the ed25519 signature of body.
func (m Member) Sign(body []byte) ([]byte, error) {
    if !m.CanSign() { return nil, ErrNoSigningKey }
    return ed25519.Sign(m.Key, body), nil
}

// SignatureOf signs body when the member holds a key and returns nil
// otherwise. Servers decide whether unsigned member requests are acceptable.
func (m Member) SignatureOf(body []byte) []byte {
    if !m.CanSign() { return nil }
    return ed25519.Sign(m.Key, body)
}

// PublicKey returns the verification key, or nil when the member cannot sign.
func (m Member) PublicKey() ed25519.PublicKey {
    if !m.CanSign() { return nil }
    return m.Key.Public().(ed25519.PublicKey)
}

// NodeClient is the read side of a node used by status polling and history
// verification.
type NodeClient interface {
    TxStatus(ctx context.Context, id txstatus.TxID) (txstatus.Status, error)
    Commit(ctx context.Context) (txstatus.TxID, error)
}

// Cluster is the full capability set of one node, as seen by governance.
type Cluster interface {
    NodeClient
    Propose(ctx context.Context, m Member, p Proposal) (ProposeResponse, error)
    Vote(ctx context.Context, m Member, req VoteRequest) (VoteResponse, error)
    Withdraw(ctx context.Context, m Member, proposalID string) (ProposalInfo, error)
    Ack(ctx context.Context, m Member) (AckResponse, error)
    GetProposal(ctx context.Context, proposalID string) (ProposalInfo, error)
}

// RequestLogSuppressor is implemented by clients that log each request. The
// returned func restores the previous logging behaviour and is safe to call
// more than once.
type RequestLogSuppressor interface {
    SuppressRequestLogging() (restore func())
}

// Bind fixes the node address of an RPCClient, yielding a Cluster.
func Bind(c RPCClient, addr string) *Bound { return &Bound{c: c, addr: addr} }

// Bound is an RPCClient pinned to one node address.
type Bound struct {
    c    RPCClient
    addr string
}

// Addr returns the node address the client is bound to.
func (b *Bound) Addr() string { return b.addr }

func (b *Bound) TxStatus(ctx context.Context, id txstatus.TxID) (txstatus.Status, error) {
    return b.c.TxStatus(ctx, b.addr, id)
}
func (b *Bound) Commit(ctx context.Context) (txstatus.TxID, error) { return b.c.Commit(ctx, b.addr) }
func (b *Bound) Propose(ctx context.Context, m Member, p Proposal) (ProposeResponse, error) {
    return b.c.Propose(ctx, b.addr, m, p)
}
func (b *Bound) Vote(ctx context.Context, m Member, req VoteRequest) (VoteResponse, error) {
    return b.c.Vote(ctx, b.addr, m, req)
}
func (b *Bound) Withdraw(ctx context.Context, m Member, proposalID string) (ProposalInfo, error) {
    return b.c.Withdraw(ctx, b.addr, m, proposalID)
}
func (b *Bound) Ack(ctx context.Context, m Member) (AckResponse, error) { return b.c.Ack(ctx, b.addr, m) }
func (b *Bound) GetProposal(ctx context.Context, proposalID string) (ProposalInfo, error) {
    return b.c.GetProposal(ctx, b.addr, proposalID)
}
func (b *Bound) Status(ctx context.Context) (NodeStatus, error) { return b.c.Status(ctx, b.addr) }
func (b *Bound) AppWrite(ctx context.Context, userID string, req AppWriteRequest) (AppWriteResponse, error) {
    return b.c.AppWrite(ctx, b.addr, userID, req)
}

// SuppressRequestLogging forwards to the underlying client when it supports
// request logging.
func (b *Bound) SuppressRequestLogging() func() {
    if s, ok := b.c.(RequestLogSuppressor); ok { return s.SuppressRequestLogging() }
    return func() {}
}

var (
    _ Cluster              = (*Bound)(nil)
    _ RequestLogSuppressor = (*Bound)(nil)
)
