package grpc

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "log"
    "sync"
    "sync/atomic"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/backoff"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/credentials/insecure"
    "google.golang.org/grpc/keepalive"

    "github.com/amirimatin/go-consortium/pkg/internal/logutil"
    "github.com/amirimatin/go-consortium/pkg/transport"
    "github.com/amirimatin/go-consortium/pkg/txstatus"
)

// Client calls the Governance service of a node. Connections are shared per
// address through a ConnManager.
type Client struct {
    timeout    time.Duration
    tlsCfg     *tls.Config
    logger     *log.Logger
    suppressed atomic.Int32

    mu sync.Mutex
    cm *ConnManager
}

func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    return &Client{timeout: timeout}
}

// UseTLS sets TLS config for the client.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

// WithLogger sets the logger used for request logging.
func (c *Client) WithLogger(l *log.Logger) *Client { c.logger = l; return c }

// SuppressRequestLogging silences request logging until the returned func is
// called.
func (c *Client) SuppressRequestLogging() func() {
    c.suppressed.Add(1)
    var once sync.Once
    return func() { once.Do(func() { c.suppressed.Add(-1) }) }
}

// Close drops every cached connection.
func (c *Client) Close() {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.cm != nil { c.cm.Close(); c.cm = nil }
}

func (c *Client) dialCtx(ctx context.Context, target string) (*grpc.ClientConn, error) {
    opts := []grpc.DialOption{
        grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
        grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
        grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
        grpc.WithBlock(),
    }
    if c.tlsCfg != nil {
        opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
    } else {
        opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
    }
    return grpc.DialContext(ctx, target, opts...)
}

// getConn returns a managed connection, creating the manager on first use.
func (c *Client) getConn(ctx context.Context, addr string) (*grpc.ClientConn, func(), error) {
    c.mu.Lock()
    if c.cm == nil { c.cm = NewConnManager(30*time.Second, c.dialCtx) }
    cm := c.cm
    c.mu.Unlock()
    return cm.Get(ctx, addr)
}

func (c *Client) invoke(ctx context.Context, addr, method string, in *envelope, out any) error {
    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    cc, rel, err := c.getConn(cctx, addr)
    if err != nil { return err }
    defer rel()
    if c.suppressed.Load() == 0 {
        logutil.Debugf(c.logger, "grpc: %s %s member=%q", addr, method, in.MemberID)
    }
    var res result
    if err := cc.Invoke(cctx, "/"+serviceName+"/"+method, in, &res); err != nil { return err }
    if res.Error != nil {
        res.Error.Status = transport.StatusFor(res.Error.Code)
        return res.Error
    }
    if out == nil || len(res.Body) == 0 { return nil }
    return json.Unmarshal(res.Body, out)
}

func body(v any) (json.RawMessage, error) { return json.Marshal(v) }

func (c *Client) Propose(ctx context.Context, addr string, m transport.Member, p transport.Proposal) (transport.ProposeResponse, error) {
    var out transport.ProposeResponse
    b, err := body(p)
    if err != nil { return out, err }
    err = c.invoke(ctx, addr, "Propose", &envelope{MemberID: m.ID, Signature: m.SignatureOf(b), Body: b}, &out)
    return out, err
}

func (c *Client) Vote(ctx context.Context, addr string, m transport.Member, req transport.VoteRequest) (transport.VoteResponse, error) {
    var out transport.VoteResponse
    b, err := body(req)
    if err != nil { return out, err }
    env := &envelope{MemberID: m.ID, Body: b}
    if req.Signed {
        if env.Signature, err = m.Sign(b); err != nil { return out, err }
    }
    err = c.invoke(ctx, addr, "Vote", env, &out)
    return out, err
}

func (c *Client) Withdraw(ctx context.Context, addr string, m transport.Member, proposalID string) (transport.ProposalInfo, error) {
    var out transport.ProposalInfo
    b, err := body(transport.WithdrawRequest{ProposalID: proposalID})
    if err != nil { return out, err }
    err = c.invoke(ctx, addr, "Withdraw", &envelope{MemberID: m.ID, Signature: m.SignatureOf(b), ID: proposalID, Body: b}, &out)
    return out, err
}

func (c *Client) Ack(ctx context.Context, addr string, m transport.Member) (transport.AckResponse, error) {
    var out transport.AckResponse
    b, err := body(transport.AckRequest{MemberID: m.ID})
    if err != nil { return out, err }
    err = c.invoke(ctx, addr, "Ack", &envelope{MemberID: m.ID, Signature: m.SignatureOf(b), Body: b}, &out)
    return out, err
}

func (c *Client) GetProposal(ctx context.Context, addr string, proposalID string) (transport.ProposalInfo, error) {
    var out transport.ProposalInfo
    err := c.invoke(ctx, addr, "GetProposal", &envelope{ID: proposalID}, &out)
    return out, err
}

func (c *Client) TxStatus(ctx context.Context, addr string, id txstatus.TxID) (txstatus.Status, error) {
    var out transport.TxStatusResponse
    b, err := body(id)
    if err != nil { return txstatus.Unknown, err }
    if err := c.invoke(ctx, addr, "TxStatus", &envelope{Body: b}, &out); err != nil { return txstatus.Unknown, err }
    return out.Status, nil
}

func (c *Client) Commit(ctx context.Context, addr string) (txstatus.TxID, error) {
    var out transport.CommitResponse
    err := c.invoke(ctx, addr, "Commit", &envelope{}, &out)
    return out.TxID, err
}

func (c *Client) Status(ctx context.Context, addr string) (transport.NodeStatus, error) {
    var out transport.NodeStatus
    err := c.invoke(ctx, addr, "Status", &envelope{}, &out)
    return out, err
}

func (c *Client) Join(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
    var out transport.JoinResponse
    b, err := body(req)
    if err != nil { return out, err }
    err = c.invoke(ctx, addr, "Join", &envelope{Body: b}, &out)
    return out, err
}

func (c *Client) AppWrite(ctx context.Context, addr string, userID string, req transport.AppWriteRequest) (transport.AppWriteResponse, error) {
    var out transport.AppWriteResponse
    b, err := body(req)
    if err != nil { return out, err }
    err = c.invoke(ctx, addr, "AppWrite", &envelope{UserID: userID, Body: b}, &out)
    return out, err
}

var (
    _ transport.RPCClient            = (*Client)(nil)
    _ transport.RequestLogSuppressor = (*Client)(nil)
)
