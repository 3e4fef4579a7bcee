package httpjson

import (
    "bytes"
    "context"
    "crypto/tls"
    "encoding/base64"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "log"
    "net"
    "net/http"
    "net/url"
    "strconv"
    "sync"
    "sync/atomic"
    "time"

    "github.com/google/uuid"

    "github.com/amirimatin/go-consortium/pkg/internal/logutil"
    "github.com/amirimatin/go-consortium/pkg/transport"
    "github.com/amirimatin/go-consortium/pkg/txstatus"
)

const (
    HeaderMemberID        = "X-Member-Id"
    HeaderMemberSignature = "X-Member-Signature"
    HeaderUserID          = "X-User-Id"
    HeaderRequestID       = "X-Request-Id"
)

// Client is a thin HTTP client for the node API. It supports optional TLS,
// simple retry with backoff, and debug level request logging that can be
// suppressed for bulk query phases.
type Client struct {
    httpc      *http.Client
    transport  *http.Transport
    isTLS      bool
    logger     *log.Logger
    suppressed atomic.Int32
}

// NewClient constructs a new Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    tr := &http.Transport{MaxIdleConnsPerHost: 16}
    return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    if c.transport != nil { c.transport.TLSClientConfig = cfg }
    c.isTLS = cfg != nil
    return c
}

// WithLogger sets the logger used for request logging.
func (c *Client) WithLogger(l *log.Logger) *Client { c.logger = l; return c }

// SuppressRequestLogging silences request logging until the returned func is
// called. Nested suppressions are counted.
func (c *Client) SuppressRequestLogging() func() {
    c.suppressed.Add(1)
    var once sync.Once
    return func() { once.Do(func() { c.suppressed.Add(-1) }) }
}

func (c *Client) url(addr, path string) string {
    scheme := "http"
    if c.isTLS { scheme = "https" }
    return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

// do sends one request, retrying up to three times with backoff. GETs are
// retried on any transport failure or 5xx without an error body; other
// methods only when the connection could not be established.
func (c *Client) do(ctx context.Context, method, addr, path string, hdr http.Header, body []byte, out any) error {
    target := c.url(addr, path)
    reqID := uuid.NewString()
    var lastErr error
    for attempt := 0; attempt < 3; attempt++ {
        var rd io.Reader
        if body != nil { rd = bytes.NewReader(body) }
        req, err := http.NewRequestWithContext(ctx, method, target, rd)
        if err != nil { return err }
        for k, vs := range hdr {
            for _, v := range vs { req.Header.Add(k, v) }
        }
        if body != nil { req.Header.Set("Content-Type", "application/json") }
        req.Header.Set(HeaderRequestID, reqID)
        if c.suppressed.Load() == 0 {
            logutil.Debugf(c.logger, "httpjson: %s %s id=%s attempt=%d", method, target, reqID, attempt+1)
        }
        resp, err := c.httpc.Do(req)
        var retry bool
        if err != nil {
            lastErr = err
            retry = method == http.MethodGet || isDialError(err)
        } else {
            retry, lastErr = decode(resp, path, out)
            if lastErr == nil { return nil }
            retry = retry && method == http.MethodGet
        }
        if !retry || attempt == 2 { break }
        // backoff unless context is done
        select {
        case <-ctx.Done():
            return ctx.Err()
        case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
        }
    }
    return lastErr
}

func decode(resp *http.Response, path string, out any) (retry bool, err error) {
    defer resp.Body.Close()
    b, err := io.ReadAll(resp.Body)
    if err != nil { return true, err }
    if resp.StatusCode/100 == 2 {
        if out == nil || len(b) == 0 { return false, nil }
        return false, json.Unmarshal(b, out)
    }
    var eb transport.ErrorBody
    if json.Unmarshal(b, &eb) == nil && eb.Error != nil && eb.Error.Code != "" {
        eb.Error.Status = resp.StatusCode
        return false, eb.Error
    }
    return resp.StatusCode >= 500, fmt.Errorf("httpjson: %s status %d: %s", path, resp.StatusCode, bytes.TrimSpace(b))
}

func isDialError(err error) bool {
    var op *net.OpError
    return errors.As(err, &op) && op.Op == "dial"
}

func memberHeader(m transport.Member) http.Header {
    h := http.Header{}
    h.Set(HeaderMemberID, m.ID)
    return h
}

// signedHeader identifies m and, when m holds a key, signs body.
func signedHeader(m transport.Member, body []byte) http.Header {
    h := memberHeader(m)
    if sig := m.SignatureOf(body); sig != nil {
        h.Set(HeaderMemberSignature, base64.StdEncoding.EncodeToString(sig))
    }
    return h
}

func (c *Client) Propose(ctx context.Context, addr string, m transport.Member, p transport.Proposal) (transport.ProposeResponse, error) {
    var out transport.ProposeResponse
    body, err := json.Marshal(p)
    if err != nil { return out, err }
    err = c.do(ctx, http.MethodPost, addr, "/gov/proposals", signedHeader(m, body), body, &out)
    return out, err
}

// Vote sends the ballot. When req.Signed is set the encoded body is signed
// with the member key and the signature travels in X-Member-Signature.
func (c *Client) Vote(ctx context.Context, addr string, m transport.Member, req transport.VoteRequest) (transport.VoteResponse, error) {
    var out transport.VoteResponse
    body, err := json.Marshal(req)
    if err != nil { return out, err }
    h := memberHeader(m)
    if req.Signed {
        sig, err := m.Sign(body)
        if err != nil { return out, err }
        h.Set(HeaderMemberSignature, base64.StdEncoding.EncodeToString(sig))
    }
    err = c.do(ctx, http.MethodPost, addr, "/gov/proposals/"+url.PathEscape(req.ProposalID)+"/ballots", h, body, &out)
    return out, err
}

func (c *Client) Withdraw(ctx context.Context, addr string, m transport.Member, proposalID string) (transport.ProposalInfo, error) {
    var out transport.ProposalInfo
    body, err := json.Marshal(transport.WithdrawRequest{ProposalID: proposalID})
    if err != nil { return out, err }
    err = c.do(ctx, http.MethodPost, addr, "/gov/proposals/"+url.PathEscape(proposalID)+"/withdraw", signedHeader(m, body), body, &out)
    return out, err
}

func (c *Client) Ack(ctx context.Context, addr string, m transport.Member) (transport.AckResponse, error) {
    var out transport.AckResponse
    body, err := json.Marshal(transport.AckRequest{MemberID: m.ID})
    if err != nil { return out, err }
    err = c.do(ctx, http.MethodPost, addr, "/gov/ack", signedHeader(m, body), body, &out)
    return out, err
}

func (c *Client) GetProposal(ctx context.Context, addr string, proposalID string) (transport.ProposalInfo, error) {
    var out transport.ProposalInfo
    err := c.do(ctx, http.MethodGet, addr, "/gov/proposals/"+url.PathEscape(proposalID), nil, nil, &out)
    return out, err
}

func (c *Client) TxStatus(ctx context.Context, addr string, id txstatus.TxID) (txstatus.Status, error) {
    var out transport.TxStatusResponse
    q := url.Values{}
    q.Set("view", strconv.FormatUint(id.View, 10))
    q.Set("seqno", strconv.FormatUint(id.Seqno, 10))
    if err := c.do(ctx, http.MethodGet, addr, "/node/tx?"+q.Encode(), nil, nil, &out); err != nil { return txstatus.Unknown, err }
    return out.Status, nil
}

func (c *Client) Commit(ctx context.Context, addr string) (txstatus.TxID, error) {
    var out transport.CommitResponse
    err := c.do(ctx, http.MethodGet, addr, "/node/commit", nil, nil, &out)
    return out.TxID, err
}

func (c *Client) Status(ctx context.Context, addr string) (transport.NodeStatus, error) {
    var out transport.NodeStatus
    err := c.do(ctx, http.MethodGet, addr, "/node/status", nil, nil, &out)
    return out, err
}

func (c *Client) Join(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
    var out transport.JoinResponse
    body, err := json.Marshal(req)
    if err != nil { return out, err }
    err = c.do(ctx, http.MethodPost, addr, "/node/join", nil, body, &out)
    return out, err
}

func (c *Client) AppWrite(ctx context.Context, addr string, userID string, req transport.AppWriteRequest) (transport.AppWriteResponse, error) {
    var out transport.AppWriteResponse
    body, err := json.Marshal(req)
    if err != nil { return out, err }
    h := http.Header{}
    h.Set(HeaderUserID, userID)
    err = c.do(ctx, http.MethodPost, addr, "/app/write", h, body, &out)
    return out, err
}

var (
    _ transport.RPCClient            = (*Client)(nil)
    _ transport.RequestLogSuppressor = (*Client)(nil)
)
