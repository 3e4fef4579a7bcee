package httpjson

import (
    "bytes"
    "context"
    "crypto/ed25519"
    "errors"
    "log"
    "net/http"
    "net/http/httptest"
    "strings"
    "testing"
    "time"

    "github.com/amirimatin/go-consortium/pkg/governance"
    "github.com/amirimatin/go-consortium/pkg/history"
    "github.com/amirimatin/go-consortium/pkg/internal/logutil"
    "github.com/amirimatin/go-consortium/pkg/transport"
    "github.com/amirimatin/go-consortium/pkg/transport/transporttest"
    "github.com/amirimatin/go-consortium/pkg/txstatus"
)

func serve(t *testing.T, h transport.Handlers) string {
    t.Helper()
    srv := httptest.NewServer(Handler(h))
    t.Cleanup(srv.Close)
    return strings.TrimPrefix(srv.URL, "http://")
}

func TestGovernanceOverHTTP(t *testing.T) {
    stub := transporttest.New("m0", "m1", "m2")
    addr := serve(t, stub.Handlers())
    node := transport.Bind(NewClient(time.Second), addr)

    c := &governance.Consortium{
        Members: []transport.Member{{ID: "m0"}, {ID: "m1"}, {ID: "m2"}},
        Wait:    governance.WaitConfig{Interval: 5 * time.Millisecond, Timeout: time.Second},
    }
    res, err := c.OpenNetwork(context.Background(), node)
    if err != nil { t.Fatalf("open network: %v", err) }
    if got := stub.Votes(); len(got) != 2 || got[0] != "m0" || got[1] != "m1" {
        t.Fatalf("unexpected ballots: %v", got)
    }
    info, err := node.GetProposal(context.Background(), res.ProposalID)
    if err != nil { t.Fatalf("get proposal: %v", err) }
    if info.State != transport.ProposalAccepted { t.Fatalf("state %s", info.State) }
}

func TestErrorsAreDecoded(t *testing.T) {
    stub := transporttest.New("m0")
    addr := serve(t, stub.Handlers())
    c := NewClient(time.Second)

    _, err := c.Vote(context.Background(), addr, transport.Member{ID: "m0"}, transport.VoteRequest{ProposalID: "nope", Ballot: true})
    var perr *transport.Error
    if !errors.As(err, &perr) { t.Fatalf("expected *transport.Error, got %T %v", err, err) }
    if perr.Code != transport.CodeProposalNotFound || perr.Status != http.StatusNotFound {
        t.Fatalf("unexpected error: %+v", perr)
    }

    _, err = c.Join(context.Background(), addr, transport.JoinRequest{ID: "n1"})
    if transport.ErrorCode(err) != transport.CodeNotSupported { t.Fatalf("expected NotSupported, got %v", err) }
}

func TestSignedBallot(t *testing.T) {
    pub, key, err := ed25519.GenerateKey(nil)
    if err != nil { t.Fatal(err) }
    var seen transport.Caller
    addr := serve(t, transport.Handlers{
        Vote: func(ctx context.Context, c transport.Caller, req transport.VoteRequest) (transport.VoteResponse, error) {
            seen = c
            if !req.Signed { return transport.VoteResponse{}, transport.Errorf(transport.CodeVoteNotSigned, "votes must be signed") }
            if !ed25519.Verify(pub, c.Body, c.Signature) {
                return transport.VoteResponse{}, transport.Errorf(transport.CodeInvalidSignature, "bad signature")
            }
            return transport.VoteResponse{Accepted: true, State: transport.ProposalAccepted, TxID: txstatus.TxID{View: 1, Seqno: 4}}, nil
        },
    })
    c := NewClient(time.Second)
    m := transport.Member{ID: "m0", Key: key}

    resp, err := c.Vote(context.Background(), addr, m, transport.VoteRequest{ProposalID: "p1", Ballot: true, Signed: true})
    if err != nil { t.Fatalf("signed vote: %v", err) }
    if !resp.Accepted || resp.TxID.Seqno != 4 { t.Fatalf("unexpected response %+v", resp) }
    if seen.MemberID != "m0" { t.Fatalf("member id not forwarded: %q", seen.MemberID) }

    _, err = c.Vote(context.Background(), addr, m, transport.VoteRequest{ProposalID: "p1", Ballot: true})
    if transport.ErrorCode(err) != transport.CodeVoteNotSigned { t.Fatalf("expected VoteNotSigned, got %v", err) }

    _, err = c.Vote(context.Background(), addr, transport.Member{ID: "m1"}, transport.VoteRequest{ProposalID: "p1", Signed: true})
    if !errors.Is(err, transport.ErrNoSigningKey) { t.Fatalf("expected ErrNoSigningKey, got %v", err) }
}

func TestRouteMustMatchSignedBody(t *testing.T) {
    calls := 0
    addr := serve(t, transport.Handlers{
        Vote: func(context.Context, transport.Caller, transport.VoteRequest) (transport.VoteResponse, error) {
            calls++
            return transport.VoteResponse{}, nil
        },
        Withdraw: func(context.Context, transport.Caller, string) (transport.ProposalInfo, error) {
            calls++
            return transport.ProposalInfo{}, nil
        },
    })
    for path, body := range map[string]string{
        "/gov/proposals/p2/ballots":  `{"proposal_id":"p1","ballot":true}`,
        "/gov/proposals/p2/withdraw": `{"proposal_id":"p1"}`,
    } {
        resp, err := http.Post("http://"+addr+path, "application/json", strings.NewReader(body))
        if err != nil { t.Fatal(err) }
        resp.Body.Close()
        if resp.StatusCode != http.StatusBadRequest { t.Fatalf("%s: status %d", path, resp.StatusCode) }
    }
    if calls != 0 { t.Fatalf("%d mismatched requests reached the handlers", calls) }
}

func TestMemberRequestsAreSigned(t *testing.T) {
    pub, key, err := ed25519.GenerateKey(nil)
    if err != nil { t.Fatal(err) }
    var seen []transport.Caller
    check := func(c transport.Caller) error {
        seen = append(seen, c)
        if !ed25519.Verify(pub, c.Body, c.Signature) { return transport.Errorf(transport.CodeInvalidSignature, "bad signature") }
        return nil
    }
    addr := serve(t, transport.Handlers{
        Propose: func(_ context.Context, c transport.Caller, _ transport.Proposal) (transport.ProposeResponse, error) {
            return transport.ProposeResponse{ProposalID: "p1"}, check(c)
        },
        Withdraw: func(_ context.Context, c transport.Caller, id string) (transport.ProposalInfo, error) {
            return transport.ProposalInfo{ID: id}, check(c)
        },
        Ack: func(_ context.Context, c transport.Caller) (transport.AckResponse, error) {
            return transport.AckResponse{MemberID: c.MemberID}, check(c)
        },
    })
    c := NewClient(time.Second)
    m := transport.Member{ID: "m0", Key: key}
    ctx := context.Background()
    if _, err := c.Propose(ctx, addr, m, transport.Proposal{Actions: []transport.Action{{Name: transport.ActionOpenNetwork}}}); err != nil { t.Fatalf("propose: %v", err) }
    if _, err := c.Withdraw(ctx, addr, m, "p1"); err != nil { t.Fatalf("withdraw: %v", err) }
    if _, err := c.Ack(ctx, addr, m); err != nil { t.Fatalf("ack: %v", err) }

    want := []string{`{"actions":[{"name":"open_network"}]}`, `{"proposal_id":"p1"}`, `{"member_id":"m0"}`}
    if len(seen) != len(want) { t.Fatalf("saw %d requests", len(seen)) }
    for i, c := range seen {
        if string(c.Body) != want[i] { t.Fatalf("request %d body %s, want %s", i, c.Body, want[i]) }
    }

    // Members without a key still send requests; the node decides.
    seen = nil
    if _, err := c.Ack(ctx, addr, transport.Member{ID: "m1"}); transport.ErrorCode(err) != transport.CodeInvalidSignature {
        t.Fatalf("expected the handler to see an unsigned ack, got %v", err)
    }
    if len(seen) != 1 || len(seen[0].Signature) != 0 { t.Fatalf("unexpected callers %+v", seen) }
}

func TestTxStatusQueryValidation(t *testing.T) {
    stub := transporttest.New()
    addr := serve(t, stub.Handlers())
    resp, err := http.Get("http://" + addr + "/node/tx?view=x&seqno=1")
    if err != nil { t.Fatal(err) }
    defer resp.Body.Close()
    if resp.StatusCode != http.StatusBadRequest { t.Fatalf("status %d", resp.StatusCode) }
}

func TestHistorySweepSuppressesRequestLogging(t *testing.T) {
    stub := transporttest.New()
    for s := uint64(1); s <= 4; s++ { stub.SetStatus(txstatus.TxID{View: 1, Seqno: s}, txstatus.Committed) }
    stub.SetCommit(txstatus.TxID{View: 2, Seqno: 4})
    addr := serve(t, stub.Handlers())

    var buf bytes.Buffer
    logutil.SetDebug(true)
    defer logutil.SetDebug(false)
    c := NewClient(time.Second).WithLogger(log.New(&buf, "", 0))
    v := &history.Verifier{Node: addr, Source: transport.Bind(c, addr), Workers: 2, Logger: log.New(&bytes.Buffer{}, "", 0)}
    if _, err := v.Verify(context.Background()); err != nil { t.Fatalf("verify: %v", err) }
    if n := strings.Count(buf.String(), "/node/tx"); n != 0 { t.Fatalf("%d tx status requests logged during sweep", n) }
    if !strings.Contains(buf.String(), "/node/commit") { t.Fatalf("commit request not logged: %q", buf.String()) }

    if _, err := c.TxStatus(context.Background(), addr, txstatus.TxID{View: 1, Seqno: 1}); err != nil { t.Fatal(err) }
    if !strings.Contains(buf.String(), "/node/tx") { t.Fatalf("logging not restored after sweep") }
}

func TestServerStartStop(t *testing.T) {
    s := NewServer("127.0.0.1:0", nil)
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    if err := s.Start(ctx, transporttest.New().Handlers()); err != nil { t.Fatalf("start: %v", err) }
    resp, err := http.Get("http://" + s.Addr() + "/healthz")
    if err != nil { t.Fatalf("healthz: %v", err) }
    resp.Body.Close()
    if resp.StatusCode != http.StatusOK { t.Fatalf("healthz status %d", resp.StatusCode) }
    if err := s.Stop(context.Background()); err != nil { t.Fatalf("stop: %v", err) }
}
