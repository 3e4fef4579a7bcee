package transport

import (
    "context"
    "crypto/ed25519"
    "errors"
    "fmt"
    "net/http"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-consortium/pkg/txstatus"
)

func TestErrorMatchingByCode(t *testing.T) {
    err := fmt.Errorf("vote: %w", Errorf(CodeProposalNotOpen, "proposal %s is %s", "p1", ProposalAccepted))
    assert.True(t, errors.Is(err, &Error{Code: CodeProposalNotOpen}))
    assert.False(t, errors.Is(err, &Error{Code: CodeProposalNotFound}))
    assert.False(t, errors.Is(err, &Error{}))
    assert.Equal(t, CodeProposalNotOpen, ErrorCode(err))
    assert.Equal(t, "", ErrorCode(errors.New("plain")))
    assert.Contains(t, err.Error(), "(409)")
}

func TestStatusFor(t *testing.T) {
    cases := map[string]int{
        CodeProposalNotFound: http.StatusNotFound,
        CodeVoteNotSigned:    http.StatusUnauthorized,
        CodeInvalidSignature: http.StatusUnauthorized,
        CodeMemberNotActive:  http.StatusForbidden,
        CodeProposalNotOpen:  http.StatusConflict,
        CodeUnknownAction:    http.StatusBadRequest,
        CodeNotPrimary:       http.StatusServiceUnavailable,
        CodeNotSupported:     http.StatusNotImplemented,
        "Whatever":           http.StatusInternalServerError,
    }
    for code, want := range cases {
        assert.Equal(t, want, StatusFor(code), code)
    }
}

func TestAsError(t *testing.T) {
    assert.Nil(t, AsError(nil))
    e := AsError(errors.New("disk full"))
    assert.Equal(t, CodeInternal, e.Code)
    assert.Equal(t, http.StatusInternalServerError, e.Status)

    // Errors decoded from the wire carry no status; it is restored from the code.
    wire := &Error{Code: CodeUserNotFound, Message: "x"}
    e = AsError(fmt.Errorf("write: %w", wire))
    assert.Equal(t, http.StatusNotFound, e.Status)
    assert.Equal(t, CodeUserNotFound, e.Code)
    assert.Zero(t, wire.Status, "the caller's error is left untouched")
    assert.NotSame(t, wire, e)
}

func TestMemberSigning(t *testing.T) {
    pub, priv, err := ed25519.GenerateKey(nil)
    require.NoError(t, err)
    m := Member{ID: "m0", Key: priv}
    assert.True(t, m.CanSign())
    assert.True(t, pub.Equal(m.PublicKey()))
    sig, err := m.Sign([]byte(`{"ballot":true}`))
    require.NoError(t, err)
    assert.True(t, ed25519.Verify(pub, []byte(`{"ballot":true}`), sig))

    anon := Member{ID: "m1"}
    assert.False(t, anon.CanSign())
    assert.Nil(t, anon.PublicKey())
    _, err = anon.Sign(nil)
    assert.ErrorIs(t, err, ErrNoSigningKey)

    body := []byte(`{"member_id":"m0"}`)
    assert.True(t, ed25519.Verify(pub, body, m.SignatureOf(body)))
    assert.Nil(t, anon.SignatureOf(body))
}

func TestNewAction(t *testing.T) {
    a, err := NewAction(ActionOpenNetwork, nil)
    require.NoError(t, err)
    assert.Nil(t, a.Args)
    a, err = NewAction(ActionTrustNode, IDArgs{ID: "n2"})
    require.NoError(t, err)
    assert.JSONEq(t, `{"id":"n2"}`, string(a.Args))
}

// pinClient records the address of every call it serves.
type pinClient struct {
    RPCClient
    addrs    []string
    restored bool
}

func (p *pinClient) Commit(_ context.Context, addr string) (txstatus.TxID, error) {
    p.addrs = append(p.addrs, addr)
    return txstatus.TxID{View: 2, Seqno: 9}, nil
}

func (p *pinClient) TxStatus(_ context.Context, addr string, _ txstatus.TxID) (txstatus.Status, error) {
    p.addrs = append(p.addrs, addr)
    return txstatus.Pending, nil
}

func (p *pinClient) SuppressRequestLogging() func() { return func() { p.restored = true } }

func TestBoundPinsAddress(t *testing.T) {
    pc := &pinClient{}
    b := Bind(pc, "10.0.0.1:17946")
    assert.Equal(t, "10.0.0.1:17946", b.Addr())

    id, err := b.Commit(context.Background())
    require.NoError(t, err)
    assert.Equal(t, txstatus.TxID{View: 2, Seqno: 9}, id)
    st, err := b.TxStatus(context.Background(), id)
    require.NoError(t, err)
    assert.Equal(t, txstatus.Pending, st)
    assert.Equal(t, []string{"10.0.0.1:17946", "10.0.0.1:17946"}, pc.addrs)

    b.SuppressRequestLogging()()
    assert.True(t, pc.restored)
}

type quietClient struct{ RPCClient }

func TestBoundSuppressWithoutSupport(t *testing.T) {
    b := Bind(quietClient{}, "x")
    assert.NotPanics(t, func() { b.SuppressRequestLogging()() })
}
