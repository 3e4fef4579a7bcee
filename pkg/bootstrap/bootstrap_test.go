package bootstrap

import (
    "context"
    "crypto/ed25519"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    gs "github.com/amirimatin/go-consortium/pkg/state/governance"
    "github.com/amirimatin/go-consortium/pkg/transport"
)

func TestDiscoveryKinds(t *testing.T) {
    d, err := Config{SeedsCSV: "a=127.0.0.1:1, 127.0.0.1:2"}.Discovery()
    require.NoError(t, err)
    assert.Len(t, d.Seeds(), 2)

    d, err = Config{DiscoveryKind: "dns", DNSNamesCSV: "127.0.0.1:7946"}.Discovery()
    require.NoError(t, err)
    assert.Equal(t, []string{"127.0.0.1:7946"}, d.Seeds())

    _, err = Config{DiscoveryKind: "consul"}.Discovery()
    assert.Error(t, err)
}

func TestUnknownProtocol(t *testing.T) {
    _, err := Client("smtp", time.Second, nil, nil)
    assert.Error(t, err)
    _, err = Build(Config{NodeID: "n1", MgmtProto: "smtp"})
    assert.Error(t, err)
    _, err = Build(Config{})
    assert.Error(t, err)
}

func TestTLSDisabled(t *testing.T) {
    s, c, err := Config{}.TLS()
    require.NoError(t, err)
    assert.Nil(t, s)
    assert.Nil(t, c)

    _, _, err = Config{TLSEnable: true}.TLS()
    assert.Error(t, err)
}

func TestRunSingleNode(t *testing.T) {
    for _, proto := range []string{"http", "grpc"} {
        t.Run(proto, func(t *testing.T) {
            ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
            defer cancel()
            pub, _, err := ed25519.GenerateKey(nil)
            require.NoError(t, err)

            n, err := Run(ctx, Config{
                NodeID:    "n1",
                MgmtAddr:  "127.0.0.1:0",
                MgmtProto: proto,
                Bootstrap: true,
                Genesis:   &gs.Genesis{Members: []transport.MemberArgs{{ID: "m0", PublicKey: pub}}, Users: []string{"alice"}},
            })
            require.NoError(t, err)
            defer n.Close()
            require.NoError(t, n.WaitReady(ctx))

            c, err := Client(proto, 2*time.Second, nil, nil)
            require.NoError(t, err)
            st, err := c.Status(ctx, n.Addr())
            require.NoError(t, err)
            assert.Equal(t, "n1", st.ID)
            assert.True(t, st.Primary)
            assert.Equal(t, gs.ServiceOpening, st.Service)
            assert.Equal(t, 1, st.Members)
        })
    }
}
