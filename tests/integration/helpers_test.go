//go:build integration

package integration

import (
    "crypto/ed25519"
    "errors"
    "fmt"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    gs "github.com/amirimatin/go-consortium/pkg/state/governance"
    "github.com/amirimatin/go-consortium/pkg/transport"
)

var errNotYet = errors.New("not yet")

func waitUntil(t *testing.T, d time.Duration, fn func() error) {
    t.Helper()
    deadline := time.Now().Add(d)
    for {
        err := fn()
        if err == nil { return }
        if time.Now().After(deadline) { t.Fatalf("condition not met within %s: %v", d, err) }
        time.Sleep(200 * time.Millisecond)
    }
}

// newMembers returns n signing members and a genesis naming them, with one
// application user "alice".
func newMembers(t *testing.T, n int) ([]transport.Member, *gs.Genesis) {
    t.Helper()
    g := &gs.Genesis{Users: []string{"alice"}}
    var ms []transport.Member
    for i := 0; i < n; i++ {
        pub, priv, err := ed25519.GenerateKey(nil)
        require.NoError(t, err)
        id := fmt.Sprintf("member%d", i)
        ms = append(ms, transport.Member{ID: id, Key: priv})
        g.Members = append(g.Members, transport.MemberArgs{ID: id, PublicKey: pub})
    }
    return ms, g
}
