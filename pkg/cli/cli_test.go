package cli

import (
    "bytes"
    "context"
    "encoding/json"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-consortium/pkg/bootstrap"
    "github.com/amirimatin/go-consortium/pkg/node"
    "github.com/amirimatin/go-consortium/pkg/security/keys"
    gs "github.com/amirimatin/go-consortium/pkg/state/governance"
    "github.com/amirimatin/go-consortium/pkg/transport"
)

func run(t *testing.T, args ...string) []byte {
    t.Helper()
    root := NewRoot("govctl")
    var out bytes.Buffer
    root.SetOut(&out)
    root.SetArgs(args)
    require.NoError(t, root.Execute(), "govctl %v", args)
    return out.Bytes()
}

func TestParseAction(t *testing.T) {
    a, err := parseAction("open_network")
    require.NoError(t, err)
    assert.Equal(t, transport.Action{Name: "open_network"}, a)

    a, err = parseAction(`trust_node={"id":"n2"}`)
    require.NoError(t, err)
    assert.Equal(t, "trust_node", a.Name)
    assert.JSONEq(t, `{"id":"n2"}`, string(a.Args))

    _, err = parseAction(`trust_node={id}`)
    assert.Error(t, err)
    _, err = parseAction("=x")
    assert.Error(t, err)
}

func TestGenesisFrom(t *testing.T) {
    g, err := genesisFrom(nil, []string{"alice"})
    require.NoError(t, err)
    assert.Nil(t, g)

    dir := t.TempDir()
    _, pub, err := keys.Generate(dir, "m0")
    require.NoError(t, err)
    g, err = genesisFrom([]string{"m0=" + pub}, []string{"alice"})
    require.NoError(t, err)
    require.Len(t, g.Members, 1)
    assert.Equal(t, "m0", g.Members[0].ID)
    assert.Equal(t, []string{"alice"}, g.Users)
}

func TestRunRequiresGenesisMember(t *testing.T) {
    root := NewRoot("govctl")
    root.SetArgs([]string{"node", "run", "--id", "n1", "--bootstrap"})
    assert.Error(t, root.Execute())
}

// startNode runs an in-memory node whose genesis members are m0..m2.
func startNode(t *testing.T) (*node.Node, []string) {
    t.Helper()
    dir := t.TempDir()
    out := run(t, "keys", "generate", "--dir", dir, "m0", "m1", "m2")
    var paths map[string][2]string
    require.NoError(t, json.Unmarshal(out, &paths))

    var memberArgs, genesis []string
    for _, id := range []string{"m0", "m1", "m2"} {
        memberArgs = append(memberArgs, id+"="+paths[id][0])
        genesis = append(genesis, id+"="+paths[id][1])
    }
    g, err := genesisFrom(genesis, []string{"alice"})
    require.NoError(t, err)

    ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
    t.Cleanup(cancel)
    n, err := bootstrap.Run(ctx, bootstrap.Config{NodeID: "n1", MgmtAddr: "127.0.0.1:0", Bootstrap: true, Genesis: g})
    require.NoError(t, err)
    t.Cleanup(func() { _ = n.Close() })
    require.NoError(t, n.WaitReady(ctx))
    return n, memberArgs
}

func TestGovernanceWorkflow(t *testing.T) {
    n, members := startNode(t)
    addr := []string{"--addr", n.Addr()}
    withMembers := func(args ...string) []string {
        args = append(args, addr...)
        for _, m := range members { args = append(args, "--member", m) }
        return args
    }

    var res resultJSON
    require.NoError(t, json.Unmarshal(run(t, withMembers("gov", "open-network")...), &res))
    assert.True(t, res.Accepted)
    assert.Equal(t, []string{"m0", "m1"}, res.Voters)

    var prop map[string]string
    require.NoError(t, json.Unmarshal(run(t, withMembers("gov", "propose", "--action", `new_user={"id":"bob"}`)...), &prop))
    id := prop["proposal_id"]
    require.NotEmpty(t, id)

    var info transport.ProposalInfo
    require.NoError(t, json.Unmarshal(run(t, append([]string{"gov", "show", id}, addr...)...), &info))
    assert.Equal(t, transport.ProposalOpen, info.State)

    var wd transport.ProposalInfo
    require.NoError(t, json.Unmarshal(run(t, withMembers("gov", "withdraw", id)...), &wd))
    assert.Equal(t, transport.ProposalWithdrawn, wd.State)

    var st transport.NodeStatus
    require.NoError(t, json.Unmarshal(run(t, append([]string{"node", "status"}, addr...)...), &st))
    assert.Equal(t, gs.ServiceOpen, st.Service)
    assert.True(t, st.Primary)
}

func TestLoadAndVerify(t *testing.T) {
    n, members := startNode(t)
    addr := []string{"--addr", n.Addr()}
    args := append([]string{"gov", "open-network"}, addr...)
    for _, m := range members { args = append(args, "--member", m) }
    run(t, args...)

    var sum loadSummary
    out := run(t, append([]string{"app", "load", "--user", "alice", "--count", "25", "--poll-interval", "10ms"}, addr...)...)
    require.NoError(t, json.Unmarshal(out, &sum))
    assert.Equal(t, 25, sum.Writes)
    assert.Equal(t, 25, sum.Committed)
    assert.Zero(t, sum.Invalid)

    var w transport.AppWriteResponse
    require.NoError(t, json.Unmarshal(run(t, append([]string{"app", "write", "--user", "alice", "k", "v"}, addr...)...), &w))
    run(t, append([]string{"tx", "wait", w.TxID.String()}, addr...)...)

    var ts transport.TxStatusResponse
    require.NoError(t, json.Unmarshal(run(t, append([]string{"tx", "status", w.TxID.String()}, addr...)...), &ts))
    assert.Equal(t, "COMMITTED", ts.Status.String())

    var reps []reportJSON
    out = run(t, append([]string{"history", "verify", "--targets", "n1=" + n.Addr()}, addr...)...)
    require.NoError(t, json.Unmarshal(out, &reps))
    require.Len(t, reps, 1)
    assert.Equal(t, "n1", reps[0].Node)
    assert.Greater(t, reps[0].Seqnos, 25)
}
