package raftcons

import (
    "context"
    "testing"
    "time"
)

// Three-node election using real TCP transports and on-disk stores (in temp dirs).
func TestRaft_ThreeNodeElection_TCP(t *testing.T) {
    t.Parallel()

    recs := map[string]*recorder{}
    mk := func(id string) *Node {
        recs[id] = newRecorder()
        n, err := New(Options{
            NodeID:            id,
            Machine:           recs[id],
            BindAddr:          "127.0.0.1:0",
            DataDir:           t.TempDir(),
            SnapshotsRetained: 1,
            HeartbeatTimeout:  150 * time.Millisecond,
            ElectionTimeout:   300 * time.Millisecond,
            CommitTimeout:     50 * time.Millisecond,
            ApplyTimeout:      2 * time.Second,
        })
        if err != nil { t.Fatalf("new %s: %v", id, err) }
        return n
    }

    n1 := mk("n1"); n1.opts.Bootstrap = true
    n2 := mk("n2")
    n3 := mk("n3")

    ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
    defer cancel()

    for _, n := range []*Node{n1, n2, n3} {
        if err := n.Start(ctx); err != nil { t.Fatalf("start %s: %v", n.opts.NodeID, err) }
        defer n.Stop()
    }

    awaitLeader(t, n1, 5*time.Second)

    for _, n := range []*Node{n2, n3} {
        if err := n1.AddVoter(n.opts.NodeID, n.Addr(), 3*time.Second); err != nil { t.Fatalf("AddVoter %s: %v", n.opts.NodeID, err) }
    }

    awaitLeaderKnown := func(n *Node) {
        t.Helper()
        dl := time.Now().Add(5 * time.Second)
        for time.Now().Before(dl) {
            if id, _, ok := n.Leader(); ok && id != "" { return }
            time.Sleep(50 * time.Millisecond)
        }
        t.Fatalf("leader unknown on %s", n.opts.NodeID)
    }
    awaitLeaderKnown(n2)
    awaitLeaderKnown(n3)

    res, err := n1.Apply(put(t, "svc-1"), 2*time.Second)
    if err != nil { t.Fatalf("apply: %v", err) }

    // The commit point on every node eventually reaches the write, with the
    // same view the leader reported.
    for _, n := range []*Node{n1, n2, n3} {
        dl := time.Now().Add(5 * time.Second)
        reached := false
        for time.Now().Before(dl) && !reached {
            cp, err := n.CommitPoint()
            reached = err == nil && cp.Seqno >= res.TxID.Seqno
            if !reached { time.Sleep(50 * time.Millisecond) }
        }
        if !reached { t.Fatalf("%s commit behind %v", n.opts.NodeID, res.TxID) }
        if v, err := n.ViewAt(res.TxID.Seqno); err != nil || v != res.TxID.View {
            t.Fatalf("%s ViewAt(%d) = %d, %v", n.opts.NodeID, res.TxID.Seqno, v, err)
        }
        if id, ok := recs[n.opts.NodeID].at("svc-1"); !ok || id != res.TxID {
            t.Fatalf("%s recorded %v", n.opts.NodeID, id)
        }
    }
}
