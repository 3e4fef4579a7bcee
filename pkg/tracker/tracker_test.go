package tracker

import (
    "context"
    "errors"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-consortium/pkg/txstatus"
)

var allStatuses = []txstatus.Status{txstatus.Unknown, txstatus.Pending, txstatus.Committed, txstatus.Invalid}

func legal(from, to txstatus.Status) bool {
    switch {
    case from == to:
        return true
    case from == txstatus.Unknown:
        return true
    case from == txstatus.Pending:
        return to == txstatus.Committed || to == txstatus.Invalid
    }
    return false
}

func TestTransitionLegality(t *testing.T) {
    for _, from := range allStatuses {
        for _, to := range allStatuses {
            tr := New()
            require.NoError(t, tr.Update(3, 9, from))
            err := tr.Update(3, 9, to)
            got, ok := tr.Status(txstatus.TxID{View: 3, Seqno: 9})
            require.True(t, ok)
            if legal(from, to) {
                assert.NoError(t, err, "%s -> %s", from, to)
                assert.Equal(t, to, got)
                continue
            }
            require.Error(t, err, "%s -> %s", from, to)
            assert.True(t, errors.Is(err, ErrSafetyViolation))
            var sv *SafetyViolation
            require.True(t, errors.As(err, &sv))
            assert.Equal(t, from, sv.Previous)
            assert.Equal(t, to, sv.Observed)
            assert.Equal(t, from, got, "status must be unchanged after %s -> %s", from, to)
        }
    }
}

func TestSequenceNeverLeavesFinalState(t *testing.T) {
    tr := New()
    seq := []txstatus.Status{txstatus.Pending, txstatus.Pending, txstatus.Committed, txstatus.Pending, txstatus.Invalid, txstatus.Committed}
    var violations int
    for _, st := range seq {
        if err := tr.Update(1, 1, st); err != nil { violations++ }
    }
    assert.Equal(t, 2, violations)
    st, _ := tr.Status(txstatus.TxID{View: 1, Seqno: 1})
    assert.Equal(t, txstatus.Committed, st)
}

func TestTrackDoesNotOverwrite(t *testing.T) {
    tr := New()
    tr.Track(2, 4)
    st, ok := tr.Status(txstatus.TxID{View: 2, Seqno: 4})
    require.True(t, ok)
    assert.Equal(t, txstatus.Unknown, st)

    require.NoError(t, tr.Update(2, 4, txstatus.Committed))
    tr.Track(2, 4)
    st, _ = tr.Status(txstatus.TxID{View: 2, Seqno: 4})
    assert.Equal(t, txstatus.Committed, st)
    assert.Equal(t, 1, tr.Len())
}

func TestIDsAndReset(t *testing.T) {
    tr := New()
    tr.Track(1, 1)
    tr.Track(1, 2)
    require.NoError(t, tr.Update(2, 3, txstatus.Pending))
    assert.ElementsMatch(t, []txstatus.TxID{{View: 1, Seqno: 1}, {View: 1, Seqno: 2}, {View: 2, Seqno: 3}}, tr.IDs())
    assert.Len(t, tr.Pending(), 3)

    sess := tr.Session()
    tr.Reset()
    assert.NotEqual(t, sess, tr.Session())
    assert.Zero(t, tr.Len())
    assert.Empty(t, tr.IDs())
}

type fakeSource map[txstatus.TxID]txstatus.Status

func (f fakeSource) TxStatus(_ context.Context, id txstatus.TxID) (txstatus.Status, error) {
    return f[id], nil
}

func TestPoll(t *testing.T) {
    tr := New()
    a := txstatus.TxID{View: 1, Seqno: 1}
    b := txstatus.TxID{View: 1, Seqno: 2}
    require.NoError(t, tr.Observe(a, txstatus.Pending))
    tr.Track(b.View, b.Seqno)

    src := fakeSource{a: txstatus.Committed, b: txstatus.Pending}
    require.NoError(t, tr.Poll(context.Background(), src))
    st, _ := tr.Status(a)
    assert.Equal(t, txstatus.Committed, st)

    src[a] = txstatus.Pending
    err := tr.Poll(context.Background(), src)
    assert.ErrorIs(t, err, ErrSafetyViolation)
}
