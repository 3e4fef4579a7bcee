package txstatus

import (
    "encoding/json"
    "errors"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestTxIDText(t *testing.T) {
    id, err := ParseTxID("2.15")
    require.NoError(t, err)
    assert.Equal(t, TxID{View: 2, Seqno: 15}, id)
    assert.Equal(t, "2.15", id.String())

    for _, bad := range []string{"", "2", "a.1", "1.b", "1.-2"} {
        _, err := ParseTxID(bad)
        assert.Error(t, err, bad)
    }
}

func TestStatusJSON(t *testing.T) {
    b, err := json.Marshal(struct{ S Status }{Committed})
    require.NoError(t, err)
    assert.JSONEq(t, `{"S":"COMMITTED"}`, string(b))

    var out struct{ S Status }
    require.NoError(t, json.Unmarshal([]byte(`{"S":"invalid"}`), &out))
    assert.Equal(t, Invalid, out.S)
    assert.Error(t, json.Unmarshal([]byte(`{"S":"DONE"}`), &out))
}

func TestDerive(t *testing.T) {
    cases := []struct {
        name      string
        target    TxID
        localView uint64
        commit    TxID
        want      Status
    }{
        {"committed same view", TxID{2, 5}, 2, TxID{2, 8}, Committed},
        {"committed other view", TxID{1, 5}, 2, TxID{2, 8}, Invalid},
        {"pending in current view", TxID{2, 9}, 2, TxID{2, 8}, Pending},
        {"older view past later commit", TxID{1, 9}, 1, TxID{2, 8}, Invalid},
        {"never written, later view committed", TxID{1, 12}, 0, TxID{2, 8}, Invalid},
        {"not written yet", TxID{2, 12}, 0, TxID{2, 8}, Unknown},
        {"future view", TxID{3, 12}, 0, TxID{2, 8}, Unknown},
    }
    for _, tc := range cases {
        got, err := Derive(tc.target, tc.localView, tc.commit)
        require.NoError(t, err, tc.name)
        assert.Equal(t, tc.want, got, tc.name)
    }

    _, err := Derive(TxID{1, 3}, 0, TxID{1, 5})
    assert.True(t, errors.Is(err, ErrViewUnknown))
}

func TestCanTransition(t *testing.T) {
    assert.True(t, CanTransition(Unknown, Invalid))
    assert.True(t, CanTransition(Pending, Committed))
    assert.True(t, CanTransition(Committed, Committed))
    assert.False(t, CanTransition(Committed, Pending))
    assert.False(t, CanTransition(Invalid, Committed))
    assert.False(t, CanTransition(Pending, Unknown))
}
