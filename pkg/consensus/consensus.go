package consensus

import (
    "context"
    "errors"
    "time"

    "github.com/amirimatin/go-consortium/pkg/txstatus"
)

// ErrNotLeader is returned by Apply on a node that cannot accept writes.
var ErrNotLeader = errors.New("consensus: not leader")

// Command represents a replicated log command. The semantics of Op/Payload
// are defined by the state machine behind the consensus engine.
type Command struct {
    Op      string `json:"op"`
    Payload []byte `json:"payload,omitempty"`
}

// Applied is the outcome of a command once the state machine has run it.
// TxID is the log position the command was committed at.
type Applied struct {
    TxID   txstatus.TxID
    Result any
}

// Consensus is the minimal abstraction over a leader-based consensus engine
// (e.g., RAFT). Views are terms and seqnos are log indexes.
type Consensus interface {
    Start(ctx context.Context) error
    Apply(cmd Command, timeout time.Duration) (Applied, error)
    IsLeader() bool
    Leader() (id string, addr string, ok bool)
    Term() uint64
    Stop() error
}

// History exposes the local log positions a node knows about, for Tx status
// derivation.
type History interface {
    // CommitPoint is the highest position known committed and applied.
    CommitPoint() (txstatus.TxID, error)
    // ViewAt returns the view of the local log entry at seqno, or 0 when the
    // node holds no entry there.
    ViewAt(seqno uint64) (uint64, error)
}
