// Package state defines the replicated state machine contract driven by the
// consensus layer.
package state

import (
    "github.com/amirimatin/go-consortium/pkg/consensus"
    "github.com/amirimatin/go-consortium/pkg/txstatus"
)

// Machine is a deterministic state machine. Apply runs one committed command
// at log position at; the returned error is part of the command's outcome,
// not a replication failure.
type Machine interface {
    Apply(at txstatus.TxID, cmd consensus.Command) (any, error)
    Snapshot() ([]byte, error)
    Restore(buf []byte) error
}
