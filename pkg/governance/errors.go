package governance

import (
    "errors"
    "fmt"
    "time"

    "github.com/amirimatin/go-consortium/pkg/txstatus"
)

var (
    ErrNoMembers     = errors.New("governance: consortium has no members")
    ErrNoQuorum      = errors.New("governance: majority of ballots cast without acceptance")
    ErrCommitInvalid = errors.New("governance: transaction became invalid before global commit")
    ErrTimeout       = errors.New("governance: timed out waiting for global commit")
)

// TimeoutError is returned when a global commit wait runs out of time. The
// cluster may simply be slow, so callers may retry.
type TimeoutError struct {
    TxID    txstatus.TxID
    Last    txstatus.Status
    Waited  time.Duration
    LastErr error
}

func (e *TimeoutError) Error() string {
    s := fmt.Sprintf("governance: tx %s not committed after %s (last status %s)", e.TxID, e.Waited, e.Last)
    if e.LastErr != nil { s += fmt.Sprintf(", last error: %v", e.LastErr) }
    return s
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }
func (e *TimeoutError) Timeout() bool        { return true }
func (e *TimeoutError) Temporary() bool      { return true }
