// Package txstatus holds the shared Tx ID and commit status vocabulary used by
// the tracker, the view history verifier and the governance client.
package txstatus

import (
    "errors"
    "fmt"
    "strconv"
    "strings"
)

// TxID identifies a position in the replicated log: the view (term) in which
// the entry was written and its sequence number (index).
type TxID struct {
    View  uint64 `json:"view"`
    Seqno uint64 `json:"seqno"`
}

// String renders the ID as "<view>.<seqno>".
func (id TxID) String() string { return fmt.Sprintf("%d.%d", id.View, id.Seqno) }

// IsZero reports whether id is the zero value (no position).
func (id TxID) IsZero() bool { return id.View == 0 && id.Seqno == 0 }

// Valid reports whether both components are positive.
func (id TxID) Valid() bool { return id.View > 0 && id.Seqno > 0 }

// ParseTxID parses the "<view>.<seqno>" form produced by String.
func ParseTxID(s string) (TxID, error) {
    v, sq, ok := strings.Cut(strings.TrimSpace(s), ".")
    if !ok { return TxID{}, fmt.Errorf("txstatus: malformed tx id %q", s) }
    view, err := strconv.ParseUint(v, 10, 64)
    if err != nil { return TxID{}, fmt.Errorf("txstatus: bad view in %q: %w", s, err) }
    seqno, err := strconv.ParseUint(sq, 10, 64)
    if err != nil { return TxID{}, fmt.Errorf("txstatus: bad seqno in %q: %w", s, err) }
    return TxID{View: view, Seqno: seqno}, nil
}

// Status is the externally observable resolution state of a Tx ID.
type Status int

const (
    Unknown Status = iota
    Pending
    Committed
    Invalid
)

var statusNames = [...]string{"UNKNOWN", "PENDING", "COMMITTED", "INVALID"}

func (s Status) String() string {
    if s < 0 || int(s) >= len(statusNames) { return fmt.Sprintf("Status(%d)", int(s)) }
    return statusNames[s]
}

// ParseStatus accepts the upper case wire names, case-insensitively.
func ParseStatus(s string) (Status, error) {
    u := strings.ToUpper(strings.TrimSpace(s))
    for i, n := range statusNames {
        if n == u { return Status(i), nil }
    }
    return Unknown, fmt.Errorf("txstatus: unknown status %q", s)
}

func (s Status) MarshalText() ([]byte, error) {
    if s < 0 || int(s) >= len(statusNames) { return nil, fmt.Errorf("txstatus: invalid status %d", int(s)) }
    return []byte(statusNames[s]), nil
}

func (s *Status) UnmarshalText(b []byte) error {
    v, err := ParseStatus(string(b))
    if err != nil { return err }
    *s = v
    return nil
}

// Final reports whether no further transition is legal out of s.
func (s Status) Final() bool { return s == Committed || s == Invalid }

// CanTransition reports whether an observer that last saw from may now see
// to. Unknown may move anywhere, Pending may resolve to Committed or Invalid,
// and repeating the same status is always allowed.
func CanTransition(from, to Status) bool {
    if from == to { return true }
    switch from {
    case Unknown:
        return true
    case Pending:
        return to == Committed || to == Invalid
    default:
        return false
    }
}

// ErrViewUnknown is returned by Derive when a node claims a seqno is
// committed but cannot say in which view it was written.
var ErrViewUnknown = errors.New("txstatus: view unknown for committed seqno")

// Derive computes the status of target as seen by a node whose log holds
// localView at target.Seqno (0 when the node has no entry there) and whose
// highest committed position is commit.
func Derive(target TxID, localView uint64, commit TxID) (Status, error) {
    committed := commit.Seqno >= target.Seqno
    if committed && localView == 0 {
        return Unknown, fmt.Errorf("%w: commit %s covers seqno %d", ErrViewUnknown, commit, target.Seqno)
    }
    if committed {
        if localView == target.View { return Committed, nil }
        return Invalid, nil
    }
    // Every entry after a committed one carries at least its view, so a
    // position past the commit point can no longer commit in an older view.
    if commit.View > target.View { return Invalid, nil }
    if localView == target.View { return Pending, nil }
    return Unknown, nil
}
