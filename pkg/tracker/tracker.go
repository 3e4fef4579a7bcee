// Package tracker keeps the last observed commit status of every Tx ID seen
// during one verification session and rejects status transitions that a
// correct consensus implementation can never produce.
//
// A Tracker is not safe for concurrent mutation; callers own one per session
// and serialize access to it.
package tracker

import (
    "context"
    "errors"
    "fmt"

    "github.com/google/uuid"

    "github.com/amirimatin/go-consortium/pkg/observability/metrics"
    "github.com/amirimatin/go-consortium/pkg/txstatus"
)

// ErrSafetyViolation matches every consensus safety violation reported by this
// module, including duplicate commits found by the history verifier.
var ErrSafetyViolation = errors.New("tracker: consensus safety violation")

// SafetyViolation reports an illegal status transition for one Tx ID.
type SafetyViolation struct {
    ID       txstatus.TxID
    Previous txstatus.Status
    Observed txstatus.Status
}

func (e *SafetyViolation) Error() string {
    return fmt.Sprintf("tracker: consensus safety violation: tx %s moved %s -> %s", e.ID, e.Previous, e.Observed)
}

func (e *SafetyViolation) Is(target error) bool { return target == ErrSafetyViolation }

// StatusSource is the slice of a cluster connection Poll needs.
type StatusSource interface {
    TxStatus(ctx context.Context, id txstatus.TxID) (txstatus.Status, error)
}

// Tracker maps view -> seqno -> last observed status.
type Tracker struct {
    views   map[uint64]map[uint64]txstatus.Status
    n       int
    session string
}

// New returns an empty tracker with a fresh session ID.
func New() *Tracker {
    t := &Tracker{}
    t.Reset()
    return t
}

// Reset drops everything tracked so far and starts a new session.
func (t *Tracker) Reset() {
    t.views = make(map[uint64]map[uint64]txstatus.Status)
    t.n = 0
    t.session = uuid.NewString()
}

// Session identifies the current session; it changes on every Reset.
func (t *Tracker) Session() string { return t.session }

// Track makes sure (view, seqno) is tracked, defaulting to Unknown. An
// existing status is left alone.
func (t *Tracker) Track(view, seqno uint64) {
    if _, ok := t.lookup(view, seqno); ok { return }
    t.set(view, seqno, txstatus.Unknown)
}

// Update records status for (view, seqno). An illegal transition returns a
// *SafetyViolation and leaves the stored status unchanged.
func (t *Tracker) Update(view, seqno uint64, status txstatus.Status) error {
    prev, _ := t.lookup(view, seqno)
    if !txstatus.CanTransition(prev, status) {
        metrics.SafetyViolations.WithLabelValues("transition").Inc()
        return &SafetyViolation{ID: txstatus.TxID{View: view, Seqno: seqno}, Previous: prev, Observed: status}
    }
    t.set(view, seqno, status)
    return nil
}

// Observe is Update keyed by a TxID.
func (t *Tracker) Observe(id txstatus.TxID, status txstatus.Status) error {
    return t.Update(id.View, id.Seqno, status)
}

// Status returns the last observed status of id and whether it is tracked.
func (t *Tracker) Status(id txstatus.TxID) (txstatus.Status, bool) {
    return t.lookup(id.View, id.Seqno)
}

// IDs returns every tracked Tx ID. The order is unspecified.
func (t *Tracker) IDs() []txstatus.TxID {
    out := make([]txstatus.TxID, 0, t.n)
    for v, seqnos := range t.views {
        for s := range seqnos {
            out = append(out, txstatus.TxID{View: v, Seqno: s})
        }
    }
    return out
}

// Len returns the number of tracked Tx IDs.
func (t *Tracker) Len() int { return t.n }

// Pending returns the tracked IDs whose status is not final yet.
func (t *Tracker) Pending() []txstatus.TxID {
    var out []txstatus.TxID
    for v, seqnos := range t.views {
        for s, st := range seqnos {
            if !st.Final() { out = append(out, txstatus.TxID{View: v, Seqno: s}) }
        }
    }
    return out
}

// Poll asks src for the status of every tracked ID once and feeds each answer
// through Update. It stops at the first transport error or safety violation.
func (t *Tracker) Poll(ctx context.Context, src StatusSource) error {
    for _, id := range t.IDs() {
        st, err := src.TxStatus(ctx, id)
        if err != nil { return fmt.Errorf("tracker: status of %s: %w", id, err) }
        if err := t.Observe(id, st); err != nil { return err }
    }
    return nil
}

func (t *Tracker) lookup(view, seqno uint64) (txstatus.Status, bool) {
    seqnos, ok := t.views[view]
    if !ok { return txstatus.Unknown, false }
    st, ok := seqnos[seqno]
    return st, ok
}

func (t *Tracker) set(view, seqno uint64, st txstatus.Status) {
    seqnos, ok := t.views[view]
    if !ok {
        seqnos = make(map[uint64]txstatus.Status)
        t.views[view] = seqnos
    }
    if _, ok := seqnos[seqno]; !ok { t.n++ }
    seqnos[seqno] = st
}
