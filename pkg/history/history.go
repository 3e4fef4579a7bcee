// Package history verifies, from outside a running cluster, that every
// sequence number up to a node's commit point was committed in exactly one
// view.
//
// The sweep is exhaustive: for a commit point (V, S) it asks the node for the
// status of all V*S Tx IDs. Queries run on a bounded worker pool and land in a
// pre-indexed matrix, so the result does not depend on completion order.
package history

import (
    "context"
    "errors"
    "fmt"
    "log"
    "sort"
    "strings"
    "time"

    "golang.org/x/sync/errgroup"

    "github.com/amirimatin/go-consortium/pkg/internal/logutil"
    "github.com/amirimatin/go-consortium/pkg/observability/metrics"
    "github.com/amirimatin/go-consortium/pkg/observability/tracing"
    "github.com/amirimatin/go-consortium/pkg/tracker"
    "github.com/amirimatin/go-consortium/pkg/transport"
    "github.com/amirimatin/go-consortium/pkg/txstatus"
)

// DefaultWorkers bounds concurrent status queries when Verifier.Workers is 0.
const DefaultWorkers = 8

// ErrInconsistentHistory matches every *HistoryError.
var ErrInconsistentHistory = errors.New("history: inconsistent view history")

// Kind classifies a bad sequence number.
type Kind int

const (
    // Duplicate: committed in more than one view. A safety violation.
    Duplicate Kind = iota + 1
    // Gap: committed in no view. A liveness defect.
    Gap
)

func (k Kind) String() string {
    switch k {
    case Duplicate:
        return "duplicate"
    case Gap:
        return "gap"
    default:
        return fmt.Sprintf("Kind(%d)", int(k))
    }
}

// Entry is the set of views in which one seqno was observed committed.
type Entry struct {
    Seqno uint64
    Views []uint64
}

// String renders "v.s", "v1.s OR v2.s" or "UNKNOWN".
func (e Entry) String() string {
    if len(e.Views) == 0 { return "UNKNOWN" }
    parts := make([]string, len(e.Views))
    for i, v := range e.Views {
        parts[i] = txstatus.TxID{View: v, Seqno: e.Seqno}.String()
    }
    return strings.Join(parts, " OR ")
}

// Violation is one bad seqno.
type Violation struct {
    Entry
    Kind Kind
}

// Report is the outcome of one sweep.
type Report struct {
    Node     string
    Commit   txstatus.TxID
    Entries  []Entry
    Queries  int
    Duration time.Duration
}

// String is the condensed history, e.g. "1.1, 1.2, 2.3 OR 3.3, UNKNOWN".
func (r *Report) String() string {
    parts := make([]string, len(r.Entries))
    for i, e := range r.Entries { parts[i] = e.String() }
    return strings.Join(parts, ", ")
}

// Violations lists every seqno not committed in exactly one view, in seqno
// order.
func (r *Report) Violations() []Violation {
    var out []Violation
    for _, e := range r.Entries {
        switch len(e.Views) {
        case 1:
        case 0:
            out = append(out, Violation{Entry: e, Kind: Gap})
        default:
            out = append(out, Violation{Entry: e, Kind: Duplicate})
        }
    }
    return out
}

// HistoryError aggregates every violation found by a sweep.
type HistoryError struct {
    Node       string
    Commit     txstatus.TxID
    Violations []Violation
}

func (e *HistoryError) Error() string {
    var b strings.Builder
    fmt.Fprintf(&b, "history: inconsistent view history on %s up to %s:", e.Node, e.Commit)
    for i, v := range e.Violations {
        if i > 0 { b.WriteString(";") }
        if v.Kind == Gap {
            fmt.Fprintf(&b, " seqno %d committed in no view (UNKNOWN)", v.Seqno)
            continue
        }
        fmt.Fprintf(&b, " seqno %d committed in views %v (%s)", v.Seqno, v.Views, v.Entry)
    }
    return b.String()
}

// Is matches ErrInconsistentHistory, and tracker.ErrSafetyViolation when at
// least one seqno was committed twice.
func (e *HistoryError) Is(target error) bool {
    switch target {
    case ErrInconsistentHistory:
        return true
    case tracker.ErrSafetyViolation:
        return len(e.Duplicates()) > 0
    }
    return false
}

// Duplicates returns the safety violations.
func (e *HistoryError) Duplicates() []Violation { return e.filter(Duplicate) }

// Gaps returns the liveness violations.
func (e *HistoryError) Gaps() []Violation { return e.filter(Gap) }

func (e *HistoryError) filter(k Kind) []Violation {
    var out []Violation
    for _, v := range e.Violations {
        if v.Kind == k { out = append(out, v) }
    }
    return out
}

// Verifier sweeps the view history of one node.
type Verifier struct {
    // Node names the source in reports and errors.
    Node    string
    Source  transport.NodeClient
    Workers int
    Logger  *log.Logger
}

func (v *Verifier) name() string {
    if v.Node == "" { return "node" }
    return v.Node
}

// Verify reads the commit point of the source and checks every seqno up to
// it. A sweep that completes always returns its Report; violations are
// returned as a *HistoryError alongside it. Transport errors abort the sweep.
func (v *Verifier) Verify(ctx context.Context) (*Report, error) {
    if v.Source == nil { return nil, errors.New("history: no source") }
    ctx, end := tracing.StartSpan(ctx, "history.verify", "node", v.name())
    defer end()
    start := time.Now()

    commit, err := v.Source.Commit(ctx)
    if err != nil { return nil, fmt.Errorf("history: commit point of %s: %w", v.name(), err) }

    if s, ok := v.Source.(transport.RequestLogSuppressor); ok {
        restore := s.SuppressRequestLogging()
        defer restore()
    }

    views, seqnos := commit.View, commit.Seqno
    committed := make([][]bool, seqnos)
    for i := range committed { committed[i] = make([]bool, views) }

    workers := v.Workers
    if workers <= 0 { workers = DefaultWorkers }
    g, gctx := errgroup.WithContext(ctx)
    g.SetLimit(workers)
    for s := uint64(1); s <= seqnos; s++ {
        for vw := uint64(1); vw <= views; vw++ {
            s, vw := s, vw
            g.Go(func() error {
                id := txstatus.TxID{View: vw, Seqno: s}
                st, err := v.Source.TxStatus(gctx, id)
                if err != nil { return fmt.Errorf("history: status of %s on %s: %w", id, v.name(), err) }
                committed[s-1][vw-1] = st == txstatus.Committed
                return nil
            })
        }
    }
    if err := g.Wait(); err != nil { return nil, err }
    metrics.HistoryQueries.Add(float64(views * seqnos))

    rep := &Report{Node: v.name(), Commit: commit, Entries: make([]Entry, seqnos), Queries: int(views * seqnos)}
    for i, row := range committed {
        e := Entry{Seqno: uint64(i + 1)}
        for j, ok := range row {
            if ok { e.Views = append(e.Views, uint64(j+1)) }
        }
        rep.Entries[i] = e
    }
    rep.Duration = time.Since(start)
    metrics.HistorySweepSeconds.Observe(rep.Duration.Seconds())

    bad := rep.Violations()
    if len(bad) == 0 {
        logutil.Infof(v.Logger, "history: %s consistent up to %s (%d queries in %s)", v.name(), commit, rep.Queries, rep.Duration)
        return rep, nil
    }
    herr := &HistoryError{Node: v.name(), Commit: commit, Violations: bad}
    metrics.SafetyViolations.WithLabelValues("duplicate").Add(float64(len(herr.Duplicates())))
    metrics.LivenessGaps.Add(float64(len(herr.Gaps())))
    logutil.Errorf(v.Logger, "history: %s: %s", v.name(), rep)
    return rep, herr
}

// VerifyAll sweeps every target in name order using v's settings and joins
// the failures.
func (v *Verifier) VerifyAll(ctx context.Context, targets map[string]transport.NodeClient) (map[string]*Report, error) {
    names := make([]string, 0, len(targets))
    for n := range targets { names = append(names, n) }
    sort.Strings(names)
    reports := make(map[string]*Report, len(targets))
    var errs []error
    for _, n := range names {
        one := *v
        one.Node, one.Source = n, targets[n]
        rep, err := one.Verify(ctx)
        if rep != nil { reports[n] = rep }
        if err != nil { errs = append(errs, err) }
        if ctx.Err() != nil { break }
    }
    return reports, errors.Join(errs...)
}
