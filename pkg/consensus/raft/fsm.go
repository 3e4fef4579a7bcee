package raftcons

import (
    "encoding/json"
    "io"

    "github.com/hashicorp/raft"

    c "github.com/amirimatin/go-consortium/pkg/consensus"
    "github.com/amirimatin/go-consortium/pkg/state"
    "github.com/amirimatin/go-consortium/pkg/txstatus"
)

// machineFSM bridges Raft Apply/Snapshot to a state.Machine. Each command is
// stamped with its log position: term as view, index as seqno.
type machineFSM struct {
    m state.Machine
}

// fsmResponse is what ApplyFuture.Response yields.
type fsmResponse struct {
    at  txstatus.TxID
    res any
    err error
}

func newMachineFSM(m state.Machine) *machineFSM { return &machineFSM{m: m} }

func (f *machineFSM) Apply(l *raft.Log) interface{} {
    at := txstatus.TxID{View: l.Term, Seqno: l.Index}
    var cmd c.Command
    if err := json.Unmarshal(l.Data, &cmd); err != nil {
        return fsmResponse{at: at, err: err}
    }
    res, err := f.m.Apply(at, cmd)
    return fsmResponse{at: at, res: res, err: err}
}

func (f *machineFSM) Snapshot() (raft.FSMSnapshot, error) {
    blob, err := f.m.Snapshot()
    if err != nil { return nil, err }
    return &snapshot{blob: blob}, nil
}

func (f *machineFSM) Restore(rc io.ReadCloser) error {
    defer rc.Close()
    data, err := io.ReadAll(rc)
    if err != nil { return err }
    return f.m.Restore(data)
}

type snapshot struct {
    blob []byte
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
    if _, err := sink.Write(s.blob); err != nil { _ = sink.Cancel(); return err }
    return sink.Close()
}

func (s *snapshot) Release() {}

// Ensure compile-time interface compliance.
var _ raft.FSM = (*machineFSM)(nil)
