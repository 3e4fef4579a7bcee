package consensus

// LeaderInfo describes the current known leader.
type LeaderInfo struct {
    ID   string
    Addr string
    Term uint64
}

// LeaderNotifier is an optional interface that a Consensus implementation may
// provide to notify about leadership changes. Updates are coalesced and never
// block the engine.
type LeaderNotifier interface {
    LeaderCh() <-chan LeaderInfo
}
