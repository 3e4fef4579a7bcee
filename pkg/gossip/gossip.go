// Package gossip is the peer discovery layer nodes use to learn each other's
// management addresses. Consensus membership is decided by governance, not by
// gossip.
package gossip

import (
    "context"
    "time"
)

// MetaMgmt is the Meta key carrying a node's management address.
const MetaMgmt = "mgmt"

// Peer describes a node as observed by the gossip layer.
type Peer struct {
    ID   string
    Addr string
    Meta map[string]string
}

// Mgmt returns the management address a peer advertises, if any.
func (p Peer) Mgmt() string {
    if p.Meta == nil { return "" }
    return p.Meta[MetaMgmt]
}

type EventType string

const (
    EventJoin   EventType = "join"
    EventLeave  EventType = "leave"
    EventUpdate EventType = "update"
)

type Event struct {
    Type EventType
    Peer Peer
    At   time.Time
}

// Gossip is the abstraction over the underlying gossip/failure-detection
// layer.
type Gossip interface {
    Start(ctx context.Context) error
    Join(seeds []string) error
    Local() Peer
    Peers() []Peer
    Events() <-chan Event
    Leave() error
    Stop() error
}

// HealthReporter is optionally implemented by a Gossip. Higher scores mean
// degraded health; -1 means not started.
type HealthReporter interface {
    HealthScore() int
}

// MgmtAddr looks up the management address of the peer with the given ID.
func MgmtAddr(g Gossip, id string) string {
    if g == nil { return "" }
    for _, p := range g.Peers() {
        if p.ID == id { return p.Mgmt() }
    }
    return ""
}
