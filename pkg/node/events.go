package node

import (
    "context"
    "sync"
    "time"

    "github.com/amirimatin/go-consortium/pkg/consensus"
    "github.com/amirimatin/go-consortium/pkg/gossip"
)

type EventType string

const (
    EventPrimaryChanged EventType = "primary_changed"
    EventPeerJoin       EventType = "peer_join"
    EventPeerLeave      EventType = "peer_leave"
    EventGenesis        EventType = "genesis"
)

// Event describes a node level change. Only the fields relevant to Type are
// set.
type Event struct {
    Type    EventType
    At      time.Time
    Primary *consensus.LeaderInfo
    Peer    *gossip.Peer
}

// Subscribe returns a buffered channel of events, closed when ctx is done.
// Slow consumers miss events.
func (n *Node) Subscribe(ctx context.Context) <-chan Event {
    ch := make(chan Event, 64)
    n.eb.add(ch)
    go func() {
        <-ctx.Done()
        n.eb.remove(ch)
        close(ch)
    }()
    return ch
}

type eventBus struct {
    mu   sync.Mutex
    subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
    e.mu.Lock()
    if e.subs == nil { e.subs = make(map[chan Event]struct{}) }
    e.subs[ch] = struct{}{}
    e.mu.Unlock()
}

func (e *eventBus) remove(ch chan Event) {
    e.mu.Lock()
    delete(e.subs, ch)
    e.mu.Unlock()
}

func (e *eventBus) publish(ev Event) {
    e.mu.Lock()
    defer e.mu.Unlock()
    for ch := range e.subs {
        select {
        case ch <- ev:
        default:
        }
    }
}
