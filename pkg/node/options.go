package node

import (
    "errors"
    "log"
    "time"

    "github.com/amirimatin/go-consortium/pkg/consensus"
    "github.com/amirimatin/go-consortium/pkg/discovery"
    "github.com/amirimatin/go-consortium/pkg/gossip"
    gs "github.com/amirimatin/go-consortium/pkg/state/governance"
    "github.com/amirimatin/go-consortium/pkg/transport"
)

// Engine is the consensus engine a node runs on. Reconfiguration is used
// when the engine also implements consensus.Reconfigurer.
type Engine interface {
    consensus.Consensus
    consensus.History
}

// Options carries the components a node is assembled from. Instances are
// typically produced by bootstrap.Build.
type Options struct {
    NodeID string
    Logger *log.Logger

    // RaftAddr is the consensus address this node advertises when joining.
    RaftAddr string

    // Consensus must be built over State.
    Consensus Engine
    State     *gs.State

    // Management endpoint (required) and the client used to reach other
    // nodes' endpoints for forwarding and join.
    RPCServer transport.RPCServer
    RPCClient transport.RPCClient

    // Gossip and Discovery are optional. Gossip lets followers find the
    // primary's management address; Discovery provides its seeds.
    Gossip    gossip.Gossip
    Discovery discovery.Discovery

    // Genesis is applied once by this node when it becomes primary of an
    // uninitialised service.
    Genesis *gs.Genesis

    // AllowUnsignedBallots accepts member requests (proposals, ballots,
    // withdrawals and acks) that carry no signature.
    AllowUnsignedBallots bool

    ApplyTimeout time.Duration

    OnPrimaryChange func(info consensus.LeaderInfo)
}

func (o Options) Validate() error {
    if o.NodeID == "" {
        return errors.New("node: empty NodeID")
    }
    if o.Consensus == nil {
        return errors.New("node: nil Consensus")
    }
    if o.State == nil {
        return errors.New("node: nil State")
    }
    if o.RPCServer == nil {
        return errors.New("node: nil RPCServer")
    }
    return nil
}
