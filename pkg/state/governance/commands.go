package governance

import (
    "encoding/json"

    c "github.com/amirimatin/go-consortium/pkg/consensus"
    "github.com/amirimatin/go-consortium/pkg/transport"
)

// Replicated operations.
const (
    OpGenesis  = "genesis"
    OpPropose  = "propose"
    OpVote     = "vote"
    OpWithdraw = "withdraw"
    OpAck      = "ack"
    OpJoin     = "join"
    OpAppWrite = "app_write"
)

// Genesis seeds an empty service. Genesis members start ACTIVE, genesis
// nodes TRUSTED.
type Genesis struct {
    Members []transport.MemberArgs `json:"members"`
    Nodes   []transport.NodeInfo   `json:"nodes"`
    Users   []string               `json:"users,omitempty"`
}

type ProposeCmd struct {
    Proposer string             `json:"proposer"`
    Actions  []transport.Action `json:"actions"`
}

type VoteCmd struct {
    Member     string `json:"member"`
    ProposalID string `json:"proposal_id"`
    Ballot     bool   `json:"ballot"`
}

type WithdrawCmd struct {
    Member     string `json:"member"`
    ProposalID string `json:"proposal_id"`
}

type AckCmd struct {
    Member string `json:"member"`
}

type AppWriteCmd struct {
    User  string `json:"user"`
    Key   string `json:"key"`
    Value string `json:"value"`
}

// Encode builds a consensus command for op with a JSON payload.
func Encode(op string, v any) (c.Command, error) {
    b, err := json.Marshal(v)
    if err != nil { return c.Command{}, err }
    return c.Command{Op: op, Payload: b}, nil
}

// EffectKind names a change the primary must make outside the state machine.
type EffectKind string

const (
    EffectAddVoter    EffectKind = "add_voter"
    EffectRemoveVoter EffectKind = "remove_voter"
)

// Effect asks the primary to reconfigure consensus after a proposal was
// applied.
type Effect struct {
    Kind EffectKind         `json:"kind"`
    Node transport.NodeInfo `json:"node"`
}

// Outcome is the result of propose and vote commands.
type Outcome struct {
    ProposalID string                  `json:"proposal_id"`
    State      transport.ProposalState `json:"state"`
    Effects    []Effect                `json:"effects,omitempty"`
}
