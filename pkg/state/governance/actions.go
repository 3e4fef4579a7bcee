package governance

import (
    "encoding/json"
    "errors"
    "fmt"

    "github.com/amirimatin/go-consortium/pkg/transport"
)

type actionFunc func(t *tables, args json.RawMessage) ([]Effect, error)

var actions = map[string]actionFunc{
    transport.ActionOpenNetwork:  openNetwork,
    transport.ActionNewMember:    newMember,
    transport.ActionRetireMember: retireMember,
    transport.ActionTrustNode:    trustNode,
    transport.ActionRetireNode:   retireNode,
    transport.ActionNewUser:      newUser,
    transport.ActionRemoveUser:   removeUser,
}

func idArg(args json.RawMessage) (string, error) {
    var a transport.IDArgs
    if err := json.Unmarshal(args, &a); err != nil { return "", err }
    if a.ID == "" { return "", errors.New("missing id") }
    return a.ID, nil
}

func openNetwork(t *tables, _ json.RawMessage) ([]Effect, error) {
    if t.Service == ServiceOpen { return nil, errors.New("service already open") }
    t.Service = ServiceOpen
    return nil, nil
}

func newMember(t *tables, args json.RawMessage) ([]Effect, error) {
    var a transport.MemberArgs
    if err := json.Unmarshal(args, &a); err != nil { return nil, err }
    if err := checkMember(a); err != nil { return nil, err }
    if _, ok := t.Members[a.ID]; ok { return nil, fmt.Errorf("member %s already exists", a.ID) }
    t.Members[a.ID] = &Member{ID: a.ID, PublicKey: a.PublicKey, State: MemberAccepted}
    return nil, nil
}

func retireMember(t *tables, args json.RawMessage) ([]Effect, error) {
    id, err := idArg(args)
    if err != nil { return nil, err }
    m, ok := t.Members[id]
    if !ok || m.State == MemberRetired { return nil, fmt.Errorf("member %s is not retirable", id) }
    m.State = MemberRetired
    for _, o := range t.Members {
        if o.State == MemberActive { return nil, nil }
    }
    return nil, errors.New("cannot retire the last active member")
}

func trustNode(t *tables, args json.RawMessage) ([]Effect, error) {
    id, err := idArg(args)
    if err != nil { return nil, err }
    n, ok := t.Nodes[id]
    if !ok || n.State != NodePending { return nil, fmt.Errorf("node %s is not pending", id) }
    n.State = NodeTrusted
    t.Nodes[id] = n
    return []Effect{{Kind: EffectAddVoter, Node: n}}, nil
}

func retireNode(t *tables, args json.RawMessage) ([]Effect, error) {
    id, err := idArg(args)
    if err != nil { return nil, err }
    n, ok := t.Nodes[id]
    if !ok || n.State != NodeTrusted { return nil, fmt.Errorf("node %s is not trusted", id) }
    n.State = NodeRetired
    t.Nodes[id] = n
    return []Effect{{Kind: EffectRemoveVoter, Node: n}}, nil
}

func newUser(t *tables, args json.RawMessage) ([]Effect, error) {
    id, err := idArg(args)
    if err != nil { return nil, err }
    if t.Users[id] { return nil, fmt.Errorf("user %s already exists", id) }
    t.Users[id] = true
    return nil, nil
}

func removeUser(t *tables, args json.RawMessage) ([]Effect, error) {
    id, err := idArg(args)
    if err != nil { return nil, err }
    if !t.Users[id] { return nil, fmt.Errorf("user %s not found", id) }
    delete(t.Users, id)
    return nil, nil
}
