package consensus

import "time"

// Server is one entry of the consensus configuration.
type Server struct {
    ID    string
    Addr  string
    Voter bool
}

// Reconfigurer optionally allows dynamic membership reconfiguration
// (adding/removing servers) in the underlying consensus engine. Only the
// leader can change the configuration.
type Reconfigurer interface {
    AddVoter(id, addr string, timeout time.Duration) error
    RemoveServer(id string, timeout time.Duration) error
    Servers() ([]Server, error)
}
