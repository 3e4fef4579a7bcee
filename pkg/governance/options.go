package governance

import "time"

const (
    DefaultPollInterval  = 100 * time.Millisecond
    DefaultCommitTimeout = 10 * time.Second
)

// WaitConfig bounds global commit waits. Zero fields take the defaults.
type WaitConfig struct {
    Interval time.Duration
    Timeout  time.Duration
}

func (w WaitConfig) withDefaults() WaitConfig {
    if w.Interval <= 0 { w.Interval = DefaultPollInterval }
    if w.Timeout <= 0 { w.Timeout = DefaultCommitTimeout }
    return w
}

type voteOptions struct {
    unsigned bool
    wait     bool
}

// VoteOption tunes a single Vote or VoteUsingMajority call.
type VoteOption func(*voteOptions)

// Unsigned sends the ballot without a signature even when the member holds a
// key.
func Unsigned() VoteOption { return func(o *voteOptions) { o.unsigned = true } }

// WaitForGlobalCommit blocks an accepting vote until its transaction is
// globally committed.
func WaitForGlobalCommit(enabled bool) VoteOption { return func(o *voteOptions) { o.wait = enabled } }

func buildVoteOptions(opts []VoteOption) voteOptions {
    var o voteOptions
    for _, fn := range opts {
        if fn != nil { fn(&o) }
    }
    return o
}
