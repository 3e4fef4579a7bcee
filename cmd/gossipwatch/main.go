// Command gossipwatch joins the consortium gossip ring as a passive peer and
// prints every membership change with the management address peers
// advertise.
package main

import (
    "context"
    "flag"
    "fmt"
    "log"
    "os/signal"
    "syscall"
    "time"

    "github.com/amirimatin/go-consortium/pkg/discovery"
    dStatic "github.com/amirimatin/go-consortium/pkg/discovery/static"
    "github.com/amirimatin/go-consortium/pkg/gossip"
    ml "github.com/amirimatin/go-consortium/pkg/gossip/memberlist"
)

func main() {
    var (
        id        = flag.String("id", "gossipwatch", "peer id")
        bind      = flag.String("bind", ":7950", "bind host:port")
        advertise = flag.String("advertise", "", "advertise host:port (optional)")
        seeds     = flag.String("seeds", "", "comma-separated gossip seeds (host:port)")
    )
    flag.Parse()

    ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
    defer cancel()

    g, err := ml.New(ml.Options{NodeID: *id, Bind: *bind, Advertise: *advertise, Logger: log.Default()})
    if err != nil { log.Fatal(err) }
    if err := g.Start(ctx); err != nil { log.Fatal(err) }
    if addrs := discovery.Addrs(dStatic.New(dStatic.Parse(*seeds)...)); len(addrs) > 0 {
        if err := g.Join(addrs); err != nil { log.Printf("join error: %v", err) }
    }

    fmt.Println("gossipwatch started. Press Ctrl+C to exit.")
    go func(ch <-chan gossip.Event) {
        for e := range ch {
            fmt.Printf("event: %-6s id=%s addr=%s mgmt=%s at=%s\n", e.Type, e.Peer.ID, e.Peer.Addr, e.Peer.Mgmt(), e.At.Format(time.RFC3339))
        }
    }(g.Events())

    <-ctx.Done()
    _ = g.Leave()
    _ = g.Stop()
}
