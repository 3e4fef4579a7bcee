// Package discovery provides the address lists nodes and tools start from:
// gossip seeds for a node, and the management endpoints a history sweep
// verifies.
package discovery

import (
    "sort"
    "strings"
)

// Discovery yields addresses. Entries are either host:port or name=host:port.
type Discovery interface {
    Seeds() []string
}

// Endpoint is a named management address.
type Endpoint struct {
    Name string
    Addr string
}

// ParseEndpoint splits "name=addr". A bare address is its own name.
func ParseEndpoint(s string) Endpoint {
    s = strings.TrimSpace(s)
    if name, addr, ok := strings.Cut(s, "="); ok {
        return Endpoint{Name: strings.TrimSpace(name), Addr: strings.TrimSpace(addr)}
    }
    return Endpoint{Name: s, Addr: s}
}

// Endpoints resolves d into named endpoints ordered by name.
func Endpoints(d Discovery) []Endpoint {
    if d == nil { return nil }
    var out []Endpoint
    for _, s := range d.Seeds() {
        if e := ParseEndpoint(s); e.Addr != "" { out = append(out, e) }
    }
    sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
    return out
}

// Addrs strips names from d's entries, for consumers that only dial.
func Addrs(d Discovery) []string {
    var out []string
    for _, e := range Endpoints(d) { out = append(out, e.Addr) }
    return Normalize(out)
}

// Normalize trims, drops empties, de-duplicates and sorts.
func Normalize(in []string) []string {
    set := make(map[string]struct{}, len(in))
    out := make([]string, 0, len(in))
    for _, v := range in {
        v = strings.TrimSpace(v)
        if v == "" { continue }
        if _, ok := set[v]; ok { continue }
        set[v] = struct{}{}
        out = append(out, v)
    }
    sort.Strings(out)
    if len(out) == 0 { return nil }
    return out
}

// SplitList splits a comma separated list.
func SplitList(csv string) []string {
    if strings.TrimSpace(csv) == "" { return nil }
    return strings.Split(csv, ",")
}
