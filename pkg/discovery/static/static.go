package static

import "github.com/amirimatin/go-consortium/pkg/discovery"

type staticList struct {
    entries []string
}

func (s *staticList) Seeds() []string { return append([]string(nil), s.entries...) }

// New returns a Discovery that always yields the given entries, cleaned and
// in the order given.
func New(entries ...string) discovery.Discovery {
    return &staticList{entries: clean(entries)}
}

// Parse converts a comma-separated flag value into entries.
func Parse(csv string) []string { return clean(discovery.SplitList(csv)) }

func clean(in []string) []string {
    var out []string
    for _, v := range in {
        e := discovery.ParseEndpoint(v)
        switch {
        case e.Addr == "":
        case e.Name == e.Addr:
            out = append(out, e.Addr)
        default:
            out = append(out, e.Name+"="+e.Addr)
        }
    }
    return out
}
