package file

import (
    "bufio"
    "os"
    "path/filepath"
    "strings"
    "sync"
    "time"

    "github.com/amirimatin/go-consortium/pkg/discovery"
)

// DefaultEnv is the environment variable consulted when Options.Env is empty.
const DefaultEnv = "CONSORTIUM_NODES"

// Options configures file/ENV-based discovery.
type Options struct {
    // Path to a file, or a glob of files, with one entry per line or a
    // comma-separated list. Lines starting with # are ignored.
    Path string
    // Env overrides the file when set and non-empty. "-" disables it.
    Env string
    // Refresh controls cache staleness; if zero, defaults to 5s.
    Refresh time.Duration
}

type impl struct {
    opts  Options
    mu    sync.Mutex
    last  time.Time
    mtime time.Time
    cache []string
}

func New(opts Options) discovery.Discovery {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    if opts.Env == "" { opts.Env = DefaultEnv }
    return &impl{opts: opts}
}

func (i *impl) Seeds() []string {
    i.mu.Lock(); defer i.mu.Unlock()
    if i.opts.Env != "-" {
        if v := os.Getenv(i.opts.Env); strings.TrimSpace(v) != "" {
            return discovery.Normalize(discovery.SplitList(v))
        }
    }
    if i.opts.Path == "" { return nil }
    now := time.Now()
    if stat, err := os.Stat(i.opts.Path); err == nil {
        if stat.ModTime().After(i.mtime) || now.Sub(i.last) >= i.opts.Refresh {
            i.cache = loadFile(i.opts.Path)
            i.last = now
            i.mtime = stat.ModTime()
        }
        return append([]string(nil), i.cache...)
    }
    if now.Sub(i.last) < i.opts.Refresh && i.cache != nil {
        return append([]string(nil), i.cache...)
    }
    matches, _ := filepath.Glob(i.opts.Path)
    if len(matches) > 0 {
        var all []string
        for _, m := range matches { all = append(all, loadFile(m)...) }
        i.cache = discovery.Normalize(all)
        i.last = now
    }
    return append([]string(nil), i.cache...)
}

func loadFile(path string) []string {
    f, err := os.Open(path)
    if err != nil { return nil }
    defer f.Close()
    var entries []string
    s := bufio.NewScanner(f)
    for s.Scan() {
        line := strings.TrimSpace(s.Text())
        if line == "" || strings.HasPrefix(line, "#") { continue }
        entries = append(entries, strings.Split(line, ",")...)
    }
    if err := s.Err(); err != nil { return nil }
    return discovery.Normalize(entries)
}
