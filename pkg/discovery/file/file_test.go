package file

import (
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/amirimatin/go-consortium/pkg/discovery"
)

func TestEnvOverridesFile(t *testing.T) {
    dir := t.TempDir()
    f := filepath.Join(dir, "nodes.txt")
    if err := os.WriteFile(f, []byte("a:1\n"), 0o644); err != nil { t.Fatal(err) }

    const envName = "TEST_CONSORTIUM_NODES"
    t.Setenv(envName, "y:8,x:9")

    d := New(Options{Path: f, Env: envName, Refresh: 5 * time.Millisecond})
    got := d.Seeds()
    if len(got) != 2 || got[0] != "x:9" || got[1] != "y:8" {
        t.Fatalf("env override failed, got %#v", got)
    }
}

func TestDefaultEnvAndDisable(t *testing.T) {
    dir := t.TempDir()
    f := filepath.Join(dir, "nodes.txt")
    if err := os.WriteFile(f, []byte("a:1\n"), 0o644); err != nil { t.Fatal(err) }
    t.Setenv(DefaultEnv, "z:1")

    if got := New(Options{Path: f}).Seeds(); len(got) != 1 || got[0] != "z:1" {
        t.Fatalf("default env not consulted: %#v", got)
    }
    if got := New(Options{Path: f, Env: "-"}).Seeds(); len(got) != 1 || got[0] != "a:1" {
        t.Fatalf("disabled env still consulted: %#v", got)
    }
}

func TestFileReadAndCacheRefresh(t *testing.T) {
    dir := t.TempDir()
    f := filepath.Join(dir, "nodes.txt")
    if err := os.WriteFile(f, []byte("# primary first\nn1=a:1\nn2=b:2\n"), 0o644); err != nil { t.Fatal(err) }

    d := New(Options{Path: f, Env: "-", Refresh: 10 * time.Millisecond})
    eps := discovery.Endpoints(d)
    if len(eps) != 2 || eps[0].Name != "n1" || eps[1].Addr != "b:2" {
        t.Fatalf("unexpected initial endpoints: %#v", eps)
    }

    if err := os.WriteFile(f, []byte("b:2\nc:3\n"), 0o644); err != nil { t.Fatal(err) }
    time.Sleep(15 * time.Millisecond)

    got := d.Seeds()
    if len(got) != 2 || got[0] != "b:2" || got[1] != "c:3" {
        t.Fatalf("expected refreshed entries, got %#v", got)
    }
}

func TestGlobReadsUniqueSorted(t *testing.T) {
    dir := t.TempDir()
    if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a:1\nb:2\n"), 0o644); err != nil { t.Fatal(err) }
    if err := os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b:2,c:3\n"), 0o644); err != nil { t.Fatal(err) }

    d := New(Options{Path: filepath.Join(dir, "*.txt"), Env: "-", Refresh: 5 * time.Millisecond})
    got := d.Seeds()
    want := []string{"a:1", "b:2", "c:3"}
    if len(got) != len(want) {
        t.Fatalf("len mismatch: got %d want %d (%#v)", len(got), len(want), got)
    }
    for i := range want {
        if got[i] != want[i] {
            t.Fatalf("item %d: got %q want %q (%#v)", i, got[i], want[i], got)
        }
    }
}
