// Package keys reads and writes the ed25519 key files that identify
// consortium members. Private keys are PKCS#8 PEM, public keys PKIX PEM.
package keys

import (
    "crypto/ed25519"
    "crypto/rand"
    "crypto/x509"
    "encoding/pem"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"

    "github.com/amirimatin/go-consortium/pkg/transport"
)

var ErrNotEd25519 = errors.New("keys: not an ed25519 key")

func block(path, want string) ([]byte, error) {
    raw, err := os.ReadFile(path)
    if err != nil { return nil, err }
    b, _ := pem.Decode(raw)
    if b == nil { return nil, fmt.Errorf("keys: %s: no PEM block", path) }
    if b.Type != want { return nil, fmt.Errorf("keys: %s: PEM type %q, want %q", path, b.Type, want) }
    return b.Bytes, nil
}

// LoadPrivate reads a PKCS#8 "PRIVATE KEY" PEM file.
func LoadPrivate(path string) (ed25519.PrivateKey, error) {
    der, err := block(path, "PRIVATE KEY")
    if err != nil { return nil, err }
    k, err := x509.ParsePKCS8PrivateKey(der)
    if err != nil { return nil, fmt.Errorf("keys: %s: %w", path, err) }
    priv, ok := k.(ed25519.PrivateKey)
    if !ok { return nil, fmt.Errorf("%w: %s", ErrNotEd25519, path) }
    return priv, nil
}

// LoadPublic reads a PKIX "PUBLIC KEY" PEM file.
func LoadPublic(path string) (ed25519.PublicKey, error) {
    der, err := block(path, "PUBLIC KEY")
    if err != nil { return nil, err }
    k, err := x509.ParsePKIXPublicKey(der)
    if err != nil { return nil, fmt.Errorf("keys: %s: %w", path, err) }
    pub, ok := k.(ed25519.PublicKey)
    if !ok { return nil, fmt.Errorf("%w: %s", ErrNotEd25519, path) }
    return pub, nil
}

// Generate writes <dir>/<id>_privk.pem and <dir>/<id>_pubk.pem and returns
// both paths.
func Generate(dir, id string) (privPath, pubPath string, err error) {
    pub, priv, err := ed25519.GenerateKey(rand.Reader)
    if err != nil { return "", "", err }
    pd, err := x509.MarshalPKCS8PrivateKey(priv)
    if err != nil { return "", "", err }
    ud, err := x509.MarshalPKIXPublicKey(pub)
    if err != nil { return "", "", err }
    privPath, pubPath = filepath.Join(dir, id+"_privk.pem"), filepath.Join(dir, id+"_pubk.pem")
    if err := os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pd}), 0o600); err != nil {
        return "", "", err
    }
    if err := os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: ud}), 0o644); err != nil {
        return "", "", err
    }
    return privPath, pubPath, nil
}

func split(arg string) (id, path string, err error) {
    id, path, ok := strings.Cut(arg, "=")
    id, path = strings.TrimSpace(id), strings.TrimSpace(path)
    if !ok || id == "" || path == "" { return "", "", fmt.Errorf("keys: %q is not id=path", arg) }
    return id, path, nil
}

// ParseMember loads a signing member from "id=privkey.pem". A member given
// as a bare ID gets no key and can only send unsigned requests.
func ParseMember(arg string) (transport.Member, error) {
    if !strings.Contains(arg, "=") {
        if arg = strings.TrimSpace(arg); arg == "" { return transport.Member{}, errors.New("keys: empty member") }
        return transport.Member{ID: arg}, nil
    }
    id, path, err := split(arg)
    if err != nil { return transport.Member{}, err }
    k, err := LoadPrivate(path)
    if err != nil { return transport.Member{}, err }
    return transport.Member{ID: id, Key: k}, nil
}

// ParseMemberArgs loads a genesis or new_member entry from "id=pubkey.pem".
func ParseMemberArgs(arg string) (transport.MemberArgs, error) {
    id, path, err := split(arg)
    if err != nil { return transport.MemberArgs{}, err }
    pub, err := LoadPublic(path)
    if err != nil { return transport.MemberArgs{}, err }
    return transport.MemberArgs{ID: id, PublicKey: pub}, nil
}
