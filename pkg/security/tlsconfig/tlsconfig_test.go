package tlsconfig

import (
    "crypto/ecdsa"
    "crypto/elliptic"
    "crypto/rand"
    "crypto/tls"
    "crypto/x509"
    "crypto/x509/pkix"
    "encoding/pem"
    "math/big"
    "net"
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

type pki struct {
    dir    string
    ca     *x509.Certificate
    caKey  *ecdsa.PrivateKey
    serial int64
}

func newPKI(t *testing.T) *pki {
    t.Helper()
    p := &pki{dir: t.TempDir(), serial: 1}
    key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
    require.NoError(t, err)
    tmpl := &x509.Certificate{
        SerialNumber:          big.NewInt(p.serial),
        Subject:               pkix.Name{CommonName: "consortium-ca"},
        NotBefore:             time.Now().Add(-time.Hour),
        NotAfter:              time.Now().Add(time.Hour),
        IsCA:                  true,
        KeyUsage:              x509.KeyUsageCertSign,
        BasicConstraintsValid: true,
    }
    der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
    require.NoError(t, err)
    p.ca, err = x509.ParseCertificate(der)
    require.NoError(t, err)
    p.caKey = key
    writePEM(t, filepath.Join(p.dir, "ca.pem"), "CERTIFICATE", der)
    return p
}

// issue writes a leaf key pair named name and returns the cert and key paths.
func (p *pki) issue(t *testing.T, name string) (string, string) {
    t.Helper()
    p.serial++
    key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
    require.NoError(t, err)
    tmpl := &x509.Certificate{
        SerialNumber: big.NewInt(p.serial),
        Subject:      pkix.Name{CommonName: name},
        NotBefore:    time.Now().Add(-time.Hour),
        NotAfter:     time.Now().Add(time.Hour),
        KeyUsage:     x509.KeyUsageDigitalSignature,
        ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
        IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
        DNSNames:     []string{name},
    }
    der, err := x509.CreateCertificate(rand.Reader, tmpl, p.ca, &key.PublicKey, p.caKey)
    require.NoError(t, err)
    kb, err := x509.MarshalPKCS8PrivateKey(key)
    require.NoError(t, err)
    cert, kf := filepath.Join(p.dir, name+".pem"), filepath.Join(p.dir, name+"-key.pem")
    writePEM(t, cert, "CERTIFICATE", der)
    writePEM(t, kf, "PRIVATE KEY", kb)
    return cert, kf
}

func writePEM(t *testing.T, path, typ string, der []byte) {
    t.Helper()
    require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der}), 0o600))
}

func TestDisabledReturnsNil(t *testing.T) {
    var o Options
    for _, f := range []func() (*tls.Config, error){o.Server, o.Client, o.ServerHotReload, o.ClientHotReload} {
        cfg, err := f()
        assert.NoError(t, err)
        assert.Nil(t, cfg)
    }
}

func TestServerNeedsKeyPair(t *testing.T) {
    o := Options{Enable: true}
    _, err := o.Server()
    assert.ErrorIs(t, err, ErrNoKeyPair)
    _, err = o.ServerHotReload()
    assert.ErrorIs(t, err, ErrNoKeyPair)
}

func TestBadCAFile(t *testing.T) {
    p := filepath.Join(t.TempDir(), "ca.pem")
    require.NoError(t, os.WriteFile(p, []byte("not pem"), 0o600))
    _, err := Options{Enable: true, CAFile: p}.Client()
    assert.Error(t, err)
}

func TestMutualTLSHandshake(t *testing.T) {
    p := newPKI(t)
    srvCert, srvKey := p.issue(t, "node-1")
    cliCert, cliKey := p.issue(t, "member-0")
    ca := filepath.Join(p.dir, "ca.pem")

    scfg, err := Options{Enable: true, CAFile: ca, CertFile: srvCert, KeyFile: srvKey}.ServerHotReload()
    require.NoError(t, err)
    assert.Equal(t, tls.RequireAndVerifyClientCert, scfg.ClientAuth)

    ln, err := tls.Listen("tcp", "127.0.0.1:0", scfg)
    require.NoError(t, err)
    defer ln.Close()
    go func() {
        for {
            c, err := ln.Accept()
            if err != nil { return }
            go func() {
                defer c.Close()
                _ = c.(*tls.Conn).Handshake()
                _, _ = c.Write([]byte("ok"))
            }()
        }
    }()

    dial := func(o Options) error {
        ccfg, err := o.ClientHotReload()
        if err != nil { return err }
        c, err := tls.Dial("tcp", ln.Addr().String(), ccfg)
        if err != nil { return err }
        defer c.Close()
        buf := make([]byte, 2)
        _, err = c.Read(buf)
        return err
    }

    assert.NoError(t, dial(Options{Enable: true, CAFile: ca, CertFile: cliCert, KeyFile: cliKey, ServerName: "node-1"}))
    // Without a client certificate the server rejects the handshake.
    assert.Error(t, dial(Options{Enable: true, CAFile: ca, ServerName: "node-1"}))
}

func TestKeyPairReloadsAfterTTL(t *testing.T) {
    p := newPKI(t)
    cert, key := p.issue(t, "node-1")
    now := time.Now()
    kp := Options{CertFile: cert, KeyFile: key, Reload: time.Minute}.keyPair()
    kp.now = func() time.Time { return now }

    first, err := kp.get()
    require.NoError(t, err)

    // Rotate the files in place.
    c2, k2 := p.issue(t, "node-1b")
    for src, dst := range map[string]string{c2: cert, k2: key} {
        b, err := os.ReadFile(src)
        require.NoError(t, err)
        require.NoError(t, os.WriteFile(dst, b, 0o600))
    }

    cached, err := kp.get()
    require.NoError(t, err)
    assert.Equal(t, first.Certificate[0], cached.Certificate[0])

    now = now.Add(2 * time.Minute)
    fresh, err := kp.get()
    require.NoError(t, err)
    assert.NotEqual(t, first.Certificate[0], fresh.Certificate[0])
}
