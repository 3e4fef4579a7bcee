// Package tlsconfig builds mutual TLS configurations for the management
// endpoint of a consortium node and for the clients that talk to it.
package tlsconfig

import (
    "crypto/tls"
    "crypto/x509"
    "errors"
    "fmt"
    "os"
    "sync"
    "time"
)

// DefaultReload is how long a loaded certificate is reused before the key
// pair is read from disk again.
const DefaultReload = 10 * time.Second

var ErrNoKeyPair = errors.New("tls: server cert/key required when TLS enabled")

// Options defines mTLS configuration inputs.
type Options struct {
    Enable             bool
    CAFile             string
    CertFile           string
    KeyFile            string
    InsecureSkipVerify bool
    ServerName         string
    // Reload bounds the age of a cached key pair in the hot reload variants.
    Reload time.Duration
}

func (o Options) pool() (*x509.CertPool, error) {
    if o.CAFile == "" { return nil, nil }
    ca, err := os.ReadFile(o.CAFile)
    if err != nil { return nil, err }
    pool := x509.NewCertPool()
    if !pool.AppendCertsFromPEM(ca) { return nil, fmt.Errorf("tls: no certificates in %s", o.CAFile) }
    return pool, nil
}

func (o Options) server() (*tls.Config, error) {
    if o.CertFile == "" || o.KeyFile == "" { return nil, ErrNoKeyPair }
    pool, err := o.pool()
    if err != nil { return nil, err }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12}
    if pool != nil {
        cfg.ClientCAs = pool
        cfg.ClientAuth = tls.RequireAndVerifyClientCert
    }
    return cfg, nil
}

func (o Options) client() (*tls.Config, error) {
    pool, err := o.pool()
    if err != nil { return nil, err }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: o.InsecureSkipVerify, RootCAs: pool} //nolint:gosec
    if o.ServerName != "" { cfg.ServerName = o.ServerName }
    return cfg, nil
}

// Server returns a tls.Config for the management endpoint if enabled,
// otherwise nil. A CA file turns on client certificate verification.
func (o Options) Server() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg, err := o.server()
    if err != nil { return nil, err }
    cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
    if err != nil { return nil, err }
    cfg.Certificates = []tls.Certificate{cert}
    return cfg, nil
}

// Client returns a tls.Config for management clients if enabled, otherwise nil.
func (o Options) Client() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg, err := o.client()
    if err != nil { return nil, err }
    if o.CertFile != "" && o.KeyFile != "" {
        cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
        if err != nil { return nil, err }
        cfg.Certificates = []tls.Certificate{cert}
    }
    return cfg, nil
}

// ServerHotReload is Server with the key pair re-read from disk on handshake
// once the cached copy is older than Reload. The CA pool is loaded once.
func (o Options) ServerHotReload() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg, err := o.server()
    if err != nil { return nil, err }
    kp := o.keyPair()
    if _, err := kp.get(); err != nil { return nil, err }
    cfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return kp.get() }
    return cfg, nil
}

// ClientHotReload is Client with the same reloading behaviour for the client
// certificate. Without a key pair no certificate is presented.
func (o Options) ClientHotReload() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg, err := o.client()
    if err != nil { return nil, err }
    if o.CertFile == "" || o.KeyFile == "" { return cfg, nil }
    kp := o.keyPair()
    cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) { return kp.get() }
    return cfg, nil
}

func (o Options) keyPair() *keyPair {
    ttl := o.Reload
    if ttl <= 0 { ttl = DefaultReload }
    return &keyPair{cert: o.CertFile, key: o.KeyFile, ttl: ttl, now: time.Now}
}

type keyPair struct {
    cert, key string
    ttl       time.Duration
    now       func() time.Time

    mu     sync.RWMutex
    cached *tls.Certificate
    loaded time.Time
}

func (k *keyPair) get() (*tls.Certificate, error) {
    k.mu.RLock()
    if k.cached != nil && k.now().Sub(k.loaded) < k.ttl {
        c := k.cached
        k.mu.RUnlock()
        return c, nil
    }
    k.mu.RUnlock()
    cert, err := tls.LoadX509KeyPair(k.cert, k.key)
    if err != nil { return nil, err }
    k.mu.Lock()
    k.cached, k.loaded = &cert, k.now()
    k.mu.Unlock()
    return &cert, nil
}
