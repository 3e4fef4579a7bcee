package keys

import (
    "crypto/ed25519"
    "os"
    "path/filepath"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestGenerateAndLoad(t *testing.T) {
    dir := t.TempDir()
    privPath, pubPath, err := Generate(dir, "member0")
    require.NoError(t, err)
    assert.Equal(t, filepath.Join(dir, "member0_privk.pem"), privPath)

    priv, err := LoadPrivate(privPath)
    require.NoError(t, err)
    pub, err := LoadPublic(pubPath)
    require.NoError(t, err)
    assert.True(t, pub.Equal(priv.Public()))

    sig := ed25519.Sign(priv, []byte("ballot"))
    assert.True(t, ed25519.Verify(pub, []byte("ballot"), sig))
}

func TestLoadRejectsWrongType(t *testing.T) {
    dir := t.TempDir()
    privPath, pubPath, err := Generate(dir, "m")
    require.NoError(t, err)
    _, err = LoadPrivate(pubPath)
    assert.Error(t, err)
    _, err = LoadPublic(privPath)
    assert.Error(t, err)

    junk := filepath.Join(dir, "junk.pem")
    require.NoError(t, os.WriteFile(junk, []byte("nope"), 0o600))
    _, err = LoadPrivate(junk)
    assert.Error(t, err)
}

func TestParseMember(t *testing.T) {
    dir := t.TempDir()
    privPath, pubPath, err := Generate(dir, "m1")
    require.NoError(t, err)

    m, err := ParseMember("m1=" + privPath)
    require.NoError(t, err)
    assert.Equal(t, "m1", m.ID)
    assert.True(t, m.CanSign())

    bare, err := ParseMember("m2")
    require.NoError(t, err)
    assert.False(t, bare.CanSign())

    _, err = ParseMember("=" + privPath)
    assert.Error(t, err)

    args, err := ParseMemberArgs("m1=" + pubPath)
    require.NoError(t, err)
    assert.Equal(t, []byte(m.PublicKey()), args.PublicKey)

    _, err = ParseMemberArgs("m1")
    assert.Error(t, err)
}
