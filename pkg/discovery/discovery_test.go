package discovery

import (
    "testing"

    "github.com/stretchr/testify/assert"
)

type list []string

func (l list) Seeds() []string { return l }

func TestParseEndpoint(t *testing.T) {
    assert.Equal(t, Endpoint{Name: "n1", Addr: "10.0.0.1:8080"}, ParseEndpoint(" n1 = 10.0.0.1:8080 "))
    assert.Equal(t, Endpoint{Name: "10.0.0.2:8080", Addr: "10.0.0.2:8080"}, ParseEndpoint("10.0.0.2:8080"))
}

func TestEndpointsAndAddrs(t *testing.T) {
    d := list{"b=h2:1", "a=h1:1", "h1:1", " ", "c="}
    eps := Endpoints(d)
    assert.Equal(t, []Endpoint{{"a", "h1:1"}, {"b", "h2:1"}, {"h1:1", "h1:1"}}, eps)
    assert.Equal(t, []string{"h1:1", "h2:1"}, Addrs(d))
    assert.Nil(t, Endpoints(nil))
}

func TestNormalize(t *testing.T) {
    assert.Equal(t, []string{"a", "b"}, Normalize([]string{" b", "a", "", "b "}))
    assert.Nil(t, Normalize(SplitList(" ")))
}
