package grpc

import (
    "encoding/json"

    "google.golang.org/grpc/encoding"

    "github.com/amirimatin/go-consortium/pkg/transport"
)

// jsonCodec carries governance envelopes as JSON so the service needs no
// protobuf codegen.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (jsonCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (jsonCodec) Name() string                    { return "json" }

func init() {
    encoding.RegisterCodec(jsonCodec{})
}

// envelope is the request message of every Governance method. Signature
// covers Body byte for byte.
type envelope struct {
    MemberID  string          `json:"member_id,omitempty"`
    UserID    string          `json:"user_id,omitempty"`
    Signature []byte          `json:"signature,omitempty"`
    ID        string          `json:"id,omitempty"`
    Body      json.RawMessage `json:"body,omitempty"`
}

// result is the response message. Protocol errors travel in Error so they
// keep their code; gRPC status errors are reserved for transport failures.
type result struct {
    Body  json.RawMessage  `json:"body,omitempty"`
    Error *transport.Error `json:"error,omitempty"`
}
