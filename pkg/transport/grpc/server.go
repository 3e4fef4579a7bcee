package grpc

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "log"
    "net"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"

    "github.com/amirimatin/go-consortium/pkg/internal/logutil"
    "github.com/amirimatin/go-consortium/pkg/observability/tracing"
    "github.com/amirimatin/go-consortium/pkg/transport"
    "github.com/amirimatin/go-consortium/pkg/txstatus"
)

const serviceName = "consortium.v1.Governance"

// Server implements transport.RPCServer over gRPC using a JSON codec.
type Server struct {
    bind   string
    lis    net.Listener
    srv    *grpc.Server
    tlsCfg *tls.Config
    logger *log.Logger
}

func NewServer(bind string) *Server { return &Server{bind: bind} }

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// WithLogger sets the logger for serve errors.
func (s *Server) WithLogger(l *log.Logger) *Server { s.logger = l; return s }

// governanceServer is the HandlerType of the service descriptor.
type governanceServer interface {
    call(ctx context.Context, method string, in *envelope) (*result, error)
}

type governanceImpl struct{ h transport.Handlers }

func (g *governanceImpl) call(ctx context.Context, method string, in *envelope) (*result, error) {
    ctx, end := tracing.StartSpan(ctx, "grpc."+method)
    defer end()
    c := transport.Caller{MemberID: in.MemberID, UserID: in.UserID, Signature: in.Signature, Body: in.Body}
    out, err := g.dispatch(ctx, method, c, in)
    if err != nil { return &result{Error: transport.AsError(err)}, nil }
    b, err := json.Marshal(out)
    if err != nil { return nil, err }
    return &result{Body: b}, nil
}

func (g *governanceImpl) dispatch(ctx context.Context, method string, c transport.Caller, in *envelope) (any, error) {
    h := g.h
    unsupported := transport.Errorf(transport.CodeNotSupported, "%s not supported", method)
    switch method {
    case "Propose":
        if h.Propose == nil { return nil, unsupported }
        var p transport.Proposal
        if err := decodeBody(in.Body, &p); err != nil { return nil, err }
        return h.Propose(ctx, c, p)
    case "Vote":
        if h.Vote == nil { return nil, unsupported }
        var v transport.VoteRequest
        if err := decodeBody(in.Body, &v); err != nil { return nil, err }
        if in.ID != "" && v.ProposalID != in.ID {
            return nil, transport.Errorf(transport.CodeInvalidRequest, "ballot names proposal %q, request names %q", v.ProposalID, in.ID)
        }
        v.Signed = len(c.Signature) > 0
        return h.Vote(ctx, c, v)
    case "Withdraw":
        if h.Withdraw == nil { return nil, unsupported }
        var wr transport.WithdrawRequest
        if err := decodeBody(in.Body, &wr); err != nil { return nil, err }
        id := in.ID
        switch {
        case id == "":
            id = wr.ProposalID
        case wr.ProposalID != "" && wr.ProposalID != id:
            return nil, transport.Errorf(transport.CodeInvalidRequest, "withdrawal names proposal %q, request names %q", wr.ProposalID, id)
        }
        return h.Withdraw(ctx, c, id)
    case "Ack":
        if h.Ack == nil { return nil, unsupported }
        return h.Ack(ctx, c)
    case "GetProposal":
        if h.GetProposal == nil { return nil, unsupported }
        return h.GetProposal(ctx, in.ID)
    case "TxStatus":
        if h.TxStatus == nil { return nil, unsupported }
        var id txstatus.TxID
        if err := decodeBody(in.Body, &id); err != nil { return nil, err }
        st, err := h.TxStatus(ctx, id)
        return transport.TxStatusResponse{TxID: id, Status: st}, err
    case "Commit":
        if h.Commit == nil { return nil, unsupported }
        id, err := h.Commit(ctx)
        return transport.CommitResponse{TxID: id}, err
    case "Status":
        if h.Status == nil { return nil, unsupported }
        return h.Status(ctx)
    case "Join":
        if h.Join == nil { return nil, unsupported }
        var j transport.JoinRequest
        if err := decodeBody(in.Body, &j); err != nil { return nil, err }
        return h.Join(ctx, j)
    case "AppWrite":
        if h.AppWrite == nil { return nil, unsupported }
        var a transport.AppWriteRequest
        if err := decodeBody(in.Body, &a); err != nil { return nil, err }
        return h.AppWrite(ctx, c, a)
    }
    return nil, unsupported
}

func decodeBody(b json.RawMessage, v any) error {
    if len(b) == 0 { return nil }
    if err := json.Unmarshal(b, v); err != nil { return transport.Errorf(transport.CodeInvalidRequest, "bad request: %v", err) }
    return nil
}

var methods = []string{"Propose", "Vote", "Withdraw", "Ack", "GetProposal", "TxStatus", "Commit", "Status", "Join", "AppWrite"}

// Service descriptor and handlers (hand-written, no codegen required)
var _Governance_serviceDesc = func() grpc.ServiceDesc {
    d := grpc.ServiceDesc{ServiceName: serviceName, HandlerType: (*governanceServer)(nil)}
    for _, m := range methods {
        d.Methods = append(d.Methods, grpc.MethodDesc{MethodName: m, Handler: unaryHandler(m)})
    }
    return d
}()

func unaryHandler(method string) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
    full := "/" + serviceName + "/" + method
    return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
        in := new(envelope)
        if err := dec(in); err != nil { return nil, err }
        if interceptor == nil { return srv.(governanceServer).call(ctx, method, in) }
        info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
        handler := func(ctx context.Context, req any) (any, error) {
            return srv.(governanceServer).call(ctx, method, req.(*envelope))
        }
        return interceptor(ctx, in, info, handler)
    }
}

func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    lis, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    s.lis = lis
    // Force JSON codec to avoid requiring protobuf types
    opts := []grpc.ServerOption{
        grpc.ForceServerCodec(jsonCodec{}),
        grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}),
        grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}),
    }
    if s.tlsCfg != nil { opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg))) }
    srv := grpc.NewServer(opts...)
    s.srv = srv
    healthSrv := health.NewServer()
    healthSrv.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
    healthpb.RegisterHealthServer(srv, healthSrv)
    srv.RegisterService(&_Governance_serviceDesc, &governanceImpl{h: h})

    go func() {
        <-ctx.Done()
        // Graceful stop with a small timeout fallback
        ch := make(chan struct{})
        go func() { srv.GracefulStop(); close(ch) }()
        select {
        case <-ch:
        case <-time.After(2 * time.Second):
            srv.Stop()
        }
    }()
    go func() {
        if err := srv.Serve(lis); err != nil && err != grpc.ErrServerStopped {
            logutil.Errorf(s.logger, "grpc: serve: %v", err)
        }
    }()
    return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
    if s.lis != nil { return s.lis.Addr().String() }
    return s.bind
}

func (s *Server) Stop(ctx context.Context) error {
    srv := s.srv
    if srv == nil { return nil }
    ch := make(chan struct{})
    go func() { srv.GracefulStop(); close(ch) }()
    select {
    case <-ch:
    case <-ctx.Done():
        srv.Stop()
    }
    return nil
}

var _ transport.RPCServer = (*Server)(nil)
