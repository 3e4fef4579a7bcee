package httpjson

import (
    "context"
    "crypto/tls"
    "encoding/base64"
    "encoding/json"
    "io"
    "log"
    "net"
    "net/http"
    "strconv"
    "time"

    "github.com/gorilla/mux"
    "github.com/prometheus/client_golang/prometheus/promhttp"

    "github.com/amirimatin/go-consortium/pkg/observability/tracing"
    "github.com/amirimatin/go-consortium/pkg/transport"
    "github.com/amirimatin/go-consortium/pkg/txstatus"
)

const maxBody = 1 << 20

// Server exposes the node API over HTTP/JSON together with /healthz and
// /metrics.
type Server struct {
    bind   string
    srv    *http.Server
    ln     net.Listener
    logger *log.Logger
    tlsCfg *tls.Config
}

// NewServer binds to the given TCP address (e.g., ":8080").
func NewServer(bind string, logger *log.Logger) *Server {
    if logger == nil { logger = log.Default() }
    return &Server{bind: bind, logger: logger}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// Handler builds the router for h. It is exported so tests can mount it on
// an httptest server.
func Handler(h transport.Handlers) http.Handler {
    r := mux.NewRouter()
    r.HandleFunc("/gov/proposals", func(w http.ResponseWriter, req *http.Request) {
        ctx, end := tracing.StartSpan(req.Context(), "http.propose")
        defer end()
        if h.Propose == nil { writeError(w, notSupported("propose")); return }
        c, body, err := readCaller(w, req)
        if err != nil { writeError(w, err); return }
        var p transport.Proposal
        if err := decodeBody(body, &p); err != nil { writeError(w, err); return }
        resp, err := h.Propose(ctx, c, p)
        reply(w, resp, err)
    }).Methods(http.MethodPost)
    r.HandleFunc("/gov/proposals/{id}", func(w http.ResponseWriter, req *http.Request) {
        ctx, end := tracing.StartSpan(req.Context(), "http.get_proposal")
        defer end()
        if h.GetProposal == nil { writeError(w, notSupported("get proposal")); return }
        resp, err := h.GetProposal(ctx, mux.Vars(req)["id"])
        reply(w, resp, err)
    }).Methods(http.MethodGet)
    r.HandleFunc("/gov/proposals/{id}/ballots", func(w http.ResponseWriter, req *http.Request) {
        ctx, end := tracing.StartSpan(req.Context(), "http.vote")
        defer end()
        if h.Vote == nil { writeError(w, notSupported("vote")); return }
        c, body, err := readCaller(w, req)
        if err != nil { writeError(w, err); return }
        var v transport.VoteRequest
        if err := decodeBody(body, &v); err != nil { writeError(w, err); return }
        id := mux.Vars(req)["id"]
        if v.ProposalID != "" && v.ProposalID != id {
            writeError(w, transport.Errorf(transport.CodeInvalidRequest, "ballot names proposal %q, route names %q", v.ProposalID, id))
            return
        }
        v.ProposalID = id
        v.Signed = len(c.Signature) > 0
        resp, err := h.Vote(ctx, c, v)
        reply(w, resp, err)
    }).Methods(http.MethodPost)
    r.HandleFunc("/gov/proposals/{id}/withdraw", func(w http.ResponseWriter, req *http.Request) {
        ctx, end := tracing.StartSpan(req.Context(), "http.withdraw")
        defer end()
        if h.Withdraw == nil { writeError(w, notSupported("withdraw")); return }
        c, body, err := readCaller(w, req)
        if err != nil { writeError(w, err); return }
        var wr transport.WithdrawRequest
        if err := decodeBody(body, &wr); err != nil { writeError(w, err); return }
        id := mux.Vars(req)["id"]
        if wr.ProposalID != "" && wr.ProposalID != id {
            writeError(w, transport.Errorf(transport.CodeInvalidRequest, "withdrawal names proposal %q, route names %q", wr.ProposalID, id))
            return
        }
        resp, err := h.Withdraw(ctx, c, id)
        reply(w, resp, err)
    }).Methods(http.MethodPost)
    r.HandleFunc("/gov/ack", func(w http.ResponseWriter, req *http.Request) {
        ctx, end := tracing.StartSpan(req.Context(), "http.ack")
        defer end()
        if h.Ack == nil { writeError(w, notSupported("ack")); return }
        c, _, err := readCaller(w, req)
        if err != nil { writeError(w, err); return }
        resp, err := h.Ack(ctx, c)
        reply(w, resp, err)
    }).Methods(http.MethodPost)
    r.HandleFunc("/node/tx", func(w http.ResponseWriter, req *http.Request) {
        if h.TxStatus == nil { writeError(w, notSupported("tx status")); return }
        q := req.URL.Query()
        view, err1 := strconv.ParseUint(q.Get("view"), 10, 64)
        seqno, err2 := strconv.ParseUint(q.Get("seqno"), 10, 64)
        if err1 != nil || err2 != nil {
            writeError(w, transport.Errorf(transport.CodeInvalidRequest, "view and seqno must be unsigned integers"))
            return
        }
        id := txstatus.TxID{View: view, Seqno: seqno}
        st, err := h.TxStatus(req.Context(), id)
        reply(w, transport.TxStatusResponse{TxID: id, Status: st}, err)
    }).Methods(http.MethodGet)
    r.HandleFunc("/node/commit", func(w http.ResponseWriter, req *http.Request) {
        if h.Commit == nil { writeError(w, notSupported("commit")); return }
        id, err := h.Commit(req.Context())
        reply(w, transport.CommitResponse{TxID: id}, err)
    }).Methods(http.MethodGet)
    r.HandleFunc("/node/status", func(w http.ResponseWriter, req *http.Request) {
        ctx, end := tracing.StartSpan(req.Context(), "http.status")
        defer end()
        if h.Status == nil { writeError(w, notSupported("status")); return }
        resp, err := h.Status(ctx)
        reply(w, resp, err)
    }).Methods(http.MethodGet)
    r.HandleFunc("/node/join", func(w http.ResponseWriter, req *http.Request) {
        ctx, end := tracing.StartSpan(req.Context(), "http.join")
        defer end()
        if h.Join == nil { writeError(w, notSupported("join")); return }
        _, body, err := readCaller(w, req)
        if err != nil { writeError(w, err); return }
        var j transport.JoinRequest
        if err := decodeBody(body, &j); err != nil { writeError(w, err); return }
        resp, err := h.Join(ctx, j)
        reply(w, resp, err)
    }).Methods(http.MethodPost)
    r.HandleFunc("/app/write", func(w http.ResponseWriter, req *http.Request) {
        ctx, end := tracing.StartSpan(req.Context(), "http.app_write")
        defer end()
        if h.AppWrite == nil { writeError(w, notSupported("app write")); return }
        c, body, err := readCaller(w, req)
        if err != nil { writeError(w, err); return }
        var a transport.AppWriteRequest
        if err := decodeBody(body, &a); err != nil { writeError(w, err); return }
        resp, err := h.AppWrite(ctx, c, a)
        reply(w, resp, err)
    }).Methods(http.MethodPost)
    r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ok"))
    }).Methods(http.MethodGet)
    // Prometheus metrics
    r.Handle("/metrics", promhttp.Handler())
    r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
    })
    return r
}

// Start launches the HTTP server. The server is shut down when the context
// is canceled.
func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    ln, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    s.ln = ln
    if s.tlsCfg != nil {
        ln = tls.NewListener(ln, s.tlsCfg)
    }
    s.srv = &http.Server{Handler: Handler(h), ReadHeaderTimeout: 5 * time.Second}
    srv := s.srv

    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func() {
        if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
            s.logger.Printf("httpjson: server error: %v", err)
        }
    }()
    return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
    if s.ln != nil { return s.ln.Addr().String() }
    return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
    srv := s.srv
    if srv == nil { return nil }
    c, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    return srv.Shutdown(c)
}

func readCaller(w http.ResponseWriter, r *http.Request) (transport.Caller, []byte, error) {
    body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
    if err != nil { return transport.Caller{}, nil, transport.Errorf(transport.CodeInvalidRequest, "read body: %v", err) }
    c := transport.Caller{
        MemberID: r.Header.Get(HeaderMemberID),
        UserID:   r.Header.Get(HeaderUserID),
        Body:     body,
    }
    if sig := r.Header.Get(HeaderMemberSignature); sig != "" {
        c.Signature, err = base64.StdEncoding.DecodeString(sig)
        if err != nil { return c, nil, transport.Errorf(transport.CodeInvalidSignature, "signature is not base64") }
    }
    return c, body, nil
}

func decodeBody(body []byte, v any) error {
    if len(body) == 0 { return nil }
    if err := json.Unmarshal(body, v); err != nil { return transport.Errorf(transport.CodeInvalidRequest, "bad request: %v", err) }
    return nil
}

func notSupported(op string) error { return transport.Errorf(transport.CodeNotSupported, "%s not supported", op) }

func reply(w http.ResponseWriter, v any, err error) {
    if err != nil { writeError(w, err); return }
    writeJSON(w, http.StatusOK, v)
}

func writeError(w http.ResponseWriter, err error) {
    e := transport.AsError(err)
    writeJSON(w, e.Status, transport.ErrorBody{Error: e})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(status)
    _ = json.NewEncoder(w).Encode(v)
}

var _ transport.RPCServer = (*Server)(nil)
