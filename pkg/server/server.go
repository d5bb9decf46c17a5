package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/elloloop/entdb/pkg/coordinator"
	"github.com/elloloop/entdb/pkg/errcode"
	"github.com/elloloop/entdb/pkg/event"
	"github.com/elloloop/entdb/pkg/schema"
	"github.com/elloloop/entdb/pkg/store"
)

// Request envelope headers.
const (
	HeaderTenant            = "X-Entdb-Tenant"
	HeaderActor             = "X-Entdb-Actor"
	HeaderIdempotencyKey    = "Idempotency-Key"
	HeaderSchemaFingerprint = "X-Entdb-Schema-Fingerprint"
)

// Server serves the HTTP JSON API.
type Server struct {
	coord   *coordinator.Coordinator
	stores  *store.Manager
	reg     *schema.Registry
	logger  *slog.Logger
	http    *http.Server
	limiter *RateLimiter
}

// Config tunes the HTTP listener.
type Config struct {
	Addr            string
	RateLimitPerSec int
	RateLimitBurst  int
}

// New builds the server and its routes.
func New(coord *coordinator.Coordinator, stores *store.Manager, reg *schema.Registry, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{coord: coord, stores: stores, reg: reg, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/execute", s.handleExecute)
	mux.HandleFunc("GET /v1/nodes/{id}", s.handleGetNode)
	mux.HandleFunc("GET /v1/nodes", s.handleQueryNodes)
	mux.HandleFunc("GET /v1/nodes/{id}/edges/{direction}", s.handleEdges)
	mux.HandleFunc("GET /v1/mailbox/{user}", s.handleMailbox)
	mux.HandleFunc("GET /v1/search/{user}", s.handleSearch)
	mux.HandleFunc("GET /v1/schema", s.handleSchema)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	var handler http.Handler = mux
	if cfg.RateLimitPerSec > 0 {
		s.limiter = NewRateLimiter(cfg.RateLimitPerSec, cfg.RateLimitBurst)
		handler = s.limiter.Middleware(handler)
	}
	handler = withRequestLog(logger, handler)

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the full middleware-wrapped route tree.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks serving requests.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops background sweepers.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.Close()
	}
	return s.http.Shutdown(ctx)
}

// envelope extracts and checks the common request headers.
func (s *Server) envelope(r *http.Request) (tenant, actor string, err error) {
	tenant = r.Header.Get(HeaderTenant)
	actor = r.Header.Get(HeaderActor)
	if tenant == "" {
		return "", "", errcode.Newf(errcode.CodeInvalidRequest, "%s header is required", HeaderTenant)
	}
	if fp := r.Header.Get(HeaderSchemaFingerprint); fp != "" {
		current, ferr := s.reg.Fingerprint()
		if ferr != nil {
			return "", "", errcode.Wrap(errcode.CodeInternal, ferr)
		}
		if !strings.EqualFold(fp, hex.EncodeToString(current[:])) {
			return "", "", errcode.New(errcode.CodeInvalidRequest,
				"client schema fingerprint does not match the server registry").
				WithDetail("server_fingerprint", hex.EncodeToString(current[:]))
		}
	}
	return tenant, actor, nil
}

type executeBody struct {
	Operations     []event.Operation `json:"operations"`
	WaitForApplied bool              `json:"wait_for_applied"`
	DeadlineMs     int               `json:"deadline_ms,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	tenant, actor, err := s.envelope(r)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	if actor == "" {
		writeProblem(w, r, errcode.Newf(errcode.CodeInvalidRequest, "%s header is required", HeaderActor))
		return
	}
	var body executeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeProblem(w, r, errcode.Wrap(errcode.CodeInvalidRequest, err))
		return
	}

	ctx := r.Context()
	if body.DeadlineMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(body.DeadlineMs)*time.Millisecond)
		defer cancel()
	}
	receipt, err := s.coord.Execute(ctx, coordinator.Request{
		TenantID:       tenant,
		Actor:          actor,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
		Operations:     body.Operations,
		WaitForApplied: body.WaitForApplied,
	})
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	tenant, actor, err := s.envelope(r)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	ts, err := s.stores.Open(r.Context(), tenant)
	if err != nil {
		writeProblem(w, r, errcode.Wrap(errcode.CodeInternal, err))
		return
	}
	node, err := ts.GetNode(r.Context(), r.PathValue("id"), false)
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, r, errcode.Newf(errcode.CodeNotFound, "node %s not found", r.PathValue("id")))
		return
	}
	if err != nil {
		writeProblem(w, r, errcode.Wrap(errcode.CodeInternal, err))
		return
	}
	if actor != "" && !node.VisibleTo(actor, principals(r)) {
		writeProblem(w, r, errcode.New(errcode.CodeForbidden, "node is not visible to the actor"))
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleQueryNodes(w http.ResponseWriter, r *http.Request) {
	tenant, actor, err := s.envelope(r)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	q := r.URL.Query()
	typeID, err := strconv.ParseUint(q.Get("type"), 10, 32)
	if err != nil {
		writeProblem(w, r, errcode.New(errcode.CodeInvalidRequest, "type query parameter must be a type_id"))
		return
	}
	filters := make(map[string]any)
	for key, values := range q {
		if name, ok := strings.CutPrefix(key, "filter."); ok && len(values) > 0 {
			filters[name] = values[0]
		}
	}
	ts, err := s.stores.Open(r.Context(), tenant)
	if err != nil {
		writeProblem(w, r, errcode.Wrap(errcode.CodeInternal, err))
		return
	}
	nodes, err := ts.QueryNodes(r.Context(), uint32(typeID), filters, intQuery(q.Get("limit")), intQuery(q.Get("offset")))
	if err != nil {
		writeProblem(w, r, errcode.Wrap(errcode.CodeInternal, err))
		return
	}
	if actor != "" {
		visible := nodes[:0]
		for _, n := range nodes {
			if n.VisibleTo(actor, principals(r)) {
				visible = append(visible, n)
			}
		}
		nodes = visible
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

func (s *Server) handleEdges(w http.ResponseWriter, r *http.Request) {
	tenant, _, err := s.envelope(r)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	var edgeType uint32
	if raw := r.URL.Query().Get("type"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			writeProblem(w, r, errcode.New(errcode.CodeInvalidRequest, "type query parameter must be an edge_type_id"))
			return
		}
		edgeType = uint32(parsed)
	}
	ts, err := s.stores.Open(r.Context(), tenant)
	if err != nil {
		writeProblem(w, r, errcode.Wrap(errcode.CodeInternal, err))
		return
	}
	var edges []*store.Edge
	switch r.PathValue("direction") {
	case "out":
		edges, err = ts.EdgesOut(r.Context(), r.PathValue("id"), edgeType)
	case "in":
		edges, err = ts.EdgesIn(r.Context(), r.PathValue("id"), edgeType)
	default:
		writeProblem(w, r, errcode.New(errcode.CodeInvalidRequest, "edge direction must be out or in"))
		return
	}
	if err != nil {
		writeProblem(w, r, errcode.Wrap(errcode.CodeInternal, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"edges": edges})
}

func (s *Server) handleMailbox(w http.ResponseWriter, r *http.Request) {
	tenant, _, err := s.envelope(r)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	ts, err := s.stores.Open(r.Context(), tenant)
	if err != nil {
		writeProblem(w, r, errcode.Wrap(errcode.CodeInternal, err))
		return
	}
	q := r.URL.Query()
	items, err := ts.Mailbox(r.Context(), r.PathValue("user"), intQuery(q.Get("limit")), intQuery(q.Get("offset")))
	if err != nil {
		writeProblem(w, r, errcode.Wrap(errcode.CodeInternal, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	tenant, _, err := s.envelope(r)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	query := r.URL.Query().Get("q")
	if query == "" {
		writeProblem(w, r, errcode.New(errcode.CodeInvalidRequest, "q query parameter is required"))
		return
	}
	ts, err := s.stores.Open(r.Context(), tenant)
	if err != nil {
		writeProblem(w, r, errcode.Wrap(errcode.CodeInternal, err))
		return
	}
	items, err := ts.Search(r.Context(), r.PathValue("user"), query, intQuery(r.URL.Query().Get("limit")))
	if err != nil {
		writeProblem(w, r, errcode.Wrap(errcode.CodeInternal, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	fingerprint, err := s.reg.Fingerprint()
	if err != nil {
		writeProblem(w, r, errcode.Wrap(errcode.CodeInternal, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"fingerprint": hex.EncodeToString(fingerprint[:]),
		"node_types":  s.reg.NodeTypes(),
		"edge_types":  s.reg.EdgeTypes(),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// principals parses the optional comma-separated principal list header.
func principals(r *http.Request) []string {
	raw := r.Header.Get("X-Entdb-Principals")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func intQuery(raw string) int {
	n, _ := strconv.Atoi(raw)
	return n
}

// withRequestLog logs one line per request.
func withRequestLog(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("request handled",
			"method", r.Method, "path", r.URL.Path, "duration_ms", time.Since(start).Milliseconds())
	})
}
