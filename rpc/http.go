package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"forechain/core/events"
	"forechain/gateway/middleware"
	"forechain/native/escrow"
	"forechain/observability"
	"forechain/storage/journal"
)

const (
	maxRequestBytes = 1 << 20 // 1 MiB
	shutdownTimeout = 5 * time.Second
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
)

// ServerConfig tunes the HTTP surface.
type ServerConfig struct {
	ServiceName string
	Auth        middleware.AuthConfig
	RateLimit   middleware.RateLimit
	CORS        middleware.CORSConfig
	Metrics     bool
	LogRequests bool
}

// Server exposes the escrow engine over JSON-RPC, a read-only REST API and a
// websocket event stream.
type Server struct {
	cfg     ServerConfig
	engine  *escrow.Engine
	journal *journal.Journal
	feed    *events.Feed
	logger  *slog.Logger
	auth    *middleware.Authenticator
	limiter *middleware.RateLimiter
	obs     *middleware.Observability
}

// NewServer wires the transport around engine. journal and feed are optional.
func NewServer(engine *escrow.Engine, j *journal.Journal, feed *events.Feed, cfg ServerConfig, logger *slog.Logger) (*Server, error) {
	if engine == nil {
		return nil, errors.New("rpc: engine required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "forechaind"
	}
	if cfg.Auth.Enabled && len(cfg.Auth.HMACSecret) == 0 {
		return nil, errors.New("rpc: auth enabled without a signing secret")
	}
	limits := map[string]middleware.RateLimit{}
	if cfg.RateLimit.RequestsPerMinute > 0 {
		limits["rpc"] = cfg.RateLimit
		limits["rest"] = cfg.RateLimit
	}
	limiter := middleware.NewRateLimiter(limits)
	limiter.OnThrottle = func(route string) {
		observability.ModuleMetrics().RecordThrottle(route, "rate_limit")
	}
	return &Server{
		cfg:     cfg,
		engine:  engine,
		journal: j,
		feed:    feed,
		logger:  logger,
		auth:    middleware.NewAuthenticator(cfg.Auth, logger),
		limiter: limiter,
		obs: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: cfg.ServiceName,
			LogRequests: cfg.LogRequests,
			Enabled:     true,
		}, logger),
	}, nil
}

// Handler returns the fully wired HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(s.cfg.CORS))
	r.Use(s.auth.Middleware())

	r.Get("/healthz", s.handleHealth)
	if s.cfg.Metrics {
		r.Handle("/metrics", s.obs.MetricsHandler())
	}
	r.With(s.limiter.Middleware("rpc"), s.obs.Middleware("rpc")).Post("/", s.handle)
	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.limiter.Middleware("rest"), s.obs.Middleware("rest"))
		s.mountREST(api)
	})
	r.With(s.obs.Middleware("ws")).Get("/ws/events", s.handleEventsWS)

	return otelhttp.NewHandler(r, s.cfg.ServiceName)
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting JSON-RPC server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("rpc: shutdown: %w", err)
		}
		return nil
	}
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// handle is the main request handler that routes to specific handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	handler, ok := s.methods()[req.Method]
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "method not found", req.Method)
		return
	}
	start := time.Now()
	recorder := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	handler(recorder, r, req)
	observability.ModuleMetrics().Observe("escrow", req.Method, recorder.status, time.Since(start))
}

type methodHandler func(http.ResponseWriter, *http.Request, *RPCRequest)

func (s *Server) methods() map[string]methodHandler {
	return map[string]methodHandler{
		"escrow_createProject":           s.handleCreateProject,
		"escrow_acceptProject":           s.handleAcceptProject,
		"escrow_addFunds":                s.handleAddFunds,
		"escrow_submitAsset":             s.handleSubmitAsset,
		"escrow_acceptAsset":             s.handleAcceptAsset,
		"escrow_rejectAsset":             s.handleRejectAsset,
		"escrow_resolveDispute":          s.handleResolveDispute,
		"escrow_updateFeePercentage":     s.handleUpdateFeePercentage,
		"escrow_withdrawFees":            s.handleWithdrawFees,
		"escrow_getUserProjects":         s.handleGetUserProjects,
		"escrow_getProjectStatus":        s.handleGetProjectStatus,
		"escrow_getAssetInfo":            s.handleGetAssetInfo,
		"escrow_getProjectAmount":        s.handleGetProjectAmount,
		"escrow_getRejectionCount":       s.handleGetRejectionCount,
		"escrow_getProjectsForApproval":  s.handleGetProjectsForApproval,
		"escrow_getDisputedProjects":     s.handleGetDisputedProjects,
		"escrow_getCurrentFeePercentage": s.handleGetCurrentFeePercentage,
		"escrow_getContractBalance":      s.handleGetContractBalance,
		"escrow_getProject":              s.handleGetProject,
		"escrow_getTreasury":             s.handleGetTreasury,
		"escrow_getTransfers":            s.handleGetTransfers,
		"escrow_getReceipts":             s.handleGetReceipts,
		"escrow_getReceipt":              s.handleGetReceipt,
		"escrow_getAdministrator":        s.handleGetAdministrator,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	bps, err := s.engine.CurrentFeePercentage()
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	subscribers := 0
	if s.feed != nil {
		subscribers = s.feed.Subscribers()
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         "ok",
		"feeBasisPoints": bps,
		"subscribers":    subscribers,
		"journal":        s.journal != nil,
	})
}
