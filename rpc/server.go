// Package rpc serves the escrow registry, the arbitration oracle and the
// ledger adapter contract over HTTP/JSON and WebSocket.
package rpc

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	coreerrors "arcesc/core/errors"
	"arcesc/core/identity"
	"arcesc/crypto"
	"arcesc/ledger"
	"arcesc/observability"
)

const (
	maxRequestBytes      = 1 << 20
	headerIdempotencyKey = "Idempotency-Key"
)

// Backend is the ledger the server fronts. ledger.Local satisfies it.
type Backend interface {
	ledger.Adapter
	ledger.Subscriber
	Receipt(txID string) (*ledger.Receipt, error)
	Events(after uint64, limit int) ([]ledger.Notification, error)
}

// Config wires the server's collaborators.
type Config struct {
	Backend       Backend
	Authenticator *Authenticator
	RateLimiter   *RateLimiter
	// Store is optional; without it Idempotency-Key is ignored and no audit
	// log is kept.
	Store  *SQLiteStore
	Logger *slog.Logger
}

// Server implements the HTTP surface.
type Server struct {
	backend Backend
	auth    *Authenticator
	limiter *RateLimiter
	store   *SQLiteStore
	logger  *slog.Logger
}

// NewServer validates cfg.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("rpc: backend required")
	}
	if cfg.Authenticator == nil {
		return nil, fmt.Errorf("rpc: authenticator required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		backend: cfg.Backend,
		auth:    cfg.Authenticator,
		limiter: cfg.RateLimiter,
		store:   cfg.Store,
		logger:  logger.With(slog.String("component", "rpc")),
	}, nil
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.observe)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.auth.Middleware)
		v1.Use(s.limiter.Middleware)
		v1.Use(limitBody)

		v1.Route("/escrows", func(er chi.Router) {
			er.Get("/", s.handleListEscrows)
			er.With(s.idempotent).Post("/", s.handleCreateEscrow)
			er.Get("/count", s.handleEscrowCount)
			er.Get("/{id}", s.handleGetEscrow)
			er.Get("/{id}/time-remaining", s.handleTimeRemaining)
			er.With(s.idempotent).Post("/{id}/release", s.handleReleaseEscrow)
			er.With(s.idempotent).Post("/{id}/refund", s.handleRefundEscrow)
		})
		v1.Route("/settlements", func(sr chi.Router) {
			sr.Get("/{id}", s.handleGetSettlement)
			sr.Get("/{id}/settled", s.handleIsSettled)
			sr.With(s.idempotent).Post("/{id}/{action}", s.handleDecision)
		})
		v1.Route("/arbitrators", func(ar chi.Router) {
			ar.Get("/", s.handleListArbitrators)
			ar.Post("/", s.handleAddArbitrator)
			ar.Get("/{addr}", s.handleIsArbitrator)
			ar.Delete("/{addr}", s.handleRemoveArbitrator)
		})
		v1.Route("/coordinators", func(cr chi.Router) {
			cr.Post("/", s.handleAddCoordinator)
			cr.Get("/{addr}", s.handleIsCoordinator)
			cr.Delete("/{addr}", s.handleRemoveCoordinator)
		})
		v1.Get("/accounts/{addr}/balance", s.handleBalance)

		v1.With(s.idempotent).Post("/ledger/submit", s.handleSubmit)
		v1.Post("/ledger/read", s.handleRead)
		v1.Get("/ledger/tx/{txID}", s.handleReceipt)
		v1.Get("/ledger/events", s.handleEvents)
		v1.Get("/ledger/events/ws", s.handleEventStream)
	})
	return otelhttp.NewHandler(r, "arcescd.api")
}

// observe records per-route metrics once chi has resolved the pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		observability.ModuleMetrics().Observe(moduleFor(route), route, recorder.status, time.Since(start))
	})
}

func moduleFor(route string) string {
	switch {
	case strings.HasPrefix(route, "/v1/escrows"), strings.HasPrefix(route, "/v1/coordinators"):
		return "escrow"
	case strings.HasPrefix(route, "/v1/settlements"), strings.HasPrefix(route, "/v1/arbitrators"):
		return "arbitration"
	case strings.HasPrefix(route, "/v1/ledger"), strings.HasPrefix(route, "/v1/accounts"):
		return "ledger"
	default:
		return "system"
	}
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// idempotent replays the stored response for a repeated Idempotency-Key and
// records every mutating request in the audit log.
func (s *Server) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.store == nil {
			next.ServeHTTP(w, r)
			return
		}
		caller, _ := CallerFromContext(r.Context())
		callerKey := crypto.FormatAddress(caller.Address) + "/" + caller.Role.String()
		key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))

		var body []byte
		if r.Body != nil {
			var err error
			body, err = io.ReadAll(r.Body)
			if err != nil {
				writeError(w, fmt.Errorf("read body: %v: %w", err, coreerrors.ErrInvalidInput))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
		}
		requestHash := hashRequest(r.Method, r.URL.Path, body)

		if key != "" {
			cached, err := s.store.LookupIdempotency(r.Context(), callerKey, key, requestHash)
			switch {
			case errors.Is(err, ErrIdempotencyMismatch):
				writeErrorStatus(w, http.StatusConflict, coreerrors.CodeInvalidInput, err.Error())
				return
			case err != nil:
				s.logger.Warn("idempotency lookup failed", slog.String("error", err.Error()))
			case cached != nil:
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Idempotent-Replay", "true")
				w.WriteHeader(cached.Status)
				_, _ = w.Write(cached.Body)
				return
			}
		}

		recorder := &captureRecorder{statusRecorder: statusRecorder{ResponseWriter: w, status: http.StatusOK}}
		next.ServeHTTP(recorder, r)

		if key != "" && recorder.status < 500 {
			if err := s.store.SaveIdempotency(r.Context(), callerKey, key, requestHash, recorder.status, recorder.buf.Bytes()); err != nil {
				s.logger.Warn("idempotency save failed", slog.String("error", err.Error()))
			}
		}
		entry := AuditEntry{
			Timestamp: time.Now(),
			Caller:    crypto.FormatAddress(caller.Address),
			Role:      caller.Role.String(),
			Method:    r.Method,
			Path:      r.URL.Path,
			Status:    recorder.status,
			TxID:      recorder.Header().Get("X-Tx-Id"),
		}
		if err := s.store.InsertAuditLog(r.Context(), entry); err != nil {
			s.logger.Warn("audit log failed", slog.String("error", err.Error()))
		}
	})
}

func hashRequest(method, path string, body []byte) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{strings.ToUpper(method), path, string(body)}, "\n")))
	return hex.EncodeToString(sum[:])
}

func callerOf(r *http.Request) identity.Caller {
	caller, _ := CallerFromContext(r.Context())
	return caller
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(status int) {
	if !s.wroteHeader {
		s.status = status
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Hijack is required by the event stream upgrade.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("rpc: response writer cannot hijack")
	}
	s.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

type captureRecorder struct {
	statusRecorder
	buf bytes.Buffer
}

func (c *captureRecorder) WriteHeader(status int) { c.statusRecorder.WriteHeader(status) }

func (c *captureRecorder) Write(b []byte) (int, error) {
	c.buf.Write(b)
	return c.statusRecorder.Write(b)
}
