// Package api provides the HTTP transport for signed verdicts
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"phishguard/internal/canonical"
	"phishguard/internal/config"
	"phishguard/internal/core"
	"phishguard/internal/features"
	"phishguard/internal/models"
	"phishguard/internal/verifier"
)

const (
	maxBodyBytes    = 64 << 10
	shutdownTimeout = 10 * time.Second

	// HeaderCache reports HIT, MISS or SHARED for predict responses
	HeaderCache     = "X-Cache"
	HeaderRequestID = "X-Request-ID"
)

// Options wires a Server
type Options struct {
	Config       *config.Config
	Builder      *core.VerdictBuilder
	Verifier     *verifier.Verifier
	PublicKeyPEM string
	Toggles      features.Toggles
	TrustedCount int
	Logger       *slog.Logger
}

// Server represents the HTTP API server
type Server struct {
	config   *config.Config
	builder  *core.VerdictBuilder
	verifier *verifier.Verifier
	pubPEM   string
	toggles  features.Toggles
	trusted  int
	router   *mux.Router
	logger   *slog.Logger
	started  time.Time
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	s := &Server{
		config:   opts.Config,
		builder:  opts.Builder,
		verifier: opts.Verifier,
		pubPEM:   opts.PublicKeyPEM,
		toggles:  opts.Toggles,
		trusted:  opts.TrustedCount,
		router:   mux.NewRouter(),
		logger:   opts.Logger,
		started:  time.Now(),
	}
	if s.config == nil {
		s.config = config.Default()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/predict", s.handlePredict).Methods(http.MethodPost)
	api.HandleFunc("/pubkey", s.handlePubKey).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/verify", s.handleVerify).Methods(http.MethodPost)

	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)
}

// Handler returns the router, wrapped for CORS when enabled
func (s *Server) Handler() http.Handler {
	if !s.config.Server.EnableCORS {
		return s.router
	}
	c := cors.New(cors.Options{
		AllowedOrigins: s.config.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", HeaderRequestID},
		ExposedHeaders: []string{HeaderCache, HeaderRequestID},
	})
	return c.Handler(s.router)
}

// Start serves until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.config.Addr(),
		Handler:      s.Handler(),
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", server.Addr, "tls", s.config.Server.TLSCertFile != "")
		if s.config.Server.TLSCertFile != "" && s.config.Server.TLSKeyFile != "" {
			errCh <- server.ListenAndServeTLS(s.config.Server.TLSCertFile, s.config.Server.TLSKeyFile)
			return
		}
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handlePredict builds or serves a signed verdict for one URL
func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req models.PredictRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		s.respondError(w, http.StatusBadRequest, "missing url")
		return
	}

	sv, status, err := s.builder.Lookup(r.Context(), req.URL)
	if err != nil {
		if errors.Is(err, core.ErrInvalidInput) {
			s.respondError(w, http.StatusBadRequest, "invalid url")
			return
		}
		s.logger.Error("predict failed", "url", req.URL, "request_id", requestID(r), "error", err)
		s.respondError(w, http.StatusInternalServerError, "verdict unavailable")
		return
	}

	body, err := signedBody(sv)
	if err != nil {
		s.logger.Error("encode verdict failed", "error", err)
		s.respondError(w, http.StatusInternalServerError, "verdict unavailable")
		return
	}
	w.Header().Set(HeaderCache, status.String())
	s.respondJSON(w, http.StatusOK, body)
}

// signedBody embeds the payload as its canonical bytes, the exact text
// that was signed
func signedBody(sv *models.SignedVerdict) (*models.RawSignedVerdict, error) {
	payload, err := canonical.Marshal(sv.Payload)
	if err != nil {
		return nil, err
	}
	return &models.RawSignedVerdict{
		Payload:   payload,
		Signature: sv.Signature,
		PubKeyPEM: sv.PubKeyPEM,
		MAC:       sv.MAC,
	}, nil
}

// handlePubKey serves the verification key as PEM
func (s *Server) handlePubKey(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(s.pubPEM))
}

// handleHealth reports the active decision policy
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	cfg := s.builder.Config()
	health := map[string]interface{}{
		"status":              "ok",
		"timestamp":           time.Now().Unix(),
		"uptime_secs":         int64(time.Since(s.started).Seconds()),
		"model":               s.builder.ModelVersion(),
		"threshold":           cfg.Threshold,
		"min_threshold":       cfg.MinThreshold,
		"effective_threshold": cfg.EffectiveThreshold(),
		"ttl_secs":            int64(cfg.TTL / time.Second),
		"features_used":       features.Count,
		"toggles": map[string]bool{
			"disable_dom":   s.toggles.DisableDOM,
			"disable_ct":    s.toggles.DisableCT,
			"disable_whois": s.toggles.DisableWhois,
			"url_only":      s.toggles.URLOnly,
		},
		"reputation_enabled": s.config.Reputation.Enabled,
		"trusted_count":      s.trusted,
		"cache":              s.builder.CacheStats(),
	}
	s.respondJSON(w, http.StatusOK, health)
}

// VerifyResponse is the privileged verification result
type VerifyResponse struct {
	Valid  bool            `json:"valid"`
	Result verifier.Result `json:"result"`
}

// handleVerify checks a verdict server-side, including the MAC
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if s.verifier == nil {
		s.respondError(w, http.StatusServiceUnavailable, "verification not available")
		return
	}
	var raw models.RawSignedVerdict
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&raw); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res := s.verifier.CheckRaw(&raw)
	s.respondJSON(w, http.StatusOK, VerifyResponse{Valid: res.Trusted(), Result: res})
}

// Middleware functions

type ctxKey struct{}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"request_id", requestID(r))
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered", "panic", err, "path", r.URL.Path, "request_id", requestID(r))
				s.respondError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Helper functions

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
