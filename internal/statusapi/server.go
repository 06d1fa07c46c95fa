// Package statusapi serves the trader's operational HTTP surface: status,
// open positions, the emergency stop, manual exits, health and metrics.
package statusapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"solana-fastpath/internal/breaker"
	"solana-fastpath/internal/connection"
	"solana-fastpath/internal/eventsub"
	"solana-fastpath/internal/fastpath"
	"solana-fastpath/internal/logger"
	"solana-fastpath/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Status aggregates every component's view for GET /status.
type Status struct {
	Healthy            bool                  `json:"healthy"`
	StartedAt          time.Time             `json:"startedAt"`
	Breaker            breaker.Snapshot      `json:"breaker"`
	Connection         connection.Status     `json:"connection"`
	Subscription       eventsub.Status       `json:"subscription"`
	Health             *breaker.HealthReport `json:"health,omitempty"`
	OpenPositions      int                   `json:"openPositions"`
	CachedTransactions int                   `json:"cachedTransactions"`
	SOLPriceUSD        float64               `json:"solPriceUsd"`
}

// Backend is what the server reads and controls.
type Backend interface {
	Status() Status
	Positions() []fastpath.PositionView
	SetEmergencyStop(active bool, reason string)
	Exit(ctx context.Context, mint string) fastpath.Result
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type emergencyStopRequest struct {
	Active bool   `json:"active"`
	Reason string `json:"reason"`
}

type Server struct {
	backend Backend
	metrics *observability.Metrics
	log     *logrus.Entry
	router  *mux.Router
	http    *http.Server
}

// New builds the router. metrics may be nil, in which case /metrics is absent.
func New(addr string, backend Backend, metrics *observability.Metrics, log *logrus.Entry) *Server {
	if log == nil {
		log = logger.Component("statusapi")
	}
	s := &Server{backend: backend, metrics: metrics, log: log}

	r := mux.NewRouter()
	r.Use(s.logging)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/positions", s.handlePositions).Methods(http.MethodGet)
	r.HandleFunc("/positions/{mint}/exit", s.handleExit).Methods(http.MethodPost)
	r.HandleFunc("/emergency-stop", s.handleEmergencyStop).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if metrics != nil {
		r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	}
	s.router = r
	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until Shutdown. A clean shutdown returns nil.
func (s *Server) ListenAndServe() error {
	s.log.WithField("addr", s.http.Addr).Info("Status server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Status())
}

func (s *Server) handlePositions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Positions())
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req emergencyStopRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err == nil {
		err = json.Unmarshal(body, &req)
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "BAD_REQUEST"})
		return
	}
	if req.Active && req.Reason == "" {
		req.Reason = "manual"
	}

	s.backend.SetEmergencyStop(req.Active, req.Reason)
	s.log.WithFields(logrus.Fields{"active": req.Active, "reason": req.Reason}).Warn("Emergency stop updated")
	writeJSON(w, http.StatusOK, s.backend.Status().Breaker)
}

func (s *Server) handleExit(w http.ResponseWriter, r *http.Request) {
	mint := mux.Vars(r)["mint"]
	res := s.backend.Exit(r.Context(), mint)
	switch {
	case res.OK:
		writeJSON(w, http.StatusAccepted, res)
	case res.Reason == fastpath.ReasonNoPosition:
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "no open position for " + mint, Code: res.Reason})
	case res.Reason == fastpath.ReasonNotActive:
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "position is not active", Code: res.Reason})
	default:
		msg := "exit failed"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: msg, Code: res.Reason})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !s.backend.Status().Healthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("HTTP request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
