// Package api serves the monitor's read side and the acknowledgment
// entry point over HTTP, plus a WebSocket stream of bus events.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/nugget/sensorwatch/internal/alert"
	"github.com/nugget/sensorwatch/internal/buildinfo"
	"github.com/nugget/sensorwatch/internal/events"
	"github.com/nugget/sensorwatch/internal/monitor"
	"github.com/nugget/sensorwatch/internal/sensor"
)

// Monitor is the read side and acknowledgment entry point the server
// exposes. *monitor.Monitor implements it.
type Monitor interface {
	Readings() []sensor.Reading
	Reading(id string) (sensor.Reading, bool)
	ActiveAlert() *sensor.Reading
	Acknowledge(id string) (*sensor.Reading, error)
	Status() monitor.Report
	Healthy() bool
}

// Server is the HTTP API server.
type Server struct {
	addr    string
	monitor Monitor
	bus     *events.Bus
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server listening on addr (host:port).
// bus may be nil, in which case the event stream endpoint reports 503.
func NewServer(addr string, mon Monitor, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:    addr,
		monitor: mon,
		bus:     bus,
		logger:  logger,
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/status", s.handleStatus)

	mux.HandleFunc("GET /v1/readings", s.handleReadings)
	mux.HandleFunc("GET /v1/readings/{id}", s.handleReading)

	mux.HandleFunc("GET /v1/alert", s.handleAlert)
	mux.HandleFunc("POST /v1/alerts/{id}/ack", s.handleAcknowledge)

	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("starting API server", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response code for request logging. It
// forwards Hijack so WebSocket upgrades still work behind the logger.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.code,
			"duration", time.Since(start),
		)
	})
}

// respond writes v as a JSON body with the given status. Encode errors
// mean the client went away and are only worth a debug line.
func (s *Server) respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("response not written", "status", code, "error", err)
	}
}

type apiError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (s *Server) fail(w http.ResponseWriter, code int, format string, args ...any) {
	s.respond(w, code, map[string]apiError{
		"error": {Message: fmt.Sprintf(format, args...), Code: code},
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{
		"name":    "sensorwatch",
		"version": buildinfo.Version,
		"status":  "ok",
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, buildinfo.RuntimeInfo())
}

// handleHealth always answers 200; "degraded" means the broker is down
// or the feed is stale, which is a modeled condition rather than a
// server fault.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rep := s.monitor.Status()
	status := "healthy"
	if !s.monitor.Healthy() {
		status = "degraded"
	}
	s.respond(w, http.StatusOK, map[string]any{
		"status":     status,
		"connection": rep.State,
		"stale":      rep.Stale,
		"watches":    rep.Watches,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.monitor.Status())
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	readings := s.monitor.Readings()
	if kind := r.URL.Query().Get("type"); kind != "" {
		k, _ := sensor.ParseKind(kind)
		readings = slices.DeleteFunc(readings, func(rd sensor.Reading) bool { return rd.Kind != k })
	}
	if name := r.URL.Query().Get("status"); name != "" {
		st, err := sensor.ParseStatus(name)
		if err != nil {
			s.fail(w, http.StatusBadRequest, "%v", err)
			return
		}
		readings = slices.DeleteFunc(readings, func(rd sensor.Reading) bool { return rd.Status != st })
	}

	s.respond(w, http.StatusOK, map[string]any{
		"readings": readings,
		"count":    len(readings),
		"stale":    s.monitor.Status().Stale,
	})
}

func (s *Server) handleReading(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rd, ok := s.monitor.Reading(id)
	if !ok {
		s.fail(w, http.StatusNotFound, "no reading for sensor %q", id)
		return
	}
	s.respond(w, http.StatusOK, rd)
}

func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]any{"alert": s.monitor.ActiveAlert()})
}

// handleAcknowledge silences the sensor's current Unsafe episode. The
// sensor must have reported at least once.
func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.monitor.Reading(id); !ok {
		s.fail(w, http.StatusNotFound, "no reading for sensor %q", id)
		return
	}

	if _, err := s.monitor.Acknowledge(id); err != nil {
		if errors.Is(err, alert.ErrEmptyID) {
			s.fail(w, http.StatusBadRequest, "%v", err)
			return
		}
		// The acknowledgment holds in memory; only persistence failed.
		s.logger.Error("acknowledgment not persisted", "id", id, "error", err)
		s.fail(w, http.StatusInternalServerError, "%v", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
