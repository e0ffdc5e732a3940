// Package sodamock serves a deterministic stand-in for the SoDa CAMS WPS
// endpoint, for tests and local runs without spending real quota.
package sodamock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/cams-data-etl/internal/adapter/soda"
	"github.com/couchcryptid/cams-data-etl/internal/domain"
)

// QuotaMessage is the exception text returned once the daily quota is spent.
const QuotaMessage = "Maximum number of daily requests reached for this account"

// Options tune the mock's behaviour.
type Options struct {
	Quota    int // requests per UTC day; 0 means unlimited
	DropRows int // rows removed from the end of every response
	Clock    clockwork.Clock
}

// Server emulates the SoDa WPS API and exposes /healthz, /readyz, and /metrics.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	opts       Options

	mu    sync.Mutex
	daily map[string]int
	total int

	requests *prometheus.CounterVec
}

// NewServer creates a mock SoDa server listening on addr.
func NewServer(addr string, opts Options, logger *slog.Logger) *Server {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	mux := http.NewServeMux()
	reg := prometheus.NewRegistry()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
		opts:   opts,
		daily:  make(map[string]int),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "soda_mock",
			Name:      "requests_total",
			Help:      "WPS requests by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(s.requests)

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(s))
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET "+soda.WPSPath, s.handleWPS)

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("mock soda server starting", "addr", s.httpServer.Addr, "quota", s.opts.Quota)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

// CheckReadiness fails once today's quota is used up.
func (s *Server) CheckReadiness(_ context.Context) error {
	if s.opts.Quota > 0 && s.RequestsToday() >= s.opts.Quota {
		return errors.New("daily quota exhausted")
	}
	return nil
}

// Requests returns the total number of WPS requests received, including rejected ones.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// RequestsToday returns the number of requests counted against today's quota.
func (s *Server) RequestsToday() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.daily[s.today()]
}

func (s *Server) today() string {
	return s.opts.Clock.Now().UTC().Format(domain.DateLayout)
}

// take counts one request and reports whether it is within quota.
func (s *Server) take() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	day := s.today()
	if s.opts.Quota > 0 && s.daily[day] >= s.opts.Quota {
		return false
	}
	s.daily[day]++
	return true
}

func (s *Server) handleWPS(w http.ResponseWriter, r *http.Request) {
	if !s.take() {
		s.requests.WithLabelValues("quota").Inc()
		writeException(w, http.StatusOK, "NoApplicableCode", QuotaMessage)
		return
	}

	q, err := parseQuery(r.URL.RawQuery)
	if err != nil {
		s.requests.WithLabelValues("invalid").Inc()
		writeException(w, http.StatusBadRequest, "InvalidParameterValue", err.Error())
		return
	}

	rows := q.rows()
	if s.opts.DropRows > 0 {
		rows = rows[:max(0, len(rows)-s.opts.DropRows)]
	}

	s.requests.WithLabelValues("success").Inc()
	w.Header().Set("Content-Type", "text/csv;charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := q.write(w, rows); err != nil {
		s.logger.Warn("mock soda write failed", "error", err)
	}
}

func writeException(w http.ResponseWriter, status int, code, text string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<ows:ExceptionReport xmlns:ows="http://www.opengis.net/ows/1.1" version="1.0.0">
  <ows:Exception exceptionCode="%s">
    <ows:ExceptionText>%s</ows:ExceptionText>
  </ows:Exception>
</ows:ExceptionReport>
`, code, xmlEscape(text))
}

func xmlEscape(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
}
