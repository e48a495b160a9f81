// Package server exposes load state and run triggering over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/kube-reporting/billing-ingest/pkg/billing"
	"github.com/kube-reporting/billing-ingest/pkg/ingest"
	"github.com/kube-reporting/billing-ingest/pkg/state"
)

const (
	APIV1ExportsEndpointPrefix = "/api/v1/exports"

	shutdownTimeout     = 30 * time.Second
	healthCheckTimeout  = 5 * time.Second
	logIdentifierLength = 10
)

var (
	httpRequestsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "billing_ingest",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served, by handler.",
		},
		[]string{"handler", "code", "method"},
	)

	httpRequestDurationHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "billing_ingest",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests, by handler.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"handler", "code", "method"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsCounter)
	prometheus.MustRegister(httpRequestDurationHistogram)
}

// Runner performs one ingestion run. *ingest.Coordinator implements it.
type Runner interface {
	Run(ctx context.Context) (*ingest.Summary, error)
}

type Server struct {
	logger log.FieldLogger
	rand   *rand.Rand
	randMu sync.Mutex

	runner Runner
	store  state.Store
	vendor string
	export string

	// baseCtx is the parent of runs triggered over HTTP.
	baseCtx context.Context
	runWG   sync.WaitGroup

	mu          sync.Mutex
	running     bool
	lastSummary *ingest.Summary
	lastErr     error

	healthCheckSingleFlight singleflight.Group
}

func New(logger log.FieldLogger, runner Runner, store state.Store, vendor, export string) *Server {
	return &Server{
		logger:  logger.WithField("component", "api"),
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
		runner:  runner,
		store:   store,
		vendor:  vendor,
		export:  export,
		baseCtx: context.Background(),
	}
}

type requestLogger struct {
	log.FieldLogger
}

func (l *requestLogger) Print(v ...interface{}) {
	l.FieldLogger.Info(v...)
}

func instrument(handler string, h http.HandlerFunc) http.Handler {
	labels := prometheus.Labels{"handler": handler}
	return promhttp.InstrumentHandlerDuration(
		httpRequestDurationHistogram.MustCurryWith(labels),
		promhttp.InstrumentHandlerCounter(httpRequestsCounter.MustCurryWith(labels), h),
	)
}

func (s *Server) Router() chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: &requestLogger{s.logger}}))
	router.Use(middleware.Recoverer)

	router.Method(http.MethodGet, "/healthy", instrument("healthy", s.healthinessHandler))
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())
	router.Route(APIV1ExportsEndpointPrefix+"/{export}", func(r chi.Router) {
		r.Method(http.MethodGet, "/periods", instrument("periods", s.listPeriodsHandler))
		r.Method(http.MethodGet, "/periods/{period}/history", instrument("history", s.historyHandler))
		r.Method(http.MethodPost, "/runs", instrument("runs", s.triggerRunHandler))
		r.Method(http.MethodGet, "/runs/last", instrument("lastRun", s.lastRunHandler))
	})
	return router
}

// ListenAndServe serves the API on addr until ctx is done, then waits for
// a triggered run to finish.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	httpServer := &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("HTTP API server listening on %s", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP API server error: %v", err)
	case <-ctx.Done():
	}
	s.logger.Info("shutting down HTTP API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := httpServer.Shutdown(shutdownCtx)
	s.runWG.Wait()
	return err
}

// TriggerRun starts a run in the background which is cancelled with ctx.
// It returns ingest.ErrRunInProgress when a run is already active.
func (s *Server) TriggerRun(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ingest.ErrRunInProgress
	}
	s.running = true
	s.runWG.Add(1)
	go func() {
		defer s.runWG.Done()
		s.doRun(ctx)
	}()
	return nil
}

func (s *Server) doRun(ctx context.Context) {
	summary, err := s.runner.Run(ctx)
	logger := s.logger.WithField("export", s.export)
	switch {
	case err != nil:
		logger.WithError(err).Error("ingestion run failed")
	case summary.Status() != ingest.StatusSuccess:
		logger.Warnf("ingestion run finished with status %s", summary.Status())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	if summary != nil {
		s.lastSummary = summary
	}
	s.lastErr = err
}

// Running reports whether a triggered run is active.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) newRequestLogger(r *http.Request) log.FieldLogger {
	s.randMu.Lock()
	id := randomString(s.rand, logIdentifierLength)
	s.randMu.Unlock()
	return s.logger.WithFields(log.Fields{
		"method": r.Method,
		"url":    r.URL.String(),
		"logID":  id,
	})
}

// checkExport writes a 404 and returns false when the request names an
// export this server does not manage.
func (s *Server) checkExport(logger log.FieldLogger, w http.ResponseWriter, r *http.Request) bool {
	export := chi.URLParam(r, "export")
	if export != s.export {
		writeErrorResponse(logger, w, http.StatusNotFound, "unknown export %q", export)
		return false
	}
	return true
}

type statusResponse struct {
	Status  string      `json:"status"`
	Details interface{} `json:"details,omitempty"`
}

// healthinessHandler fails when the state store cannot be read.
func (s *Server) healthinessHandler(w http.ResponseWriter, r *http.Request) {
	logger := s.newRequestLogger(r)
	if !s.testReadStateSingleFlight(r.Context(), logger) {
		writeResponseAsJSON(logger, w, http.StatusInternalServerError, statusResponse{
			Status:  "not healthy",
			Details: "cannot read load state",
		})
		return
	}
	writeResponseAsJSON(logger, w, http.StatusOK, statusResponse{Status: "ok"})
}

func (s *Server) testReadStateSingleFlight(ctx context.Context, logger log.FieldLogger) bool {
	const key = "state-read"
	v, _, _ := s.healthCheckSingleFlight.Do(key, func() (interface{}, error) {
		defer s.healthCheckSingleFlight.Forget(key)
		// the flight is shared, so it must outlive the request that started it
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), healthCheckTimeout)
		defer cancel()
		_, err := s.store.List(ctx, s.vendor, s.export)
		if err != nil {
			logger.WithError(err).Debug("cannot list load state")
			return false, nil
		}
		return true, nil
	})
	return v.(bool)
}

type periodsResponse struct {
	Export  string        `json:"export"`
	Running bool          `json:"running"`
	Periods []state.Entry `json:"periods"`
}

func (s *Server) listPeriodsHandler(w http.ResponseWriter, r *http.Request) {
	logger := s.newRequestLogger(r)
	if !s.checkExport(logger, w, r) {
		return
	}
	entries, err := s.store.List(r.Context(), s.vendor, s.export)
	if err != nil {
		logger.WithError(err).Error("error listing load state")
		writeErrorResponse(logger, w, http.StatusInternalServerError, "error listing load state: %v", err)
		return
	}
	if entries == nil {
		entries = []state.Entry{}
	}
	writeResponseAsJSON(logger, w, http.StatusOK, periodsResponse{
		Export:  s.export,
		Running: s.Running(),
		Periods: entries,
	})
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	logger := s.newRequestLogger(r)
	if !s.checkExport(logger, w, r) {
		return
	}
	period, err := billing.ParsePeriod(chi.URLParam(r, "period"))
	if err != nil {
		writeErrorResponse(logger, w, http.StatusBadRequest, "invalid period: %v", err)
		return
	}
	attempts, err := s.store.History(r.Context(), state.Key{Vendor: s.vendor, Export: s.export, Period: period})
	if err != nil {
		logger.WithError(err).Error("error reading load history")
		writeErrorResponse(logger, w, http.StatusInternalServerError, "error reading load history: %v", err)
		return
	}
	if attempts == nil {
		attempts = []state.Attempt{}
	}
	writeResponseAsJSON(logger, w, http.StatusOK, attempts)
}

func (s *Server) triggerRunHandler(w http.ResponseWriter, r *http.Request) {
	logger := s.newRequestLogger(r)
	if !s.checkExport(logger, w, r) {
		return
	}
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()
	if err := s.TriggerRun(ctx); err != nil {
		if errors.Is(err, ingest.ErrRunInProgress) {
			writeErrorResponse(logger, w, http.StatusConflict, "%v", err)
			return
		}
		writeErrorResponse(logger, w, http.StatusInternalServerError, "%v", err)
		return
	}
	writeResponseAsJSON(logger, w, http.StatusAccepted, statusResponse{Status: "started"})
}

type lastRunResponse struct {
	Status  ingest.RunStatus `json:"status"`
	Error   string           `json:"error,omitempty"`
	Summary *ingest.Summary  `json:"summary"`
}

func (s *Server) lastRunHandler(w http.ResponseWriter, r *http.Request) {
	logger := s.newRequestLogger(r)
	if !s.checkExport(logger, w, r) {
		return
	}
	s.mu.Lock()
	summary, runErr := s.lastSummary, s.lastErr
	s.mu.Unlock()
	if summary == nil {
		writeErrorResponse(logger, w, http.StatusNotFound, "no run has finished yet")
		return
	}
	resp := lastRunResponse{Status: summary.Status(), Summary: summary}
	if runErr != nil {
		resp.Status = ingest.StatusFailure
		resp.Error = runErr.Error()
	}
	writeResponseAsJSON(logger, w, http.StatusOK, resp)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeErrorResponse(logger log.FieldLogger, w http.ResponseWriter, status int, message string, args ...interface{}) {
	msg := fmt.Sprintf(message, args...)
	writeResponseAsJSON(logger, w, status, errorResponse{Error: msg})
}

// writeResponseAsJSON attempts to marshal an arbitrary thing to JSON then write
// it to the http.ResponseWriter
func writeResponseAsJSON(logger log.FieldLogger, w http.ResponseWriter, code int, resp interface{}) {
	enc, err := json.Marshal(resp)
	if err != nil {
		logger.WithError(err).Error("failed JSON-encoding HTTP response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err = w.Write(enc); err != nil {
		logger.WithError(err).Error("failed writing HTTP response")
	}
}

const letterBytes = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomString(rand *rand.Rand, size int) string {
	b := make([]byte, size)
	for i := range b {
		b[i] = letterBytes[rand.Intn(len(letterBytes))]
	}
	return string(b)
}
