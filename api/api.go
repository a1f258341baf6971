package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"vigil/analyze"
	"vigil/core"
	"vigil/notify"
	"vigil/storage"
)

// Server exposes the analyzer over HTTP: event ingestion, alert lifecycle
// operations, rule reload and statistics. Authentication is handled upstream
// by the deployment's reverse proxy.
type Server struct {
	analyzer *analyze.Analyzer
	notifier *notify.Service
	alerts   storage.AlertStore
	logger   *zap.SugaredLogger

	limiters sync.Map // remote addr -> *rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewServer creates the API server. alerts may be nil when persistence is
// disabled; rateLimit is requests per second per remote address on the
// ingest endpoints.
func NewServer(analyzer *analyze.Analyzer, notifier *notify.Service, alerts storage.AlertStore, rateLimit float64, burst int, logger *zap.SugaredLogger) *Server {
	return &Server{
		analyzer: analyzer,
		notifier: notifier,
		alerts:   alerts,
		logger:   logger,
		limit:    rate.Limit(rateLimit),
		burst:    burst,
	}
}

// Router builds the HTTP route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Handle("/events", s.rateLimited(http.HandlerFunc(s.handleIngestEvent))).Methods(http.MethodPost)
	v1.Handle("/events/batch", s.rateLimited(http.HandlerFunc(s.handleIngestBatch))).Methods(http.MethodPost)

	var persistAck, persistResolve, persistClose persistFunc
	if s.alerts != nil {
		persistAck = s.alerts.AcknowledgeAlert
		persistResolve = s.alerts.ResolveAlert
		persistClose = s.alerts.CloseAlert
	}

	v1.HandleFunc("/alerts", s.handleListAlerts).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/{id}/acknowledge", s.lifecycleHandler(s.analyzer.Alerts().Acknowledge, persistAck)).Methods(http.MethodPost)
	v1.HandleFunc("/alerts/{id}/progress", s.lifecycleHandler(s.analyzer.Alerts().StartProgress, nil)).Methods(http.MethodPost)
	v1.HandleFunc("/alerts/{id}/resolve", s.lifecycleHandler(s.analyzer.Alerts().Resolve, persistResolve)).Methods(http.MethodPost)
	v1.HandleFunc("/alerts/{id}/close", s.lifecycleHandler(s.analyzer.Alerts().Close, persistClose)).Methods(http.MethodPost)
	v1.HandleFunc("/alerts/{id}/escalate", s.lifecycleHandler(s.analyzer.Alerts().Escalate, nil)).Methods(http.MethodPost)

	v1.HandleFunc("/correlations", s.handleListCorrelations).Methods(http.MethodGet)
	v1.HandleFunc("/rules/reload", s.handleReloadRules).Methods(http.MethodPost)
	v1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	return r
}

func (s *Server) limiterFor(addr string) *rate.Limiter {
	if l, ok := s.limiters.Load(addr); ok {
		return l.(*rate.Limiter)
	}
	l, _ := s.limiters.LoadOrStore(addr, rate.NewLimiter(s.limit, s.burst))
	return l.(*rate.Limiter)
}

func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiterFor(r.RemoteAddr).Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var event core.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event payload: "+err.Error())
		return
	}
	normalizeEvent(&event)

	results := s.analyzer.ProcessEvent(r.Context(), &event)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"event_id": event.EventID,
		"triggers": results,
	})
}

func (s *Server) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	var events []*core.Event
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch payload: "+err.Error())
		return
	}
	for _, e := range events {
		normalizeEvent(e)
	}

	results := s.analyzer.ProcessEventsBatch(r.Context(), events)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"events":   len(events),
		"triggers": results,
	})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	openOnly := r.URL.Query().Get("open") == "true"
	writeJSON(w, http.StatusOK, s.analyzer.Alerts().List(openOnly))
}

// lifecycleRequest is the body of alert lifecycle endpoints.
type lifecycleRequest struct {
	Actor string `json:"actor"`
	Note  string `json:"note"`
}

// persistFunc records a lifecycle transition in durable storage.
type persistFunc func(ctx context.Context, alertID, actor string) error

// lifecycleHandler applies op to the in-memory manager and, when the
// transition has a durable counterpart, records it through persist.
// Persistence failures are logged, never surfaced to the caller.
func (s *Server) lifecycleHandler(op func(id, actor, note string) error, persist persistFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]

		var req lifecycleRequest
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&req)
		}
		if req.Actor == "" {
			req.Actor = "api"
		}

		if err := op(id, req.Actor, req.Note); err != nil {
			status := http.StatusConflict
			if _, ok := s.analyzer.Alerts().Get(id); !ok {
				status = http.StatusNotFound
			}
			writeError(w, status, err.Error())
			return
		}

		if persist != nil {
			if err := persist(r.Context(), id, req.Actor); err != nil {
				s.logger.Errorw("Failed to record alert transition in storage",
					"alert_id", id, "error", err)
			}
		}

		alert, _ := s.analyzer.Alerts().Get(id)
		writeJSON(w, http.StatusOK, alert)
	}
}

func (s *Server) handleListCorrelations(w http.ResponseWriter, _ *http.Request) {
	results := s.analyzer.RecentCorrelations()
	if results == nil {
		results = []*core.CorrelationResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleReloadRules(w http.ResponseWriter, _ *http.Request) {
	if err := s.analyzer.ReloadRules(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	set := s.analyzer.Rules().Active()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules":   set.Len(),
		"version": set.Version(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats := map[string]interface{}{
		"alerts": s.analyzer.Alerts().Stats(),
		"rules":  s.analyzer.Rules().Active().Len(),
	}
	if s.notifier != nil {
		stats["notifications"] = s.notifier.Stats()
	}
	writeJSON(w, http.StatusOK, stats)
}

// normalizeEvent fills the fields persistence would normally assign.
func normalizeEvent(e *core.Event) {
	if e.EventID == "" {
		e.EventID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
