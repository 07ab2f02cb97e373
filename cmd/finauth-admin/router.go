package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/MrEthical07/finauth"
	"github.com/MrEthical07/finauth/middleware"
)

const (
	defaultRecentEvents = 50
	maxRecentEvents     = 1000
)

type recentEvents interface {
	RecentEvents(n int) []finauth.SecurityEvent
}

type securityReporter interface {
	SecurityReport() finauth.SecurityReport
}

type eventHistory interface {
	RecentSecurityEvents(ctx context.Context, accountID string, limit int) ([]finauth.SecurityEvent, error)
}

type routerDeps struct {
	engine   recentEvents
	reporter securityReporter
	history  eventHistory
	metrics  http.Handler
	// guard protects event and report routes when set.
	guard func(http.Handler) http.Handler
	// checks are run by /healthz in name order.
	checks map[string]func(context.Context) error
	logger *zap.Logger
}

func newRouter(d routerDeps) *mux.Router {
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	r := mux.NewRouter()
	r.Use(middleware.ClientContext)

	r.HandleFunc("/healthz", d.health).Methods(http.MethodGet)
	if d.metrics != nil {
		r.Handle("/metrics", d.metrics).Methods(http.MethodGet)
	}

	protected := r.NewRoute().Subrouter()
	if d.guard != nil {
		protected.Use(d.guard)
	}
	protected.HandleFunc("/events/recent", d.recent).Methods(http.MethodGet)
	if d.history != nil {
		protected.HandleFunc("/accounts/{id}/events", d.accountEvents).Methods(http.MethodGet)
	}
	if d.reporter != nil {
		protected.HandleFunc("/security/report", d.report).Methods(http.MethodGet)
	}
	return r
}

func (d routerDeps) report(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, d.reporter.SecurityReport())
}

func (d routerDeps) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(d.checks))
	for name := range d.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	result := make(map[string]string, len(names))
	for _, name := range names {
		if err := d.checks[name](ctx); err != nil {
			d.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			result[name] = "down"
			status = http.StatusServiceUnavailable
			continue
		}
		result[name] = "ok"
	}
	writeJSON(w, status, result)
}

func (d routerDeps) recent(w http.ResponseWriter, r *http.Request) {
	n, ok := limitParam(w, r)
	if !ok {
		return
	}
	events := d.engine.RecentEvents(n)
	if events == nil {
		events = []finauth.SecurityEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (d routerDeps) accountEvents(w http.ResponseWriter, r *http.Request) {
	n, ok := limitParam(w, r)
	if !ok {
		return
	}
	accountID := mux.Vars(r)["id"]
	events, err := d.history.RecentSecurityEvents(r.Context(), accountID, n)
	if err != nil {
		d.logger.Error("load security events failed", zap.String("account_id", accountID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
		return
	}
	if events == nil {
		events = []finauth.SecurityEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func limitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("n")
	if raw == "" {
		return defaultRecentEvents, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > maxRecentEvents {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "n must be between 1 and 1000"})
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
