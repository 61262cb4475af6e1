// Package api is chimera's ops HTTP surface: read endpoints over the
// correlation engine, the ingest webhook, correlation statistics, health
// and metrics, plus the websocket hub that fans merge and alert events out
// to connected clients. It carries no authentication; it is an internal
// surface for the engine itself, fronted by whatever the deployment puts
// in front of it.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"chimera/config"
	"chimera/core"
	"chimera/ingest"
)

// CorrelationEngine is the slice of the engine facade the handlers consume.
type CorrelationEngine interface {
	Correlate(ctx context.Context, alertID string, windowMinutes int, threshold float64) ([]core.ScoredAlert, error)
	FindDuplicate(ctx context.Context, alertID string, windowMinutes int) (*core.Alert, error)
	Merge(ctx context.Context, originalID, duplicateID string) (*core.Alert, error)
}

// AlertReader serves lookups and lifecycle updates that bypass the engine.
type AlertReader interface {
	GetAlert(ctx context.Context, id string) (*core.Alert, error)
	ListAlerts(ctx context.Context, filters *core.AlertFilters) ([]*core.Alert, int64, error)
	UpdateAlertStatus(ctx context.Context, id string, status core.AlertStatus) (*core.Alert, error)
}

// Ingestor normalizes raw provider payloads into stored, deduplicated alerts.
type Ingestor interface {
	IngestJSON(ctx context.Context, source string, raw []byte) (*ingest.IngestResult, error)
	IngestJSONBatch(ctx context.Context, source string, raw []byte) (*ingest.BatchResult, error)
	IngestMsgpack(ctx context.Context, source string, r io.Reader) (*ingest.BatchResult, error)
	MaxBatch() int
}

// StatsCache is the optional short-lived cache in front of the statistics
// aggregate. A nil cache disables caching.
type StatsCache interface {
	CacheStatistics(ctx context.Context, key string, stats *core.CorrelationStatistics, ttl time.Duration) error
	GetCachedStatistics(ctx context.Context, key string) (*core.CorrelationStatistics, bool, error)
}

// HealthCheck pairs a component name with its liveness probe.
type HealthCheck struct {
	Name  string
	Check func() error
}

// API holds the HTTP server, its routes and the websocket hub.
type API struct {
	router *mux.Router
	server *http.Server
	hub    *Hub

	engine     CorrelationEngine
	alerts     AlertReader
	ingestor   Ingestor
	stats      core.StatsProvider
	statsCache StatsCache
	checks     []HealthCheck

	config *config.Config
	logger *zap.SugaredLogger
}

// NewAPI wires the handlers. statsCache may be nil when Redis is disabled;
// ingestor may be nil to turn the ingest endpoints off.
func NewAPI(engine CorrelationEngine, alerts AlertReader, ingestor Ingestor, stats core.StatsProvider, statsCache StatsCache, checks []HealthCheck, cfg *config.Config, logger *zap.SugaredLogger) *API {
	a := &API{
		router:     mux.NewRouter(),
		hub:        NewHub(logger, context.Background()),
		engine:     engine,
		alerts:     alerts,
		ingestor:   ingestor,
		stats:      stats,
		statsCache: statsCache,
		checks:     checks,
		config:     cfg,
		logger:     logger,
	}
	a.setupRoutes()
	return a
}

// Hub exposes the websocket hub so the notifier can broadcast through it.
func (a *API) Hub() *Hub {
	return a.hub
}

func (a *API) setupRoutes() {
	a.router.Use(a.corsMiddleware)
	a.router.Use(a.loggingMiddleware)

	// Preflight requests need a matching route for the middleware chain to
	// run; the CORS middleware answers them before this handler is reached.
	a.router.PathPrefix("/").Methods("OPTIONS").HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	v1 := a.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/alerts", a.listAlerts).Methods("GET")
	v1.HandleFunc("/alerts/{id}", a.getAlert).Methods("GET")
	v1.HandleFunc("/alerts/{id}/correlated", a.getCorrelated).Methods("GET")
	v1.HandleFunc("/alerts/{id}/find-duplicate", a.findDuplicate).Methods("POST")
	v1.HandleFunc("/alerts/{id}/status", a.updateAlertStatus).Methods("POST")
	v1.HandleFunc("/alerts/{id}/merge", a.mergeAlert).Methods("POST")
	v1.HandleFunc("/ingest", a.ingestSingle).Methods("POST")
	v1.HandleFunc("/ingest/batch", a.ingestBatch).Methods("POST")
	v1.HandleFunc("/correlation/statistics", a.getStatistics).Methods("GET")

	a.router.HandleFunc("/ws", a.serveWebSocket).Methods("GET")
	a.router.HandleFunc("/healthz", a.healthCheck).Methods("GET")
	a.router.Handle("/metrics", promhttp.Handler())
}

func (a *API) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	serveWs(a.hub, a.logger, w, r)
}

// Start runs the hub and then serves HTTP until Stop or a listener error.
func (a *API) Start() error {
	go a.hub.Start()

	a.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", a.config.API.Host, a.config.API.Port),
		Handler:      a.router,
		ReadTimeout:  time.Duration(a.config.API.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(a.config.API.WriteTimeout) * time.Second,
	}
	a.logger.Infow("API server listening", "addr", a.server.Addr)
	return a.server.ListenAndServe()
}

// Stop drains in-flight requests and shuts the hub down.
func (a *API) Stop(ctx context.Context) error {
	var err error
	if a.server != nil {
		err = a.server.Shutdown(ctx)
	}
	a.hub.Stop()
	return err
}
