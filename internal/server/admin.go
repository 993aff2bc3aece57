package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/baotiao/zeppelin-gateway/internal/config"
	"github.com/baotiao/zeppelin-gateway/internal/handlers"
	"github.com/baotiao/zeppelin-gateway/internal/metrics"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AdminServer is the operator surface on the admin port: user management,
// process status, prometheus metrics, and the health endpoint with its
// generated OpenAPI docs.
type AdminServer struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	pool       *SessionPool
	started    time.Time
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// statusBody is the JSON shape of GET /status.
type statusBody struct {
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	TotalRequests uint64            `json:"total_requests"`
	QPS           float64           `json:"qps"`
	Workers       int               `json:"workers"`
	Operations    map[string]uint64 `json:"operations"`
}

// NewAdminServer creates the admin listener. It shares the gateway's session
// pool, so admin user operations are bounded by the same worker budget.
func NewAdminServer(cfg *config.Config, pool *SessionPool) *AdminServer {
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("zgw admin API", Version)
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	a := &AdminServer{
		cfg:     cfg,
		router:  router,
		api:     api,
		pool:    pool,
		started: time.Now(),
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the gateway.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
	})

	router.Handle("/metrics", promhttp.Handler())
	router.Get("/status", a.status)
	router.Get("/admin_list_users", a.listUsers)
	router.Put("/admin_put_user/{name}", a.putUser)

	return a
}

// ListenAndServe starts the admin HTTP server on the given address.
func (a *AdminServer) ListenAndServe(addr string) error {
	a.httpServer = &http.Server{
		Addr:    addr,
		Handler: a.router,
	}
	return a.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the admin HTTP server.
func (a *AdminServer) Shutdown(ctx context.Context) error {
	if a.httpServer == nil {
		return nil
	}
	return a.httpServer.Shutdown(ctx)
}

// Handler returns the admin router. Used by tests.
func (a *AdminServer) Handler() http.Handler {
	return a.router
}

func (a *AdminServer) status(w http.ResponseWriter, r *http.Request) {
	body := statusBody{
		Version:       Version,
		UptimeSeconds: int64(time.Since(a.started).Seconds()),
		TotalRequests: metrics.TotalRequests(),
		QPS:           metrics.QPS(),
		Workers:       a.pool.Size(),
		Operations:    metrics.OperationCounts(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("status encode error", "error", err)
	}
}

func (a *AdminServer) listUsers(w http.ResponseWriter, r *http.Request) {
	sess, err := a.pool.Acquire(r.Context())
	if err != nil {
		slog.Error("acquire session error", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer a.pool.Release(sess)

	handlers.AdminListUsers(w, r, sess)
}

func (a *AdminServer) putUser(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		http.Error(w, "display name required", http.StatusBadRequest)
		return
	}

	sess, err := a.pool.Acquire(r.Context())
	if err != nil {
		slog.Error("acquire session error", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer a.pool.Release(sess)

	handlers.AdminPutUser(w, r, sess, name)
}
