package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"maildispatchd/internal/queue"
)

// Ops is the optional HTTP sidecar for monitoring: a plain health endpoint
// with the queue depth, kept off the mail protocol port so probes never
// consume mail workers.
type Ops struct {
	srv     *http.Server
	version string
	env     string
	queue   *queue.Store
	logger  *zap.SugaredLogger
}

func NewOps(addr, version, env string, queueStore *queue.Store, logger *zap.SugaredLogger) *Ops {
	o := &Ops{
		version: version,
		env:     env,
		queue:   queueStore,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		MaxAge:         300,
	}))
	r.Get("/v1/health", o.healthHandler)

	o.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return o
}

func (o *Ops) healthHandler(w http.ResponseWriter, r *http.Request) {
	systemInfo := map[string]any{
		"environment": o.env,
		"version":     o.version,
	}
	if o.queue != nil {
		depth, err := o.queue.Depth()
		if err != nil {
			o.logger.Errorw("unable to read queue depth", "error", err)
			depth = -1
		}
		systemInfo["queue_depth"] = depth
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"status":      "available",
		"system_info": systemInfo,
	}); err != nil {
		o.logger.Errorw("unable to write health response", "error", err)
	}
}

// Start serves in the background; errors other than a clean close are logged.
func (o *Ops) Start() {
	go func() {
		o.logger.Infow("ops endpoint listening", "addr", o.srv.Addr)
		if err := o.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			o.logger.Errorw("ops endpoint failed", "error", err)
		}
	}()
}

func (o *Ops) Shutdown(ctx context.Context) error {
	return o.srv.Shutdown(ctx)
}
