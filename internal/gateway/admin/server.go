// Package admin exposes the gateway's dashboard/metrics HTTP surface:
// /healthz, /metrics, /api/pool and /api/events. Grounded on
// internal/router's RouteRegistry for the idea of a named, logged route
// table, rewritten on top of chi's Router.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pgproxy/gateway/internal/core/ports"
	"github.com/pgproxy/gateway/internal/gateway/events"
	"github.com/pgproxy/gateway/internal/gateway/metrics"
	"github.com/pgproxy/gateway/internal/gateway/ratelimit"
	"github.com/pgproxy/gateway/internal/logger"
)

// Server is the admin/dashboard HTTP surface.
type Server struct {
	httpServer *http.Server
	logger     *logger.StyledLogger
	limiter    *ratelimit.Limiter
}

// New builds the admin surface bound to addr. bus may be nil, in which case
// /api/events is not registered. The /api/* routes are protected by a
// per-IP rate limiter so a misbehaving dashboard client can't starve the
// admin surface.
func New(addr string, pool ports.PoolRegistry, sink *metrics.Sink, bus *events.Bus, log *logger.StyledLogger) *Server {
	limiter := ratelimit.New(ratelimit.DefaultRequestsPerMinute, ratelimit.DefaultBurst)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if sink != nil {
		r.Handle("/metrics", promhttp.HandlerFor(sink.Registry(), promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(api chi.Router) {
		api.Use(limiter.Middleware)

		api.Get("/pool", func(w http.ResponseWriter, req *http.Request) {
			writePoolSnapshot(w, pool)
		})

		if bus != nil {
			api.Get("/events", func(w http.ResponseWriter, req *http.Request) {
				streamEvents(w, req, bus, log)
			})
		}
	})

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger:  log,
		limiter: limiter,
	}
}

type upstreamView struct {
	Identity   string `json:"identity"`
	Health     string `json:"health"`
	Breaker    string `json:"breaker"`
	Generation uint64 `json:"generation"`
}

type poolView struct {
	Version   uint64         `json:"version"`
	Upstreams []upstreamView `json:"upstreams"`
}

func writePoolSnapshot(w http.ResponseWriter, pool ports.PoolRegistry) {
	snapshot := pool.Current()
	view := poolView{}
	if snapshot != nil {
		view.Version = snapshot.Version
		for _, u := range snapshot.Upstreams {
			sub, _ := u.Breaker().Snapshot()
			view.Upstreams = append(view.Upstreams, upstreamView{
				Identity:   u.Identity.String(),
				Health:     string(u.Health()),
				Breaker:    string(sub),
				Generation: u.Generation,
			})
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(view)
}

// streamEvents serves /api/events as a server-sent-events stream of upstream
// health transitions, one JSON object per event, until the client disconnects.
func streamEvents(w http.ResponseWriter, req *http.Request, bus *events.Bus, log *logger.StyledLogger) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch, cancel := bus.Subscribe(req.Context())
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-req.Context().Done():
			return
		case t, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(t)
			if err != nil {
				if log != nil {
					log.Warn("event marshal failed", "error", err)
				}
				continue
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(payload); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// Start runs the admin server until it errors or is shut down, logging the
// bind address before serving.
func (s *Server) Start() error {
	if s.logger != nil {
		s.logger.Info("admin surface listening", "addr", s.httpServer.Addr)
	}
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the admin server and its rate limiter.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Stop()
	return s.httpServer.Shutdown(ctx)
}
