package httpapp

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cesargomez89/offtrack/internal/cache"
	"github.com/cesargomez89/offtrack/internal/connectivity"
	"github.com/cesargomez89/offtrack/internal/downloads"
	"github.com/cesargomez89/offtrack/internal/logger"
	"github.com/cesargomez89/offtrack/internal/offline"
)

type Handler struct {
	Downloads    *downloads.Manager
	Cache        *cache.Manager
	Offline      *offline.Service
	Connectivity *connectivity.Monitor
	Gatherer     prometheus.Gatherer
	Logger       *logger.Logger

	hub *wsHub
}

func NewHandler(dm *downloads.Manager, cm *cache.Manager, svc *offline.Service, mon *connectivity.Monitor, gatherer prometheus.Gatherer, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithComponent("http")
	return &Handler{
		Downloads:    dm,
		Cache:        cm,
		Offline:      svc,
		Connectivity: mon,
		Gatherer:     gatherer,
		Logger:       log,
		hub:          newWSHub(log),
	}
}

// Router builds the control API.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.logRequests)
	r.Use(metricsMiddleware)
	r.Use(middleware.Recoverer)

	h.RegisterRoutes(r)

	if h.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.Health)
	r.Get("/ws", h.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Route("/downloads", func(r chi.Router) {
			r.Get("/", h.ListDownloads)
			r.Post("/", h.EnqueueDownload)
			r.Delete("/", h.ClearDownloads)
			r.Get("/stats", h.DownloadStats)
			r.Get("/{id}", h.GetDownload)
			r.Delete("/{id}", h.RemoveDownload)
			r.Post("/{id}/{action}", h.DownloadAction)
		})

		r.Get("/cache", h.CacheStats)
		r.Put("/cache/limit", h.SetCacheLimit)
		r.Delete("/cache", h.ClearCache)
		r.Post("/cache/artwork", h.CacheArtwork)

		r.Get("/offline", h.OfflineState)
		r.Put("/offline/manual", h.SetManualOffline)
		r.Put("/offline/prefer-downloaded", h.SetPreferDownloaded)
		r.Post("/connectivity/{state}", h.ConnectivityEvent)

		r.Get("/songs/{id}/source", h.SongSource)
		r.Post("/songs/{id}/play", h.PlaySong)
	})
}

// Run forwards queue, cache and mode changes to websocket clients until ctx
// is cancelled.
func (h *Handler) Run(ctx context.Context) {
	go h.hub.run()
	defer h.hub.Close()

	queue, cancelQueue := h.Downloads.Subscribe()
	defer cancelQueue()
	stats, cancelStats := h.Cache.Subscribe()
	defer cancelStats()
	mode, cancelMode := h.Offline.Subscribe()
	defer cancelMode()

	for {
		select {
		case <-ctx.Done():
			return
		case tasks, ok := <-queue:
			if !ok {
				queue = nil
				continue
			}
			h.hub.Broadcast(eventQueue, tasks)
		case s, ok := <-stats:
			if !ok {
				stats = nil
				continue
			}
			h.hub.Broadcast(eventCache, s)
		case st, ok := <-mode:
			if !ok {
				mode = nil
				continue
			}
			h.hub.Broadcast(eventOffline, st)
		}
	}
}
