package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"poetcam/backend/camd/internal/config"
	"poetcam/backend/camd/internal/mode"
	"poetcam/backend/camd/internal/reboot"
	"poetcam/backend/camd/internal/update"
	"poetcam/backend/camd/internal/wifi"
	"poetcam/backend/camd/pkg/httpx"
)

func Logger(cfg config.Config) *zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	logger := log.Logger.Level(cfg.LogLevel).With().Timestamp().Logger()
	return &logger
}

// Deps carries the constructed subsystems into the router. Tests build them
// around fake backends.
type Deps struct {
	Config  config.Config
	Modes   *mode.Controller
	Store   *wifi.Store
	Updates *update.Orchestrator
	Reboots *reboot.Coordinator
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(zerologMiddleware(Logger(d.Config)))

	// Dev dashboard origin
	c := cors.New(cors.Options{
		AllowedOrigins:   d.Config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	r.Use(c.Handler)

	// Liveness probe: answers as soon as the process serves requests,
	// which is what dashboard clients poll across a reboot.
	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, map[string]any{"ok": d.Reboots.Probe(), "version": d.Updates.Version()})
	})

	wifiH := NewWifiHandler(d.Modes, d.Store)
	sysH := NewSystemHandler(d.Updates, d.Reboots)

	r.Mount("/api/wifi", wifiH.Routes())
	r.Mount("/api/updates", sysH.UpdateRoutes())
	r.Mount("/api/system", sysH.Routes())

	r.Handle("/metrics", promhttp.Handler())

	return r
}
