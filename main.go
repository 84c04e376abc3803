package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"

	"poetcam/backend/camd/internal/config"
	"poetcam/backend/camd/internal/mode"
	"poetcam/backend/camd/internal/netbackend"
	"poetcam/backend/camd/internal/reboot"
	"poetcam/backend/camd/internal/server"
	"poetcam/backend/camd/internal/update"
	"poetcam/backend/camd/internal/wifi"
)

func main() {
	cfg := config.FromEnv()
	logger := server.Logger(cfg)

	store, err := wifi.NewStore(cfg.ProfilesPath())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open profile store")
	}

	backend := netbackend.NewNMCLI(netbackend.Options{
		Iface:          cfg.Iface,
		APConnection:   cfg.APConnection,
		APSSID:         cfg.APSSID,
		APSecret:       cfg.APSecret,
		ScanTimeout:    cfg.ScanTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
	}, *logger)

	modes := mode.NewController(backend, store, cfg.APSSID, cfg.APSecret, *logger)
	initCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	if err := modes.Init(initCtx); err != nil {
		logger.Warn().Err(err).Msg("initial mode probe failed; continuing")
	}
	cancel()

	updates := update.NewOrchestrator(update.Options{
		RepoDir:      cfg.RepoDir,
		Remote:       cfg.Remote,
		Branch:       cfg.Branch,
		SelfCheckCmd: cfg.SelfCheckCmd,
		FetchTimeout: cfg.FetchTimeout,
		ApplyTimeout: cfg.ApplyTimeout,
	}, *logger)

	reboots := reboot.NewCoordinator(cfg.RebootDelay, cfg.RebootCmd, *logger)

	// Optional periodic update check. Check-only: applying stays a
	// deliberate client action.
	if cfg.AutoCheckCron != "" {
		c := cron.New()
		if _, err := c.AddFunc(cfg.AutoCheckCron, func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.FetchTimeout)
			defer cancel()
			if _, err := updates.Check(ctx); err != nil {
				logger.Warn().Err(err).Msg("scheduled update check failed")
			}
		}); err != nil {
			logger.Warn().Err(err).Str("spec", cfg.AutoCheckCron).Msg("invalid auto-check schedule")
		} else {
			c.Start()
		}
	}

	r := server.NewRouter(server.Deps{
		Config:  cfg,
		Modes:   modes,
		Store:   store,
		Updates: updates,
		Reboots: reboots,
	})

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	logger.Info().Msgf("camd listening on http://%s", addr)

	if err := http.ListenAndServe(addr, r); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}
