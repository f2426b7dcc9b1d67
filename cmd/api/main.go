package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"zeepub-bot/internal/adapters/opds"
	"zeepub-bot/internal/infra/config"
	"zeepub-bot/internal/infra/fetch"
	httpserver "zeepub-bot/internal/infra/http"
	"zeepub-bot/internal/infra/log"
	"zeepub-bot/internal/infra/metrics"
)

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv)
	metrics.MustRegister(prometheus.DefaultRegisterer)

	fetcher := fetch.New(cfg.MaxInMemoryBytes, cfg.HTTPTimeout, logger)
	opdsClient := opds.NewClient(fetcher, cfg.BaseURL, cfg.GatedRoot(), logger)

	srv := httpserver.NewServer(logger)
	httpserver.NewFeedAPI(opdsClient, cfg.PublicRoot(), logger).Mount(srv.Router)

	if err := srv.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil {
		logger.Fatal().Err(err).Msg("http server stopped")
	}
}
