package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"

	"zeepub-bot/internal/adapters/bot"
	"zeepub-bot/internal/adapters/epub"
	"zeepub-bot/internal/adapters/opds"
	"zeepub-bot/internal/adapters/repo"
	"zeepub-bot/internal/adapters/telegram"
	"zeepub-bot/internal/domain"
	"zeepub-bot/internal/infra/config"
	"zeepub-bot/internal/infra/db"
	"zeepub-bot/internal/infra/fetch"
	httpserver "zeepub-bot/internal/infra/http"
	"zeepub-bot/internal/infra/log"
	"zeepub-bot/internal/infra/metrics"
	"zeepub-bot/internal/usecase/navigator"
	"zeepub-bot/internal/usecase/publish"
	"zeepub-bot/internal/usecase/ratelimit"
	"zeepub-bot/internal/usecase/schedule"
	"zeepub-bot/internal/usecase/session"
	"zeepub-bot/internal/usecase/urlcache"
)

const validatorInterval = 6 * time.Hour

func main() {
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv)
	metrics.MustRegister(prometheus.DefaultRegisterer)

	type stores struct {
		urls     domain.URLStore
		history  domain.HistoryRepo
		users    domain.UserRepo
		backupDB string
	}
	var st stores
	if cfg.DatabaseURL != "" {
		pool, err := db.Connect(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("database connection failed")
		}
		defer pool.Close()
		pg, err := repo.NewPostgres(context.Background(), pool)
		if err != nil {
			logger.Fatal().Err(err).Msg("database migration failed")
		}
		st = stores{urls: pg, history: pg, users: pg}
	} else {
		sq, err := repo.NewSQLite(cfg.URLCacheDBPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("embedded store open failed")
		}
		defer sq.Close()
		st = stores{urls: sq, history: sq, users: sq, backupDB: cfg.URLCacheDBPath}
	}

	fetcher := fetch.New(cfg.MaxInMemoryBytes, cfg.HTTPTimeout, logger)
	opdsClient := opds.NewClient(fetcher, cfg.BaseURL, cfg.GatedRoot(), logger)

	botAPI, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		logger.Fatal().Err(err).Msg("bot api init failed")
	}
	sender := telegram.NewClient(botAPI, logger)

	sessions := session.NewStore()
	limiter := ratelimit.New(ratelimit.Limits{
		ratelimit.KindDownload: {Max: cfg.Limits.DownloadsPerHour, Window: time.Hour},
		ratelimit.KindCommand:  {Max: cfg.Limits.CommandsPerMinute, Window: time.Minute},
		ratelimit.KindSearch:   {Max: cfg.Limits.SearchesPerHour, Window: time.Hour},
	}, cfg.DownloadWhitelist)
	cache := urlcache.New(st.urls, fetcher.Client(), logger)
	nav := navigator.New(opdsClient, sessions, sender, cfg.PublicRoot(), logger)
	pipeline := publish.New(sessions, limiter, fetcher, opdsClient, epub.ReadDescription, cache, st.history, sender, logger)

	handler := bot.NewHandler(logger, sender, sessions, nav, pipeline, limiter, cache, st.users,
		cfg.SecretSeed, cfg.PublicRoot(), cfg.GatedRoot(), cfg.PublishChannel, cfg.AdminUsers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	validator := urlcache.NewWorker(cache, validatorInterval, 50, logger)
	validator.Start(ctx)
	defer validator.Stop()

	schedule.NewRunner(sender, limiter, cache, st.backupDB, cfg.AdminUsers, logger).Start(ctx)

	srv := httpserver.NewServer(logger)
	go func() {
		if err := srv.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	updates := botAPI.GetUpdatesChan(tgbotapi.UpdateConfig{Timeout: 30})
	logger.Info().Str("bot", botAPI.Self.UserName).Msg("bot started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	for {
		select {
		case upd := <-updates:
			go handler.HandleUpdate(ctx, upd)
		case <-stop:
			logger.Info().Msg("shutting down")
			botAPI.StopReceivingUpdates()
			return
		}
	}
}

var _ domain.URLStore = (*repo.SQLiteStore)(nil)
var _ domain.HistoryRepo = (*repo.SQLiteStore)(nil)
var _ domain.UserRepo = (*repo.SQLiteStore)(nil)
var _ domain.URLStore = (*repo.PostgresStore)(nil)
var _ domain.HistoryRepo = (*repo.PostgresStore)(nil)
var _ domain.UserRepo = (*repo.PostgresStore)(nil)
var _ publish.CatalogSource = (*opds.Client)(nil)
