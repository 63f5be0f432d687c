package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	alertapi "github.com/qiniu/sensorwatch/internal/alerting/api"
	"github.com/qiniu/sensorwatch/internal/alerting/client/orionld"
	adb "github.com/qiniu/sensorwatch/internal/alerting/database"
	"github.com/qiniu/sensorwatch/internal/alerting/service/escalation"
	"github.com/qiniu/sensorwatch/internal/alerting/service/ingest"
	"github.com/qiniu/sensorwatch/internal/alerting/service/lifecycle"
	"github.com/qiniu/sensorwatch/internal/alerting/service/monitor"
	"github.com/qiniu/sensorwatch/internal/alerting/service/notify"
	"github.com/qiniu/sensorwatch/internal/alerting/service/trigger"
	"github.com/qiniu/sensorwatch/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(&cfg.Logging)
	log.Info().Msg("Starting sensorwatch")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()

	monitors, closeMonitors, err := newMonitorStore(ctx, cfg, rdb)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.MonitorStore.Backend).Msg("failed to open notification monitor store")
	}
	defer closeMonitors()

	store := orionld.NewClient(cfg.ContextStore.BaseURL,
		config.ParseDuration(cfg.ContextStore.Timeout, 30*time.Second), cfg.ContextStore.Context)

	writer := notify.NewKafkaWriter(cfg.Kafka.Brokers)
	defer writer.Close()
	bus := notify.NewKafkaBus(writer, cfg.Kafka.EmailTopic, cfg.Kafka.SmsTopic)

	triggers := trigger.New(store, monitors, bus)
	processor := ingest.NewProcessor(store, lifecycle.NewManager(store), triggers)
	processor.StrictThresholds = cfg.Escalation.StrictThresholds
	queue := ingest.NewStreamQueue(rdb, cfg.Queue.Stream, cfg.Queue.Group, cfg.Queue.Consumer,
		config.ParseDuration(cfg.Queue.Block, 5*time.Second))
	consumer := ingest.NewConsumer(queue, processor)

	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		// a failed consumer stays down; liveness reports it
		if err := consumer.Run(ctx); err != nil {
			log.Error().Err(err).Msg("ingestion consumer exited")
		}
	}()

	go func() {
		defer workers.Done()
		escalation.StartScheduler(ctx, escalation.Deps{
			Store:       store,
			Monitors:    monitors,
			Resolver:    triggers.Resolver,
			Dispatcher:  triggers.Dispatcher,
			Interval:    config.ParseDuration(cfg.Escalation.Interval, time.Minute),
			PageSize:    cfg.Escalation.PageSize,
			TimeoutMode: escalation.TimeoutMode(cfg.Escalation.TimeoutMode),
		})
	}()

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	alertapi.NewApi(router, monitors, triggers, cfg.Auth.JWTSecret)

	servers := []*http.Server{
		{Addr: cfg.Server.BindAddr, Handler: router},
		{Addr: cfg.Probe.BindAddr, Handler: alertapi.NewProbeRouter(consumer.Healthy)},
	}
	for _, srv := range servers {
		go func(srv *http.Server) {
			log.Info().Msgf("Starting server on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal().Err(err).Str("addr", srv.Addr).Msg("start server failed")
			}
		}(srv)
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Str("addr", srv.Addr).Msg("server shutdown failed")
		}
	}
	// in-flight messages and records finish before the clients close
	workers.Wait()
	log.Info().Msg("sensorwatch exit...")
}

func setupLogging(c *config.LoggingConfig) {
	if c.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	switch strings.ToLower(c.Level) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// newMonitorStore opens the configured NotificationMonitor backend and
// returns a function releasing it.
func newMonitorStore(ctx context.Context, cfg *config.Config, rdb *redis.Client) (monitor.Repository, func(), error) {
	switch strings.ToLower(cfg.MonitorStore.Backend) {
	case "redis":
		return monitor.NewRedisStore(rdb), func() {}, nil
	case "memory":
		log.Warn().Msg("notification monitors kept in memory, state is lost on restart")
		return monitor.NewMemoryStore(), func() {}, nil
	default:
		db, err := adb.New(cfg.Database.DSN())
		if err != nil {
			return nil, nil, err
		}
		pg := monitor.NewPgStore(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return pg, func() { _ = db.Close() }, nil
	}
}
