package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/quantfabric/fixcore/api"
	"github.com/quantfabric/fixcore/internal/config"
	"github.com/quantfabric/fixcore/internal/engine"
	"github.com/quantfabric/fixcore/internal/events"
	"github.com/quantfabric/fixcore/internal/feed"
	"github.com/quantfabric/fixcore/internal/journal"
	"github.com/quantfabric/fixcore/internal/lock"
	"github.com/quantfabric/fixcore/internal/marketdata"
	"github.com/quantfabric/fixcore/internal/orders"
	"github.com/quantfabric/fixcore/internal/routing"
	"github.com/quantfabric/fixcore/internal/session"
	"github.com/quantfabric/fixcore/internal/session/seqstore"
	"github.com/quantfabric/fixcore/pkg/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv("FIXCORE_CONFIG"), "path to config.yaml")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("no .env file, using process environment")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("create logger: %v", err)
	}
	defer zapLogger.Sync()

	store, err := newSeqStore(cfg)
	if err != nil {
		zapLogger.Fatal("sequence store", zap.Error(err))
	}

	var jnl *journal.Journal
	if cfg.JournalEnabled() {
		jnl, err = newJournal(cfg, zapLogger)
		if err != nil {
			zapLogger.Fatal("journal", zap.Error(err))
		}
	}

	var publisher *events.KafkaPublisher
	if cfg.KafkaEnabled() {
		publisher = events.NewKafkaPublisher(events.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			TopicPrefix:  cfg.Kafka.TopicPrefix,
			BatchSize:    cfg.Kafka.BatchSize,
			BatchTimeout: cfg.Kafka.BatchTimeout,
			WriteTimeout: cfg.Kafka.WriteTimeout,
			RequiredAcks: cfg.Kafka.RequiredAcks,
			Compression:  cfg.Kafka.Compression,
		}, zapLogger)
	}

	var venueLock *lock.VenueLock
	if cfg.EtcdEnabled() {
		venueLock, err = lock.New(lock.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: cfg.Etcd.DialTimeout,
			SessionTTL:  cfg.Etcd.SessionTTL,
			KeyPrefix:   cfg.Etcd.KeyPrefix,
		}, zapLogger)
		if err != nil {
			zapLogger.Fatal("venue lock", zap.Error(err))
		}
	}

	hub := feed.NewHub(feed.Config{}, zapLogger)

	eng, err := engine.New(engineConfig(cfg, store, jnl, publisher, venueLock, hub), zapLogger)
	if err != nil {
		zapLogger.Fatal("build engine", zap.Error(err))
	}

	apiServer := api.NewServer(cfg.Server, eng, hub, zapLogger)

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		zapLogger.Fatal("start engine", zap.Error(err))
	}

	go func() {
		if err := apiServer.Start(); err != nil {
			zapLogger.Fatal("api server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("api shutdown", zap.Error(err))
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		zapLogger.Error("engine stop", zap.Error(err))
	}
	if err := store.Close(); err != nil {
		zapLogger.Error("sequence store close", zap.Error(err))
	}
	zapLogger.Info("fixcore exited")
}

func newSeqStore(cfg *config.Config) (seqstore.Store, error) {
	switch cfg.Engine.SeqStore {
	case "redis":
		return seqstore.NewRedisStore(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
	case "badger":
		return seqstore.NewBadgerStore(cfg.Badger.Path)
	default:
		return seqstore.NewMemoryStore(), nil
	}
}

func newJournal(cfg *config.Config, log *zap.Logger) (*journal.Journal, error) {
	var db *gorm.DB
	var err error
	switch cfg.Journal.Driver {
	case "postgres":
		db, err = journal.OpenPostgres(cfg.Journal.DSN, cfg.Journal.MaxOpenConns,
			cfg.Journal.MaxIdleConns, cfg.Journal.ConnMaxLifetime)
	default:
		db, err = journal.OpenSQLite(cfg.Journal.DSN)
	}
	if err != nil {
		return nil, err
	}
	return journal.New(db, journal.Config{QueueSize: cfg.Journal.QueueSize}, log)
}

func engineConfig(cfg *config.Config, store seqstore.Store, jnl *journal.Journal,
	publisher *events.KafkaPublisher, venueLock *lock.VenueLock, hub *feed.Hub) engine.Config {

	venues := make([]session.Config, 0, len(cfg.Venues))
	for _, vc := range cfg.Venues {
		venues = append(venues, session.Config{
			Venue:             vc.Name,
			Address:           vc.Address,
			BeginString:       vc.BeginString,
			SenderCompID:      vc.SenderCompID,
			TargetCompID:      vc.TargetCompID,
			HeartbeatInterval: vc.HeartbeatInterval,
			ResetOnLogon:      vc.ResetOnLogon,
		})
	}

	ranks := make(map[string][]routing.VenueRank, len(cfg.Routing.Ranks))
	for class, list := range cfg.Routing.Ranks {
		converted := make([]routing.VenueRank, 0, len(list))
		for _, vr := range list {
			converted = append(converted, routing.VenueRank{Venue: vr.Venue, Rank: vr.Rank})
		}
		ranks[class] = converted
	}

	return engine.Config{
		Venues: venues,
		Routing: routing.Config{
			Ranks:        ranks,
			Classes:      cfg.Routing.Classes,
			DefaultClass: cfg.Routing.DefaultClass,
			WindowSize:   cfg.Routing.WindowSize,
		},
		Orders: orders.Config{AckTimeout: cfg.Orders.AckTimeout},
		MarketData: marketdata.Config{
			StaleThreshold: cfg.MarketData.StaleThreshold,
			ReorderWindow:  cfg.MarketData.ReorderWindow,
			MaxPending:     cfg.MarketData.MaxPending,
		},
		DrainTimeout: cfg.Engine.DrainTimeout,
		Store:        store,
		Journal:      jnl,
		Kafka:        publisher,
		Lock:         venueLock,
		Feed:         hub,
	}
}
