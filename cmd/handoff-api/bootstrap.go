package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/HandoffBox/config"
	"github.com/BearBump/HandoffBox/internal/broker/kafka"
	"github.com/BearBump/HandoffBox/internal/broker/messages"
	"github.com/BearBump/HandoffBox/internal/cache/rediscache"
	"github.com/BearBump/HandoffBox/internal/integrations/manifest"
	"github.com/BearBump/HandoffBox/internal/integrations/manifest/httpmanifest"
	"github.com/BearBump/HandoffBox/internal/integrations/manifest/static"
	"github.com/BearBump/HandoffBox/internal/services/handoff"
	"github.com/BearBump/HandoffBox/internal/services/scansession"
	"github.com/BearBump/HandoffBox/internal/storage/memparcels"
	"github.com/BearBump/HandoffBox/internal/storage/pgparcels"
)

type handoffAPIApp struct {
	ctx      context.Context
	cancel   context.CancelFunc
	opts     handoffAPIOpts
	svc      *handoff.Service
	sessions *scansession.Engine
	// intake reader пересоздаётся после каждой ошибки, поэтому тут фабрика
	newConsumer consumerFactory
	closers     []func()
}

func mustBootstrapHandoffAPI() *handoffAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	grpcAddr := cfg.Handoff.GRPCAddr
	if grpcAddr == "" {
		grpcAddr = ":50051"
	}
	httpAddr := cfg.Handoff.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	consumerGroup := cfg.Handoff.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "handoff-api"
	}
	topic := cfg.Kafka.ParcelCreatedTopicName
	if topic == "" {
		topic = messages.TopicParcelCreated
	}

	cacheTTL := time.Duration(cfg.Handoff.CurrentStatusTTLSeconds) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	sessionTTL := time.Duration(cfg.Handoff.SessionTTLSeconds) * time.Second
	if sessionTTL <= 0 {
		sessionTTL = 30 * time.Minute
	}

	pickup, err := pickupSettings(cfg.Handoff)
	if err != nil {
		panic(err)
	}

	app := &handoffAPIApp{}

	repo, closeRepo := mustOpenStorage(cfg)
	app.closers = append(app.closers, closeRepo)

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)
	rl := rediscache.NewRateLimiter(redisAddr)
	app.closers = append(app.closers, func() { _ = rc.Close() })

	app.svc = handoff.New(repo, rc, cacheTTL).WithPickupCodes(rl, pickup)

	committer := scansession.NewCommitter(app.svc).WithConcurrency(cfg.Handoff.CommitConcurrency)
	app.sessions = scansession.NewEngine(scansession.NewRegistry(sessionTTL), committer, manifestSource(cfg.Handoff))

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	app.newConsumer = func() (kafkaConsumer, error) {
		return kafka.NewConsumer(brokers, topic, consumerGroup), nil
	}

	app.ctx, app.cancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	app.opts = handoffAPIOpts{
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		swaggerPath:   swaggerPath,
		topic:         topic,
		consumerGroup: consumerGroup,
	}
	return app
}

func pickupSettings(c config.HandoffConfig) (handoff.PickupSettings, error) {
	st := handoff.DefaultPickupSettings()
	if c.PickupCodePolicy != "" {
		st.Policy = handoff.PickupCodePolicy(c.PickupCodePolicy)
		if !st.Policy.Valid() {
			return st, fmt.Errorf("unknown pickup_code_policy %q", c.PickupCodePolicy)
		}
	}
	if c.PickupCodeMaxAttempts > 0 {
		st.MaxAttempts = int64(c.PickupCodeMaxAttempts)
	}
	if c.PickupCodeAttemptWindowSeconds > 0 {
		st.AttemptWindow = time.Duration(c.PickupCodeAttemptWindowSeconds) * time.Second
	}
	return st, nil
}

func manifestSource(c config.HandoffConfig) manifest.Source {
	if c.ManifestBaseURL != "" {
		return httpmanifest.New(c.ManifestBaseURL, c.ManifestAPIKey)
	}
	// без внешнего источника сессии стартуют только с явным expected
	return static.New(nil)
}

func mustOpenStorage(cfg *config.Config) (handoff.Repository, func()) {
	switch cfg.Handoff.Storage {
	case "", "postgres":
		st := mustOpenPostgresWithRetry(postgresConnString(cfg.Database), 60*time.Second)
		return st, st.Close
	case "memory":
		st := memparcels.New()
		return st, st.Close
	default:
		panic(fmt.Sprintf("unknown storage %q", cfg.Handoff.Storage))
	}
}

func postgresConnString(db config.DatabaseConfig) string {
	sslMode := db.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		db.Username, db.Password, db.Host, db.Port, db.DBName, sslMode)
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgparcels.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgparcels.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *handoffAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *handoffAPIApp) Run() error {
	return runHandoffAPI(a.ctx, a.opts, a.svc, a.sessions, a.newConsumer)
}
