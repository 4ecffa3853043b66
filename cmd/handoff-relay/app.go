package main

import (
	"context"
	"fmt"
	"time"

	"github.com/BearBump/HandoffBox/config"
	"github.com/BearBump/HandoffBox/internal/broker/kafka"
	"github.com/BearBump/HandoffBox/internal/broker/messages"
	"github.com/BearBump/HandoffBox/internal/cache/rediscache"
	"github.com/BearBump/HandoffBox/internal/services/relay"
	"github.com/BearBump/HandoffBox/internal/storage/pgparcels"
)

type relayFactories struct {
	newStorage     func(cfg *config.Config) (repo relay.Repository, closeFn func(), err error)
	newProducer    func(cfg *config.Config) relay.Producer
	newRateLimiter func(cfg *config.Config) relay.RateLimiter
}

func defaultRelayFactories() relayFactories {
	return relayFactories{
		newStorage: func(cfg *config.Config) (relay.Repository, func(), error) {
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			st, err := pgparcels.New(connString)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) relay.Producer {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewProducer(brokers)
		},
		newRateLimiter: func(cfg *config.Config) relay.RateLimiter {
			redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			return rediscache.NewRateLimiter(redisAddr)
		},
	}
}

type relaySettings struct {
	topic        string
	pollInterval time.Duration
	batchSize    int
	concurrency  int
	lease        time.Duration
	rlPerMin     int64
	backoff      relay.BackoffConfig
}

func settingsFromConfig(cfg *config.Config) relaySettings {
	s := relaySettings{
		topic:        cfg.Kafka.StatusChangedTopicName,
		pollInterval: time.Duration(cfg.Handoff.RelayPollIntervalSeconds) * time.Second,
		batchSize:    cfg.Handoff.RelayBatchSize,
		concurrency:  cfg.Handoff.RelayConcurrency,
		lease:        time.Duration(cfg.Handoff.RelayLeaseSeconds) * time.Second,
		rlPerMin:     int64(cfg.Handoff.RelayRateLimitPerMinute),
		backoff: relay.BackoffConfig{
			Step1:  time.Duration(cfg.Handoff.RelayBackoff1Seconds) * time.Second,
			Step2:  time.Duration(cfg.Handoff.RelayBackoff2Seconds) * time.Second,
			Step3:  time.Duration(cfg.Handoff.RelayBackoff3Seconds) * time.Second,
			Step4:  time.Duration(cfg.Handoff.RelayBackoff4Seconds) * time.Second,
			Jitter: time.Duration(cfg.Handoff.RelayBackoffJitterSeconds) * time.Second,
		},
	}
	if s.topic == "" {
		s.topic = messages.TopicParcelStatusChanged
	}
	if s.pollInterval <= 0 {
		s.pollInterval = 2 * time.Second
	}
	if s.batchSize <= 0 {
		s.batchSize = 100
	}
	if s.concurrency <= 0 {
		s.concurrency = 10
	}
	if s.lease <= 0 {
		s.lease = 30 * time.Second
	}
	if s.rlPerMin <= 0 {
		s.rlPerMin = 600
	}
	return s
}

type pinger interface {
	Ping(ctx context.Context) error
}

type relayRuntime struct {
	relay *relay.Relay
	// ready is nil when the storage cannot report readiness.
	ready func(ctx context.Context) error
	close func()
}

func newRelay(cfg *config.Config, f relayFactories) (*relayRuntime, error) {
	s := settingsFromConfig(cfg)

	repo, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return nil, err
	}
	if closeFn == nil {
		closeFn = func() {}
	}

	rt := &relayRuntime{
		relay: relay.New(repo, f.newProducer(cfg), f.newRateLimiter(cfg), s.topic).
			WithSettings(s.pollInterval, s.batchSize, s.concurrency, s.lease, s.rlPerMin).
			WithBackoff(s.backoff),
		close: closeFn,
	}
	if p, ok := repo.(pinger); ok {
		rt.ready = p.Ping
	}
	return rt, nil
}

func RunRelay(ctx context.Context, cfg *config.Config, f relayFactories) error {
	rt, err := newRelay(cfg, f)
	if err != nil {
		return err
	}
	defer rt.close()
	return rt.relay.Run(ctx)
}
