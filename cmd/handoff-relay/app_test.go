package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BearBump/HandoffBox/config"
	"github.com/BearBump/HandoffBox/internal/broker/messages"
	"github.com/BearBump/HandoffBox/internal/models"
	"github.com/BearBump/HandoffBox/internal/services/relay"
	"github.com/BearBump/HandoffBox/internal/storage/memparcels"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct{}

func (r *fakeRepo) ClaimUnpublishedEvents(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.OutboxEvent, error) {
	return []*models.OutboxEvent{}, nil
}

func (r *fakeRepo) MarkEventPublished(ctx context.Context, eventID uint64, at time.Time) error {
	return nil
}

func (r *fakeRepo) MarkEventFailed(ctx context.Context, eventID uint64, lastErr string, nextAttemptAt time.Time) error {
	return nil
}

type noopProducer struct{}

func (p noopProducer) Publish(ctx context.Context, topic string, key, value []byte) error { return nil }

func TestDefaultRelayFactories_ProducerAndRateLimiter_NonNil(t *testing.T) {
	f := defaultRelayFactories()
	cfg := &config.Config{
		Kafka: config.KafkaConfig{Host: "localhost", Port: 9092},
		Redis: config.RedisConfig{Host: "localhost", Port: 6379},
	}
	require.NotNil(t, f.newProducer(cfg))
	require.NotNil(t, f.newRateLimiter(cfg))
}

func TestSettingsFromConfig_Defaults(t *testing.T) {
	s := settingsFromConfig(&config.Config{})
	require.Equal(t, messages.TopicParcelStatusChanged, s.topic)
	require.Equal(t, 2*time.Second, s.pollInterval)
	require.Equal(t, 100, s.batchSize)
	require.Equal(t, 10, s.concurrency)
	require.Equal(t, 30*time.Second, s.lease)
	require.Equal(t, int64(600), s.rlPerMin)

	s = settingsFromConfig(&config.Config{
		Kafka:   config.KafkaConfig{StatusChangedTopicName: "t"},
		Handoff: config.HandoffConfig{RelayBatchSize: 7, RelayLeaseSeconds: 5, RelayBackoff1Seconds: 60},
	})
	require.Equal(t, "t", s.topic)
	require.Equal(t, 7, s.batchSize)
	require.Equal(t, 5*time.Second, s.lease)
	require.Equal(t, time.Minute, s.backoff.Step1)
}

func testFactories(repo relay.Repository, closed *bool) relayFactories {
	return relayFactories{
		newStorage: func(cfg *config.Config) (relay.Repository, func(), error) {
			return repo, func() { *closed = true }, nil
		},
		newProducer: func(cfg *config.Config) relay.Producer {
			return noopProducer{}
		},
		newRateLimiter: func(cfg *config.Config) relay.RateLimiter {
			return nil
		},
	}
}

func TestRunRelay_ContextCanceled(t *testing.T) {
	calledClose := false
	cfg := &config.Config{Handoff: config.HandoffConfig{RelayPollIntervalSeconds: 1}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RunRelay(ctx, cfg, testFactories(&fakeRepo{}, &calledClose))
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, calledClose)
}

func TestRunRelay_StorageError(t *testing.T) {
	f := testFactories(nil, new(bool))
	f.newStorage = func(cfg *config.Config) (relay.Repository, func(), error) {
		return nil, nil, errors.New("pg down")
	}
	require.Error(t, RunRelay(context.Background(), &config.Config{}, f))
}

func TestNewRelay_ReadyFromPinger(t *testing.T) {
	closed := false
	rt, err := newRelay(&config.Config{}, testFactories(memparcels.New(), &closed))
	require.NoError(t, err)
	require.NotNil(t, rt.ready)
	require.NoError(t, rt.ready(context.Background()))

	rt, err = newRelay(&config.Config{}, testFactories(&fakeRepo{}, &closed))
	require.NoError(t, err)
	require.Nil(t, rt.ready)
}

func TestRelayRouter(t *testing.T) {
	sw := filepath.Join(t.TempDir(), "relay.swagger.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{"swagger":"2.0"}`), 0o600))

	closed := false
	cfg := &config.Config{Handoff: config.HandoffConfig{RelayBatchSize: 25, RelayBackoff1Seconds: 120}}
	rt, err := newRelay(cfg, testFactories(&fakeRepo{}, &closed))
	require.NoError(t, err)

	srv := httptest.NewServer(newRelayRouter(relayHTTPOpts{
		swaggerPath: sw,
		relay:       rt.relay,
		cfg:         cfg,
		ready:       func(ctx context.Context) error { return errors.New("pg down") },
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/trigger", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	var st relay.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	require.NotNil(t, st.LastTriggerAt)

	resp, err = http.Get(srv.URL + "/config")
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	require.Equal(t, float64(25), out["batchSize"])
	require.NotContains(t, out, "password")

	resp, err = http.Get(srv.URL + "/swagger.json")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRunRelayHTTPServer_SwaggerRequired(t *testing.T) {
	require.Error(t, runRelayHTTPServer(context.Background(), relayHTTPOpts{}))
	require.Error(t, runRelayHTTPServer(context.Background(), relayHTTPOpts{swaggerPath: filepath.Join(t.TempDir(), "nope.json")}))
}

func TestRunRelayHTTPServer_StopsOnCancel(t *testing.T) {
	sw := filepath.Join(t.TempDir(), "relay.swagger.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{}`), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	addrCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- runRelayHTTPServer(ctx, relayHTTPOpts{
			httpAddr:    "127.0.0.1:0",
			swaggerPath: sw,
			onListen:    func(addr string) { addrCh <- addr },
		})
	}()

	addr := <-addrCh
	resp, err := http.Get("http://" + addr + "/stats")
	require.NoError(t, err)
	resp.Body.Close()

	cancel()
	require.ErrorIs(t, <-errCh, http.ErrServerClosed)
}
