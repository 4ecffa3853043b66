package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	handoffapi "github.com/BearBump/HandoffBox/internal/api/handoff_api"
	"github.com/BearBump/HandoffBox/internal/apperrors"
	"github.com/BearBump/HandoffBox/internal/broker/messages"
	"github.com/BearBump/HandoffBox/internal/services/handoff"
	"github.com/BearBump/HandoffBox/internal/services/scansession"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type handoffAPIOpts struct {
	grpcAddr    string
	httpAddr    string
	swaggerPath string

	topic         string
	consumerGroup string

	sweepEvery time.Duration
	// пауза перед пересозданием consumer после ошибки; 0 — секунда
	intakeRestartDelay time.Duration

	onListen func(grpcAddr, httpAddr string)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
	Close() error
}

// consumerFactory создаёт новый reader группы. Новый reader начинает с
// закоммиченного offset группы.
type consumerFactory func() (kafkaConsumer, error)

func runHandoffAPI(ctx context.Context, opts handoffAPIOpts, svc *handoff.Service, sessions *scansession.Engine, newConsumer consumerFactory) error {
	if opts.swaggerPath == "" {
		return fmt.Errorf("swaggerPath env var is required")
	}
	if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
		return fmt.Errorf("swagger file not found: %s", opts.swaggerPath)
	}

	grpcLis, err := net.Listen("tcp", opts.grpcAddr)
	if err != nil {
		return err
	}
	httpLis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		_ = grpcLis.Close()
		return err
	}

	if opts.onListen != nil {
		opts.onListen(grpcLis.Addr().String(), httpLis.Addr().String())
	}

	grpcErr := make(chan error, 1)
	go func() {
		grpcErr <- runGRPCServer(ctx, grpcLis)
	}()

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runHTTPServer(ctx, httpLis, handoffapi.New(svc, sessions), opts.swaggerPath)
	}()

	if sessions != nil {
		every := opts.sweepEvery
		if every <= 0 {
			every = time.Minute
		}
		go sessions.RunSweeper(ctx, every)
	}

	if newConsumer != nil {
		go runIntake(ctx, newConsumer, svc, opts)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-grpcErr:
		return err
	case err := <-httpErr:
		return err
	}
}

// runIntake держит intake живым. После ошибки reader закрывается и
// создаётся заново: старый reader уже продвинул свой offset за
// незакоммиченное сообщение, а новый перечитает его с offset группы.
func runIntake(ctx context.Context, newConsumer consumerFactory, svc *handoff.Service, opts handoffAPIOpts) {
	delay := opts.intakeRestartDelay
	if delay <= 0 {
		delay = time.Second
	}
	handler := parcelCreatedHandler(ctx, svc)
	for {
		consumer, err := newConsumer()
		if err == nil {
			slog.Info("kafka consumer started", "topic", opts.topic, "group", opts.consumerGroup)
			err = consumer.Consume(ctx, handler)
			_ = consumer.Close()
		}
		if ctx.Err() != nil {
			return
		}
		slog.Error("kafka consumer stopped", "topic", opts.topic, "error", fmt.Sprint(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// parcelCreatedHandler регистрирует посылку из parcel.created. Битые и
// невалидные сообщения логируются и пропускаются, иначе consumer встанет
// на них навсегда.
func parcelCreatedHandler(ctx context.Context, svc *handoff.Service) func(key, value []byte) error {
	return func(_key, value []byte) error {
		var m messages.ParcelCreated
		if err := json.Unmarshal(value, &m); err != nil {
			slog.Warn("skip malformed parcel.created", "error", err.Error())
			return nil
		}
		err := svc.ApplyParcelCreated(ctx, m)
		if err == nil {
			return nil
		}
		if apperrors.CodeOf(err) != apperrors.CodeInternal {
			slog.Warn("skip rejected parcel.created", "tracking_code", m.TrackingCode, "error", err.Error())
			return nil
		}
		return err
	}
}

func runGRPCServer(ctx context.Context, lis net.Listener) error {
	s := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)

	go func() {
		<-ctx.Done()
		hs.Shutdown()
		stopped := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			s.Stop()
		}
		_ = lis.Close()
	}()

	slog.Info("gRPC server listening", "addr", lis.Addr().String())
	return s.Serve(lis)
}

func newRouter(api *handoffapi.HandoffAPI, swaggerPath string) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		http.ServeFile(w, r, swaggerPath)
	})

	swaggerURL := "/swagger.json"
	if fi, err := os.Stat(swaggerPath); err == nil {
		swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
	}
	r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))

	api.Routes(r)
	return r
}

func runHTTPServer(ctx context.Context, lis net.Listener, api *handoffapi.HandoffAPI, swaggerPath string) error {
	srv := &http.Server{
		Handler:           newRouter(api, swaggerPath),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("HTTP server listening", "addr", lis.Addr().String())
	return srv.Serve(lis)
}
