package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ovaphlow/pitchfork/service-auth/internal/app"
	"github.com/ovaphlow/pitchfork/service-auth/internal/auth"
	"github.com/ovaphlow/pitchfork/service-auth/internal/config"
	"github.com/ovaphlow/pitchfork/service-auth/internal/mail"
	"github.com/ovaphlow/pitchfork/service-auth/internal/ratelimit"
	"github.com/ovaphlow/pitchfork/service-auth/internal/router"
	"github.com/ovaphlow/pitchfork/service-auth/internal/store/postgres"
	"github.com/ovaphlow/pitchfork/service-auth/pkg/database"
	"github.com/ovaphlow/pitchfork/service-auth/pkg/utilities"
)

func main() {
	// .env is optional; real env wins
	cfg := config.Load()

	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	sugar := lg.Sugar()
	sugar.Infow("starting service-auth", "environment", cfg.Environment, "addr", cfg.HTTPAddr)

	if err := app.CheckConfig(cfg, sugar); err != nil {
		sugar.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, database.ConfigFromEnv())
	if err != nil {
		sugar.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	if err := postgres.Migrate(ctx, db, sugar); err != nil {
		sugar.Fatalf("migrate: %v", err)
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		if rdb := ratelimit.NewRedisClient(ctx, cfg.Redis, sugar); rdb != nil {
			defer rdb.Close()
			limiter = ratelimit.New(rdb, cfg.RateLimit, sugar)
		}
	}

	var mailer mail.Dispatcher = mail.NewLogDispatcher(sugar)
	if cfg.Mail.RabbitURL != "" {
		amqpMailer := mail.NewAMQPDispatcher(cfg.Mail.RabbitURL, cfg.Mail.Queue, sugar)
		defer amqpMailer.Close()
		mailer = amqpMailer
	}

	svc, err := app.NewAuthService(cfg, postgres.New(db), mailer, sugar)
	if err != nil {
		sugar.Fatalf("auth service: %v", err)
	}
	if cfg.FirstSuperuser != "" {
		if _, err := svc.EnsureSuperuser(ctx, cfg.FirstSuperuser, cfg.FirstSuperuserUsername, cfg.FirstSuperuserPassword); err != nil {
			sugar.Fatalf("bootstrap superuser: %v", err)
		}
	}

	proxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		sugar.Fatalf("trusted proxies: %v", err)
	}
	ips := auth.NewIPResolver(proxies)
	handler := router.RegisterRoutes(sugar, auth.NewHandler(svc, sugar, cfg.StaticPage, ips), limiter, cfg.APIPrefix)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sugar.Fatalf("http server failed: %v", err)
		}
	}()
	sugar.Info("service is running; press Ctrl+C to stop")

	<-ctx.Done()

	sugar.Info("shutting down")

	doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(doneCtx); err != nil {
		sugar.Warnf("http server shutdown failed: %v", err)
	}

	sugar.Info("goodbye")
}
