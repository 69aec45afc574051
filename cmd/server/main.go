package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/reseau-solidaire/backoffice-api/internal/audit"
	"github.com/reseau-solidaire/backoffice-api/internal/config"
	"github.com/reseau-solidaire/backoffice-api/internal/database"
	"github.com/reseau-solidaire/backoffice-api/internal/handler"
	"github.com/reseau-solidaire/backoffice-api/internal/logger"
	"github.com/reseau-solidaire/backoffice-api/internal/metrics"
	"github.com/reseau-solidaire/backoffice-api/internal/middleware"
	"github.com/reseau-solidaire/backoffice-api/internal/queue"
	"github.com/reseau-solidaire/backoffice-api/internal/repository"
	"github.com/reseau-solidaire/backoffice-api/internal/router"
	"github.com/reseau-solidaire/backoffice-api/internal/service"
	"github.com/reseau-solidaire/backoffice-api/internal/utils"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Default().Fatal("invalid configuration", zap.Error(err))
	}

	log, err := logger.NewZapLogger(logger.Config{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		Development: cfg.IsDevelopment(),
	})
	if err != nil {
		logger.Default().Fatal("build logger", zap.Error(err))
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tokens, err := utils.NewTokenCodec(cfg.JWTSecret, cfg.JWTTTL)
	if err != nil {
		return err
	}

	db, err := database.Open(ctx, database.Options{
		User: cfg.DBUser, Pass: cfg.DBPass, Host: cfg.DBHost, Port: cfg.DBPort, Name: cfg.DBName,
	})
	if err != nil {
		return err
	}
	defer db.Close()
	if err := database.Migrate(ctx, db); err != nil {
		return err
	}

	users := repository.NewUserRepo(db)
	perms := repository.NewPermissionRepo(db)
	auditLogs := repository.NewAuditRepo(db)

	err = service.Bootstrap(ctx, perms, users, service.SeedAdmin{
		Email:      cfg.BootstrapAdminEmail,
		Password:   cfg.BootstrapAdminPassword,
		Name:       cfg.BootstrapAdminName,
		BcryptCost: cfg.BcryptCost,
	}, log)
	if err != nil {
		return err
	}

	rdb := config.NewRedisClient(ctx, cfg.Redis)
	if rdb == nil {
		log.Warn("redis unavailable, rate limiting disabled", zap.String("addr", cfg.Redis.Addr))
	} else {
		defer rdb.Close()
	}

	// Audit sink: direct MySQL writes, or RabbitMQ with an in-process consumer.
	var sink audit.Sink = audit.SinkFunc(auditLogs.Insert)
	if cfg.Audit.Sink == config.AuditSinkAMQP {
		pub := queue.NewAuditPublisher(cfg.Audit.RabbitMQURL, cfg.Audit.QueueName, log)
		defer pub.Close()
		sink = pub

		consumer := queue.NewAuditConsumer(cfg.Audit.RabbitMQURL, cfg.Audit.QueueName, auditLogs, log)
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("audit consumer stopped", zap.Error(err))
			}
		}()
	}
	recorder := audit.NewRecorder(sink, log, audit.Options{
		Workers:   cfg.Audit.Workers,
		QueueSize: cfg.Audit.QueueSize,
	})

	metrics.Init()
	sessions := middleware.NewSessionResolver(tokens, users, log, cfg.JWTCookieName)

	e := echo.New()
	router.Setup(e, log, cfg.IsDevelopment(), sessions)
	router.RegisterRoutes(e, handler.NewHealthHandler(db, rdb))
	router.RegisterAuth(e,
		handler.NewAuthHandler(users, tokens, recorder, log, handler.AuthOptions{
			BcryptCost:   cfg.BcryptCost,
			CookieName:   cfg.JWTCookieName,
			SecureCookie: !cfg.IsDevelopment(),
		}),
		sessions,
		middleware.NewTokenBucket(cfg.RateLimit, rdb, log),
	)
	router.RegisterAdmin(e,
		handler.NewAdminHandler(users, perms, recorder, cfg.BcryptCost),
		handler.NewAuditHandler(auditLogs),
		sessions, recorder,
	)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		log.Info("listening", zap.String("addr", addr), zap.String("env", cfg.Env))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", zap.Error(err))
	}
	if err := recorder.Close(shutdownCtx); err != nil {
		log.Error("audit drain incomplete", zap.Error(err))
	}
	return nil
}
