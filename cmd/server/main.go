package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/PortNumber53/apelier/backend/internal/aiengine"
	"github.com/PortNumber53/apelier/backend/internal/billing"
	"github.com/PortNumber53/apelier/backend/internal/booking"
	"github.com/PortNumber53/apelier/backend/internal/config"
	"github.com/PortNumber53/apelier/backend/internal/handlers"
	"github.com/PortNumber53/apelier/backend/internal/httpserver"
	"github.com/PortNumber53/apelier/backend/internal/logging"
	"github.com/PortNumber53/apelier/backend/internal/metrics"
	"github.com/PortNumber53/apelier/backend/internal/migrations"
	"github.com/PortNumber53/apelier/backend/internal/notify"
	"github.com/PortNumber53/apelier/backend/internal/store"
	stripeClient "github.com/PortNumber53/apelier/backend/internal/stripe"
	"github.com/PortNumber53/apelier/backend/internal/worker"
)

func main() {
	// Best-effort: load environment variables from .env-style files in local
	// development. These calls are safe to ignore in production environments.
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	logger, err := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logrus.WithError(err).Fatal("failed to configure logging")
	}

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("server exited with error")
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *logrus.Logger) error {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	logDBTarget(logger, cfg.DatabaseURL)
	configureDB(db)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return err
	}

	if err := migrations.UpWithDirtyFix(db, logger); err != nil {
		return err
	}

	st, err := store.New(db)
	if err != nil {
		return err
	}
	jobStore, err := store.NewJobStore(db)
	if err != nil {
		return err
	}

	m := metrics.New()
	catalog := cfg.Catalog()

	gate := billing.NewGate(st, logger, m)
	gate.SetTimeout(cfg.GateTimeout)
	reconciler := billing.NewReconciler(st, catalog, logger, m)

	var payments handlers.PaymentProvider
	if cfg.Stripe.Enabled() {
		payments = stripeClient.NewClient(cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret, catalog)
	} else {
		logger.Warn("STRIPE_SECRET_KEY not set; checkout, portal and webhooks are disabled")
	}

	engine := aiengine.NewClient(cfg.AIEngine.URL, &http.Client{Timeout: cfg.AIEngine.Timeout})

	mailer := notify.NewMailer(newSender(cfg.Email, logger), logger, m)
	quotes := booking.NewService(st, cfg.AppURL, logger, m)
	finalizer := booking.NewFinalizer(st, cfg.AppURL, logger)

	workerCfg := worker.DefaultConfig()
	workerCfg.MaxConcurrent = cfg.Worker.Concurrency
	workerCfg.PollInterval = cfg.Worker.PollInterval
	workerCfg.ShutdownTimeout = cfg.ShutdownTimeout
	jobWorker := worker.New(workerCfg, jobStore, nil, logger)
	jobWorker.SetInstrumentation(worker.MetricsInstrumentation(m))
	worker.RegisterBookingJobs(jobWorker, finalizer, mailer)

	srv := httpserver.New(cfg, st, m, logger,
		handlers.NewBillingHandler(st, payments, gate, reconciler, catalog, cfg.AppURL, logger),
		handlers.NewProcessHandler(gate, engine, logger),
		handlers.NewQuoteHandler(quotes, cfg.AppURL, logger),
		handlers.NewJobHandler(jobWorker, jobStore, logger),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.Worker.Enabled {
		g.Go(func() error {
			return jobWorker.Run(gctx)
		})
	} else {
		logger.Info("job worker disabled; queued jobs will wait for another instance")
	}

	return g.Wait()
}

func newSender(cfg config.EmailConfig, logger logrus.FieldLogger) notify.Sender {
	if cfg.PostmarkServerToken == "" {
		logger.Warn("POSTMARK_SERVER_TOKEN not set; emails will be logged, not sent")
		return notify.LogSender{Log: logger}
	}
	sender, err := notify.NewPostmarkSender(notify.PostmarkConfig{
		ServerToken:  cfg.PostmarkServerToken,
		AccountToken: cfg.PostmarkAccountToken,
		FromAddress:  cfg.FromAddress,
		ReplyTo:      cfg.ReplyTo,
	})
	if err != nil {
		logger.WithError(err).Warn("postmark misconfigured; emails will be logged, not sent")
		return notify.LogSender{Log: logger}
	}
	return sender
}

func configureDB(db *sql.DB) {
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
}

func logDBTarget(logger logrus.FieldLogger, dsn string) {
	// Avoid logging secrets: only log hostname + database path.
	u, err := url.Parse(dsn)
	if err != nil {
		logger.WithError(err).Info("database configured (dsn unparseable)")
		return
	}
	logger.WithFields(logrus.Fields{
		"host": u.Hostname(),
		"db":   strings.TrimPrefix(u.Path, "/"),
	}).Info("database configured")
}
