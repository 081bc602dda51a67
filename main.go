package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"skald/auth"
	"skald/config"
	"skald/handler"
	"skald/hub"
	"skald/logging"
	"skald/notify"
	"skald/pipeline"
	"skald/queue"
	"skald/resolver"
	"skald/retry"
	"skald/saga"
	"skald/ssh"
	"skald/storage"
	"skald/store"
	"skald/users"
)

var Version = "dev"

// ledger is what the server needs from either deployment store.
type ledger interface {
	pipeline.Ledger
	Healthy(ctx context.Context) error
}

func main() {
	cfg := config.Load()

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checks := map[string]handler.HealthChecker{}

	// Database
	var (
		records   ledger
		sagaStore saga.Store
		userProv  users.Provider
	)
	db, err := store.Connect(ctx, cfg.DatabaseURL, log)
	if err != nil {
		if cfg.Tenancy == config.TenancyMulti {
			log.Fatal("database required in multi-tenant mode", zap.Error(err))
		}
		log.Warn("database unavailable, keeping deployments in memory", zap.Error(err))
		records = store.NewMemory()
		sagaStore = saga.NewMemoryStore()
	} else {
		defer db.Close()
		if err := store.Migrate(ctx, db); err != nil {
			log.Fatal("migration", zap.Error(err))
		}
		records = db
		sagaStore = saga.NewPostgresStore(db.Pool)
		checks["postgres"] = db
	}

	// Users
	switch cfg.Tenancy {
	case config.TenancyMulti:
		userProv = users.NewPostgres(db.Pool)
	case config.TenancySingle:
		static, err := users.LoadFile(cfg.AccountsFile)
		if err != nil {
			log.Fatal("accounts file", zap.String("path", cfg.AccountsFile), zap.Error(err))
		}
		userProv = static
	default:
		log.Fatal("unknown tenancy", zap.String("tenancy", string(cfg.Tenancy)))
	}

	// Notifications
	notifiers := notify.Multi{notify.Log{Logger: log.Named("notify")}}
	if cfg.SMTPAddr != "" {
		mailer, err := notify.NewMailer(cfg.SMTPAddr, cfg.SMTPUser, cfg.SMTPPassword, cfg.MailFrom, cfg.AdminEmail)
		if err != nil {
			log.Fatal("smtp", zap.Error(err))
		}
		notifiers = append(notifiers, mailer)
		log.Info("mail notifications enabled", zap.String("smtp", cfg.SMTPAddr))
	}

	// S3
	var archive pipeline.OutputArchive
	if cfg.S3Endpoint != "" {
		s3Client, err := storage.NewClient(storage.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		}, log)
		if err == nil {
			err = s3Client.EnsureBucket(ctx)
		}
		if err != nil {
			log.Warn("S3 storage unavailable", zap.Error(err))
		} else {
			archive = s3Client
			checks["s3"] = s3Client
			log.Info("S3 storage connected", zap.String("endpoint", cfg.S3Endpoint))
		}
	}

	// WebSocket hub
	allowedOrigins := []string{"http://localhost:5173", "http://localhost:3000"}
	for _, o := range strings.Split(cfg.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			allowedOrigins = append(allowedOrigins, o)
		}
	}
	ws := hub.New(allowedOrigins, log.Named("hub"))

	// Deploy pipeline
	pipe := &pipeline.Pipeline{
		Resolver: resolver.New(resolver.Connector{CACertFile: cfg.CACertFile}, log.Named("resolver")),
		Executor: ssh.NewExecutor(&ssh.NetDialer{Timeout: cfg.DialTimeout}, cfg.CommandTimeout, log.Named("ssh")),
		Policy: retry.Policy{
			MaxAttempts: cfg.MaxAttempts,
			Delay:       cfg.RetryDelay,
		},
		Notifier:          notifiers,
		Ledger:            records,
		Users:             userProv,
		SagaStore:         sagaStore,
		WS:                ws,
		Archive:           archive,
		Log:               log.Named("pipeline"),
		InlineOutputLimit: cfg.InlineOutputLimit,
	}
	pool := queue.New(cfg.Workers, cfg.QueueSize, clockwork.NewRealClock(), pipe.Handle, log.Named("queue"))
	pipe.Dispatcher = pool

	if rearmed, abandoned, err := pipe.Recover(ctx); err != nil {
		log.Warn("deployment recovery", zap.Error(err))
	} else if rearmed+abandoned > 0 {
		log.Info("recovered unsettled deployments", zap.Int("rearmed", rearmed), zap.Int("abandoned", abandoned))
	}

	// Handler
	h := handler.New(pipe, records, sagaStore, checks, log.Named("http"))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}))

	switch {
	case cfg.JWTSecret != "":
		r.Use(auth.NewValidator(cfg.JWTSecret).Middleware)
		log.Info("JWT auth enabled")
	case cfg.APIToken != "":
		r.Use(auth.StaticToken(cfg.APIToken))
		h.AllowBodyRequester = true
		log.Info("API token auth enabled")
	default:
		h.AllowBodyRequester = true
		log.Warn("no auth configured, requester is taken from the request body")
	}

	h.Routes(r)
	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"version": Version})
	})
	r.Get("/ws", ws.HandleConnect)

	srv := &http.Server{
		Addr:              cfg.BindAddr + ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ws.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return pool.Run(gctx)
	})
	g.Go(func() error {
		log.Info("skald listening", zap.String("addr", srv.Addr), zap.String("version", Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server stopped", zap.Error(err))
	}
}
