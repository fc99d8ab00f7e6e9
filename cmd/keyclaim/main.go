package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/tendant/keyclaim/internal/account"
	"github.com/tendant/keyclaim/internal/auth"
	"github.com/tendant/keyclaim/internal/config"
	httpserver "github.com/tendant/keyclaim/internal/http"
	"github.com/tendant/keyclaim/internal/notification"
	"github.com/tendant/keyclaim/internal/twofactor"
	"github.com/tendant/keyclaim/pkg/repository"
)

func main() {
	mintToken := flag.String("mint-token", "", "print a control API token for this subject and exit")
	scopes := flag.String("scope", auth.ScopeRead+","+auth.ScopeWrite, "comma separated scopes of the minted token")
	ttl := flag.Duration("ttl", 24*time.Hour, "lifetime of the minted token, 0 for none")
	flag.Parse()

	// Load .env file if present (ignore error if not found)
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(os.Getenv("LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	if *mintToken != "" {
		if err := mint(os.Stdout, *mintToken, *scopes, *ttl); err != nil {
			logger.Error("failed to mint token", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(logger); err != nil {
		logger.Error("keyclaim stopped", "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func mint(w io.Writer, subject, scopes string, ttl time.Duration) error {
	secret, issuer, err := config.LoadControl()
	if err != nil {
		return err
	}
	var granted []string
	for _, s := range strings.Split(scopes, ",") {
		if s = strings.TrimSpace(s); s != "" {
			granted = append(granted, s)
		}
	}
	tokens := auth.NewTokenService(auth.TokenConfig{Secret: []byte(secret), Issuer: issuer})
	token, err := tokens.Issue(subject, granted, ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, token)
	return err
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// Initialize email service if configured
	var emailService *notification.EmailService
	if cfg.HasSMTP() {
		emailService = notification.NewEmailService(notification.EmailConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			User:     cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
			To:       cfg.NotifyTo,
		}, logger)
		defer emailService.Wait()
		logger.Info("pass summaries enabled", "recipients", len(cfg.NotifyTo))
	}

	var terminal *twofactor.Terminal
	if cfg.TwoFactorPrompt {
		terminal = twofactor.NewTerminal(os.Stdin, os.Stderr, cfg.TwoFactorTimeout)
	}

	pipelines := make([]*account.Pipeline, 0, len(cfg.Accounts))
	for _, acct := range cfg.Accounts {
		opts := account.Options{
			Account:          acct,
			BaseURL:          cfg.StorefrontBaseURL,
			UserAgent:        cfg.UserAgent,
			Timeout:          cfg.RequestTimeout,
			Store:            store,
			TwoFactorTimeout: cfg.TwoFactorTimeout,
			Terminal:         terminal,
			Logger:           logger,
		}
		if emailService != nil {
			opts.Sink = emailService
		}
		p, err := account.New(opts)
		if err != nil {
			return err
		}
		pipelines = append(pipelines, p)
	}
	registry, err := account.NewRegistry(pipelines, logger)
	if err != nil {
		return err
	}

	// The control API comes up first so codes can be submitted while
	// accounts log in.
	var server *http.Server
	serverErr := make(chan error, 1)
	if cfg.HasControlAPI() {
		router := httpserver.NewRouter(httpserver.RouterConfig{
			Logger:          logger,
			Tokens:          auth.NewTokenService(auth.TokenConfig{Secret: []byte(cfg.ControlJWTSecret), Issuer: cfg.ControlJWTIssuer}),
			Accounts:        registry,
			RateLimitConfig: cfg.RateLimit,
			SecurityHeaders: cfg.SecurityHeaders,
			Validation:      cfg.Validation,
		})
		addr := fmt.Sprintf("%s:%d", cfg.ControlAddr, cfg.ControlPort)
		server = &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			logger.Info("starting control API", "addr", addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	} else {
		logger.Info("control API disabled, CONTROL_JWT_SECRET not set")
	}

	started := make(chan int, 1)
	go func() { started <- registry.StartAll(ctx) }()

	var runErr error
	select {
	case failed := <-started:
		if failed == len(cfg.Accounts) && server == nil {
			runErr = errors.New("no account could be started")
			break
		}
		select {
		case <-ctx.Done():
		case err := <-serverErr:
			runErr = fmt.Errorf("control API: %w", err)
		}
	case <-ctx.Done():
		<-started
	case err := <-serverErr:
		runErr = fmt.Errorf("control API: %w", err)
		stop()
		<-started
	}

	logger.Info("shutting down")
	registry.StopAll()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
	}

	logger.Info("stopped")
	return runErr
}

// openStore connects the configured state backend.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repository.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.StorePostgres:
		db, err := repository.NewDB(repository.Config{
			Host:     cfg.DBHost,
			Port:     cfg.DBPort,
			User:     cfg.DBUser,
			Password: cfg.DBPassword,
			DBName:   cfg.DBName,
			SSLMode:  cfg.DBSSLMode,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		repo := repository.NewStateRepository(db, logger)
		if err := repo.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to prepare state table: %w", err)
		}
		logger.Info("connected to database")
		return repo, func() { db.Close() }, nil

	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Info("connected to redis", "addr", cfg.RedisAddr)
		return repository.NewRedisStore(rdb, cfg.RedisPrefix, logger), func() { rdb.Close() }, nil

	default:
		store, err := repository.NewFileStore(cfg.StateDir, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open state directory: %w", err)
		}
		logger.Info("using file state store", "dir", cfg.StateDir)
		return store, func() {}, nil
	}
}
