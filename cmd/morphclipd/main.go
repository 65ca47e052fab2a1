package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/morphclip/morphclip/internal/billing"
	"github.com/morphclip/morphclip/internal/billing/dodo"
	"github.com/morphclip/morphclip/internal/config"
	"github.com/morphclip/morphclip/internal/guestgate"
	"github.com/morphclip/morphclip/internal/httpapi"
	"github.com/morphclip/morphclip/internal/outbox"
	"github.com/morphclip/morphclip/internal/store/gormstore"
	"github.com/morphclip/morphclip/internal/users"
	"github.com/morphclip/morphclip/internal/videoapi"
	"github.com/morphclip/morphclip/internal/videos"
	"github.com/morphclip/morphclip/pkg/credits"
)

const (
	flagListenAddr  = "listen-addr"
	flagDatabaseURL = "database-url"
	flagEnvironment = "environment"

	configKeyListenAddr     = "listen_addr"
	configKeyDatabaseURL    = "database_url"
	configKeyEnvironment    = "environment"
	configKeyAllowedOrigins = "allowed_origins"
	configKeySigningKey     = "session_signing_key"
	configKeyDodoAPIKey     = "dodo_api_key"
	configKeyDodoBaseURL    = "dodo_base_url"
	configKeyCheckoutURL    = "dodo_checkout_base_url"
	configKeyWebhookSecret  = "dodo_webhook_secret"
	configKeyDodoTestMode   = "dodo_test_mode"
	configKeySkipWebhook    = "skip_webhook_verification"
	configKeyVideoAPIKey    = "video_api_key"
	configKeyVideoBaseURL   = "video_api_base_url"
	configKeyVideoUseMock   = "video_api_use_mock"

	reconcileMaxAge = 15 * time.Minute
	reconcileEvery  = time.Minute
	reconcileBatch  = 50
)

var envBindings = map[string]string{
	configKeyListenAddr:     "LISTEN_ADDR",
	configKeyDatabaseURL:    "DATABASE_URL",
	configKeyEnvironment:    "ENVIRONMENT",
	configKeyAllowedOrigins: "ALLOWED_ORIGINS",
	configKeySigningKey:     "SESSION_SIGNING_KEY",
	configKeyDodoAPIKey:     "DODO_API_KEY",
	configKeyDodoBaseURL:    "DODO_BASE_URL",
	configKeyCheckoutURL:    "DODO_CHECKOUT_BASE_URL",
	configKeyWebhookSecret:  "DODO_WEBHOOK_SECRET",
	configKeyDodoTestMode:   "DODO_TEST_MODE",
	configKeySkipWebhook:    "SKIP_WEBHOOK_VERIFICATION",
	configKeyVideoAPIKey:    "VIDEO_API_KEY",
	configKeyVideoBaseURL:   "VIDEO_API_BASE_URL",
	configKeyVideoUseMock:   "VIDEO_API_USE_MOCK",
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "morphclipd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           "morphclipd",
		Short:         "MorphClip backend server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagListenAddr, "", "HTTP listen address")
	cmd.Flags().String(flagDatabaseURL, "", "database connection string")
	cmd.Flags().String(flagEnvironment, "", "deployment environment (development or production)")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *config.Config) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for key, env := range envBindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}
	if err := viper.BindPFlag(configKeyListenAddr, cmd.Flags().Lookup(flagListenAddr)); err != nil {
		return err
	}
	if err := viper.BindPFlag(configKeyDatabaseURL, cmd.Flags().Lookup(flagDatabaseURL)); err != nil {
		return err
	}
	if err := viper.BindPFlag(configKeyEnvironment, cmd.Flags().Lookup(flagEnvironment)); err != nil {
		return err
	}

	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.Environment = viper.GetString(configKeyEnvironment)
	cfg.AllowedOrigins = config.ParseAllowedOrigins(viper.GetString(configKeyAllowedOrigins))
	cfg.SessionSigningKey = viper.GetString(configKeySigningKey)
	cfg.DodoAPIKey = viper.GetString(configKeyDodoAPIKey)
	cfg.DodoBaseURL = viper.GetString(configKeyDodoBaseURL)
	cfg.DodoCheckoutBaseURL = viper.GetString(configKeyCheckoutURL)
	cfg.DodoWebhookSecret = viper.GetString(configKeyWebhookSecret)
	cfg.DodoTestMode = viper.GetBool(configKeyDodoTestMode)
	cfg.SkipWebhookVerification = viper.GetBool(configKeySkipWebhook)
	cfg.VideoAPIKey = viper.GetString(configKeyVideoAPIKey)
	cfg.VideoAPIBaseURL = viper.GetString(configKeyVideoBaseURL)
	cfg.VideoAPIUseMock = viper.GetBool(configKeyVideoUseMock)

	return cfg.Validate()
}

func runServer(ctx context.Context, cfg *config.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	if err := gormstore.Migrate(gormDB); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	clock := func() int64 { return time.Now().UTC().Unix() }

	gate, err := guestgate.New(gormstore.NewGuestStore(gormDB), clock, logger)
	if err != nil {
		return err
	}
	ledger, err := credits.NewService(gormstore.NewCreditStore(gormDB), clock,
		credits.WithOperationLogger(&zapOperationLogger{logger: logger}))
	if err != nil {
		return err
	}

	dodoClient := dodo.NewClient(dodo.Config{
		APIKey:   cfg.DodoAPIKey,
		BaseURL:  cfg.DodoBaseURL,
		TestMode: cfg.DodoTestMode,
		Timeout:  cfg.ProviderTimeout,
	}, logger)
	billingStore := gormstore.NewBillingStore(gormDB)
	billingService, err := billing.NewService(billingStore, dodoClient, cfg.DodoCheckoutBaseURL, clock, logger)
	if err != nil {
		return err
	}
	dispatcher, err := billing.NewDispatcher(billingStore, clock, logger)
	if err != nil {
		return err
	}

	videoClient := videoapi.NewClient(videoapi.Config{
		APIKey:  cfg.VideoAPIKey,
		BaseURL: cfg.VideoAPIBaseURL,
		Timeout: cfg.ProviderTimeout,
		UseMock: cfg.VideoAPIUseMock,
	}, logger)
	videoService, err := videos.NewService(gormstore.NewVideoStore(gormDB), videoClient, ledger, clock, logger)
	if err != nil {
		return err
	}
	watcher, err := videoapi.NewPoller(videoClient, cfg.PollInterval, cfg.PollTimeout, logger)
	if err != nil {
		return err
	}
	videoService.AttachWatcher(watcher)

	userService, err := users.NewService(gormstore.NewUserStore(gormDB), clock, logger)
	if err != nil {
		return err
	}

	queueStore := gormstore.NewOutboxStore(gormDB)
	worker, err := outbox.NewWorker(queueStore, func(ctx context.Context, job outbox.Job) error {
		return dispatcher.Dispatch(ctx, job.Payload)
	}, cfg.OutboxInterval, clock, logger)
	if err != nil {
		return err
	}

	server, err := httpapi.NewServer(*cfg, logger, gate, ledger, billingService, videoService, userService, queueStore, worker)
	if err != nil {
		return err
	}

	go worker.Run(ctx)
	go runReconciler(ctx, videoService, logger)

	return server.Run(ctx)
}

// runReconciler sweeps generations stuck in PROCESSING past the polling
// ceiling, so a crashed poll loop cannot strand a paid generation forever.
func runReconciler(ctx context.Context, videoService *videos.Service, logger *zap.Logger) {
	ticker := time.NewTicker(reconcileEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			finalized, err := videoService.ReconcileProcessing(ctx, reconcileMaxAge, reconcileBatch)
			if err != nil {
				logger.Warn("reconcile sweep failed", zap.Error(err))
				continue
			}
			if finalized > 0 {
				logger.Info("reconcile sweep finalized generations", zap.Int("count", finalized))
			}
		}
	}
}

type zapOperationLogger struct {
	logger *zap.Logger
}

func (adapter *zapOperationLogger) LogOperation(_ context.Context, entry credits.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.String("type", entry.Type.String()),
		zap.Int64("amount", entry.Amount),
		zap.String("status", entry.Status),
	}
	if entry.PaymentID != "" {
		fields = append(fields, zap.String("payment_id", entry.PaymentID))
	}
	if entry.VideoID != "" {
		fields = append(fields, zap.String("video_id", entry.VideoID))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		adapter.logger.Warn("ledger operation failed", fields...)
		return
	}
	adapter.logger.Info("ledger operation", fields...)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = "morphclip.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
