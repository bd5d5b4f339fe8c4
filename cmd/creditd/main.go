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
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/renderloft/creditengine/internal/httpapi"
	"github.com/renderloft/creditengine/internal/store/gormstore"
	"github.com/renderloft/creditengine/internal/store/pgstore"
	"github.com/renderloft/creditengine/pkg/billing"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL        = "database-url"
	flagListenAddr         = "listen-addr"
	flagStoreBackend       = "store"
	flagWebhookSecret      = "webhook-secret"
	flagSessionSigningKey  = "session-signing-key"
	flagSessionIssuer      = "session-issuer"
	flagSessionCookie      = "session-cookie"
	flagServiceTokenSecret = "service-token-secret"
	flagServiceTokenIssuer = "service-token-issuer"
	flagAllowedOrigins     = "allowed-origins"
	flagTrialUnits         = "trial-units"
	flagGracePeriodHours   = "grace-period-hours"
	flagSweepInterval      = "sweep-interval-minutes"
	flagStaleAfterHours    = "stale-after-hours"

	defaultDatabaseURL  = "sqlite:///tmp/creditengine.db"
	defaultListenAddr   = ":9090"
	defaultStoreBackend = "gorm"

	sweepBatchLimit = 100
)

type runtimeConfig struct {
	DatabaseURL        string
	ListenAddr         string
	StoreBackend       string
	WebhookSecret      string
	SessionSigningKey  string
	SessionIssuer      string
	SessionCookie      string
	ServiceTokenSecret string
	ServiceTokenIssuer string
	AllowedOrigins     string
	TrialUnits         int64
	GracePeriodHours   int64
	SweepInterval      int64
	StaleAfterHours    int64
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit authorization and ledger server",
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

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagStoreBackend, defaultStoreBackend, "Persistence backend (gorm or pgx)")
	cmd.Flags().String(flagWebhookSecret, "", "HMAC secret for payment webhook signatures")
	cmd.Flags().String(flagSessionSigningKey, "", "Signing key for tauth session cookies")
	cmd.Flags().String(flagSessionIssuer, "", "Issuer expected in session cookies")
	cmd.Flags().String(flagSessionCookie, "", "Session cookie name")
	cmd.Flags().String(flagServiceTokenSecret, "", "Signing secret for service bearer tokens")
	cmd.Flags().String(flagServiceTokenIssuer, "", "Issuer expected in service bearer tokens")
	cmd.Flags().String(flagAllowedOrigins, "", "Comma-delimited CORS origins")
	cmd.Flags().Int64(flagTrialUnits, billing.DefaultTrialAllotmentUnits, "Trial units granted at account creation")
	cmd.Flags().Int64(flagGracePeriodHours, int64(billing.DefaultGracePeriod.Hours()), "Entitlement window after a payment failure")
	cmd.Flags().Int64(flagSweepInterval, 0, "Minutes between stale-charge sweeps (0 disables)")
	cmd.Flags().Int64(flagStaleAfterHours, 24, "Age after which a charged record is swept")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	envBindings := map[string]string{
		flagDatabaseURL:        "DATABASE_URL",
		flagListenAddr:         "LISTEN_ADDR",
		flagStoreBackend:       "STORE_BACKEND",
		flagWebhookSecret:      "WEBHOOK_SECRET",
		flagSessionSigningKey:  "SESSION_SIGNING_KEY",
		flagSessionIssuer:      "SESSION_ISSUER",
		flagSessionCookie:      "SESSION_COOKIE",
		flagServiceTokenSecret: "SERVICE_TOKEN_SECRET",
		flagServiceTokenIssuer: "SERVICE_TOKEN_ISSUER",
		flagAllowedOrigins:     "ALLOWED_ORIGINS",
		flagTrialUnits:         "TRIAL_UNITS",
		flagGracePeriodHours:   "GRACE_PERIOD_HOURS",
		flagSweepInterval:      "SWEEP_INTERVAL_MINUTES",
		flagStaleAfterHours:    "STALE_AFTER_HOURS",
	}
	for flagName, envName := range envBindings {
		configKey := strings.ReplaceAll(flagName, "-", "_")
		if err := viper.BindEnv(configKey, envName); err != nil {
			return err
		}
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString("database_url")
	cfg.ListenAddr = viper.GetString("listen_addr")
	cfg.StoreBackend = viper.GetString("store")
	cfg.WebhookSecret = viper.GetString("webhook_secret")
	cfg.SessionSigningKey = viper.GetString("session_signing_key")
	cfg.SessionIssuer = viper.GetString("session_issuer")
	cfg.SessionCookie = viper.GetString("session_cookie")
	cfg.ServiceTokenSecret = viper.GetString("service_token_secret")
	cfg.ServiceTokenIssuer = viper.GetString("service_token_issuer")
	cfg.AllowedOrigins = viper.GetString("allowed_origins")
	cfg.TrialUnits = viper.GetInt64("trial_units")
	cfg.GracePeriodHours = viper.GetInt64("grace_period_hours")
	cfg.SweepInterval = viper.GetInt64("sweep_interval_minutes")
	cfg.StaleAfterHours = viper.GetInt64("stale_after_hours")

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = defaultStoreBackend
	}
	if cfg.StoreBackend != "gorm" && cfg.StoreBackend != "pgx" {
		return fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer cleanup()

	clock := func() int64 { return time.Now().UTC().Unix() }
	engine, err := billing.NewEngine(store, clock,
		billing.WithTrialAllotment(cfg.TrialUnits),
		billing.WithGracePeriodSeconds(cfg.GracePeriodHours*3600),
		billing.WithOperationLogger(&zapOperationLogger{logger: logger}),
	)
	if err != nil {
		return fmt.Errorf("engine init: %w", err)
	}
	applier, err := billing.NewWebhookApplier(engine)
	if err != nil {
		return fmt.Errorf("webhook applier init: %w", err)
	}

	server, err := httpapi.New(httpapi.Config{
		ListenAddr:         cfg.ListenAddr,
		AllowedOrigins:     httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		SessionSigningKey:  cfg.SessionSigningKey,
		SessionIssuer:      cfg.SessionIssuer,
		SessionCookieName:  cfg.SessionCookie,
		ServiceTokenSecret: cfg.ServiceTokenSecret,
		ServiceTokenIssuer: cfg.ServiceTokenIssuer,
		WebhookSecret:      cfg.WebhookSecret,
	}, engine, applier, logger)
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}

	if cfg.SweepInterval > 0 {
		go runSweepLoop(ctx, engine, logger, cfg.SweepInterval, cfg.StaleAfterHours)
	}

	return server.Run(ctx)
}

func runSweepLoop(ctx context.Context, engine *billing.Engine, logger *zap.Logger, intervalMinutes int64, staleAfterHours int64) {
	ticker := time.NewTicker(time.Duration(intervalMinutes) * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-time.Duration(staleAfterHours) * time.Hour).Unix()
			swept, err := engine.SweepStaleCharges(ctx, cutoff, sweepBatchLimit)
			if err != nil {
				logger.Warn("stale charge sweep failed", zap.Error(err))
				continue
			}
			if swept > 0 {
				logger.Info("stale charges swept", zap.Int("count", swept))
			}
		}
	}
}

func openStore(ctx context.Context, cfg *runtimeConfig) (billing.Store, func() error, error) {
	if cfg.StoreBackend == "pgx" {
		if !strings.HasPrefix(cfg.DatabaseURL, "postgres://") && !strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
			return nil, nil, fmt.Errorf("pgx backend requires a postgres database url")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() error {
			pool.Close()
			return nil
		}
		return pgstore.New(pool), cleanup, nil
	}

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := prepareSchema(gormDB, driver); err != nil {
		_ = cleanup()
		return nil, nil, err
	}
	return gormstore.New(gormDB), cleanup, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormCfg := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormCfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "creditengine.db"
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

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := gormstore.Migrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

type zapOperationLogger struct {
	logger *zap.Logger
}

func (operationLogger *zapOperationLogger) LogOperation(_ context.Context, entry billing.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.UserID.String() != "" {
		fields = append(fields, zap.String("user_id", entry.UserID.String()))
	}
	if entry.ChargeID.String() != "" {
		fields = append(fields, zap.String("charge_id", entry.ChargeID.String()))
	}
	if entry.EventID.String() != "" {
		fields = append(fields, zap.String("event_id", entry.EventID.String()))
	}
	if entry.Method.String() != "" {
		fields = append(fields, zap.String("method", entry.Method.String()))
	}
	if entry.Units != 0 {
		fields = append(fields, zap.Int64("units", entry.Units))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("ledger operation", fields...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}
