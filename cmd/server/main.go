// @title Meridian Panel API
// @version 1.0
// @description Meridian proxy management panel API documentation.
// @BasePath /
// @schemes http https
// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name Authorization
package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	jwt "github.com/golang-jwt/jwt/v5"
	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"meridian-panel/internal/api"
	"meridian-panel/internal/api/middleware"
	v1 "meridian-panel/internal/api/v1"
	"meridian-panel/internal/cache"
	"meridian-panel/internal/event"
	"meridian-panel/internal/model"
	"meridian-panel/internal/notify"
	"meridian-panel/internal/repository/postgres"
	"meridian-panel/internal/scheduler"
	schedulerjobs "meridian-panel/internal/scheduler/jobs"
	"meridian-panel/internal/service"
	"meridian-panel/internal/stream"
	systemlog "meridian-panel/pkg/logger"
)

type Config struct {
	App struct {
		Env string `mapstructure:"env"`
	} `mapstructure:"app"`
	Server struct {
		Host            string        `mapstructure:"host"`
		Port            int           `mapstructure:"port"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
	Database struct {
		URL         string        `mapstructure:"url"`
		MaxConns    int           `mapstructure:"max_conns"`
		PingTimeout time.Duration `mapstructure:"ping_timeout"`
	} `mapstructure:"database"`
	Log struct {
		Level      string `mapstructure:"level"`
		Encoding   string `mapstructure:"encoding"`
		File       string `mapstructure:"file"`
		MaxSizeMB  int    `mapstructure:"max_size_mb"`
		MaxBackups int    `mapstructure:"max_backups"`
		MaxAgeDays int    `mapstructure:"max_age_days"`
	} `mapstructure:"log"`
	Security struct {
		NodeHMACSecret     string        `mapstructure:"node_hmac_secret"`
		NodeHMACSecretFile string        `mapstructure:"node_hmac_secret_file"`
		JWTPrivateKey      string        `mapstructure:"jwt_private_key"`
		JWTPrivateKeyFile  string        `mapstructure:"jwt_private_key_file"`
		AccessTokenTTL     time.Duration `mapstructure:"access_token_ttl"`
	} `mapstructure:"security"`
	Engine struct {
		NotifyPercents []int `mapstructure:"notify_percents"`
	} `mapstructure:"engine"`
	Sweep struct {
		AutodeleteDays int `mapstructure:"autodelete_days"`
	} `mapstructure:"sweep"`
	Node struct {
		StaleAfter time.Duration `mapstructure:"stale_after"`
	} `mapstructure:"node"`
	Scheduler struct {
		SweepSpec      string `mapstructure:"sweep_spec"`
		AutodeleteSpec string `mapstructure:"autodelete_spec"`
		NodeStaleSpec  string `mapstructure:"node_stale_spec"`
		NotifyRetry    string `mapstructure:"notify_retry_spec"`
		GaugeRefresh   string `mapstructure:"gauge_refresh_spec"`
	} `mapstructure:"scheduler"`
	Notify struct {
		WebhookURL     string        `mapstructure:"webhook_url"`
		WebhookSecret  string        `mapstructure:"webhook_secret"`
		WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
		TelegramToken  string        `mapstructure:"telegram_token"`
		TelegramChatID int64         `mapstructure:"telegram_chat_id"`
	} `mapstructure:"notify"`
	Redis struct {
		Addr      string        `mapstructure:"addr"`
		Password  string        `mapstructure:"password"`
		DB        int           `mapstructure:"db"`
		OnlineTTL time.Duration `mapstructure:"online_ttl"`
	} `mapstructure:"redis"`
	CORS struct {
		AllowOrigins []string `mapstructure:"allow_origins"`
	} `mapstructure:"cors"`
	Maintenance bool `mapstructure:"maintenance"`
}

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "healthcheck":
			os.Exit(runHealthcheck())
		case "migrate":
			if err := runMigrateCommand(); err != nil {
				fmt.Fprintln(os.Stderr, sanitizeCLIError(err))
				os.Exit(1)
			}
			return
		case "create-admin":
			if err := runCreateAdminCommand(os.Args[2:]); err != nil {
				fmt.Fprintln(os.Stderr, sanitizeCLIError(err))
				os.Exit(1)
			}
			return
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	logger, systemLogStore, err := newLogger(cfg)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer logger.Sync() //nolint:errcheck

	isDebugMode := strings.EqualFold(cfg.App.Env, "development")
	if !isDebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	dbPool, err := newDBPool(context.Background(), cfg)
	if err != nil {
		logger.Fatal("connect database failed", zap.Error(err))
	}
	defer dbPool.Close()

	if err := postgres.EnsureCapabilities(context.Background(), dbPool); err != nil {
		logger.Fatal("schema capability check failed", zap.Error(err))
	}

	jwtPrivateKey, err := loadRSAPrivateKey(cfg)
	if err != nil {
		logger.Fatal("load jwt private key failed", zap.Error(err))
	}

	userRepo := postgres.NewUserRepository(dbPool)
	adminRepo := postgres.NewAdminRepository(dbPool)
	nodeRepo := postgres.NewNodeRepository(dbPool)
	serviceRepo := postgres.NewServiceRepository(dbPool)
	proxyRepo := postgres.NewProxyRepository(dbPool)
	usageRepo := postgres.NewUsageRepository(dbPool)
	auditRepo := postgres.NewAuditRepository(dbPool)

	eventBus := event.NewBus()
	online := cache.NewOnlineTracker(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.OnlineTTL, logger.Named("online"))
	if online != nil {
		defer online.Close() //nolint:errcheck
	}

	engine := service.NewLimitEngine(cfg.Engine.NotifyPercents)

	authSvc := service.NewAuthService(adminRepo, jwtPrivateKey, cfg.Security.AccessTokenTTL, logger.Named("auth"))
	userSvc := service.NewUserService(dbPool, userRepo, adminRepo, serviceRepo, proxyRepo, usageRepo, engine, eventBus, logger.Named("user"))
	adminSvc := service.NewAdminService(adminRepo, userRepo, logger.Named("admin"))
	nodeSvc := service.NewNodeService(nodeRepo, eventBus, cfg.Security.NodeHMACSecret, cfg.Node.StaleAfter, logger.Named("node"))
	serviceSvc := service.NewServiceService(dbPool, serviceRepo, logger.Named("service"))
	ingestSvc := service.NewIngestService(dbPool, nodeRepo, engine, eventBus, online, logger.Named("ingest"))
	statsSvc := service.NewStatsService(usageRepo, userRepo, logger.Named("stats"))
	sweepSvc := service.NewSweepService(dbPool, engine, eventBus, cfg.Sweep.AutodeleteDays, logger.Named("sweep"))
	auditSvc := service.NewAuditService(auditRepo, logger.Named("audit"))
	systemSvc := service.NewSystemService(dbPool, online, Version, logger.Named("system"))

	dispatcher := notify.NewDispatcher(notify.Config{
		WebhookURL:     cfg.Notify.WebhookURL,
		WebhookSecret:  cfg.Notify.WebhookSecret,
		WebhookTimeout: cfg.Notify.WebhookTimeout,
		TelegramToken:  cfg.Notify.TelegramToken,
		TelegramChatID: cfg.Notify.TelegramChatID,
	}, logger.Named("notify"))
	dispatcher.Register(eventBus)

	streamHub := stream.NewHub(logger.Named("stream"))
	streamHub.AttachBus(eventBus)
	streamHub.AttachLogs(systemLogStore)
	defer streamHub.Close()

	middleware.SetAuditService(auditSvc)
	middleware.SetMaintenanceMode(cfg.Maintenance)

	cronRunner := scheduler.NewScheduler(scheduler.Deps{
		SweepJob:   schedulerjobs.NewSweepJob(sweepSvc, logger.Named("job.sweep")),
		NodeJob:    schedulerjobs.NewNodeJob(nodeSvc, logger.Named("job.node")),
		NotifyJob:  schedulerjobs.NewNotifyJob(dispatcher, logger.Named("job.notify")),
		MetricsJob: schedulerjobs.NewMetricsJob(systemSvc, logger.Named("job.metrics")),
	}, scheduler.Specs{
		Sweep:      cfg.Scheduler.SweepSpec,
		Autodelete: cfg.Scheduler.AutodeleteSpec,
		NodeStale:  cfg.Scheduler.NodeStaleSpec,
		Notify:     cfg.Scheduler.NotifyRetry,
		Gauges:     cfg.Scheduler.GaugeRefresh,
	}, logger.Named("scheduler"))
	cronRunner.Start()
	defer func() {
		stopCtx := cronRunner.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(2 * time.Second):
		}
	}()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(buildCORSMiddleware(cfg))
	router.Use(middleware.RequestLogger(logger.Named("http")))

	router.GET("/healthz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.Database.PingTimeout)
		defer cancel()

		if err := dbPool.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not_ready",
				"error":  "database unavailable",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": Version})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if isDebugMode {
		router.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api.RegisterInternalRoutes(router, ingestSvc, nodeSvc, userSvc)

	apiV1 := router.Group("/api/v1")
	authed := apiV1.Group("", middleware.JWTAuth(&jwtPrivateKey.PublicKey, authSvc), middleware.MaintenanceMode())
	v1.RegisterAuthRoutes(apiV1, authed, authSvc)
	v1.RegisterUserRoutes(authed, userSvc, statsSvc)
	v1.RegisterAdminRoutes(authed, adminSvc, statsSvc)
	v1.RegisterNodeRoutes(authed, nodeSvc, statsSvc)
	v1.RegisterServiceRoutes(authed, serviceSvc, statsSvc)
	v1.RegisterSystemRoutes(authed, systemSvc, statsSvc, sweepSvc, systemLogStore)
	v1.RegisterAuditRoutes(authed, auditSvc)
	v1.RegisterWSRoutes(authed, streamHub)

	systemSvc.RefreshGauges(context.Background())

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
			return
		}
		serverErrCh <- nil
	}()

	logger.Info("server started",
		zap.String("addr", srv.Addr),
		zap.String("version", Version),
		zap.String("commit", Commit),
		zap.String("build_time", BuildTime),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serverErrCh:
		if err != nil {
			logger.Fatal("server exited unexpectedly", zap.Error(err))
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown server failed", zap.Error(err))
	}
}

func loadConfig() (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("MERIDIAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("database.url", "MERIDIAN_DATABASE_URL", "DATABASE_URL")

	v.SetDefault("app.env", "development")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.ping_timeout", "3s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("security.node_hmac_secret", "")
	v.SetDefault("security.node_hmac_secret_file", "")
	v.SetDefault("security.jwt_private_key", "")
	v.SetDefault("security.jwt_private_key_file", "")
	v.SetDefault("security.access_token_ttl", "24h")
	v.SetDefault("engine.notify_percents", []int{80})
	v.SetDefault("sweep.autodelete_days", 0)
	v.SetDefault("node.stale_after", "5m")
	v.SetDefault("scheduler.sweep_spec", "")
	v.SetDefault("scheduler.autodelete_spec", "")
	v.SetDefault("scheduler.node_stale_spec", "")
	v.SetDefault("scheduler.notify_retry_spec", "")
	v.SetDefault("scheduler.gauge_refresh_spec", "")
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.webhook_secret", "")
	v.SetDefault("notify.webhook_timeout", "10s")
	v.SetDefault("notify.telegram_token", "")
	v.SetDefault("notify.telegram_chat_id", 0)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.online_ttl", "3m")
	v.SetDefault("cors.allow_origins", []string{"http://localhost:5173"})
	v.SetDefault("maintenance", false)

	if err := v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(err, &notFoundErr) {
			return Config{}, fmt.Errorf("read config file failed: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config failed: %w", err)
	}

	if err := loadSecretFromFile(&cfg.Security.NodeHMACSecret, cfg.Security.NodeHMACSecretFile, "security.node_hmac_secret_file"); err != nil {
		return Config{}, err
	}
	if err := loadSecretFromFile(&cfg.Security.JWTPrivateKey, cfg.Security.JWTPrivateKeyFile, "security.jwt_private_key_file"); err != nil {
		return Config{}, err
	}

	if cfg.Database.URL == "" {
		return Config{}, errors.New("database.url is required")
	}
	if cfg.Database.MaxConns <= 0 {
		return Config{}, errors.New("database.max_conns must be greater than 0")
	}
	if cfg.Database.PingTimeout <= 0 {
		return Config{}, errors.New("database.ping_timeout must be greater than 0")
	}
	if cfg.Sweep.AutodeleteDays < 0 {
		return Config{}, errors.New("sweep.autodelete_days must not be negative")
	}

	if len(cfg.CORS.AllowOrigins) == 0 {
		return Config{}, errors.New("cors.allow_origins must not be empty")
	}
	for _, origin := range cfg.CORS.AllowOrigins {
		if strings.TrimSpace(origin) == "*" {
			return Config{}, errors.New("cors.allow_origins must not contain wildcard *")
		}
	}

	return cfg, nil
}

func loadSecretFromFile(target *string, path, key string) error {
	if strings.TrimSpace(*target) != "" || strings.TrimSpace(path) == "" {
		return nil
	}

	// #nosec G304 -- path is provided by operator config.
	raw, err := os.ReadFile(strings.TrimSpace(path))
	if err != nil {
		return fmt.Errorf("read %s failed: %w", key, err)
	}
	*target = strings.TrimSpace(string(raw))
	return nil
}

func newLogger(cfg Config) (*zap.Logger, *systemlog.SystemLogStore, error) {
	encoding := cfg.Log.Encoding
	if strings.EqualFold(cfg.App.Env, "development") && encoding == "" {
		encoding = "console"
	}

	logger, err := systemlog.New(systemlog.Options{
		Level:      cfg.Log.Level,
		Encoding:   encoding,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("build zap logger failed: %w", err)
	}

	logStore := systemlog.NewSystemLogStore(1000)
	logger = systemlog.WrapZapLogger(logger, logStore)
	return logger, logStore, nil
}

func newDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database.url failed: %w", err)
	}

	const maxInt32 = int(^uint32(0) >> 1)
	if cfg.Database.MaxConns > maxInt32 {
		return nil, fmt.Errorf("database.max_conns must be <= %d", maxInt32)
	}

	poolCfg.MaxConns = int32(cfg.Database.MaxConns) // #nosec G115 -- validated upper bound above.
	// bucket arithmetic assumes UTC sessions
	poolCfg.ConnConfig.RuntimeParams["timezone"] = "UTC"

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool failed: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Database.PingTimeout)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database failed: %w", err)
	}

	return pool, nil
}

func buildCORSMiddleware(cfg Config) gin.HandlerFunc {
	origins := make([]string, 0, len(cfg.CORS.AllowOrigins))
	for _, origin := range cfg.CORS.AllowOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		origins = append(origins, trimmed)
	}
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173"}
	}

	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "X-Node-ID", "X-Node-Token"},
		ExposeHeaders:    []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

func loadRSAPrivateKey(cfg Config) (*rsa.PrivateKey, error) {
	pem := strings.TrimSpace(cfg.Security.JWTPrivateKey)
	if pem == "" {
		return nil, errors.New("security.jwt_private_key is not configured")
	}
	return jwt.ParseRSAPrivateKeyFromPEM([]byte(pem))
}

func runMigrateCommand() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}

	migrationDir := "/migrations"
	if _, statErr := os.Stat(migrationDir); statErr != nil {
		migrationDir = "./migrations"
	}

	migrator, err := migrate.New("file://"+migrationDir, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("init migrator failed: %w", err)
	}
	defer migrator.Close() //nolint:errcheck

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations failed: %w", err)
	}

	fmt.Println("migrations applied successfully")
	return nil
}

func runCreateAdminCommand(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}

	fs := flag.NewFlagSet("create-admin", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var username string
	var password string
	var sudo bool

	fs.StringVar(&username, "username", model.MasterAdminUsername, "admin username")
	fs.StringVar(&password, "password", "", "admin password")
	fs.BoolVar(&sudo, "sudo", true, "grant the sudo role")

	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("parse database config failed: %w", err)
	}
	poolCfg.MaxConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("connect database failed: %w", err)
	}
	defer pool.Close()

	adminRepo := postgres.NewAdminRepository(pool)
	userRepo := postgres.NewUserRepository(pool)
	adminSvc := service.NewAdminService(adminRepo, userRepo, nil)

	role := model.AdminRoleAdmin
	if sudo {
		role = model.AdminRoleSudo
	}

	admin, err := adminSvc.Create(ctx, service.CreateAdminRequest{
		Username: strings.TrimSpace(username),
		Password: password,
		Role:     role,
	})
	if err != nil {
		if errors.Is(err, service.ErrDuplicateName) {
			fmt.Printf("admin '%s' already exists, skip\n", strings.TrimSpace(username))
			return nil
		}
		return fmt.Errorf("create admin failed: %w", err)
	}

	fmt.Printf("admin '%s' created with role %s\n", admin.Username, admin.Role)
	return nil
}

func runHealthcheck() int {
	cfg, err := loadConfig()
	port := 8080
	if err == nil {
		port = cfg.Server.Port
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/healthz", port))
	if err != nil {
		return 1
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func sanitizeCLIError(err error) string {
	if err == nil {
		return ""
	}

	text := strings.ReplaceAll(err.Error(), "\n", " ")
	text = strings.ReplaceAll(text, "\r", " ")
	return strings.TrimSpace(text)
}
