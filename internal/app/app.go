package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/shepherd/internal/catalog"
	"github.com/hitoshi/shepherd/internal/config"
	"github.com/hitoshi/shepherd/internal/database"
	"github.com/hitoshi/shepherd/internal/handler"
	"github.com/hitoshi/shepherd/internal/logger"
	"github.com/hitoshi/shepherd/internal/match"
	"github.com/hitoshi/shepherd/internal/metrics"
	"github.com/hitoshi/shepherd/internal/middleware"
	"github.com/hitoshi/shepherd/internal/repository"
	"github.com/hitoshi/shepherd/internal/security"
	"github.com/hitoshi/shepherd/internal/signup"
	"github.com/hitoshi/shepherd/internal/validation"
	"github.com/hitoshi/shepherd/internal/worker/expiry"
)

const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、設定を読み込んでログレベルを反映する。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 設定ファイルと環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	return cfg, nil
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// services はserveとworkerで共有するドメインサービス群。
type services struct {
	signups *repository.PostgresSignupRepo
	catalog *catalog.Service
	match   *match.Service
	ledger  *signup.Ledger
}

func newServices(db *sql.DB, cfg *config.Config, collector metrics.MetricsCollector) *services {
	oppRepo := repository.NewPostgresOpportunityRepo(db)
	signupRepo := repository.NewPostgresSignupRepo(db, cfg.AdmissionLockTimeout)
	volunteerRepo := repository.NewPostgresVolunteerRepo(db)
	managerRepo := repository.NewPostgresManagerRepo(db)

	catalogSvc := catalog.NewService(oppRepo, signupRepo, cfg.DefaultPageSize)
	ledger := signup.NewLedger(
		oppRepo, signupRepo, signupRepo, managerRepo,
		security.NewTextSanitizer(), collector, slog.Default(),
		signup.LedgerConfig{LockTimeout: cfg.AdmissionLockTimeout},
	)

	return &services{
		signups: signupRepo,
		catalog: catalogSvc,
		match:   match.NewService(oppRepo, volunteerRepo, catalogSvc),
		ledger:  ledger,
	}
}

// newRegistry はプロセスとランタイムのメトリクスを含むレジストリを生成する。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// rateLimiterConfig は req/min 単位の設定値を req/sec に変換する。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rl := middleware.DefaultRateLimiterConfig()
	rl.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
	rl.GeneralBurst = cfg.RateLimitGeneral
	rl.SignupRate = rate.Limit(float64(cfg.RateLimitSignup) / 60.0)
	rl.SignupBurst = cfg.RateLimitSignup
	return rl
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. DB接続
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. メトリクスとドメインサービスの初期化
	reg := newRegistry()
	collector := metrics.NewCollector(reg)
	svc := newServices(db, cfg, collector)

	// 3. ルーターの構築
	rl := middleware.NewRateLimiter(rateLimiterConfig(cfg))
	defer rl.Stop()

	deps := &handler.RouterDeps{
		Logger: slog.Default(),
		AuthConfig: middleware.AuthConfig{
			Secret: []byte(cfg.AuthJWTSecret),
			Issuer: cfg.AuthJWTIssuer,
			Leeway: cfg.AuthJWTLeeway,
		},
		CORSAllowedOrigins: cfg.CORSAllowedOrigins(),
		RateLimiter:        rl,
		MetricsCollector:   collector,
		HealthChecker:      db,
		MetricsGatherer:    reg,
		OpportunityService: handler.NewOpportunityServiceAdapter(svc.catalog),
		MatchService:       handler.NewMatchServiceAdapter(svc.match),
		SignupService:      svc.ledger,
		Validator:          validation.New(),
	}

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      handler.NewRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 4. HTTPサーバーの起動
	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れキャンセル待ちの自動辞退ジョブを起動直後とEXPIRY_INTERVALごとに実行する。
// metricsAddrが空でなければ、その上で/metricsを公開する。
func runWorker(ctx context.Context, cfg *config.Config, metricsAddr string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	reg := newRegistry()
	collector := metrics.NewCollector(reg)
	svc := newServices(db, cfg, collector)

	job := expiry.NewJob(svc.signups, svc.ledger, collector, slog.Default())
	job.BatchSize = cfg.ExpiryBatchSize

	if metricsAddr != "" {
		metricsServer := &http.Server{
			Addr:              metricsAddr,
			Handler:           metrics.SetupMetricsRoute(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsServer.Shutdown(shutdownCtx)
		}()
	}

	slog.Info("worker starting",
		slog.Duration("expiry_interval", cfg.ExpiryInterval),
		slog.Int("batch_size", cfg.ExpiryBatchSize),
	)

	// ジョブをメインgoroutineで実行（ブロッキング）
	job.Start(ctx, cfg.ExpiryInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// directionが "up" の場合は未適用のマイグレーションを全て適用し、
// "down" の場合は直近の1つを戻す。
func runMigrate(cfg *config.Config, direction string) error {
	slog.Info("running database migrations",
		slog.String("direction", direction),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	var err error
	switch direction {
	case "up":
		err = database.RunMigrations(cfg.DatabaseURL)
	case "down":
		err = database.RollbackMigration(cfg.DatabaseURL)
	default:
		return fmt.Errorf("unknown migration direction %q", direction)
	}
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runMigrateVersion は適用済みのマイグレーションバージョンをwに出力する。
func runMigrateVersion(cfg *config.Config, w io.Writer) error {
	version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration version: %w", err)
	}
	fmt.Fprintf(w, "version=%d dirty=%t\n", version, dirty)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(ctx context.Context, baseURL string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
