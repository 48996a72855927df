package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/rollcall/internal/config"
	"github.com/hitoshi/rollcall/internal/database"
	"github.com/hitoshi/rollcall/internal/dispatch"
	"github.com/hitoshi/rollcall/internal/handler"
	"github.com/hitoshi/rollcall/internal/logger"
	"github.com/hitoshi/rollcall/internal/login"
	"github.com/hitoshi/rollcall/internal/metrics"
	"github.com/hitoshi/rollcall/internal/middleware"
	"github.com/hitoshi/rollcall/internal/platform/yuketang"
	"github.com/hitoshi/rollcall/internal/probe"
	"github.com/hitoshi/rollcall/internal/relay"
	"github.com/hitoshi/rollcall/internal/repository"
	"github.com/hitoshi/rollcall/internal/security"
	"github.com/hitoshi/rollcall/internal/verify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// shutdownTimeout はグレースフルシャットダウンの上限時間。
const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルを反映する
	logger.SetLevel(cfg.SlogLevel())

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := NewRootCommand(w)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func logStart(cfg *config.Config, cmd Command) {
	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		slog.String("platform_base_url", cfg.PlatformBaseURL),
	)
}

// App はserveモードで組み立てた全コンポーネントを保持する。
type App struct {
	Handler http.Handler

	identities   *repository.SQLIdentityRepo
	engine       *dispatch.Engine
	verifier     *verify.Verifier
	provider     *yuketang.Provider
	orchestrator *login.Orchestrator
	hub          *relay.Hub
	rateLimiter  *middleware.RateLimiter
}

// New は設定とDB接続から全依存関係をワイヤリングする。
func New(cfg *config.Config, db *sql.DB, dialect database.Dialect, base *slog.Logger) *App {
	// 1. メトリクス（専用レジストリ）
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	// 2. リポジトリの初期化
	identities := repository.NewSQLIdentityRepo(db, dialect)

	// 3. ディスパッチエンジン
	guard := security.NewTargetGuard(cfg.DispatchBlockPrivate)
	base.Info("dispatch target guard configured",
		slog.Bool("block_private", guard.BlocksPrivate()),
	)
	dispatchClient := probe.NewClient(
		guard.HTTPClient(cfg.DispatchTimeout),
		probe.WithMaxRedirects(cfg.DispatchMaxRedirects),
		probe.WithMaxBodySize(cfg.DispatchMaxBodySize),
	)
	engine := dispatch.NewEngine(
		identities, dispatchClient, guard, security.NewTextExtractor(),
		logger.Component(base, "dispatch"), cfg.DispatchTimeout,
	)
	engine.SetMetrics(collector)

	// 4. ログイン状態の確認
	verifyClient := probe.NewClient(&http.Client{Timeout: cfg.VerifyTimeout})
	prober := yuketang.NewUserInfoProber(verifyClient, cfg.PlatformBaseURL, cfg.VerifyTimeout)
	verifier := verify.NewVerifier(
		identities, prober, logger.Component(base, "verify"),
		cfg.VerifyConcurrency, cfg.VerifyBatchPause,
	)
	verifier.SetMetrics(collector)

	// 5. リレーとQRログイン
	hub := relay.NewHub(logger.Component(base, "relay"))
	hub.SetMetrics(collector)

	provider := yuketang.NewProvider(
		cfg.PlatformBaseURL, cfg.PlatformWSURL, cfg.LoginChallengeTTL,
		logger.Component(base, "yuketang"),
	)
	orchestrator := login.NewOrchestrator(
		provider, hub, identities, logger.Component(base, "login"),
		cfg.LoginChallengeTTL, cfg.LoginApprovedTTL,
	)
	orchestrator.SetMetrics(collector)
	hub.OnRegister(orchestrator.NotifyRegistered)
	metrics.RegisterSessionGauges(registry, orchestrator.ActiveSessions, provider.Pending)

	relayServer := relay.NewServer(hub, engine, logger.Component(base, "relay"), cfg.CORSAllowedOrigin)

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.RateLimiterConfigPerMinute(cfg.RateLimitGeneral, cfg.RateLimitLoginStart),
	)

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            logger.Component(base, "http"),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,

		AccountStore:   identities,
		Verifier:       verifier,
		DeletePassword: cfg.DeletePassword,

		LoginService: orchestrator,

		RelayHandler:   relayServer.Handler(),
		MetricsHandler: metrics.Handler(registry),

		DB: db,
	})

	return &App{
		Handler:      router,
		identities:   identities,
		engine:       engine,
		verifier:     verifier,
		provider:     provider,
		orchestrator: orchestrator,
		hub:          hub,
		rateLimiter:  rateLimiter,
	}
}

// Start はバックグラウンド処理（承認の受信、定期確認）を開始する。
// ctxがキャンセルされると停止する。
func (a *App) Start(ctx context.Context, verifyInterval time.Duration) {
	go a.orchestrator.Run(ctx)

	if verifyInterval > 0 {
		scheduler := verify.NewScheduler(a.verifier, logger.Component(nil, "verify"))
		go scheduler.Start(ctx, verifyInterval)
	}
}

// Close は進行中のログインセッションと上流接続を破棄し、レート制限の掃除を止める。
func (a *App) Close() {
	a.orchestrator.Close()
	a.provider.Close()
	a.rateLimiter.Stop()
}

// openDatabase はDB接続を開き疎通を確認する。
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, database.Dialect, error) {
	db, dialect, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established", slog.String("dialect", string(dialect)))
	return db, dialect, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセル（SIGINT/SIGTERM）されるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config, autoMigrate bool) error {
	if autoMigrate {
		if err := runMigrate(cfg); err != nil {
			return err
		}
	}

	// 1. DB接続
	db, dialect, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. ワイヤリングとバックグラウンド処理
	app := New(cfg, db, dialect, slog.Default())
	defer app.Close()

	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	app.Start(bgCtx, cfg.VerifyInterval)

	// 3. HTTPサーバーの起動
	// WebSocket接続が長時間続くため、WriteTimeoutは設定しない
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           app.Handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// verifySummary はverifyコマンドの出力。
type verifySummary struct {
	LoggedIn int              `json:"successCount"`
	Total    int              `json:"totalCount"`
	Results  []verify.Outcome `json:"results"`
}

// runVerify はCookieを持つ全アカウントのログイン状態を1回確認し、結果をJSONでoutに書き出す。
func runVerify(ctx context.Context, cfg *config.Config, out io.Writer) error {
	db, dialect, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	identities := repository.NewSQLIdentityRepo(db, dialect)
	prober := yuketang.NewUserInfoProber(
		probe.NewClient(&http.Client{Timeout: cfg.VerifyTimeout}),
		cfg.PlatformBaseURL, cfg.VerifyTimeout,
	)
	verifier := verify.NewVerifier(
		identities, prober, logger.Component(nil, "verify"),
		cfg.VerifyConcurrency, cfg.VerifyBatchPause,
	)

	outcomes, err := verify.NewScheduler(verifier, logger.Component(nil, "verify")).RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("verify failed: %w", err)
	}
	if outcomes == nil {
		outcomes = []verify.Outcome{}
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(verifySummary{
		LoggedIn: verify.CountLoggedIn(outcomes),
		Total:    len(outcomes),
		Results:  outcomes,
	})
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
