package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/rollcall/internal/middleware"
)

// healthCheckTimeout は/healthでのDB疎通確認のタイムアウト。
const healthCheckTimeout = 2 * time.Second

// Pinger はヘルスチェックでDB疎通を確認するためのインターフェース。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// アカウント
	AccountStore   AccountStore
	Verifier       StatusVerifier
	DeletePassword string

	// QRログイン
	LoginService LoginServiceInterface

	// WebSocketリレー（/ws）とPrometheus（/metrics）
	RelayHandler   http.Handler
	MetricsHandler http.Handler

	// ヘルスチェック
	DB Pinger
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Recovery → SecurityHeaders → CORS → Logging
//
// /api配下にはさらにRateLimit(General)を適用し、QRログイン開始には専用の制限を重ねる。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	accountHandler := NewAccountHandler(deps.AccountStore, deps.Verifier, deps.DeletePassword)
	loginHandler := NewLoginHandler(deps.LoginService)

	r.Route("/api", func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// アカウント管理
		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", accountHandler.ListAccounts)
			r.Post("/check-status", accountHandler.CheckStatus)
			r.Post("/check-all-status", accountHandler.CheckAllStatus)

			r.Route("/{id}", func(r chi.Router) {
				r.Delete("/", accountHandler.DeleteAccount)
				r.Post("/clear-cookies", accountHandler.ClearCookies)
			})
		})

		// QRコードログイン
		r.Route("/scan-login", func(r chi.Router) {
			r.With(deps.RateLimiter.LoginStartMiddleware()).Post("/start", loginHandler.Start)
			r.Post("/save", loginHandler.Save)
			r.Post("/{sessionId}/cancel", loginHandler.Cancel)
		})
	})

	if deps.RelayHandler != nil {
		r.Handle("/ws", deps.RelayHandler)
	}
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}
	r.Get("/health", healthHandler(deps.DB))

	return r
}

// healthHandler はDBへのpingが成功すれば200、失敗すれば503を返す。
func healthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
