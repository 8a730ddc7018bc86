package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/shepherd/internal/metrics"
	"github.com/hitoshi/shepherd/internal/middleware"
	"github.com/hitoshi/shepherd/internal/validation"
)

// HealthChecker はヘルスチェックでDB疎通を確認するためのインターフェース。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger             *slog.Logger
	AuthConfig         middleware.AuthConfig
	CORSAllowedOrigins []string
	RateLimiter        *middleware.RateLimiter
	MetricsCollector   metrics.MetricsCollector

	// 運用エンドポイント
	HealthChecker   HealthChecker
	MetricsGatherer prometheus.Gatherer

	// 奉仕募集
	OpportunityService OpportunityServiceInterface
	MatchService       MatchServiceInterface

	// 申込
	SignupService SignupServiceInterface
	Validator     *validation.Validator
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → Logging → Metrics → CORS → (/api) Auth → RateLimit(General)
//
// /health と /metrics は認証不要。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := deps.MetricsCollector
	if collector == nil {
		collector = metrics.Nop{}
	}
	v := deps.Validator
	if v == nil {
		v = validation.New()
	}

	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewMetricsMiddleware(collector))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigins...))

	oppHandler := NewOpportunityHandler(deps.OpportunityService, deps.MatchService)
	signupHandler := NewSignupHandler(deps.SignupService, v)

	// --- 認証不要のルート ---
	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsGatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.MetricsGatherer))
	}

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Auth → RateLimit(General)
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NewAuthMiddleware(deps.AuthConfig))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/opportunities", func(r chi.Router) {
			r.Get("/", oppHandler.ListOpportunities)
			r.Get("/search", oppHandler.SearchMatches)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", oppHandler.GetOpportunity)
				r.Get("/availability", oppHandler.GetAvailability)

				// POST /api/opportunities/{id}/signup - 申込（申込専用レート制限を追加）
				r.With(deps.RateLimiter.SignupMiddleware()).Post("/signup", signupHandler.CreateSignup)

				r.Get("/signups", signupHandler.ListSignups)
				r.Get("/signups/{signupId}", signupHandler.GetSignup)
				r.Put("/signups/{signupId}", signupHandler.UpdateSignupStatus)
			})
		})
	})

	return r
}

// healthHandler はDB疎通を確認するヘルスチェックハンドラーを返す。
// checkerがnilの場合はプロセスの生存のみを返す。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
