package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/adportal/internal/middleware"
	"github.com/hitoshi/adportal/internal/repository"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	SessionFinder     middleware.SessionFinder
	AdminChecker      middleware.DirectoryAdminChecker
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRFConfig        middleware.CSRFConfig

	// 運用系（いずれもnil可）
	HealthChecker HealthChecker
	Logger        *slog.Logger
	HTTPMetrics   middleware.HTTPStatusRecorder
	// MetricsHandler は/metricsにマウントするPrometheusハンドラー。
	MetricsHandler http.Handler

	// 認証
	AuthService AuthServiceInterface
	Sanitizer   ParamSanitizer
	AuthConfig  AuthHandlerConfig
	// RedirectPath は認可コールバックのマウント先（例: /auth/callback）。
	RedirectPath string

	// ディレクトリ管理
	DirectoryService DirectoryServiceInterface
	DirectoryConfig  DirectoryHandlerConfig
	UserRepo         repository.UserRepository
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → Metrics → SecurityHeaders → CORS
//	→ (管理ルートのみ) Session → CSRF → RateLimit(General) → Admin
//
// 認証ルート（/auth/*）はセッションミドルウェアの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	if deps.Logger != nil {
		r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	}
	r.Use(middleware.NewMetricsMiddleware(deps.HTTPMetrics))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.Sanitizer, deps.AuthConfig)
	dirHandler := NewDirectoryHandler(deps.DirectoryService, deps.UserRepo, deps.DirectoryConfig)

	// --- 認証不要のルート ---

	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	redirectPath := deps.RedirectPath
	if redirectPath == "" {
		redirectPath = "/auth/callback"
	}

	r.Get("/auth/login", authHandler.Login)
	r.Get(redirectPath, authHandler.Callback)
	r.Get("/auth/logout", authHandler.Logout)
	r.Get("/auth/me", authHandler.Me)

	// --- ディレクトリ管理者のみのルート ---
	// ミドルウェアスタック: Session → RateLimit(General) → Admin
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.NewAdminMiddleware(deps.AdminChecker, deps.UserRepo))

		r.Route("/api/directory/users", func(r chi.Router) {
			r.Get("/", dirHandler.ListUsers)
			// 変更系の操作には専用レート制限を追加
			r.With(deps.RateLimiter.DirectoryMutationMiddleware()).Post("/", dirHandler.CreateUser)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", dirHandler.GetUser)
				r.With(deps.RateLimiter.DirectoryMutationMiddleware()).Patch("/", dirHandler.UpdateUser)
				r.With(deps.RateLimiter.DirectoryMutationMiddleware()).Delete("/", dirHandler.DeleteUser)
			})
		})
	})

	return r
}
