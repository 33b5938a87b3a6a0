// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/adportal/internal/auth"
	"github.com/hitoshi/adportal/internal/model"
)

const (
	sessionCookieName = "session_id"
	oauthStateCookie  = "oauth_state"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	LoginURL(state string) string
	ProviderLogoutURL() string
	HandleCallback(ctx context.Context, code string) (*model.Session, error)
	Logout(ctx context.Context, sessionID string) error
	GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error)
}

// ParamSanitizer は外部由来のクエリパラメータをエラービューに渡す前に
// サニタイズする。security.ParamSanitizerServiceの別名。
type ParamSanitizer interface {
	Sanitize(raw string) string
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	HomeURL          string // state不一致時およびログアウト不能時の戻り先
	LoginRedirectURL string // ログイン成功後のリダイレクト先
	CookieDomain     string
	CookieSecure     bool
	SessionMaxAge    int // セッションCookieの有効期間（秒）
}

// AuthHandler はAzure AD認証関連のHTTPハンドラー。
type AuthHandler struct {
	service   AuthServiceInterface
	sanitizer ParamSanitizer
	config    AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, sanitizer ParamSanitizer, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service:   service,
		sanitizer: sanitizer,
		config:    config,
	}
}

// Login は認可コードフローを開始する。
// GET /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	state := auth.NewState()

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600, // 10分
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.service.LoginURL(state), http.StatusTemporaryRedirect)
}

// Callback は認可コールバックを処理する。
// GET <redirect_path>?state=yyy&code=xxx または ?state=yyy&error=zzz
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	// 1. stateの検証。不一致は検証の詳細を漏らさないよう、
	// エラーを出さずホームへ戻す。
	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || stateCookie.Value == "" || stateCookie.Value != state {
		slog.Warn("oauth state mismatch",
			slog.String("query_state", state),
		)
		http.Redirect(w, r, h.config.HomeURL, http.StatusFound)
		return
	}

	// stateは一回限り。検証に使ったCookieは削除する
	h.clearCookie(w, oauthStateCookie, "")

	// 2. IdPがerrorパラメータを返した場合はエラービューを表示して終端
	if errParam := r.URL.Query().Get("error"); errParam != "" {
		renderAuthError(w, authErrorView{
			Code:        h.sanitizer.Sanitize(errParam),
			Description: h.sanitizer.Sanitize(r.URL.Query().Get("error_description")),
			HomeURL:     h.config.HomeURL,
		})
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		http.Redirect(w, r, h.config.HomeURL, http.StatusFound)
		return
	}

	// 3. コード交換とユーザー照合
	session, err := h.service.HandleCallback(r.Context(), code)
	if err != nil {
		h.writeCallbackError(w, err)
		return
	}

	// 4. セッションCookieを設定（HTTP Only）
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    session.ID,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   h.config.SessionMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	// 5. 設定されたログイン後の宛先にリダイレクト
	http.Redirect(w, r, h.config.LoginRedirectURL, http.StatusFound)
}

// writeCallbackError はHandleCallbackのエラー種別に応じたレスポンスを書き込む。
func (h *AuthHandler) writeCallbackError(w http.ResponseWriter, err error) {
	// IdP申告エラー（スコープ不正、同意拒否、コード失効）はエラービュー
	var provErr *auth.ProviderError
	if errors.As(err, &provErr) {
		slog.Warn("provider rejected token exchange",
			slog.String("code", provErr.Code),
		)
		renderAuthError(w, authErrorView{
			Code:        h.sanitizer.Sanitize(provErr.Code),
			Description: h.sanitizer.Sanitize(provErr.Description),
			HomeURL:     h.config.HomeURL,
		})
		return
	}

	// ローカル照合・永続化の失敗は汎用bad-request
	if errors.Is(err, auth.ErrUserSync) {
		slog.Error("user reconciliation failed", slog.String("error", err.Error()))
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewUserSyncFailedError())
		return
	}

	// ネットワーク障害等
	slog.Error("oauth callback failed", slog.String("error", err.Error()))
	writeInternalError(w)
}

// Logout はローカルセッションを破棄し、IdPのログアウトエンドポイントへ
// リダイレクトする。リモート側の成否に関わらずローカルは必ず破棄する。
// GET /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err == nil && cookie.Value != "" {
		if logoutErr := h.service.Logout(r.Context(), cookie.Value); logoutErr != nil {
			slog.Error("failed to logout", slog.String("error", logoutErr.Error()))
			// ログアウト失敗してもCookieはクリアする
		}
	}

	h.clearCookie(w, sessionCookieName, h.config.CookieDomain)
	h.clearCookie(w, oauthStateCookie, "")

	http.Redirect(w, r, h.service.ProviderLogoutURL(), http.StatusFound)
}

// Me は現在のログインユーザー情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	user, err := h.service.GetCurrentUser(r.Context(), cookie.Value)
	if err != nil {
		slog.Error("failed to get current user", slog.String("error", err.Error()))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":         user.AzureObjectID,
		"email":      user.Email,
		"first_name": user.FirstName,
		"last_name":  user.LastName,
		"name":       user.FullName(),
	})
}

// clearCookie は指定された名前のCookieを無効化する。
func (h *AuthHandler) clearCookie(w http.ResponseWriter, name, domain string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
