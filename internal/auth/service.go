// Package auth はAzure ADとのOAuth2/OIDC認可コードフロー、ユーザー単位の
// トークンキャッシュ、セッション管理を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/adportal/internal/model"
	"github.com/hitoshi/adportal/internal/repository"
)

// ProviderError はIdPが申告した認証エラー（スコープ不正、同意拒否、
// 失効した認可コード等）を表す。リトライせず、そのままユーザーに表示する。
type ProviderError struct {
	Code        string
	Description string
}

// Error はerrorインターフェースを実装する。
func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider auth error: %s: %s", e.Code, e.Description)
}

// ErrUserSync はIdPクレームとローカルユーザーの照合・同期の失敗を表すセンチネル。
// 呼び出し側は汎用的なbad-requestとして扱う。
var ErrUserSync = errors.New("user reconciliation failed")

// TokenClient は認証サービスが必要とするconfidential client操作のインターフェース。
// テストでのモック差し替えのための抽象化。
type TokenClient interface {
	// AuthCodeURL は認可エンドポイントへのリダイレクトURLを生成する。
	AuthCodeURL(state, redirectURI string) string
	// AcquireTokenByAuthCode は認可コードをトークンに交換する。
	AcquireTokenByAuthCode(ctx context.Context, code, redirectURI string) (*AuthResult, error)
	// AcquireTokenSilent はキャッシュ済みトークンの再利用を試みる。
	AcquireTokenSilent(ctx context.Context, scopes []string) (*AuthResult, error)
}

// ClientFactory はトークンキャッシュを紐付けたTokenClientを生成する。
// キャッシュは呼び出し側が所有し、明示的に注入する（暗黙の共有キャッシュは持たない）。
type ClientFactory func(cache *SerializableTokenCache) TokenClient

// MetricsRecorder は認証フローのメトリクス記録インターフェース。
type MetricsRecorder interface {
	RecordLoginSuccess()
	RecordLoginFailure(reason string)
	RecordTokenExchangeLatency(d time.Duration)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	RedirectURI           string   // コールバックの絶対URI（認可リクエストと同一であること）
	Scopes                []string
	Authority             string
	PostLogoutRedirectURL string
	SessionMaxAge         int // セッション有効期間（秒）
}

// Service はログイン状態機械を実装する。
// state検証 → コード交換 → クレーム照合 → キャッシュ永続化 → セッション確立。
type Service struct {
	newClient   ClientFactory
	cacheStore  *TokenCacheStore
	userRepo    repository.UserRepository
	sessionRepo repository.SessionRepository
	metrics     MetricsRecorder
	config      ServiceConfig
}

// NewService はServiceを生成する。metricsはnilでもよい。
func NewService(
	newClient ClientFactory,
	cacheStore *TokenCacheStore,
	userRepo repository.UserRepository,
	sessionRepo repository.SessionRepository,
	metrics MetricsRecorder,
	config ServiceConfig,
) *Service {
	return &Service{
		newClient:   newClient,
		cacheStore:  cacheStore,
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
		metrics:     metrics,
		config:      config,
	}
}

// NewState はCSRF対策用のランダムなstate nonceを生成する。
func NewState() string {
	return uuid.New().String()
}

// LoginURL は指定したstateを含む認可エンドポイントURLを返す。
func (s *Service) LoginURL(state string) string {
	return s.newClient(nil).AuthCodeURL(state, s.config.RedirectURI)
}

// ProviderLogoutURL はIdPのログアウトエンドポイントURLを返す。
func (s *Service) ProviderLogoutURL() string {
	return LogoutURL(s.config.Authority, s.config.PostLogoutRedirectURL)
}

// HandleCallback は認可コードを交換し、クレームをローカルユーザーと照合して
// セッションを発行する。
//
// 返すエラーの種別:
//   - *ProviderError: IdP申告のエラー。エラービューの表示対象。
//   - ErrUserSync（ラップ済み）: ローカル照合・永続化の失敗。汎用bad-request。
//   - その他: ネットワーク障害等。呼び出し側は障害ページを表示する。
func (s *Service) HandleCallback(ctx context.Context, code string) (*model.Session, error) {
	// 1. リクエストスコープの作業キャッシュを作り、コードをトークンに交換する
	cache := NewTokenCache()
	client := s.newClient(cache)

	start := time.Now()
	result, err := client.AcquireTokenByAuthCode(ctx, code, s.config.RedirectURI)
	if err != nil {
		s.recordFailure("exchange_failed")
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordTokenExchangeLatency(time.Since(start))
	}

	if result.Failed() {
		s.recordFailure("provider_error")
		return nil, &ProviderError{Code: result.Error, Description: result.ErrorDescription}
	}

	// 2. クレームをローカルユーザーと照合する
	user, err := s.reconcileUser(ctx, result.Claims, cache)
	if err != nil {
		s.recordFailure("reconcile_failed")
		return nil, err
	}

	// 3. 作業キャッシュを永続化する（変更がなければ書き込みなし）
	if err := s.cacheStore.Save(ctx, cache, user); err != nil {
		s.recordFailure("cache_save_failed")
		return nil, fmt.Errorf("%w: %v", ErrUserSync, err)
	}

	// 4. セッションを発行する
	session, err := s.createSession(ctx, user.AzureObjectID)
	if err != nil {
		s.recordFailure("session_failed")
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordLoginSuccess()
	}

	return session, nil
}

// reconcileUser はid_tokenクレームをローカルユーザーと照合する。
// 既存ユーザーはメールドリフトを補正し、保存済みキャッシュを作業キャッシュに
// 復元する。未知のオブジェクトIDは新規ユーザーとして作成する。
func (s *Service) reconcileUser(ctx context.Context, claims IDTokenClaims, cache *SerializableTokenCache) (*model.User, error) {
	user, err := s.userRepo.FindByObjectID(ctx, claims.ObjectID)
	if err != nil {
		// 「見つからない」以外のストレージ障害
		return nil, fmt.Errorf("%w: %v", ErrUserSync, err)
	}

	if user != nil {
		// 既存ユーザー: メールアドレスのドリフトを補正する
		if user.Email != claims.PreferredUsername {
			if err := s.userRepo.UpdateEmail(ctx, user.AzureObjectID, claims.PreferredUsername); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrUserSync, err)
			}
			user.Email = claims.PreferredUsername
			slog.Info("user email updated from claim",
				slog.String("user_id", user.AzureObjectID),
			)
		}

		// 以前保存されたリフレッシュトークンを作業キャッシュに復元する
		if user.TokenCache != "" {
			if err := cache.Merge(user.TokenCache); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrUserSync, err)
			}
		}

		slog.Info("existing user logged in",
			slog.String("user_id", user.AzureObjectID),
		)
		return user, nil
	}

	// 新規ユーザー: クレームからレコードを作成する
	firstName, lastName := SplitDisplayName(claims.Name)

	blob, err := cache.Serialize()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUserSync, err)
	}

	now := time.Now()
	user = &model.User{
		AzureObjectID: claims.ObjectID,
		Email:         claims.PreferredUsername,
		FirstName:     firstName,
		LastName:      lastName,
		IsActive:      true,
		TokenCache:    blob,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.userRepo.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUserSync, err)
	}

	// blobは作成時に保存済みのため、後続のSaveを不要にする
	cache.ResetChanged()

	slog.Info("new user created from claims",
		slog.String("user_id", user.AzureObjectID),
		slog.String("email", user.Email),
	)
	return user, nil
}

// AcquireUserToken はユーザーの保存済みキャッシュを使ってサイレントにトークンを
// 取得し、キャッシュに変更があれば永続化する。再取得が不可能な場合は
// (nil, nil)を返す（対話的な再ログインが必要）。
func (s *Service) AcquireUserToken(ctx context.Context, user *model.User, scopes []string) (*AuthResult, error) {
	cache, err := s.cacheStore.Load(user)
	if err != nil {
		return nil, err
	}

	client := s.newClient(cache)
	result, err := client.AcquireTokenSilent(ctx, scopes)
	if err != nil {
		return nil, fmt.Errorf("silent token acquisition failed: %w", err)
	}

	if err := s.cacheStore.Save(ctx, cache, user); err != nil {
		return nil, err
	}

	return result, nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("user logged out", slog.String("session_id", sessionID))
	return nil
}

// GetCurrentUser はセッションから現在のユーザーを取得する。
func (s *Service) GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session ID is required")
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, fmt.Errorf("session not found or expired")
	}

	user, err := s.userRepo.FindByObjectID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("user not found")
	}

	return user, nil
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID string) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: time.Now().Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: time.Now(),
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// recordFailure はログイン失敗メトリクスを記録する。
func (s *Service) recordFailure(reason string) {
	if s.metrics != nil {
		s.metrics.RecordLoginFailure(reason)
	}
}

// SplitDisplayName は表示名クレームを空白で分割し、先頭トークンを名、
// 残りの結合を姓として返す。単一トークンの場合は姓は空になる。
func SplitDisplayName(name string) (firstName, lastName string) {
	parts := strings.Fields(name)
	if len(parts) == 0 {
		return "", ""
	}
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
