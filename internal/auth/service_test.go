package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/adportal/internal/model"
	"github.com/hitoshi/adportal/internal/repository"
)

// --- モック定義 ---

type mockSessionRepo struct {
	createFn         func(ctx context.Context, session *model.Session) error
	findByIDFn       func(ctx context.Context, id string) (*model.Session, error)
	deleteByIDFn     func(ctx context.Context, id string) error
	deleteByUserIDFn func(ctx context.Context, userID string) error
}

func (m *mockSessionRepo) Create(ctx context.Context, session *model.Session) error {
	if m.createFn != nil {
		return m.createFn(ctx, session)
	}
	return nil
}

func (m *mockSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockSessionRepo) DeleteByID(ctx context.Context, id string) error {
	if m.deleteByIDFn != nil {
		return m.deleteByIDFn(ctx, id)
	}
	return nil
}

func (m *mockSessionRepo) DeleteByUserID(ctx context.Context, userID string) error {
	if m.deleteByUserIDFn != nil {
		return m.deleteByUserIDFn(ctx, userID)
	}
	return nil
}

func (m *mockSessionRepo) DeleteExpired(ctx context.Context) (int64, error) {
	return 0, nil
}

type mockTokenClient struct {
	cache               *SerializableTokenCache
	authCodeURLFn       func(state, redirectURI string) string
	acquireByAuthCodeFn func(ctx context.Context, code, redirectURI string) (*AuthResult, error)
	acquireSilentFn     func(ctx context.Context, scopes []string) (*AuthResult, error)
}

func (m *mockTokenClient) AuthCodeURL(state, redirectURI string) string {
	if m.authCodeURLFn != nil {
		return m.authCodeURLFn(state, redirectURI)
	}
	return ""
}

func (m *mockTokenClient) AcquireTokenByAuthCode(ctx context.Context, code, redirectURI string) (*AuthResult, error) {
	if m.acquireByAuthCodeFn != nil {
		return m.acquireByAuthCodeFn(ctx, code, redirectURI)
	}
	return nil, nil
}

func (m *mockTokenClient) AcquireTokenSilent(ctx context.Context, scopes []string) (*AuthResult, error) {
	if m.acquireSilentFn != nil {
		return m.acquireSilentFn(ctx, scopes)
	}
	return nil, nil
}

// --- compile-time interface checks ---
var _ repository.SessionRepository = (*mockSessionRepo)(nil)
var _ TokenClient = (*mockTokenClient)(nil)

// テスト用のServiceを組み立てるヘルパー。
// クライアントのモックは交換成功時にクレームを返し、キャッシュにトークンを書き込む。
func newTestService(userRepo *mockUserRepo, sessionRepo *mockSessionRepo, client *mockTokenClient) *Service {
	factory := func(cache *SerializableTokenCache) TokenClient {
		client.cache = cache
		return client
	}
	return NewService(
		factory,
		NewTokenCacheStore(userRepo),
		userRepo,
		sessionRepo,
		nil,
		ServiceConfig{
			RedirectURI:           "https://portal.example.com/auth/callback",
			Scopes:                []string{"User.Read"},
			Authority:             "https://login.microsoftonline.com/tenant-1",
			PostLogoutRedirectURL: "https://portal.example.com/",
			SessionMaxAge:         86400,
		},
	)
}

// 交換成功を返すモック関数を生成するヘルパー
func successfulExchange(client *mockTokenClient, claims IDTokenClaims) {
	client.acquireByAuthCodeFn = func(ctx context.Context, code, redirectURI string) (*AuthResult, error) {
		client.cache.put("User.Read", cacheEntry{
			AccessToken:  "access-1",
			RefreshToken: "refresh-1",
			ExpiresAt:    time.Now().Add(time.Hour),
		})
		return &AuthResult{AccessToken: "access-1", Claims: claims}, nil
	}
}

// --- テスト ---

func TestLoginURL_DelegatesToClient(t *testing.T) {
	client := &mockTokenClient{
		authCodeURLFn: func(state, redirectURI string) string {
			return "https://login.microsoftonline.com/authorize?state=" + state
		},
	}
	svc := newTestService(&mockUserRepo{}, &mockSessionRepo{}, client)

	url := svc.LoginURL("state-1")
	if url != "https://login.microsoftonline.com/authorize?state=state-1" {
		t.Errorf("LoginURL = %q", url)
	}
}

func TestNewState_GeneratesUniqueValues(t *testing.T) {
	a := NewState()
	b := NewState()
	if a == "" || b == "" {
		t.Fatal("state should not be empty")
	}
	if a == b {
		t.Error("state values should be unique")
	}
}

// 初回ログイン: 未知のoidに対してユーザーが1件作成されることを検証
func TestHandleCallback_CreatesNewUser(t *testing.T) {
	var created *model.User
	createCalls := 0
	userRepo := &mockUserRepo{
		createFn: func(ctx context.Context, user *model.User) error {
			createCalls++
			created = user
			return nil
		},
	}
	var savedSession *model.Session
	sessionRepo := &mockSessionRepo{
		createFn: func(ctx context.Context, session *model.Session) error {
			savedSession = session
			return nil
		},
	}

	client := &mockTokenClient{}
	successfulExchange(client, IDTokenClaims{
		ObjectID:          "u1",
		PreferredUsername: "a@x.com",
		Name:              "Ann Lee",
	})

	svc := newTestService(userRepo, sessionRepo, client)

	session, err := svc.HandleCallback(context.Background(), "code-abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if createCalls != 1 {
		t.Fatalf("expected exactly 1 user creation, got %d", createCalls)
	}
	if created.AzureObjectID != "u1" {
		t.Errorf("AzureObjectID = %q, want u1", created.AzureObjectID)
	}
	if created.Email != "a@x.com" {
		t.Errorf("Email = %q, want a@x.com", created.Email)
	}
	if created.FirstName != "Ann" {
		t.Errorf("FirstName = %q, want Ann", created.FirstName)
	}
	if created.LastName != "Lee" {
		t.Errorf("LastName = %q, want Lee", created.LastName)
	}
	if created.TokenCache == "" {
		t.Error("new user should carry serialized token cache")
	}
	if !created.IsActive {
		t.Error("new user should be active")
	}

	if session == nil || session.UserID != "u1" {
		t.Fatalf("expected session bound to u1, got %+v", session)
	}
	if savedSession == nil {
		t.Fatal("session should be persisted")
	}

	// 作成時にblobを保存済みのため追加の書き込みは発生しない
	if userRepo.tokenCacheWrites != 0 {
		t.Errorf("expected 0 extra token cache writes, got %d", userRepo.tokenCacheWrites)
	}
}

// 既存ユーザー: 主キーは不変のまま、メールドリフトのみ補正されることを検証
func TestHandleCallback_UpdatesEmailOnDrift(t *testing.T) {
	existing := &model.User{
		AzureObjectID: "u1",
		Email:         "old@x.com",
		FirstName:     "Ann",
		IsActive:      true,
	}

	var updatedEmail string
	userRepo := &mockUserRepo{
		findByObjectIDFn: func(ctx context.Context, objectID string) (*model.User, error) {
			return existing, nil
		},
		updateEmailFn: func(ctx context.Context, objectID, email string) error {
			if objectID != "u1" {
				t.Errorf("update targeted wrong user: %s", objectID)
			}
			updatedEmail = email
			return nil
		},
		createFn: func(ctx context.Context, user *model.User) error {
			t.Error("no user should be created for known oid")
			return nil
		},
	}

	client := &mockTokenClient{}
	successfulExchange(client, IDTokenClaims{
		ObjectID:          "u1",
		PreferredUsername: "new@x.com",
		Name:              "Ann Lee",
	})

	svc := newTestService(userRepo, &mockSessionRepo{}, client)

	if _, err := svc.HandleCallback(context.Background(), "code-abc"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if updatedEmail != "new@x.com" {
		t.Errorf("email not updated on drift, got %q", updatedEmail)
	}
	// 交換でキャッシュが変わるため保存は1回発生する
	if userRepo.tokenCacheWrites != 1 {
		t.Errorf("expected 1 token cache write, got %d", userRepo.tokenCacheWrites)
	}
}

// メールが一致する場合は更新が発生しないことを検証
func TestHandleCallback_NoEmailUpdateWhenUnchanged(t *testing.T) {
	existing := &model.User{
		AzureObjectID: "u1",
		Email:         "a@x.com",
		IsActive:      true,
	}
	emailUpdates := 0
	userRepo := &mockUserRepo{
		findByObjectIDFn: func(ctx context.Context, objectID string) (*model.User, error) {
			return existing, nil
		},
		updateEmailFn: func(ctx context.Context, objectID, email string) error {
			emailUpdates++
			return nil
		},
	}

	client := &mockTokenClient{}
	successfulExchange(client, IDTokenClaims{
		ObjectID:          "u1",
		PreferredUsername: "a@x.com",
		Name:              "Ann Lee",
	})

	svc := newTestService(userRepo, &mockSessionRepo{}, client)

	if _, err := svc.HandleCallback(context.Background(), "code-abc"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if emailUpdates != 0 {
		t.Errorf("expected 0 email updates, got %d", emailUpdates)
	}
}

// 既存ユーザーの保存済みキャッシュが作業キャッシュに復元されることを検証
func TestHandleCallback_RestoresStoredCache(t *testing.T) {
	stored := NewTokenCache()
	stored.put("Mail.Read", cacheEntry{AccessToken: "mail-tok", RefreshToken: "mail-refresh"})
	blob, err := stored.Serialize()
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	existing := &model.User{
		AzureObjectID: "u1",
		Email:         "a@x.com",
		TokenCache:    blob,
		IsActive:      true,
	}
	userRepo := &mockUserRepo{
		findByObjectIDFn: func(ctx context.Context, objectID string) (*model.User, error) {
			return existing, nil
		},
	}

	client := &mockTokenClient{}
	successfulExchange(client, IDTokenClaims{
		ObjectID:          "u1",
		PreferredUsername: "a@x.com",
		Name:              "Ann Lee",
	})

	svc := newTestService(userRepo, &mockSessionRepo{}, client)

	if _, err := svc.HandleCallback(context.Background(), "code-abc"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 保存されたblobには交換分と復元分の両方が含まれる
	restored := NewTokenCache()
	if err := restored.Deserialize(existing.TokenCache); err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}
	if _, ok := restored.get("User.Read"); !ok {
		t.Error("fresh tokens from exchange should be persisted")
	}
	if _, ok := restored.get("Mail.Read"); !ok {
		t.Error("previously stored tokens should be restored and persisted")
	}
}

// プロバイダー申告エラーは*ProviderErrorとして返り、ユーザー作成もセッションも発生しないことを検証
func TestHandleCallback_ProviderErrorIsTerminal(t *testing.T) {
	userRepo := &mockUserRepo{
		createFn: func(ctx context.Context, user *model.User) error {
			t.Error("no user should be created on provider error")
			return nil
		},
	}
	sessionRepo := &mockSessionRepo{
		createFn: func(ctx context.Context, session *model.Session) error {
			t.Error("no session should be created on provider error")
			return nil
		},
	}

	client := &mockTokenClient{
		acquireByAuthCodeFn: func(ctx context.Context, code, redirectURI string) (*AuthResult, error) {
			return &AuthResult{Error: "invalid_grant", ErrorDescription: "code expired"}, nil
		},
	}

	svc := newTestService(userRepo, sessionRepo, client)

	_, err := svc.HandleCallback(context.Background(), "bad-code")
	if err == nil {
		t.Fatal("expected error")
	}

	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected *ProviderError, got %T: %v", err, err)
	}
	if provErr.Code != "invalid_grant" {
		t.Errorf("Code = %q, want invalid_grant", provErr.Code)
	}
}

// ストレージ障害（not found以外）はErrUserSyncにラップされることを検証
func TestHandleCallback_StorageFaultIsSyncError(t *testing.T) {
	userRepo := &mockUserRepo{
		findByObjectIDFn: func(ctx context.Context, objectID string) (*model.User, error) {
			return nil, errors.New("connection refused")
		},
	}

	client := &mockTokenClient{}
	successfulExchange(client, IDTokenClaims{
		ObjectID:          "u1",
		PreferredUsername: "a@x.com",
		Name:              "Ann",
	})

	svc := newTestService(userRepo, &mockSessionRepo{}, client)

	_, err := svc.HandleCallback(context.Background(), "code-abc")
	if !errors.Is(err, ErrUserSync) {
		t.Errorf("expected ErrUserSync, got %v", err)
	}
}

// ネットワーク障害はProviderErrorでもErrUserSyncでもない素のエラーとして返ることを検証
func TestHandleCallback_TransportErrorPropagates(t *testing.T) {
	client := &mockTokenClient{
		acquireByAuthCodeFn: func(ctx context.Context, code, redirectURI string) (*AuthResult, error) {
			return nil, errors.New("dial tcp: connection timed out")
		},
	}

	svc := newTestService(&mockUserRepo{}, &mockSessionRepo{}, client)

	_, err := svc.HandleCallback(context.Background(), "code-abc")
	if err == nil {
		t.Fatal("expected error")
	}
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		t.Error("transport error should not be ProviderError")
	}
	if errors.Is(err, ErrUserSync) {
		t.Error("transport error should not be ErrUserSync")
	}
}

func TestAcquireUserToken_LoadsAndSavesCache(t *testing.T) {
	stored := NewTokenCache()
	stored.put("User.Read", cacheEntry{
		AccessToken:  "expired",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(-time.Minute),
	})
	blob, err := stored.Serialize()
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	userRepo := &mockUserRepo{}
	user := &model.User{AzureObjectID: "u1", TokenCache: blob}

	client := &mockTokenClient{
		acquireSilentFn: func(ctx context.Context, scopes []string) (*AuthResult, error) {
			return &AuthResult{AccessToken: "renewed"}, nil
		},
	}
	var factoryCache *SerializableTokenCache
	factory := func(cache *SerializableTokenCache) TokenClient {
		factoryCache = cache
		client.cache = cache
		// リフレッシュによるキャッシュ更新を模擬
		cache.put("User.Read", cacheEntry{AccessToken: "renewed", RefreshToken: "refresh-2", ExpiresAt: time.Now().Add(time.Hour)})
		return client
	}

	svc := NewService(factory, NewTokenCacheStore(userRepo), userRepo, &mockSessionRepo{}, nil, ServiceConfig{
		Scopes: []string{"User.Read"},
	})

	result, err := svc.AcquireUserToken(context.Background(), user, []string{"User.Read"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil || result.AccessToken != "renewed" {
		t.Fatalf("expected renewed token, got %+v", result)
	}
	if factoryCache == nil {
		t.Fatal("factory should receive the loaded cache")
	}
	if userRepo.tokenCacheWrites != 1 {
		t.Errorf("expected 1 cache write after refresh, got %d", userRepo.tokenCacheWrites)
	}
}

func TestLogout_DeletesSession(t *testing.T) {
	deleted := ""
	sessionRepo := &mockSessionRepo{
		deleteByIDFn: func(ctx context.Context, id string) error {
			deleted = id
			return nil
		},
	}
	svc := newTestService(&mockUserRepo{}, sessionRepo, &mockTokenClient{})

	if err := svc.Logout(context.Background(), "sess-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted != "sess-1" {
		t.Errorf("deleted = %q, want sess-1", deleted)
	}
}

func TestLogout_EmptySessionIDFails(t *testing.T) {
	svc := newTestService(&mockUserRepo{}, &mockSessionRepo{}, &mockTokenClient{})
	if err := svc.Logout(context.Background(), ""); err == nil {
		t.Error("expected error for empty session ID")
	}
}

func TestProviderLogoutURL_UsesConfiguredAuthority(t *testing.T) {
	svc := newTestService(&mockUserRepo{}, &mockSessionRepo{}, &mockTokenClient{})

	url := svc.ProviderLogoutURL()
	want := "https://login.microsoftonline.com/tenant-1/oauth2/v2.0/logout"
	if len(url) < len(want) || url[:len(want)] != want {
		t.Errorf("ProviderLogoutURL = %q, want prefix %q", url, want)
	}
}

func TestGetCurrentUser_ExpiredSessionFails(t *testing.T) {
	sessionRepo := &mockSessionRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			return nil, nil // 期限切れ
		},
	}
	svc := newTestService(&mockUserRepo{}, sessionRepo, &mockTokenClient{})

	if _, err := svc.GetCurrentUser(context.Background(), "sess-1"); err == nil {
		t.Error("expected error for expired session")
	}
}

func TestSplitDisplayName(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantFirst string
		wantLast  string
	}{
		{"姓名2トークン", "Ann Lee", "Ann", "Lee"},
		{"3トークンは残りを結合", "Ann van Dyk", "Ann", "van Dyk"},
		{"単一トークンは姓なし", "Ann", "Ann", ""},
		{"空文字", "", "", ""},
		{"余分な空白", "  Ann   Lee  ", "Ann", "Lee"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first, last := SplitDisplayName(tt.input)
			if first != tt.wantFirst || last != tt.wantLast {
				t.Errorf("SplitDisplayName(%q) = (%q, %q), want (%q, %q)",
					tt.input, first, last, tt.wantFirst, tt.wantLast)
			}
		})
	}
}
