package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Azure AD v2.0エンドポイントのパス。オーソリティURLに連結して使う。
const (
	authorizePath = "/oauth2/v2.0/authorize"
	tokenPath     = "/oauth2/v2.0/token"
	logoutPath    = "/oauth2/v2.0/logout"
)

// ClientConfig はConfidentialClientの静的設定。
type ClientConfig struct {
	ClientID     string
	ClientSecret string
	Authority    string // 例: "https://login.microsoftonline.com/<tenant>"
	Scopes       []string

	// テスト用にオーバーライド可能なHTTPクライアント
	HTTPClient *http.Client
}

// ConfidentialClient はAzure ADに対するconfidential clientハンドル。
// 静的設定と注入されたトークンキャッシュのみを持ち、リクエストごとに
// 生成しても安価なステートレスな構造。認可コード交換とサイレント取得、
// クライアントクレデンシャル取得の両方に同一のハンドルを使う。
type ConfidentialClient struct {
	config     ClientConfig
	cache      *SerializableTokenCache
	httpClient *http.Client
}

// NewConfidentialClient はConfidentialClientを生成する。
// cacheがnilの場合は空のキャッシュを新規に持つ。
// authorityが空でない場合は設定のオーソリティを上書きする。
// ネットワーク呼び出しは行わない。
func NewConfidentialClient(cfg ClientConfig, cache *SerializableTokenCache, authority string) *ConfidentialClient {
	if authority != "" {
		cfg.Authority = authority
	}
	cfg.Authority = strings.TrimRight(cfg.Authority, "/")

	if cache == nil {
		cache = NewTokenCache()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &ConfidentialClient{
		config:     cfg,
		cache:      cache,
		httpClient: httpClient,
	}
}

// Cache はこのクライアントに紐付くトークンキャッシュを返す。
func (c *ConfidentialClient) Cache() *SerializableTokenCache {
	return c.cache
}

// IDTokenClaims はid_tokenから抽出するアイデンティティクレーム。
type IDTokenClaims struct {
	ObjectID          string `json:"oid"`  // 安定した外部オブジェクトID
	PreferredUsername string `json:"preferred_username"` // メールアドレス
	Name              string `json:"name"` // 表示名
}

// AuthResult はトークン取得操作の結果。
// プロバイダーが申告したエラー（bad scope、同意拒否、期限切れコード等）は
// ErrorとErrorDescriptionに入り、Goのerrorとしては返らない。
// Goのerrorはネットワーク障害やレスポンス解析失敗のみを表す。
type AuthResult struct {
	AccessToken      string
	RefreshToken     string
	IDToken          string
	ExpiresAt        time.Time
	Claims           IDTokenClaims
	Error            string
	ErrorDescription string
}

// Failed はプロバイダーがエラーを申告したかどうかを返す。
func (r *AuthResult) Failed() bool {
	return r != nil && r.Error != ""
}

// tokenResponse はトークンエンドポイントのレスポンス。
// 成功時とエラー時の両方のフィールドを含む。
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int    `json:"expires_in"`
	RefreshToken     string `json:"refresh_token"`
	IDToken          string `json:"id_token"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// AuthCodeURL は認可エンドポイントへのリダイレクトURLを生成する。
// stateはCSRF対策のnonce、redirectURIはコールバックの絶対URI。
// コード交換時に完全に同一のredirectURIを指定する必要がある。
func (c *ConfidentialClient) AuthCodeURL(state, redirectURI string) string {
	params := url.Values{
		"client_id":     {c.config.ClientID},
		"response_type": {"code"},
		"redirect_uri":  {redirectURI},
		"response_mode": {"query"},
		"scope":         {strings.Join(c.config.Scopes, " ")},
		"state":         {state},
	}
	return c.config.Authority + authorizePath + "?" + params.Encode()
}

// LogoutURL はプロバイダーのログアウトエンドポイントURLを生成する。
// ログアウト完了後はpostLogoutRedirectURIに戻される。
func LogoutURL(authority, postLogoutRedirectURI string) string {
	params := url.Values{
		"post_logout_redirect_uri": {postLogoutRedirectURI},
	}
	return strings.TrimRight(authority, "/") + logoutPath + "?" + params.Encode()
}

// AcquireTokenByAuthCode は認可コードをトークンに交換し、キャッシュに書き込む。
// プロバイダー申告のエラーはAuthResult.Errorとして返る（Goのerrorはnil）。
func (c *ConfidentialClient) AcquireTokenByAuthCode(ctx context.Context, code, redirectURI string) (*AuthResult, error) {
	form := url.Values{
		"client_id":     {c.config.ClientID},
		"client_secret": {c.config.ClientSecret},
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"scope":         {strings.Join(c.config.Scopes, " ")},
	}

	tokenResp, err := c.postTokenEndpoint(ctx, form)
	if err != nil {
		return nil, err
	}

	if tokenResp.Error != "" {
		return &AuthResult{
			Error:            tokenResp.Error,
			ErrorDescription: tokenResp.ErrorDescription,
		}, nil
	}

	// id_tokenはトークンエンドポイントからTLS経由で直接受信したものなので
	// ここでは署名検証を行わずクレームのみ取り出す
	claims, err := parseIDTokenClaims(tokenResp.IDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to parse id_token claims: %w", err)
	}

	expiresAt := time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	c.cache.put(scopeKey(c.config.Scopes), cacheEntry{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		ExpiresAt:    expiresAt,
	})

	return &AuthResult{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		IDToken:      tokenResp.IDToken,
		ExpiresAt:    expiresAt,
		Claims:       claims,
	}, nil
}

// AcquireTokenSilent はキャッシュ済みトークンの再利用を試みる。
// 有効期限内のアクセストークンがあればそれを返し、なければリフレッシュ
// トークンによる再取得を試みる。どちらも不可能な場合は(nil, nil)を返す
// （呼び出し側がフォールバックを判断する）。
func (c *ConfidentialClient) AcquireTokenSilent(ctx context.Context, scopes []string) (*AuthResult, error) {
	key := scopeKey(scopes)

	entry, ok := c.cache.get(key)
	if !ok {
		return nil, nil
	}

	if time.Until(entry.ExpiresAt) > expiryMargin {
		return &AuthResult{
			AccessToken:  entry.AccessToken,
			RefreshToken: entry.RefreshToken,
			ExpiresAt:    entry.ExpiresAt,
		}, nil
	}

	if entry.RefreshToken == "" {
		return nil, nil
	}

	form := url.Values{
		"client_id":     {c.config.ClientID},
		"client_secret": {c.config.ClientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {entry.RefreshToken},
		"scope":         {strings.Join(scopes, " ")},
	}

	tokenResp, err := c.postTokenEndpoint(ctx, form)
	if err != nil {
		return nil, err
	}

	// リフレッシュ失敗（失効・取り消し等）はサイレント取得不能として扱う
	if tokenResp.Error != "" {
		return nil, nil
	}

	refreshToken := tokenResp.RefreshToken
	if refreshToken == "" {
		refreshToken = entry.RefreshToken
	}

	expiresAt := time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	c.cache.put(key, cacheEntry{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	})

	return &AuthResult{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	}, nil
}

// AcquireTokenForClient はクライアントクレデンシャルグラントでアプリ専用
// トークンを取得し、キャッシュに書き込む。エンドユーザーのコンテキストは持たない。
func (c *ConfidentialClient) AcquireTokenForClient(ctx context.Context, scopes []string) (*AuthResult, error) {
	form := url.Values{
		"client_id":     {c.config.ClientID},
		"client_secret": {c.config.ClientSecret},
		"grant_type":    {"client_credentials"},
		"scope":         {strings.Join(scopes, " ")},
	}

	tokenResp, err := c.postTokenEndpoint(ctx, form)
	if err != nil {
		return nil, err
	}

	if tokenResp.Error != "" {
		return &AuthResult{
			Error:            tokenResp.Error,
			ErrorDescription: tokenResp.ErrorDescription,
		}, nil
	}

	expiresAt := time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	c.cache.put(scopeKey(scopes), cacheEntry{
		AccessToken: tokenResp.AccessToken,
		ExpiresAt:   expiresAt,
	})

	return &AuthResult{
		AccessToken: tokenResp.AccessToken,
		ExpiresAt:   expiresAt,
	}, nil
}

// postTokenEndpoint はトークンエンドポイントにフォームをPOSTしてレスポンスを解析する。
// HTTP 4xxでもプロバイダーはJSONエラーボディを返すため、ステータスコードではなく
// ボディのerrorフィールドで成否を判定する。
func (c *ConfidentialClient) postTokenEndpoint(ctx context.Context, form url.Values) (*tokenResponse, error) {
	endpoint := c.config.Authority + tokenPath

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse token response (status %d): %s", resp.StatusCode, string(body))
	}

	if tokenResp.Error == "" && tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response (status %d)", resp.StatusCode)
	}

	return &tokenResp, nil
}

// parseIDTokenClaims はJWT形式のid_tokenのペイロードからクレームを取り出す。
func parseIDTokenClaims(idToken string) (IDTokenClaims, error) {
	var claims IDTokenClaims

	parts := strings.Split(idToken, ".")
	if len(parts) != 3 {
		return claims, fmt.Errorf("malformed id_token: expected 3 segments, got %d", len(parts))
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return claims, fmt.Errorf("failed to decode id_token payload: %w", err)
	}

	if err := json.Unmarshal(payload, &claims); err != nil {
		return claims, fmt.Errorf("failed to unmarshal id_token claims: %w", err)
	}

	if claims.ObjectID == "" {
		return claims, fmt.Errorf("missing oid claim in id_token")
	}

	return claims, nil
}
