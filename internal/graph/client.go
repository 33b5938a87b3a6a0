// Package graph はMicrosoft Graph APIのクライアントを提供する。
// アプリ専用（client-credential）トークンによるディレクトリユーザーの
// CRUD操作とロールメンバーシップの照会を含む。
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/adportal/internal/auth"
)

const (
	// defaultEndpoint はGraph API v1.0のベースURL。
	defaultEndpoint = "https://graph.microsoft.com/v1.0"
	// defaultBetaEndpoint はGraph API betaのベースURL。
	defaultBetaEndpoint = "https://graph.microsoft.com/beta"
)

// DefaultScopes はアプリ専用トークン取得に使う既定のスコープ。
var DefaultScopes = []string{"https://graph.microsoft.com/.default"}

// TokenAcquirer はGraph呼び出しに必要なベアラートークンの取得手段。
// auth.ConfidentialClient が実装する。
type TokenAcquirer interface {
	AcquireTokenSilent(ctx context.Context, scopes []string) (*auth.AuthResult, error)
	AcquireTokenForClient(ctx context.Context, scopes []string) (*auth.AuthResult, error)
}

// MetricsRecorder はGraph API呼び出しの結果を記録する。
type MetricsRecorder interface {
	RecordGraphAPIStatus(method string, status int)
}

// Client はGraph APIのクライアント。
// トークンはユーザーコンテキストなしで取得する（サイレント取得を先に試し、
// 失敗時はclient-credentialグラントにフォールバック）。アプリ単位の
// キャッシュをTokenAcquirer側で共有するため、リクエスト間で再利用される。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	tokens     TokenAcquirer
	metrics    MetricsRecorder
	scopes     []string
	// tenantDomain はuserPrincipalName合成に使うドメインサフィックス。
	tenantDomain string
	endpoint     string // テスト用にエンドポイントを差し替え可能
	betaEndpoint string
}

// NewClient はClient の新しいインスタンスを生成する。
// metricsはnilでもよい。
func NewClient(httpClient *http.Client, logger *slog.Logger, tokens TokenAcquirer, tenantDomain string, metrics MetricsRecorder) *Client {
	return &Client{
		httpClient:   httpClient,
		logger:       logger,
		tokens:       tokens,
		metrics:      metrics,
		scopes:       DefaultScopes,
		tenantDomain: tenantDomain,
		endpoint:     defaultEndpoint,
		betaEndpoint: defaultBetaEndpoint,
	}
}

// token はベアラートークンを取得する。サイレント取得を先に試し、
// キャッシュが空ならclient-credentialグラントで新規取得する。
func (c *Client) token(ctx context.Context) (string, error) {
	result, err := c.tokens.AcquireTokenSilent(ctx, c.scopes)
	if err != nil {
		return "", fmt.Errorf("サイレントトークン取得に失敗しました: %w", err)
	}
	if result != nil {
		return result.AccessToken, nil
	}

	result, err = c.tokens.AcquireTokenForClient(ctx, c.scopes)
	if err != nil {
		return "", fmt.Errorf("client-credentialトークン取得に失敗しました: %w", err)
	}
	if result.Failed() {
		return "", fmt.Errorf("トークンエンドポイントがエラーを返しました: %s", result.Error)
	}
	return result.AccessToken, nil
}

// doRequest は認証ヘッダーを付与してHTTPリクエストを実行し、
// ステータスコードとレスポンスボディを返す。
func (c *Client) doRequest(ctx context.Context, method, url string, payload any) (int, []byte, error) {
	token, err := c.token(ctx)
	if err != nil {
		return 0, nil, err
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("リクエストボディのエンコードに失敗しました: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Graph APIの呼び出しに失敗しました",
			slog.String("method", method),
			slog.String("error", err.Error()),
		)
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	if c.metrics != nil {
		c.metrics.RecordGraphAPIStatus(method, resp.StatusCode)
	}

	return resp.StatusCode, respBody, nil
}

// Custom はv1.0エンドポイントに対する任意パスのGETを実行し、
// 生のJSONレスポンスを返す。
func (c *Client) Custom(ctx context.Context, path string) (json.RawMessage, error) {
	status, body, err := c.doRequest(ctx, http.MethodGet, c.endpoint+path, nil)
	if err != nil {
		return nil, err
	}
	if status >= http.StatusBadRequest {
		return nil, newGraphError(status, body)
	}
	return body, nil
}

// Beta はbetaエンドポイントに対する任意パスのGETを実行し、
// 生のJSONレスポンスを返す。
func (c *Client) Beta(ctx context.Context, path string) (json.RawMessage, error) {
	status, body, err := c.doRequest(ctx, http.MethodGet, c.betaEndpoint+path, nil)
	if err != nil {
		return nil, err
	}
	if status >= http.StatusBadRequest {
		return nil, newGraphError(status, body)
	}
	return body, nil
}
