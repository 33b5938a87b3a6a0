package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Azure AD
	AzureClientID     string
	AzureClientSecret string
	AzureAuthority    string
	AzureTenantDomain string // userPrincipalName構築用のテナントドメイン（例: "example.onmicrosoft.com"）
	AzureScopes       []string

	// 認証フロー
	RedirectPath          string // コールバックルートのパス
	LoginRedirectURL      string // ログイン成功後のリダイレクト先
	PostLogoutRedirectURL string // IdPログアウト後のリダイレクト先

	// Session
	SessionMaxAge int

	// Rate Limit
	RateLimitGeneral   int
	RateLimitDirectory int

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string

	// Worker
	SessionCleanupInterval time.Duration
}

// defaultAuthority はテナント指定がない場合のAzure AD共通オーソリティ。
const defaultAuthority = "https://login.microsoftonline.com/common"

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.AzureClientID = os.Getenv("AZURE_CLIENT_ID")
	if cfg.AzureClientID == "" {
		missing = append(missing, "AZURE_CLIENT_ID")
	}

	cfg.AzureClientSecret = os.Getenv("AZURE_CLIENT_SECRET")
	if cfg.AzureClientSecret == "" {
		missing = append(missing, "AZURE_CLIENT_SECRET")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.AzureAuthority = getEnvString("AZURE_AUTHORITY", defaultAuthority)
	cfg.AzureTenantDomain = getEnvString("AZURE_TENANT_DOMAIN", "")
	cfg.AzureScopes = getEnvList("AZURE_SCOPES", []string{"User.Read"})
	cfg.RedirectPath = getEnvString("REDIRECT_PATH", "/auth/callback")
	cfg.LoginRedirectURL = getEnvString("LOGIN_REDIRECT_URL", cfg.BaseURL)
	cfg.PostLogoutRedirectURL = getEnvString("POST_LOGOUT_REDIRECT_URL", cfg.BaseURL)
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitDirectory = getEnvInt("RATE_LIMIT_DIRECTORY", 30)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.SessionCleanupInterval = getEnvDuration("SESSION_CLEANUP_INTERVAL", 24*time.Hour)

	return cfg, nil
}

// RedirectURI はコールバックの絶対URIを返す。
// 認可リクエストとコード交換で完全に同一の値を使う必要がある。
func (c *Config) RedirectURI() string {
	return strings.TrimRight(c.BaseURL, "/") + c.RedirectPath
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var list []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			list = append(list, s)
		}
	}
	if len(list) == 0 {
		return defaultVal
	}
	return list
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
