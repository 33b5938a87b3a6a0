package auth

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// expiryMargin はアクセストークンを期限切れとみなす猶予時間。
// 取得直後に失効するトークンを返さないための余裕。
const expiryMargin = 60 * time.Second

// cacheEntry はスコープセットごとのトークンの組。
type cacheEntry struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// SerializableTokenCache はプロバイダーのアクセス/リフレッシュトークンを保持する
// シリアライズ可能なコンテナ。ユーザーレコード1件に対して1つ紐付く。
//
// 変更フラグ（changed）はトークンの書き込みで立ち、ストアが永続化した時点で
// リセットされる。フラグが立っていない限り永続化は行われない（無駄な書き込みと
// トークンチャーンの回避）。
type SerializableTokenCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry // キーはソート済みスコープの連結
	changed bool
}

// NewTokenCache は空のトークンキャッシュを生成する。
func NewTokenCache() *SerializableTokenCache {
	return &SerializableTokenCache{
		entries: make(map[string]cacheEntry),
	}
}

// HasChanged は最後の永続化以降にキャッシュが変更されたかどうかを返す。
func (c *SerializableTokenCache) HasChanged() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// ResetChanged は変更フラグをリセットする。永続化完了後にストアが呼ぶ。
func (c *SerializableTokenCache) ResetChanged() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changed = false
}

// Serialize はキャッシュ内容をJSON文字列にシリアライズする。
// 変更フラグは変化しない。
func (c *SerializableTokenCache) Serialize() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(c.entries)
	if err != nil {
		return "", fmt.Errorf("failed to serialize token cache: %w", err)
	}
	return string(data), nil
}

// Deserialize はシリアライズ済みblobでキャッシュ内容を置き換える。
// 空のblobは空キャッシュとして扱う。変更フラグはリセットされる。
func (c *SerializableTokenCache) Deserialize(blob string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := make(map[string]cacheEntry)
	if blob != "" {
		if err := json.Unmarshal([]byte(blob), &entries); err != nil {
			return fmt.Errorf("failed to deserialize token cache: %w", err)
		}
	}

	c.entries = entries
	c.changed = false
	return nil
}

// Merge はシリアライズ済みblobのエントリのうち、現在のキャッシュに存在しない
// スコープのものを取り込む。認可コード交換で取得した新しいトークンを保持しつつ、
// 以前保存されたリフレッシュトークンを復元するために使う。
// 取り込みが発生した場合は変更フラグが立つ。
func (c *SerializableTokenCache) Merge(blob string) error {
	if blob == "" {
		return nil
	}

	entries := make(map[string]cacheEntry)
	if err := json.Unmarshal([]byte(blob), &entries); err != nil {
		return fmt.Errorf("failed to merge token cache: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range entries {
		if _, exists := c.entries[key]; !exists {
			c.entries[key] = entry
			c.changed = true
		}
	}
	return nil
}

// get は指定スコープキーのエントリを取得する。
func (c *SerializableTokenCache) get(key string) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	return entry, ok
}

// put は指定スコープキーのエントリを書き込み、変更フラグを立てる。
func (c *SerializableTokenCache) put(key string, entry cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry
	c.changed = true
}

// scopeKey はスコープ集合を正規化したキャッシュキーを返す。
// 順序の違いによるキャッシュミスを防ぐためソートする。
func scopeKey(scopes []string) string {
	sorted := make([]string, len(scopes))
	copy(sorted, scopes)
	sort.Strings(sorted)
	return strings.Join(sorted, " ")
}
