package auth

import (
	"context"
	"fmt"

	"github.com/hitoshi/adportal/internal/model"
	"github.com/hitoshi/adportal/internal/repository"
)

// CacheWriteRecorder はキャッシュ書き込みの発生を記録する。
type CacheWriteRecorder interface {
	RecordTokenCacheWrite()
}

// TokenCacheStore はユーザーレコード上のトークンキャッシュblobのload/saveを提供する。
// 保存の成否はリフレッシュトークンの耐久点になる。保存に失敗すると
// 次回はユーザーの対話的な再認証が必要になる。
type TokenCacheStore struct {
	users   repository.UserRepository
	metrics CacheWriteRecorder
}

// NewTokenCacheStore はTokenCacheStoreを生成する。
func NewTokenCacheStore(users repository.UserRepository) *TokenCacheStore {
	return &TokenCacheStore{users: users}
}

// SetMetrics は書き込みメトリクスの記録先を設定する。nilなら記録しない。
func (s *TokenCacheStore) SetMetrics(m CacheWriteRecorder) {
	s.metrics = m
}

// Load はユーザーの保存済みblobから作業用キャッシュを復元する。
// blobが空の場合は空キャッシュを返す。
func (s *TokenCacheStore) Load(user *model.User) (*SerializableTokenCache, error) {
	cache := NewTokenCache()
	if user.TokenCache != "" {
		if err := cache.Deserialize(user.TokenCache); err != nil {
			return nil, fmt.Errorf("failed to load token cache for user %s: %w", user.AzureObjectID, err)
		}
	}
	return cache, nil
}

// Save はキャッシュの変更フラグが立っている場合のみシリアライズして
// ユーザーレコードに永続化する。フラグが立っていなければ何もしない。
// リトライは行わず、ストレージエラーはそのまま伝播する。
func (s *TokenCacheStore) Save(ctx context.Context, cache *SerializableTokenCache, user *model.User) error {
	if !cache.HasChanged() {
		return nil
	}

	blob, err := cache.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize token cache: %w", err)
	}

	if err := s.users.UpdateTokenCache(ctx, user.AzureObjectID, blob); err != nil {
		return fmt.Errorf("failed to persist token cache: %w", err)
	}

	user.TokenCache = blob
	cache.ResetChanged()
	if s.metrics != nil {
		s.metrics.RecordTokenCacheWrite()
	}
	return nil
}
