// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/adportal/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
// 検索系メソッドは「見つからない」をnil+nilエラーで表現し、
// ストレージ障害のみをエラーとして返す。呼び出し側はこの2つを区別して扱う。
type UserRepository interface {
	// FindByObjectID はAzureオブジェクトIDでユーザーを取得する。見つからない場合はnilを返す。
	FindByObjectID(ctx context.Context, objectID string) (*model.User, error)

	// Create はユーザーを作成する。
	Create(ctx context.Context, user *model.User) error

	// UpdateEmail はユーザーのメールアドレスを更新する（クレームドリフト補正）。
	UpdateEmail(ctx context.Context, objectID, email string) error

	// UpdateProfile はメールアドレスと氏名をまとめて更新する（ディレクトリ同期用）。
	UpdateProfile(ctx context.Context, user *model.User) error

	// UpdateTokenCache はシリアライズ済みトークンキャッシュを保存する。
	// トークンキャッシュストアの唯一の永続化ポイント。
	UpdateTokenCache(ctx context.Context, objectID, blob string) error

	// DeleteByObjectID は指定ユーザーを削除する。
	// 関連するsessionsはCASCADE削除される。
	DeleteByObjectID(ctx context.Context, objectID string) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
	// DeleteExpired は期限切れセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}
