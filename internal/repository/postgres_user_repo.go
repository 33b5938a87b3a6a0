package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/adportal/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByObjectID はAzureオブジェクトIDでユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByObjectID(ctx context.Context, objectID string) (*model.User, error) {
	user := &model.User{}
	var tokenCache sql.NullString

	err := r.db.QueryRowContext(ctx,
		`SELECT azure_object_id, email, first_name, last_name, is_active, is_superuser, token_cache, created_at, updated_at
		 FROM users WHERE azure_object_id = $1`,
		objectID,
	).Scan(&user.AzureObjectID, &user.Email, &user.FirstName, &user.LastName,
		&user.IsActive, &user.IsSuperuser, &tokenCache, &user.CreatedAt, &user.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by object ID: %w", err)
	}

	user.TokenCache = tokenCache.String

	return user, nil
}

// Create はユーザーを作成する。
func (r *PostgresUserRepo) Create(ctx context.Context, user *model.User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (azure_object_id, email, first_name, last_name, is_active, is_superuser, token_cache, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9)`,
		user.AzureObjectID, user.Email, user.FirstName, user.LastName,
		user.IsActive, user.IsSuperuser, user.TokenCache, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}

	return nil
}

// UpdateEmail はユーザーのメールアドレスを更新する（クレームドリフト補正）。
func (r *PostgresUserRepo) UpdateEmail(ctx context.Context, objectID, email string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET email = $2, updated_at = $3 WHERE azure_object_id = $1`,
		objectID, email, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to update user email: %w", err)
	}
	return requireRowAffected(result, objectID)
}

// UpdateProfile はメールアドレスと氏名をまとめて更新する（ディレクトリ同期用）。
func (r *PostgresUserRepo) UpdateProfile(ctx context.Context, user *model.User) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET email = $2, first_name = $3, last_name = $4, updated_at = $5
		 WHERE azure_object_id = $1`,
		user.AzureObjectID, user.Email, user.FirstName, user.LastName, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to update user profile: %w", err)
	}
	return requireRowAffected(result, user.AzureObjectID)
}

// UpdateTokenCache はシリアライズ済みトークンキャッシュを保存する。
func (r *PostgresUserRepo) UpdateTokenCache(ctx context.Context, objectID, blob string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET token_cache = NULLIF($2, ''), updated_at = $3 WHERE azure_object_id = $1`,
		objectID, blob, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to update token cache: %w", err)
	}
	return requireRowAffected(result, objectID)
}

// DeleteByObjectID は指定ユーザーを削除する。
// 関連するsessionsはCASCADE削除される。
func (r *PostgresUserRepo) DeleteByObjectID(ctx context.Context, objectID string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM users WHERE azure_object_id = $1`,
		objectID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return requireRowAffected(result, objectID)
}

// requireRowAffected は更新・削除が1行以上に適用されたことを検証する。
func requireRowAffected(result sql.Result, objectID string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("user not found: %s", objectID)
	}
	return nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
