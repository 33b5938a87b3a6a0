// Package model はドメインモデルを定義する。
package model

import "time"

// User はAzure ADで認証されるサービス利用ユーザーを表す。
// 主キーはAzure AD側のオブジェクトID（不変）であり、
// メールアドレスはIdPのクレームと同期される可変の副次属性。
type User struct {
	AzureObjectID string // Azure ADオブジェクトID（UUID、不変）
	Email         string // preferred_usernameクレームと同期する
	FirstName     string
	LastName      string
	IsActive      bool
	IsSuperuser   bool

	// TokenCache はシリアライズ済みトークンキャッシュ（不透明な文字列）。
	// 管理者による事前作成時は空で、初回ログイン時に設定される。
	TokenCache string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// FullName は表示用のフルネームを返す。
func (u *User) FullName() string {
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

// Session はユーザーのログインセッションを表す。
type Session struct {
	ID        string
	UserID    string // User.AzureObjectID
	ExpiresAt time.Time
	CreatedAt time.Time
}
