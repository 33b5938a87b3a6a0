package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/adportal/internal/model"
)

// DirectoryAdminChecker はユーザーがディレクトリ管理者かどうかを判定する。
// graph.Client が実装する。ネットワーク依存を隠さないため、
// ミドルウェアは判定手段を注入されたインターフェース経由でのみ使用する。
type DirectoryAdminChecker interface {
	IsAdmin(ctx context.Context, identifier string) (bool, error)
}

// UserFinder はオブジェクトIDによるユーザー検索に必要なインターフェース。
// repository.UserRepositoryの部分集合として定義する。
type UserFinder interface {
	FindByObjectID(ctx context.Context, objectID string) (*model.User, error)
}

// NewAdminMiddleware はディレクトリ管理者権限を検証するミドルウェアを返す。
// SessionMiddlewareの後に配置する（コンテキストにユーザーIDが必要）。
// ローカルユーザーのメールアドレスでディレクトリロールを照会し、
// 管理者でないリクエストには403 Forbiddenを返す。
func NewAdminMiddleware(checker DirectoryAdminChecker, users UserFinder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := UserIDFromContext(r.Context())
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			user, err := users.FindByObjectID(r.Context(), userID)
			if err != nil {
				slog.Error("failed to find user for admin check",
					slog.String("user_id", userID),
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}
			if user == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			isAdmin, err := checker.IsAdmin(r.Context(), user.Email)
			if err != nil {
				slog.Error("directory admin check failed",
					slog.String("user_id", userID),
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}
			if !isAdmin {
				slog.Warn("admin route denied",
					slog.String("user_id", userID),
				)
				WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
