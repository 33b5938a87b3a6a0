package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/adportal/internal/graph"
	"github.com/hitoshi/adportal/internal/model"
	"github.com/hitoshi/adportal/internal/repository"
)

// DirectoryServiceInterface はディレクトリハンドラーが必要とするGraph操作。
// graph.Client が実装する。
type DirectoryServiceInterface interface {
	GetUser(ctx context.Context, identifier string) (*model.DirectoryUser, error)
	ListUsers(ctx context.Context) ([]model.DirectoryUser, error)
	CreateUser(ctx context.Context, input graph.CreateUserInput) error
	UpdateUser(ctx context.Context, objectID string, input graph.UpdateUserInput) error
	DeleteUser(ctx context.Context, identifier string) error
	Exists(ctx context.Context, identifier string) (bool, error)
}

// DirectoryHandlerConfig はディレクトリハンドラーの設定。
type DirectoryHandlerConfig struct {
	// TenantDomain はuserPrincipalName合成に使うドメインサフィックス。
	TenantDomain string
}

// DirectoryHandler はディレクトリユーザー管理のHTTPハンドラー。
// Graph API操作を正として実行し、ローカルユーザーレコードを追随させる。
type DirectoryHandler struct {
	directory DirectoryServiceInterface
	users     repository.UserRepository
	config    DirectoryHandlerConfig
}

// NewDirectoryHandler はDirectoryHandlerを生成する。
func NewDirectoryHandler(directory DirectoryServiceInterface, users repository.UserRepository, config DirectoryHandlerConfig) *DirectoryHandler {
	return &DirectoryHandler{
		directory: directory,
		users:     users,
		config:    config,
	}
}

// createUserRequest はユーザー作成リクエストのボディ。
type createUserRequest struct {
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Password  string `json:"password"`
	JobTitle  string `json:"job_title"`
}

// updateUserRequest はユーザー更新リクエストのボディ。
type updateUserRequest struct {
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Password  string `json:"password"`
}

// directoryUserResponse はディレクトリユーザーのAPIレスポンス。
type directoryUserResponse struct {
	ID                string `json:"id"`
	UserPrincipalName string `json:"user_principal_name"`
	GivenName         string `json:"given_name"`
	Surname           string `json:"surname"`
	JobTitle          string `json:"job_title"`
}

func toDirectoryUserResponse(u model.DirectoryUser) directoryUserResponse {
	return directoryUserResponse{
		ID:                u.ID,
		UserPrincipalName: u.UserPrincipalName,
		GivenName:         u.GivenName,
		Surname:           u.Surname,
		JobTitle:          u.JobTitle,
	}
}

// ListUsers はディレクトリ上の全ユーザーを返す。
// GET /api/directory/users
func (h *DirectoryHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.directory.ListUsers(r.Context())
	if err != nil {
		handleDirectoryError(w, err)
		return
	}

	results := make([]directoryUserResponse, len(users))
	for i, u := range users {
		results[i] = toDirectoryUserResponse(u)
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": results})
}

// GetUser はディレクトリ上のユーザーを1件返す。
// GET /api/directory/users/{id}
func (h *DirectoryHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "id")

	user, err := h.directory.GetUser(r.Context(), identifier)
	if err != nil {
		handleDirectoryError(w, err)
		return
	}
	if user == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewUserNotFoundError())
		return
	}

	writeJSON(w, http.StatusOK, toDirectoryUserResponse(*user))
}

// CreateUser はディレクトリにユーザーを作成し、ローカルレコードを事前作成する。
// ローカルレコードのトークンキャッシュは初回ログインまで空のまま。
// POST /api/directory/users
func (h *DirectoryHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return
	}

	if err := h.directory.CreateUser(r.Context(), graph.CreateUserInput{
		Username:  req.Username,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Password:  req.Password,
		JobTitle:  req.JobTitle,
	}); err != nil {
		handleDirectoryError(w, err)
		return
	}

	email := req.Username + "@" + h.config.TenantDomain

	// ローカルレコードを追随させる。オブジェクトIDはGraphから取得する。
	created, err := h.directory.GetUser(r.Context(), email)
	if err != nil || created == nil {
		// ディレクトリ側の作成は成功している。ローカル追随の失敗は
		// 初回ログイン時の自動作成で回復するため、ログに留める。
		slog.Warn("failed to fetch created directory user for local sync",
			slog.String("email", email),
		)
		writeJSON(w, http.StatusCreated, map[string]any{"email": email})
		return
	}

	now := time.Now()
	if err := h.users.Create(r.Context(), &model.User{
		AzureObjectID: created.ID,
		Email:         email,
		FirstName:     req.FirstName,
		LastName:      req.LastName,
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}); err != nil {
		slog.Warn("failed to pre-create local user record",
			slog.String("object_id", created.ID),
			slog.String("error", err.Error()),
		)
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":    created.ID,
		"email": email,
	})
}

// UpdateUser はディレクトリ上のユーザーを更新し、ローカルレコードを同期する。
// ローカルレコードが存在しない場合はGraphから取得して作成する。
// PATCH /api/directory/users/{id}
func (h *DirectoryHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	objectID := chi.URLParam(r, "id")

	var req updateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return
	}

	if err := h.directory.UpdateUser(r.Context(), objectID, graph.UpdateUserInput{
		Username:  req.Username,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Password:  req.Password,
	}); err != nil {
		handleDirectoryError(w, err)
		return
	}

	user, err := h.syncLocalUser(r.Context(), objectID)
	if err != nil {
		slog.Error("failed to sync local user after directory update",
			slog.String("object_id", objectID),
			slog.String("error", err.Error()),
		)
		writeInternalError(w)
		return
	}
	if user == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewUserNotFoundError())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":         user.AzureObjectID,
		"email":      user.Email,
		"first_name": user.FirstName,
		"last_name":  user.LastName,
	})
}

// DeleteUser はディレクトリからユーザーを削除し、ローカルレコードを連動削除する。
// ディレクトリ側の削除を先に行う（ディレクトリが正）。
// DELETE /api/directory/users/{id}
func (h *DirectoryHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	objectID := chi.URLParam(r, "id")

	if err := h.directory.DeleteUser(r.Context(), objectID); err != nil {
		handleDirectoryError(w, err)
		return
	}

	// ローカルレコードの削除。セッションはFKのCASCADEで連動削除される。
	// ローカルに存在しないユーザー（未ログイン）でもエラーにしない。
	if err := h.users.DeleteByObjectID(r.Context(), objectID); err != nil {
		slog.Warn("failed to delete local user record",
			slog.String("object_id", objectID),
			slog.String("error", err.Error()),
		)
	}

	w.WriteHeader(http.StatusNoContent)
}

// syncLocalUser はGraphの最新状態にローカルレコードを追随させる。
// ローカルに存在しない場合はGraphから取得して作成する。
// Graph側にも存在しない場合は(nil, nil)を返す。
func (h *DirectoryHandler) syncLocalUser(ctx context.Context, objectID string) (*model.User, error) {
	remote, err := h.directory.GetUser(ctx, objectID)
	if err != nil {
		return nil, err
	}
	if remote == nil {
		return nil, nil
	}

	user, err := h.users.FindByObjectID(ctx, objectID)
	if err != nil {
		return nil, err
	}

	if user == nil {
		now := time.Now()
		user = &model.User{
			AzureObjectID: objectID,
			Email:         remote.UserPrincipalName,
			FirstName:     remote.GivenName,
			LastName:      remote.Surname,
			IsActive:      true,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := h.users.Create(ctx, user); err != nil {
			return nil, err
		}
		return user, nil
	}

	user.Email = remote.UserPrincipalName
	user.FirstName = remote.GivenName
	user.LastName = remote.Surname
	if err := h.users.UpdateProfile(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}
