package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/hitoshi/adportal/internal/model"
)

// listSelectFields はユーザー一覧取得時の$selectプロジェクション。
const listSelectFields = "givenName,surname,jobTitle,id,userPrincipalName"

// AdminRoleName は管理者と見なすディレクトリロールのdisplayName。
const AdminRoleName = "User Account Administrator"

// CreateUserInput はユーザー作成の入力。
// Username/FirstName/LastName/Passwordは必須、JobTitleは任意。
type CreateUserInput struct {
	Username  string
	FirstName string
	LastName  string
	Password  string
	JobTitle  string
}

// UpdateUserInput はユーザー更新の入力。全フィールド必須。
type UpdateUserInput struct {
	Username  string
	FirstName string
	LastName  string
	Password  string
}

// listResponse はコレクションを返すGraphレスポンスの形。
type listResponse struct {
	Value json.RawMessage `json:"value"`
}

// GetUser は識別子（オブジェクトIDまたはuserPrincipalName）でユーザーを
// 取得する。見つからない場合は(nil, nil)を返す。
func (c *Client) GetUser(ctx context.Context, identifier string) (*model.DirectoryUser, error) {
	status, body, err := c.doRequest(ctx, http.MethodGet, c.userURL(identifier), nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, newGraphError(status, body)
	}

	var user model.DirectoryUser
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("ユーザーレスポンスのパースに失敗しました: %w", err)
	}
	return &user, nil
}

// ListUsers はディレクトリ上の全ユーザーを固定プロジェクションで取得する。
func (c *Client) ListUsers(ctx context.Context) ([]model.DirectoryUser, error) {
	reqURL := c.endpoint + "/users?$select=" + listSelectFields

	status, body, err := c.doRequest(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, newGraphError(status, body)
	}

	var list listResponse
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("ユーザー一覧レスポンスのパースに失敗しました: %w", err)
	}
	var users []model.DirectoryUser
	if err := json.Unmarshal(list.Value, &users); err != nil {
		return nil, fmt.Errorf("ユーザー一覧のパースに失敗しました: %w", err)
	}
	return users, nil
}

// CreateUser はディレクトリにユーザーを作成する。
// 必須フィールドが欠けている場合はHTTPを発行せずErrMissingFieldを返す。
// userPrincipalNameはusernameとテナントドメインから合成する。
// 作成成功（201）以外はプロバイダーのエラーボディをGraphErrorとして返す。
func (c *Client) CreateUser(ctx context.Context, input CreateUserInput) error {
	if input.Username == "" || input.FirstName == "" || input.LastName == "" || input.Password == "" {
		return ErrMissingField
	}

	payload := map[string]any{
		"accountEnabled":    true,
		"displayName":       input.FirstName + " " + input.LastName,
		"mailNickname":      input.Username,
		"userPrincipalName": c.principalName(input.Username),
		"givenName":         input.FirstName,
		"surname":           input.LastName,
		"passwordProfile": map[string]any{
			"forceChangePasswordNextSignIn": false,
			"password":                      input.Password,
		},
		"jobTitle": input.JobTitle,
	}

	status, body, err := c.doRequest(ctx, http.MethodPost, c.endpoint+"/users", payload)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return newGraphError(status, body)
	}
	return nil
}

// UpdateUser はディレクトリ上のユーザーを更新する。
// 必須フィールドが欠けている場合はHTTPを発行せずErrMissingFieldを返す。
// 成功（204）以外はプロバイダーのエラーボディをGraphErrorとして返す。
func (c *Client) UpdateUser(ctx context.Context, objectID string, input UpdateUserInput) error {
	if input.Username == "" || input.FirstName == "" || input.LastName == "" || input.Password == "" {
		return ErrMissingField
	}

	payload := map[string]any{
		"displayName":       input.FirstName + " " + input.LastName,
		"mailNickname":      input.Username,
		"userPrincipalName": c.principalName(input.Username),
		"givenName":         input.FirstName,
		"surname":           input.LastName,
	}

	status, body, err := c.doRequest(ctx, http.MethodPatch, c.userURL(objectID), payload)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent {
		return newGraphError(status, body)
	}
	return nil
}

// DeleteUser はディレクトリからユーザーを削除する。
// 成功（204）以外はプロバイダーのエラーボディをGraphErrorとして返す。
func (c *Client) DeleteUser(ctx context.Context, identifier string) error {
	status, body, err := c.doRequest(ctx, http.MethodDelete, c.userURL(identifier), nil)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent {
		return newGraphError(status, body)
	}
	return nil
}

// Exists はユーザーがディレクトリに存在するかどうかを返す。
// 404以外のステータスはすべて「存在する」と見なす。
func (c *Client) Exists(ctx context.Context, identifier string) (bool, error) {
	status, _, err := c.doRequest(ctx, http.MethodGet, c.userURL(identifier), nil)
	if err != nil {
		return false, err
	}
	return status != http.StatusNotFound, nil
}

// MemberOf はユーザーが所属するグループおよびロールの一覧を返す。
func (c *Client) MemberOf(ctx context.Context, identifier string) ([]model.DirectoryObject, error) {
	status, body, err := c.doRequest(ctx, http.MethodGet, c.userURL(identifier)+"/memberOf", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, newGraphError(status, body)
	}

	var list listResponse
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("memberOfレスポンスのパースに失敗しました: %w", err)
	}
	var objects []model.DirectoryObject
	if err := json.Unmarshal(list.Value, &objects); err != nil {
		return nil, fmt.Errorf("memberOf一覧のパースに失敗しました: %w", err)
	}
	return objects, nil
}

// DirectoryRoles はメンバーシップ一覧のうちディレクトリロールのみを返す。
func (c *Client) DirectoryRoles(ctx context.Context, identifier string) ([]model.DirectoryObject, error) {
	objects, err := c.MemberOf(ctx, identifier)
	if err != nil {
		return nil, err
	}

	roles := make([]model.DirectoryObject, 0, len(objects))
	for _, o := range objects {
		if o.IsDirectoryRole() {
			roles = append(roles, o)
		}
	}
	return roles, nil
}

// IsAdmin はユーザーがディレクトリ管理者かどうかを返す。
// ディレクトリロールにAdminRoleNameが含まれる場合に管理者と見なす。
func (c *Client) IsAdmin(ctx context.Context, identifier string) (bool, error) {
	roles, err := c.DirectoryRoles(ctx, identifier)
	if err != nil {
		return false, err
	}
	for _, r := range roles {
		if r.DisplayName == AdminRoleName {
			return true, nil
		}
	}
	return false, nil
}

// principalName はusernameとテナントドメインからuserPrincipalNameを合成する。
func (c *Client) principalName(username string) string {
	return username + "@" + c.tenantDomain
}

// userURL は識別子をエスケープしてユーザーリソースのURLを構築する。
func (c *Client) userURL(identifier string) string {
	return c.endpoint + "/users/" + url.PathEscape(identifier)
}
