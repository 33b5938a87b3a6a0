package graph

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMissingField は必須フィールドが欠けたままミューテーションを呼び出した
// 場合のエラー。HTTPリクエストは一切発行されない。
var ErrMissingField = errors.New("required field is missing")

// GraphError はGraph APIが返した構造化エラー。プロバイダーのエラーボディを
// 無加工のまま保持し、上流の表示にそのまま渡せるようにする。
type GraphError struct {
	StatusCode int
	Code       string
	Message    string
	// Body はプロバイダーのレスポンスボディそのもの。
	Body json.RawMessage
}

func (e *GraphError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("graph API error %d: %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("graph API error %d", e.StatusCode)
}

// graphErrorBody はGraphのエラーレスポンスの形。
// {"error": {"code": "...", "message": "..."}}
type graphErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// newGraphError はレスポンスボディをパースしてGraphErrorを構築する。
// パースできないボディでも生のボディは保持する。
func newGraphError(status int, body []byte) *GraphError {
	ge := &GraphError{
		StatusCode: status,
		Body:       json.RawMessage(body),
	}
	var parsed graphErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil {
		ge.Code = parsed.Error.Code
		ge.Message = parsed.Error.Message
	}
	return ge
}
