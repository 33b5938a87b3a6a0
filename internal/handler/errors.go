package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/adportal/internal/graph"
	"github.com/hitoshi/adportal/internal/model"
)

// apiErrorResponse は統一エラーフォーマットのレスポンス。
type apiErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// writeAPIErrorResponse は統一エラーフォーマットでレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErrorResponse{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// writeInternalError は内部サーバーエラーの統一レスポンスを書き込む。
func writeInternalError(w http.ResponseWriter) {
	writeAPIErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// handleDirectoryError はGraph API呼び出しのエラーをHTTPレスポンスへ変換する。
// プロバイダーのエラーボディは無加工のまま呼び出し元に渡す。
func handleDirectoryError(w http.ResponseWriter, err error) {
	if errors.Is(err, graph.ErrMissingField) {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewMissingFieldError("username/first_name/last_name/password"))
		return
	}

	var ge *graph.GraphError
	if errors.As(err, &ge) {
		// プロバイダーのエラーボディをステータスコードごとそのまま返す
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(ge.StatusCode)
		w.Write(ge.Body)
		return
	}

	slog.Error("directory operation failed", slog.String("error", err.Error()))
	writeInternalError(w)
}
