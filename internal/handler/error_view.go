package handler

import (
	"html/template"
	"log/slog"
	"net/http"
)

// authErrorTemplate はIdP申告エラーを表示するエラービュー。
// コールバックのerror/error_descriptionパラメータまたは交換結果のエラーを
// サニタイズ済みの値で描画する。
var authErrorTemplate = template.Must(template.New("auth_error").Parse(`<!DOCTYPE html>
<html lang="ja">
<head>
<meta charset="utf-8">
<title>認証エラー</title>
</head>
<body>
<h1>認証エラー</h1>
<p>サインインを完了できませんでした。</p>
<dl>
<dt>エラーコード</dt>
<dd>{{.Code}}</dd>
{{if .Description}}<dt>詳細</dt>
<dd>{{.Description}}</dd>{{end}}
</dl>
<p><a href="{{.HomeURL}}">ホームに戻る</a></p>
</body>
</html>
`))

// authErrorView はエラービューに渡すデータ。
type authErrorView struct {
	Code        string
	Description string
	HomeURL     string
}

// renderAuthError はIdP申告エラーのエラービューを描画する。
// 値は呼び出し側でサニタイズ済みであることを前提とする。
// 終端のビュー表示でありリトライを誘発しないよう200で返す。
func renderAuthError(w http.ResponseWriter, view authErrorView) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := authErrorTemplate.Execute(w, view); err != nil {
		slog.Error("failed to render auth error view", slog.String("error", err.Error()))
	}
}
