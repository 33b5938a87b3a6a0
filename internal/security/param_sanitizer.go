// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ParamSanitizerService はIdPから返されたエラーパラメータを
// エラービューに表示する前にサニタイズし、反射型XSSからユーザーを保護する。
// bluemondayライブラリのStrictPolicyベースで、HTMLを一切通過させない。
package security

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// maxParamLength はサニタイズ後のパラメータ値の最大長。
// IdPのエラー記述は通常数百文字以内であり、異常に長い値は切り詰める。
const maxParamLength = 500

// ParamSanitizerService は外部由来のクエリパラメータのサニタイズ機能の
// インターフェースを定義する。認可コールバックのerror/error_description
// パラメータをエラービューへ渡す前に使用される。
type ParamSanitizerService interface {
	// Sanitize はパラメータ値からHTMLタグをすべて除去して返す。
	// 空文字列の入力には空文字列を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// paramSanitizer はParamSanitizerServiceの実装。
// bluemondayのStrictPolicyを保持し、スレッドセーフにサニタイズ処理を行う。
type paramSanitizer struct {
	policy *bluemonday.Policy
}

// NewParamSanitizer はParamSanitizerServiceの新しいインスタンスを生成する。
// StrictPolicyはHTMLタグを一切許可しない（テキストのみ通過させる）。
func NewParamSanitizer() *paramSanitizer {
	return &paramSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はパラメータ値からHTMLタグをすべて除去して返す。
// 制御文字を除去し、最大長を超える値は切り詰める。
func (s *paramSanitizer) Sanitize(raw string) string {
	cleaned := s.policy.Sanitize(raw)

	// 改行・タブ以外の制御文字を除去する
	cleaned = strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, cleaned)

	cleaned = strings.TrimSpace(cleaned)
	if len(cleaned) > maxParamLength {
		cleaned = cleaned[:maxParamLength]
	}
	return cleaned
}
