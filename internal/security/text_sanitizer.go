// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer はバックエンドのテーブルから取得した表示用文字列（氏名・ロール等）から
// マークアップを取り除く。テーブルの値は管理スクリプトや外部から書き込まれるため、
// 表示前に必ず通す。
package security

import (
	"html"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// DefaultMaxRunes は表示用文字列の既定の最大文字数。
const DefaultMaxRunes = 200

// TextSanitizer は表示用のプレーンテキストを生成するインターフェース。
type TextSanitizer interface {
	// SanitizeText はタグを除去し、制御文字と連続空白を畳んだプレーンテキストを返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	SanitizeText(raw string) string
}

// textSanitizer はTextSanitizerの実装。
// bluemondayのStrictPolicyは全タグを除去し、スレッドセーフに利用できる。
type textSanitizer struct {
	policy   *bluemonday.Policy
	maxRunes int
}

// NewTextSanitizer はTextSanitizerを生成する。maxRunes が0以下の場合は DefaultMaxRunes を使う。
func NewTextSanitizer(maxRunes int) TextSanitizer {
	if maxRunes <= 0 {
		maxRunes = DefaultMaxRunes
	}
	return &textSanitizer{
		policy:   bluemonday.StrictPolicy(),
		maxRunes: maxRunes,
	}
}

// SanitizeText はタグを除去したプレーンテキストを返す。
// StrictPolicyはテキストをHTMLエスケープして返すため、テンプレート側での二重エスケープを避けて元に戻す。
func (s *textSanitizer) SanitizeText(raw string) string {
	if raw == "" {
		return ""
	}
	stripped := html.UnescapeString(s.policy.Sanitize(raw))

	var b strings.Builder
	b.Grow(len(stripped))
	space := false
	n := 0
	for _, r := range stripped {
		if r == utf8.RuneError || (unicode.IsControl(r) && !unicode.IsSpace(r)) {
			continue
		}
		if unicode.IsSpace(r) {
			space = b.Len() > 0
			continue
		}
		if space {
			if n+1 >= s.maxRunes {
				break
			}
			b.WriteRune(' ')
			n++
			space = false
		}
		if n >= s.maxRunes {
			break
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}
