// Package security はチェックイン対象へのリクエストと応答の取り扱いに関する
// 安全対策を提供する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// MaxExcerptRunes は応答本文から抽出するテキストの最大文字数。
const MaxExcerptRunes = 1000

// TextExtractor は応答本文（HTMLまたは任意のテキスト）から表示用テキストを抽出する。
// bluemondayのStrictPolicyで全タグを除去する。中身ごと捨てるのはscriptとstyleだけで、
// titleやnoscriptなどのテキストは残す。
// Policyはgoroutineセーフなので1インスタンスを共有してよい。
type TextExtractor struct {
	policy   *bluemonday.Policy
	maxRunes int
}

// NewTextExtractor はTextExtractorを生成する。
func NewTextExtractor() *TextExtractor {
	policy := bluemonday.StrictPolicy()
	// bluemondayの既定では中身ごと捨てる要素のうち、script/style以外はテキストを残す
	policy.AllowElementsContent("title", "noscript", "nostyle", "iframe", "frame", "frameset", "object", "noframes", "noembed")
	return &TextExtractor{
		policy:   policy,
		maxRunes: MaxExcerptRunes,
	}
}

// Extract はタグを除去し、エンティティを復元し、連続する空白を1つにまとめて
// 先頭からMaxExcerptRunes文字までを返す。
func (e *TextExtractor) Extract(body string) string {
	if body == "" {
		return ""
	}
	text := html.UnescapeString(e.policy.Sanitize(body))
	text = strings.Join(strings.Fields(text), " ")
	return truncateRunes(text, e.maxRunes)
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
