package security

import (
	"html"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService は記事本文のサニタイズとテキスト抽出を行う。
type ContentSanitizerService interface {
	// Sanitize は許可リストに含まれるタグと属性だけを残したHTMLを返す。
	Sanitize(rawHTML string) string
	// PlainText はタグをすべて取り除いたテキストを返す。
	PlainText(rawHTML string) string
}

// ContentSanitizer はbluemondayのポリシーによるContentSanitizerServiceの実装。
// 複数のゴルーチンから同時に使用できる。
type ContentSanitizer struct {
	policy *bluemonday.Policy
	strict *bluemonday.Policy
}

var _ ContentSanitizerService = (*ContentSanitizer)(nil)

// NewContentSanitizer はContentSanitizerを生成する。
//   - 許可タグ: p, br, a, ul, ol, li, blockquote, pre, code, strong, em, img, figure, figcaption
//   - aはhrefのみ。target="_blank"とrel="noreferrer noopener"を付与する
//   - imgのsrcはhttpsのみ
func NewContentSanitizer() *ContentSanitizer {
	p := bluemonday.NewPolicy()
	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em", "figure", "figcaption",
	)

	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	p.AllowAttrs("src", "alt").OnElements("img")
	p.AllowURLSchemeWithCustomPolicy("https", func(*url.URL) bool { return true })

	strict := bluemonday.StrictPolicy()
	strict.AddSpaceWhenStrippingTag(true)

	return &ContentSanitizer{policy: p, strict: strict}
}

// Sanitize はHTMLをサニタイズする。同じ入力には常に同じ出力を返す。
func (s *ContentSanitizer) Sanitize(rawHTML string) string {
	return s.policy.Sanitize(rawHTML)
}

// PlainText はタグを取り除き、実体参照を戻し、連続する空白を1つにまとめたテキストを返す。
func (s *ContentSanitizer) PlainText(rawHTML string) string {
	text := html.UnescapeString(s.strict.Sanitize(rawHTML))
	return strings.Join(strings.Fields(text), " ")
}
