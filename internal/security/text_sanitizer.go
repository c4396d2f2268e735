package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// maxUnescapeDepth は入力側のエンティティ展開を繰り返す上限。
const maxUnescapeDepth = 4

// plainEntities はマークアップになり得ないエンティティのみを元の文字に戻す。
// &lt; と &gt; はエスケープしたまま残す。
var plainEntities = strings.NewReplacer(
	"&amp;", "&",
	"&#34;", `"`,
	"&#39;", "'",
	"&quot;", `"`,
)

// TextSanitizer は下流APIから受け取った自由記述テキストからマークアップを除去する。
// テナント側で入力されたクライアント名や住所をそのままブラウザに渡さないために使用する。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer は全タグを除去するポリシーでTextSanitizerを生成する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタグを除去し、前後の空白を取り除いた文字列を返す。
// エンティティで表現されたタグも展開してから除去するため、出力に<や>が生で現れることはない。
// bluemondayのポリシーはスレッドセーフなため並行に呼び出してよい。
func (s *TextSanitizer) Sanitize(text string) string {
	if text == "" {
		return ""
	}
	for i := 0; i < maxUnescapeDepth; i++ {
		unescaped := html.UnescapeString(text)
		if unescaped == text {
			break
		}
		text = unescaped
	}
	return strings.TrimSpace(plainEntities.Replace(s.policy.Sanitize(text)))
}
