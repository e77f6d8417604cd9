package service

import (
	"html"
	"strings"
	"unicode/utf8"
)

// Sanitize 去掉首尾空白并做 HTML 转义，结果按字符截断到 max，max<=0 表示不截断。
func Sanitize(s string, max int) string {
	out := html.EscapeString(strings.TrimSpace(s))
	if max > 0 && utf8.RuneCountInString(out) > max {
		out = string([]rune(out)[:max])
	}
	return out
}
