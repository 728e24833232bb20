package tgui

import (
	"fmt"
	"html"
)

// H is a fragment that is already valid Telegram HTML. Constructors escape
// their input, so an H can be concatenated into a message without further
// treatment.
type H string

func (h H) String() string { return string(h) }

// Esc escapes plain text for ParseMode="HTML".
func Esc(s string) H { return H(html.EscapeString(s)) }

// Raw asserts that s is already safe HTML.
func Raw(s string) H { return H(s) }

func wrap(tag string, inner H) H { return "<" + H(tag) + ">" + inner + "</" + H(tag) + ">" }

func B(s string) H    { return wrap("b", Esc(s)) }
func I(s string) H    { return wrap("i", Esc(s)) }
func U(s string) H    { return wrap("u", Esc(s)) }
func Code(s string) H { return wrap("code", Esc(s)) }

// Pre renders a preformatted block. Telegram wants balanced tags per
// message, so long content should go through Builder.PreMulti instead.
func Pre(s string) H {
	return "<pre><code>" + H(html.EscapeString(s)) + "</code></pre>"
}

// Link builds an anchor; html.EscapeString covers the quote characters in
// the href attribute too.
func Link(text, url string) H {
	return H(fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(url), html.EscapeString(text)))
}

// Mention links a display name to a user id, which works even for users
// without a public username.
func Mention(name string, userID int64) H {
	return Link(name, fmt.Sprintf("tg://user?id=%d", userID))
}
