package tgui

import (
	"context"
	"strings"
	"unicode/utf8"

	kit "gatebot/internal/transport"

	tele "gopkg.in/telebot.v4"
)

// Message is a rendered reply: text plus send options. Handlers build one
// with Builder and hand it to Send or Edit instead of repeating
// ParseMode/preview/markup plumbing at every call site.
type Message struct {
	Text string
	Opt  *kit.SendOptions

	// More holds overflow messages sent after the first one, each a valid
	// standalone payload. Produced by PreMulti for content over the
	// Telegram message limit.
	More []string
}

// Send delivers the message. The inline keyboard, if any, goes on the first
// message only.
func (m Message) Send(ctx context.Context, ad kit.Adapter, to kit.ChatTarget) (kit.MessageRef, error) {
	if m.Opt == nil {
		m.Opt = &kit.SendOptions{}
	}
	ref, err := ad.SendText(ctx, to, m.Text, m.Opt)
	if err != nil {
		return ref, err
	}
	return ref, m.sendMore(ctx, ad, to)
}

// Edit rewrites the message at ref in place. Overflow parts cannot be edited
// (Telegram edits one message at a time) so they are sent fresh.
func (m Message) Edit(ctx context.Context, ad kit.Adapter, ref kit.MessageRef, to kit.ChatTarget) error {
	if m.Opt == nil {
		m.Opt = &kit.SendOptions{}
	}
	if err := ad.EditText(ctx, ref, m.Text, m.Opt); err != nil {
		return err
	}
	return m.sendMore(ctx, ad, to)
}

func (m Message) sendMore(ctx context.Context, ad kit.Adapter, to kit.ChatTarget) error {
	if len(m.More) == 0 {
		return nil
	}
	opt := *m.Opt
	opt.ReplyMarkupAdapter = nil
	for _, t := range m.More {
		if strings.TrimSpace(t) == "" {
			continue
		}
		if _, err := ad.SendText(ctx, to, t, &opt); err != nil {
			return err
		}
	}
	return nil
}

// Builder assembles a Message line by line.
// Defaults: ParseMode=HTML, link previews off.
type Builder struct {
	parseMode      string
	disablePreview bool
	rm             *tele.ReplyMarkup
	lines          []string
	more           []string
}

func New() *Builder {
	return &Builder{parseMode: "HTML", disablePreview: true}
}

func (b *Builder) html() bool { return strings.EqualFold(b.parseMode, "HTML") }

// ParseMode overrides the Telegram parse mode ("HTML", "Markdown", or empty
// for plain text).
func (b *Builder) ParseMode(mode string) *Builder {
	b.parseMode = strings.TrimSpace(mode)
	return b
}

func (b *Builder) DisablePreview(v bool) *Builder {
	b.disablePreview = v
	return b
}

// Inline attaches an inline keyboard; nil detaches.
func (b *Builder) Inline(kb *Inline) *Builder {
	if kb == nil {
		b.rm = nil
		return b
	}
	b.rm = kb.Markup()
	return b
}

// Title adds a bold first line, optionally prefixed with an emoji.
func (b *Builder) Title(emoji, title string) *Builder {
	e := strings.TrimSpace(emoji)
	t := strings.TrimSpace(title)
	if t == "" {
		return b
	}
	if b.html() {
		t = wrap("b", Esc(t)).String()
		if e != "" {
			t = Esc(e).String() + " " + t
		}
	} else if e != "" {
		t = e + " " + t
	}
	b.lines = append(b.lines, t)
	return b
}

// Section adds a bold header line.
func (b *Builder) Section(title string) *Builder {
	t := strings.TrimSpace(title)
	if t == "" {
		return b
	}
	if b.html() {
		t = wrap("b", Esc(t)).String()
	}
	b.lines = append(b.lines, t)
	return b
}

// Line adds one line of user-provided text, escaped under HTML.
func (b *Builder) Line(s string) *Builder {
	if strings.TrimSpace(s) == "" {
		b.lines = append(b.lines, "")
		return b
	}
	if b.html() {
		s = Esc(s).String()
	}
	b.lines = append(b.lines, s)
	return b
}

// RawLine adds a line verbatim. The caller owns escaping.
func (b *Builder) RawLine(s string) *Builder {
	b.lines = append(b.lines, s)
	return b
}

func (b *Builder) Blank() *Builder { return b.Line("") }

// Bullets adds one bullet line per non-empty item.
func (b *Builder) Bullets(items ...string) *Builder {
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			b.Line("• " + it)
		}
	}
	return b
}

// KV adds a bulleted "key: value" row, bolding the key under HTML.
func (b *Builder) KV(key, value string) *Builder {
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if key == "" {
		return b
	}
	switch {
	case b.html():
		b.lines = append(b.lines, "• "+wrap("b", Esc(key)).String()+": "+Esc(value).String())
	case value == "":
		b.lines = append(b.lines, "• "+key)
	default:
		b.lines = append(b.lines, "• "+key+": "+value)
	}
	return b
}

// Code adds an inline code line (plain text under non-HTML modes).
func (b *Builder) Code(s string) *Builder {
	s = strings.TrimSpace(s)
	if s == "" {
		return b
	}
	if b.html() {
		s = Code(s).String()
	}
	b.lines = append(b.lines, s)
	return b
}

// Pre adds one preformatted block. Content that may exceed the message
// limit belongs in PreMulti.
func (b *Builder) Pre(code string) *Builder {
	code = strings.TrimRight(code, "\n")
	if code == "" {
		return b
	}
	if b.html() {
		code = Pre(code).String()
	}
	b.lines = append(b.lines, code)
	return b
}

// PreMulti splits long preformatted content across follow-up messages, each
// chunk wrapped in its own <pre><code> block so every message stays valid
// HTML. Non-HTML modes get the content appended as-is.
func (b *Builder) PreMulti(code string, chunkLimit ...int) *Builder {
	code = strings.TrimRight(code, "\n")
	if code == "" {
		return b
	}
	if !b.html() {
		b.lines = append(b.lines, code)
		return b
	}

	limit := 3500
	if len(chunkLimit) > 0 && chunkLimit[0] > 0 {
		limit = chunkLimit[0]
	}
	first := true
	for _, chunk := range splitPreChunks(code, limit) {
		if first {
			b.lines = append(b.lines, Pre(chunk).String())
			first = false
		} else {
			b.more = append(b.more, Pre(chunk).String())
		}
	}
	return b
}

// splitPreChunks cuts code into rune-safe pieces of at most limit runes
// (minus wrapper overhead), preferring to break on a newline when one falls
// in the last two thirds of the window.
func splitPreChunks(code string, limit int) []string {
	const wrapperOverhead = 24 // len("<pre><code></code></pre>")
	eff := limit - wrapperOverhead
	if eff < 128 {
		eff = 128
	}

	var chunks []string
	start := 0
	for start < len(code) {
		runes := 0
		end := start
		lastNL := -1
		lastNLRunes := 0
		for end < len(code) && runes < eff {
			r, size := utf8.DecodeRuneInString(code[end:])
			if r == '\n' {
				lastNL = end + size
				lastNLRunes = runes + 1
			}
			runes++
			end += size
		}
		if end < len(code) && lastNL != -1 && lastNLRunes >= eff/3 {
			end = lastNL
		}
		chunks = append(chunks, strings.TrimRight(code[start:end], "\n"))
		start = end
		for start < len(code) && code[start] == '\n' {
			start++
		}
	}
	return chunks
}

// Build assembles the final Message.
func (b *Builder) Build() Message {
	text := strings.Trim(strings.Join(b.lines, "\n"), "\n")

	opt := &kit.SendOptions{ParseMode: b.parseMode, DisablePreview: b.disablePreview}
	if b.rm != nil {
		opt.ReplyMarkupAdapter = b.rm
	}
	return Message{Text: text, Opt: opt, More: append([]string(nil), b.more...)}
}
