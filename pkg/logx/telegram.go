package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	kit "gatebot/internal/transport"
)

// Telegram messages cap out at 4096 chars; stay under it with room for
// the adapter's own framing.
const tgMaxLen = 3500

type tgLine struct {
	to  kit.ChatTarget
	msg string
}

func (s *Service) startTelegramWorker() {
	s.tgOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.tgCancel = cancel
		s.tgWG.Add(1)
		go func() {
			defer s.tgWG.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case it := <-s.tgQueue:
					if s.sender == nil {
						continue
					}
					_, _ = s.sender.SendText(ctx, it.to, it.msg, &kit.SendOptions{DisablePreview: true})
				}
			}
		}()
	})
}

// telegramSink forwards selected log lines to the configured chat.
// It never blocks the logging path: over-rate and queue-full lines are dropped.
type telegramSink struct{ svc *Service }

func (w *telegramSink) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *telegramSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	if s == nil {
		return len(p), nil
	}

	s.mu.Lock()
	chatID := s.chatID
	threadID := s.threadID
	lim := s.limiter
	min := s.minLevel
	s.mu.Unlock()

	if chatID == 0 || s.sender == nil || lim == nil {
		return len(p), nil
	}
	if level < min || !lim.Allow() {
		return len(p), nil
	}

	msg := renderLogLine(p)
	if msg == "" {
		return len(p), nil
	}

	select {
	case s.tgQueue <- tgLine{to: kit.ChatTarget{ChatID: chatID, ThreadID: threadID}, msg: msg}:
	default:
	}
	return len(p), nil
}

// renderLogLine turns a zerolog JSON line into a readable telegram message:
// "[LEVEL] message" followed by one "- key=value" line per field.
func renderLogLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(p), &m); err != nil {
		return clip(strings.TrimSpace(string(p)), tgMaxLen)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)
	if msg == "" {
		msg, _ = m["msg"].(string)
	}

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	b.WriteString(msg)

	for k, v := range m {
		switch k {
		case "time", "level", "message", "msg":
			continue
		case "stack":
			b.WriteString("\n- stack=\n")
			b.WriteString(clip(fmt.Sprint(v), 900))
		default:
			b.WriteString("\n- " + k + "=")
			b.WriteString(clip(fmt.Sprint(v), 600))
		}
	}

	return clip(b.String(), tgMaxLen)
}

func clip(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
