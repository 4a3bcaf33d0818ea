package ritual

import "log/slog"

// JournalListener 将每次状态变化写入审计日志。
func JournalListener(l *slog.Logger) Listener {
	return func(e Event) {
		if l == nil {
			return
		}
		attrs := []any{
			slog.String("session_id", e.SessionID),
			slog.String("state", string(e.State)),
			slog.Time("at", e.Timestamp),
		}
		if forced, ok := e.Payload["forced"].(bool); ok && forced {
			attrs = append(attrs, slog.Bool("forced", true))
		}
		if resp, ok := e.Payload["response"].(string); ok {
			attrs = append(attrs, slog.Int("response_chars", len([]rune(resp))))
		}
		l.Info("ritual_transition", attrs...)
	}
}
