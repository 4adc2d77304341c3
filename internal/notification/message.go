package notification

import (
	"strings"

	"github.com/shopspring/decimal"

	"patternwatch/internal/model"
)

// Price renders a price rounded half away from zero to 2 decimals.
func Price(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(2)
}

// Headline is the one-line alert: "[R_10] 🚨 Breakout Detected (BUY)".
func Headline(instrument string, ev model.PatternEvent) string {
	return "[" + instrument + "] " + ev.Kind.Label()
}

// Text is the plain-text alert body. Breakouts carry their price levels.
func Text(instrument string, ev model.PatternEvent) string {
	var b strings.Builder
	b.WriteString(Headline(instrument, ev))
	if ev.Entry != nil {
		b.WriteString("\nTime: " + ev.DetectedTime().Format("2006-01-02 15:04:05") + " UTC")
		b.WriteString("\nEntry Price: " + Price(*ev.Entry))
		if ev.StopLoss != nil {
			b.WriteString("\nStop Loss: " + Price(*ev.StopLoss))
		}
		if ev.TakeProfit != nil {
			b.WriteString("\nTake Profit: " + Price(*ev.TakeProfit))
		}
	}
	return b.String()
}

// markdownText is Text formatted for Telegram MarkdownV2.
func markdownText(instrument string, ev model.PatternEvent) string {
	var b strings.Builder
	b.WriteString(escapeMarkdown("[" + instrument + "] "))
	b.WriteString("*" + escapeMarkdown(ev.Kind.Label()) + "*")
	if ev.Entry != nil {
		b.WriteString("\nTime: " + escapeMarkdown(ev.DetectedTime().Format("2006-01-02 15:04:05")+" UTC"))
		b.WriteString("\nEntry Price: `" + escapeMarkdown(Price(*ev.Entry)) + "`")
		if ev.StopLoss != nil {
			b.WriteString("\nStop Loss: `" + escapeMarkdown(Price(*ev.StopLoss)) + "`")
		}
		if ev.TakeProfit != nil {
			b.WriteString("\nTake Profit: `" + escapeMarkdown(Price(*ev.TakeProfit)) + "`")
		}
	}
	return b.String()
}

// escapeMarkdown escapes special characters for Telegram MarkdownV2.
func escapeMarkdown(s string) string {
	const specials = "_*[]()~`>#+-=|{}.!\\"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(specials, s[i]) >= 0 {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
