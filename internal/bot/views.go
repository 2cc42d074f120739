package bot

import (
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"ceremonybot/internal/monitor"
	"ceremonybot/internal/remote"
	"ceremonybot/internal/tokens"
	"ceremonybot/pkg/tgui"
)

const (
	textMainMenu    = "🔍 Ceremony Monitoring Bot\nChoose an option:"
	textTokenMenu   = "🔑 Token Management"
	textAskTokens   = "📥 Send tokens (one per line):\nExample:\ntoken1\ntoken2\ntoken3\n\n/cancel to abort"
	textNoValid     = "❌ No valid tokens found."
	textCancelled   = "❌ Operation cancelled"
	textNoRemove    = "❌ No tokens to remove"
	textNoView      = "❌ No tokens to view"
	textPickRemove  = "Select token to remove:"
	textPickView    = "Select token to view:"
	textInvalidPick = "❌ Invalid token selection"
	textNoTokens    = "⚠️ No tokens registered"
	textPositions   = "📊 Current Positions:"
	textRunning     = "🔔 Monitoring already running"
	textStopped     = "🛑 Stopped monitoring"
	textNotRunning  = "❌ No active monitoring"
	textAbout       = "🤖 Ceremony Monitor Bot\n\nTrack your ceremony participation status"
	textNotAllowed  = "⛔ You are not allowed to use this bot"
	textBusy        = "⏳ Busy, try again"
	textFailed      = "⚠️ Request failed, try again"
)

func mainMenu() *tele.ReplyMarkup {
	return tgui.NewInline().
		Row(tgui.Btn("Tokens", ActionTokens.Data(0)), tgui.Btn("Position", ActionPosition.Data(0))).
		Row(tgui.Btn("Start Monitoring", ActionStartMonitoring.Data(0)), tgui.Btn("Stop Monitoring", ActionStopMonitoring.Data(0))).
		Row(tgui.Btn("About", ActionAbout.Data(0))).
		Markup()
}

func tokenMenu() *tele.ReplyMarkup {
	return tgui.NewInline().
		Row(
			tgui.Btn("Add Tokens", ActionAddTokens.Data(0)),
			tgui.Btn("Remove Tokens", ActionRemoveMenu.Data(0)),
			tgui.Btn("Token Info", ActionInfoMenu.Data(0)),
		).
		Row(tgui.Btn("Main Menu", ActionMainMenu.Data(0))).
		Markup()
}

func backTo(label string, a Action) *tele.ReplyMarkup {
	return tgui.NewInline().Row(tgui.Btn(label, a.Data(0))).Markup()
}

// pickMenu lists one button per token, "<verb> …xxxxxx".
func pickMenu(verb string, a Action, list []string) *tele.ReplyMarkup {
	btns := make([]tele.Btn, 0, len(list))
	for i, tok := range list {
		btns = append(btns, tgui.Btn(verb+" "+tokens.Short(tok), a.Data(i)))
	}
	return tgui.NewInline().
		Grid(1, btns).
		Row(tgui.Btn("Back", ActionTokens.Data(0))).
		Markup()
}

func addedText(n, total int) string {
	return fmt.Sprintf("✅ Added %d tokens\nTotal: %d", n, total)
}

func removedText(tok string) string {
	return "✅ Removed token: " + tokens.Short(tok)
}

func startedText(interval string) string {
	return "🚀 Started monitoring - updates " + describeInterval(interval)
}

// describeInterval renders monitor.interval for people: "every 5 minutes"
// for durations, the raw expression otherwise.
func describeInterval(raw string) string {
	raw = strings.TrimSpace(raw)
	d := monitor.DefaultInterval
	if raw != "" {
		spec := strings.TrimPrefix(raw, "@every ")
		pd, err := time.ParseDuration(strings.TrimSpace(spec))
		if err != nil {
			return "on schedule " + raw
		}
		d = pd
	}
	switch {
	case d%time.Hour == 0:
		return plural(int(d/time.Hour), "hour")
	case d%time.Minute == 0:
		return plural(int(d/time.Minute), "minute")
	case d%time.Second == 0:
		return plural(int(d/time.Second), "second")
	default:
		return "every " + d.String()
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "every " + unit
	}
	return fmt.Sprintf("every %d %ss", n, unit)
}

// positionLine renders one token of the position report. An unavailable
// endpoint is an error; an answer without "behind" is unavailable.
func positionLine(tok string, r remote.Response) string {
	val := "Error"
	if r.Available() {
		val = "Unavailable"
		if n, ok := r.Int("behind"); ok {
			val = fmt.Sprint(n)
		}
	}
	return "• " + tokens.Short(tok) + ": " + val
}
