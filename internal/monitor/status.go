package monitor

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"ceremonybot/internal/remote"
	"ceremonybot/internal/tokens"
)

// Status is one observation of a token. Unknown fields come from an
// unavailable endpoint or a missing field.
type Status struct {
	Ping        string
	PingKnown   bool
	Behind      int64
	BehindKnown bool
}

// StatusFrom combines the ping and position answers.
func StatusFrom(ping, position remote.Response) Status {
	var st Status
	st.Ping, st.PingKnown = ping.String("status")
	st.Behind, st.BehindKnown = position.Int("behind")
	return st
}

func (s Status) PingText() string {
	if !s.PingKnown {
		return "Unavailable"
	}
	return capitalize(s.Ping)
}

func (s Status) BehindText() string {
	if !s.BehindKnown {
		return "Unknown"
	}
	return strconv.FormatInt(s.Behind, 10)
}

func capitalize(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	if n == 0 {
		return s
	}
	return string(unicode.ToUpper(r)) + s[n:]
}

const updateHeader = "🔄 Status Update:"

// FormatUpdate renders a change for one token. A first observation lists
// every field; later changes list only the fields that moved.
func FormatUpdate(token string, prev Status, seen bool, cur Status) string {
	var b strings.Builder
	b.WriteString(updateHeader)
	b.WriteString("\n• ")
	b.WriteString(tokens.Short(token))
	b.WriteString(":")
	if !seen {
		b.WriteString("\n  Status: " + cur.PingText())
		b.WriteString("\n  Position: " + cur.BehindText())
		return b.String()
	}
	if prev.PingKnown != cur.PingKnown || prev.Ping != cur.Ping {
		b.WriteString("\n  Status: " + prev.PingText() + " → " + cur.PingText())
	}
	if prev.BehindKnown != cur.BehindKnown || prev.Behind != cur.Behind {
		b.WriteString("\n  Position: " + prev.BehindText() + " → " + cur.BehindText())
	}
	return b.String()
}

// FormatCrash is the final message a worker sends before giving up.
func FormatCrash(token string) string {
	return "❌ " + tokens.Short(token) + ": monitoring crashed, manual restart required"
}

// FormatInfo renders a one-off status report for a single token.
func FormatInfo(token string, st Status) string {
	return "🔐 Token: " + tokens.Short(token) +
		"\n🟢 Status: " + st.PingText() +
		"\n📌 Position: " + st.BehindText()
}
