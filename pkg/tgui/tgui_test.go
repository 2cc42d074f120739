package tgui

import (
	"errors"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"
)

func TestDataRoundTrip(t *testing.T) {
	d := Data("m", "rm", "3")
	if d != "m:rm:3" {
		t.Fatalf("data=%q", d)
	}
	scope, action, payload, err := ParseData(d)
	if err != nil || scope != "m" || action != "rm" || payload != "3" {
		t.Fatalf("parse: %q %q %q %v", scope, action, payload, err)
	}
	if _, _, p, _ := ParseData("m:x:a:b"); p != "a:b" {
		t.Fatalf("payload with colon: %q", p)
	}
}

func TestParseDataInvalid(t *testing.T) {
	for _, in := range []string{"", "m", ":x", "m:"} {
		if _, _, _, err := ParseData(in); !errors.Is(err, ErrCallbackDataInvalid) {
			t.Fatalf("%q: expected invalid, got %v", in, err)
		}
	}
}

func TestCheckData(t *testing.T) {
	if err := CheckData(strings.Repeat("a", 65)); !errors.Is(err, ErrCallbackDataTooLong) {
		t.Fatalf("expected too long, got %v", err)
	}
}

func TestInlineGrid(t *testing.T) {
	btns := []tele.Btn{Btn("1", "a"), Btn("2", "b"), Btn("3", "c")}
	kb := NewInline().Grid(2, btns).Row(Btn("back", "m:main"))
	if kb.Rows() != 3 {
		t.Fatalf("rows=%d", kb.Rows())
	}
	if got := len(kb.Markup().InlineKeyboard); got != 3 {
		t.Fatalf("inline rows=%d", got)
	}
}
