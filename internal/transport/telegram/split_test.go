package telegram

import (
	"strings"
	"testing"
)

func TestSplitTextShort(t *testing.T) {
	got := SplitText("hello", 10, "")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	s := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := SplitText(s, 10, "")
	if len(got) != 2 || got[0] != "aaaaaa" || got[1] != "bbbbbb" {
		t.Fatalf("got %q", got)
	}
}

func TestSplitTextHardCut(t *testing.T) {
	got := SplitText(strings.Repeat("x", 25), 10, "")
	if len(got) != 3 || len(got[2]) != 5 {
		t.Fatalf("got %q", got)
	}
}

func TestSplitTextKeepsHTMLTags(t *testing.T) {
	s := "abcdef<b>bold</b>"
	got := SplitText(s, 8, "HTML")
	if got[0] != "abcdef" {
		t.Fatalf("cut inside tag: %q", got)
	}
	if strings.Join(got, "") != s {
		t.Fatalf("content lost: %q", got)
	}
}
