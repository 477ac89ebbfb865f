package phone

import (
	"errors"
	"testing"
)

func TestChatIDNormalizesFormattedNumbers(t *testing.T) {
	a, err := ChatID("+62 812-3456-7890")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := ChatID("6281234567890")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != b {
		t.Fatalf("expected identical ids, got %q and %q", a, b)
	}
	if a != "6281234567890@s.whatsapp.net" {
		t.Fatalf("unexpected canonical id: %q", a)
	}
}

func TestChatIDFormattedAndBareMatch(t *testing.T) {
	a, _ := ChatID("+62 812-3456-789")
	b, _ := ChatID("628123456789")
	if a == "" || a != b {
		t.Fatalf("expected identical ids, got %q and %q", a, b)
	}
}

func TestChatIDRejectsShortNumbers(t *testing.T) {
	if _, err := ChatID("+1234567"); !errors.Is(err, ErrInvalidNumber) {
		t.Fatalf("expected ErrInvalidNumber, got %v", err)
	}
	if _, err := ChatID("   "); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestChatIDIsIdempotent(t *testing.T) {
	inputs := []string{"+62 812-3456-7890", "(0049) 170 1234567", "15551234567"}
	for _, in := range inputs {
		first, err := ChatID(in)
		if err != nil {
			t.Fatalf("ChatID(%q): %v", in, err)
		}
		second, err := ChatID(first)
		if err != nil {
			t.Fatalf("ChatID(%q): %v", first, err)
		}
		if first != second {
			t.Fatalf("not idempotent: %q -> %q", first, second)
		}
	}
}

func TestFromChatID(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"628123456789@s.whatsapp.net", "+628123456789", true},
		{"628123456789:12@s.whatsapp.net", "+628123456789", true},
		{"120363025246125486@g.us", "", false},
		{"status@broadcast", "", false},
		{"@s.whatsapp.net", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := FromChatID(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("FromChatID(%q) = %q,%v want %q,%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
