package format

import (
	"testing"
	"time"
)

func TestFormatAge(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{-time.Hour, "now"},
		{30 * time.Second, "now"},
		{5 * time.Minute, "5m"},
		{23 * time.Hour, "23h"},
		{24 * time.Hour, "1d"},
		{6 * day, "6d"},
		{7 * day, "1w"},
		{29 * day, "4w"},
		{30 * day, "1mo"},
		{45 * day, "1mo"},
		{364 * day, "12mo"},
		{400 * day, "1y"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := FormatAge(tt.d); got != tt.want {
				t.Errorf("FormatAge(%v) = %q, want %q", tt.d, got, tt.want)
			}
		})
	}
}

func TestAgo(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if got := Ago(time.Time{}, now); got != "-" {
		t.Errorf("Ago(zero) = %q", got)
	}
	if got := Ago(now.Add(-3*day), now); got != "3d" {
		t.Errorf("Ago(3d) = %q", got)
	}
}

func TestTruncateToWidth(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		width     int
		want      string
		wantWidth int
	}{
		{"fits", "hello", 10, "hello", 5},
		{"cut", "hello world", 8, "hello...", 8},
		{"wide runes", "日本語テキスト", 7, "日本...", 7},
		{"colored", "\x1b[31mhello world\x1b[0m", 8, "\x1b[31mhello...\x1b[0m", 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, w := TruncateToWidth(tt.in, tt.width)
			if got != tt.want || w != tt.wantWidth {
				t.Errorf("TruncateToWidth(%q, %d) = %q, %d; want %q, %d", tt.in, tt.width, got, w, tt.want, tt.wantWidth)
			}
		})
	}
}

func TestDisplayWidthIgnoresColor(t *testing.T) {
	if got := DisplayWidth("\x1b[32mok\x1b[0m"); got != 2 {
		t.Errorf("DisplayWidth() = %d, want 2", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("héllo", 10); got != "héllo" {
		t.Errorf("Truncate() = %q", got)
	}
	if got := Truncate("héllo", 2); got != "hé..." {
		t.Errorf("Truncate() = %q", got)
	}
}
