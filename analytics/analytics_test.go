package analytics

import (
	"testing"
	"time"
)

func TestParseUserAgent(t *testing.T) {
	tests := []struct {
		ua                  string
		browser, os, device string
	}{
		{
			ua:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
			browser: "Chrome", os: "Windows", device: "Desktop",
		},
		{
			ua:      "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
			browser: "Safari", os: "iOS", device: "Mobile",
		},
		{
			ua:      "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Mobile Safari/537.36",
			browser: "Chrome", os: "Android", device: "Mobile",
		},
		{
			ua:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36 Edg/120.0",
			browser: "Edge", os: "Windows", device: "Desktop",
		},
		{
			ua:      "Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
			browser: "Firefox", os: "Linux", device: "Desktop",
		},
		{ua: "", browser: "Other", os: "Other", device: "Desktop"},
	}

	for _, tt := range tests {
		browser, os, device := ParseUserAgent(tt.ua)
		if browser != tt.browser || os != tt.os || device != tt.device {
			t.Errorf("ParseUserAgent(%q) = %s/%s/%s, want %s/%s/%s",
				tt.ua, browser, os, device, tt.browser, tt.os, tt.device)
		}
	}
}

func TestBotDetection(t *testing.T) {
	tests := []struct {
		ua   string
		bot  bool
		name string
	}{
		{"Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)", true, "Googlebot"},
		{"Mozilla/5.0 (compatible; bingbot/2.0)", true, "Bingbot"},
		{"Mozilla/5.0 (X11; Linux x86_64) Chrome-Lighthouse", true, "Lighthouse"},
		{"SomeCrawler/1.0", true, "Generic Crawler"},
		{"acme-bot/3", true, "Other Bot"},
		{"Mozilla/5.0 (Windows NT 10.0) Firefox/121.0", false, "Unknown"},
	}
	for _, tt := range tests {
		if got := IsBot(tt.ua); got != tt.bot {
			t.Errorf("IsBot(%q) = %v, want %v", tt.ua, got, tt.bot)
		}
		if got := ExtractBotName(tt.ua); got != tt.name {
			t.Errorf("ExtractBotName(%q) = %q, want %q", tt.ua, got, tt.name)
		}
	}
}

func TestCleanReferrer(t *testing.T) {
	tests := map[string]string{
		"":                                  "Direct",
		"https://www.google.com/search?q=x": "Google",
		"https://m.facebook.com/":           "Facebook",
		"https://www.yelp.com/biz/acme":     "Yelp",
		"https://www.example.org/page":      "example.org",
	}
	for in, want := range tests {
		if got := CleanReferrer(in); got != want {
			t.Errorf("CleanReferrer(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestVisitorID(t *testing.T) {
	a := VisitorID("salt", "203.0.113.9", "ua")
	if len(a) != 16 {
		t.Fatalf("len = %d, want 16", len(a))
	}
	if b := VisitorID("salt", "203.0.113.9", "ua"); a != b {
		t.Fatalf("same inputs gave %q and %q", a, b)
	}
	if c := VisitorID("other", "203.0.113.9", "ua"); a == c {
		t.Fatal("different salt produced the same id")
	}
	if d := VisitorID("salt", "203.0.113.10", "ua"); a == d {
		t.Fatal("different IP produced the same id")
	}
}

func TestParsePeriod(t *testing.T) {
	tests := []struct {
		in   string
		name string
		d    time.Duration
	}{
		{"1h", "1h", time.Hour},
		{"24h", "24h", 24 * time.Hour},
		{"7d", "7d", 7 * 24 * time.Hour},
		{"30d", "30d", 30 * 24 * time.Hour},
		{"", "24h", 24 * time.Hour},
		{"forever", "24h", 24 * time.Hour},
	}
	for _, tt := range tests {
		name, d := parsePeriod(tt.in)
		if name != tt.name || d != tt.d {
			t.Errorf("parsePeriod(%q) = %s, %v; want %s, %v", tt.in, name, d, tt.name, tt.d)
		}
	}
}
