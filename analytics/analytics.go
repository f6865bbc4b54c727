// Package analytics ingests client-side telemetry: tracked session events,
// generic page-view and event records, and heatmap points.
package analytics

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Record is one generic analytics record.
type Record struct {
	Type      string         `json:"type"`
	Path      string         `json:"path,omitempty"`
	VisitorID string         `json:"visitorId"`
	Browser   string         `json:"browser"`
	OS        string         `json:"os"`
	Device    string         `json:"device"`
	Referrer  string         `json:"referrer"`
	Bot       bool           `json:"bot,omitempty"`
	BotName   string         `json:"botName,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// newSalt returns a random per-process salt for visitor hashing.
func newSalt() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// VisitorID creates a salted, anonymous visitor ID from IP and User-Agent.
func VisitorID(salt, ip, userAgent string) string {
	h := sha256.New()
	h.Write([]byte(salt + ip + "|" + userAgent))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// ParseUserAgent extracts browser, OS, and device from User-Agent string.
func ParseUserAgent(ua string) (browser, os, device string) {
	ua = strings.ToLower(ua)

	// Detect browser (order matters: more specific patterns before generic ones)
	switch {
	case strings.Contains(ua, "firefox"):
		browser = "Firefox"
	case strings.Contains(ua, "opera") || strings.Contains(ua, "opr"):
		browser = "Opera"
	case strings.Contains(ua, "edg"):
		browser = "Edge"
	case strings.Contains(ua, "chrome"):
		browser = "Chrome"
	case strings.Contains(ua, "safari"):
		browser = "Safari"
	default:
		browser = "Other"
	}

	// Android before Linux since Android UA contains "linux"
	switch {
	case strings.Contains(ua, "windows"):
		os = "Windows"
	case strings.Contains(ua, "android"):
		os = "Android"
	case strings.Contains(ua, "iphone") || strings.Contains(ua, "ipad"):
		os = "iOS"
	case strings.Contains(ua, "macintosh") || strings.Contains(ua, "mac os"):
		os = "macOS"
	case strings.Contains(ua, "linux"):
		os = "Linux"
	default:
		os = "Other"
	}

	// iPad contains "mobile" in UA, check tablet first
	switch {
	case strings.Contains(ua, "tablet") || strings.Contains(ua, "ipad"):
		device = "Tablet"
	case strings.Contains(ua, "mobile"):
		device = "Mobile"
	default:
		device = "Desktop"
	}

	return
}

var botMarkers = []string{
	"bot", "crawler", "spider", "crawl", "slurp", "scrape",
	"googlebot", "bingbot", "yandex", "baidu", "duckduckbot",
	"facebookexternalhit", "twitterbot", "linkedinbot",
	"ahrefsbot", "semrushbot", "mj12bot", "dotbot", "lighthouse",
}

// IsBot checks if the User-Agent is likely a bot/crawler.
func IsBot(ua string) bool {
	ua = strings.ToLower(ua)
	for _, bot := range botMarkers {
		if strings.Contains(ua, bot) {
			return true
		}
	}
	return false
}

// botPatterns is ordered so specific crawlers match before generic markers.
var botPatterns = []struct{ pattern, name string }{
	{"googlebot", "Googlebot"},
	{"bingbot", "Bingbot"},
	{"yandex", "Yandex"},
	{"baidu", "Baidu"},
	{"duckduckbot", "DuckDuckBot"},
	{"facebookexternalhit", "Facebook"},
	{"twitterbot", "Twitterbot"},
	{"linkedinbot", "LinkedIn"},
	{"ahrefsbot", "Ahrefs"},
	{"semrushbot", "SEMrush"},
	{"mj12bot", "Majestic"},
	{"dotbot", "Moz"},
	{"slurp", "Yahoo Slurp"},
	{"lighthouse", "Lighthouse"},
	{"crawler", "Generic Crawler"},
	{"spider", "Generic Spider"},
}

// ExtractBotName extracts the bot name from User-Agent string.
func ExtractBotName(ua string) string {
	ua = strings.ToLower(ua)
	for _, p := range botPatterns {
		if strings.Contains(ua, p.pattern) {
			return p.name
		}
	}
	if strings.Contains(ua, "bot") {
		return "Other Bot"
	}
	return "Unknown"
}

var referrerDomainRegex = regexp.MustCompile(`^https?://(?:www\.)?([^/]+)`)

// CleanReferrer extracts the domain from a referrer URL.
func CleanReferrer(ref string) string {
	if ref == "" {
		return "Direct"
	}

	refLower := strings.ToLower(ref)
	switch {
	case strings.Contains(refLower, "google."):
		return "Google"
	case strings.Contains(refLower, "bing."):
		return "Bing"
	case strings.Contains(refLower, "duckduckgo."):
		return "DuckDuckGo"
	case strings.Contains(refLower, "yahoo."):
		return "Yahoo"
	case strings.Contains(refLower, "facebook."):
		return "Facebook"
	case strings.Contains(refLower, "yelp."):
		return "Yelp"
	}

	if matches := referrerDomainRegex.FindStringSubmatch(ref); len(matches) > 1 {
		return matches[1]
	}
	return "Other"
}

// DimensionStat is one row of a breakdown such as browsers or referrers.
type DimensionStat struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// topDimensions orders counts by descending count, ties by name, and keeps
// at most limit rows.
func topDimensions(counts map[string]int, limit int) []DimensionStat {
	stats := make([]DimensionStat, 0, len(counts))
	for name, n := range counts {
		stats = append(stats, DimensionStat{Name: name, Count: n})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Count != stats[j].Count {
			return stats[i].Count > stats[j].Count
		}
		return stats[i].Name < stats[j].Name
	})
	if limit > 0 && len(stats) > limit {
		stats = stats[:limit]
	}
	return stats
}

// parsePeriod maps a period query value to a duration. Unknown values fall
// back to 24h.
func parsePeriod(period string) (string, time.Duration) {
	switch period {
	case "1h":
		return period, time.Hour
	case "7d":
		return period, 7 * 24 * time.Hour
	case "30d":
		return period, 30 * 24 * time.Hour
	default:
		return "24h", 24 * time.Hour
	}
}
