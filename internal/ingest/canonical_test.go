package ingest

import (
	"strings"
	"testing"
)

func TestCanonicalizeURL(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"lowercases scheme and host", "HTTPS://Example.COM/Jobs", "https://example.com/jobs"},
		{"strips www", "https://www.example.com/a", "https://example.com/a"},
		{"defaults scheme", "example.com/a", "https://example.com/a"},
		{"drops fragment", "https://example.com/a#section", "https://example.com/a"},
		{"drops trailing slash", "https://example.com/a/", "https://example.com/a"},
		{"root path stays", "https://example.com", "https://example.com/"},
		{"root slash stays", "https://example.com/", "https://example.com/"},
		{"drops utm params", "https://example.com/a?utm_source=x&utm_medium=y&id=7", "https://example.com/a?id=7"},
		{"drops tracking keys", "https://example.com/a?ref=tw&spm=1&from=feed&source=rss", "https://example.com/a"},
		{"sorts query keys", "https://example.com/a?b=2&a=1", "https://example.com/a?a=1&b=2"},
		{"lowercases query keys not values", "https://example.com/a?Key=Value", "https://example.com/a?key=Value"},
		{"lowercases path", "https://example.com/Jobs/Senior-GO", "https://example.com/jobs/senior-go"},
		{"empty input", "", ""},
		{"whitespace trimmed", "  https://example.com/a  ", "https://example.com/a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CanonicalizeURL(tt.raw)
			if got != tt.want {
				t.Errorf("CanonicalizeURL(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestCanonicalizeURLIdempotent(t *testing.T) {
	inputs := []string{
		"HTTPS://WWW.Example.com/Jobs/?utm_source=feed&b=2&a=1#top",
		"example.com",
		"http://news.site/path/a/",
	}
	for _, raw := range inputs {
		once := CanonicalizeURL(raw)
		twice := CanonicalizeURL(once)
		if once != twice {
			t.Errorf("not idempotent: %q -> %q -> %q", raw, once, twice)
		}
	}
}

func TestURLHashCollapsesVariants(t *testing.T) {
	a := URLHash("https://www.example.com/jobs/123?utm_source=rss")
	b := URLHash("HTTP://example.com/Jobs/123/")
	// Scheme differs (http vs https) so these must NOT collide.
	if a == b {
		t.Errorf("different schemes hashed equal")
	}

	c := URLHash("https://www.example.com/jobs/123?utm_source=rss")
	d := URLHash("https://example.com/Jobs/123/")
	if c != d {
		t.Errorf("tracking/case/slash variants hashed differently: %s vs %s", c, d)
	}

	if len(c) != 64 {
		t.Errorf("URLHash length = %d, want 64", len(c))
	}
}

func TestTopicKey(t *testing.T) {
	key := TopicKey("https://example.com/jobs/123")
	if len(key) != 32 {
		t.Errorf("TopicKey length = %d, want 32", len(key))
	}
	if !strings.HasPrefix(URLHash("https://example.com/jobs/123"), key) {
		t.Errorf("TopicKey is not a prefix of URLHash")
	}
}
