package processing

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

var whitespace = regexp.MustCompile(`\s+`)

// DocumentID derives a stable UUIDv5 from a URL in the URL namespace, so the
// same URL maps to the same id across calls and restarts.
func DocumentID(url string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(url)).String()
}

// ContentHash fingerprints the title and body for content-level dedup.
func ContentHash(title, body string) string {
	s := sha1.Sum([]byte(title + "|" + body))
	return hex.EncodeToString(s[:])
}

// SmartTruncate cuts text to at most maxLen characters. It prefers the last
// sentence end or newline when that keeps more than 80% of the limit, then the
// last word boundary, and only cuts mid-word when there is no space at all.
func SmartTruncate(text string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if utf8.RuneCountInString(text) <= maxLen {
		return text
	}

	truncated := string([]rune(text)[:maxLen])

	boundary := max(strings.LastIndex(truncated, ". "), strings.LastIndex(truncated, "\n"))
	if boundary >= 0 && float64(utf8.RuneCountInString(truncated[:boundary])) > float64(maxLen)*0.8 {
		return strings.TrimSpace(truncated[:boundary+1])
	}

	if i := strings.LastIndex(truncated, " "); i > 0 {
		return strings.TrimSpace(truncated[:i])
	}
	return truncated
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
