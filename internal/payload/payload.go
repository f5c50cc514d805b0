package payload

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/DeafMist/sneakdex-indexer/internal/models"
	"github.com/DeafMist/sneakdex-indexer/internal/validate"
)

const (
	maxPayloadHeadings = 3
	maxPayloadImages   = 3
	snippetLength      = 500

	// DefaultLanguage is used for rows whose language has no text-search config.
	DefaultLanguage = "simple"
)

// languages maps ISO codes and English names to the text-search configuration
// name understood by the row store.
var languages = map[string]string{
	"en": "english", "english": "english",
	"fr": "french", "french": "french",
	"de": "german", "german": "german",
	"es": "spanish", "spanish": "spanish",
	"it": "italian", "italian": "italian",
	"pt": "portuguese", "portuguese": "portuguese",
	"nl": "dutch", "dutch": "dutch",
	"ru": "russian", "russian": "russian",
	"sv": "swedish", "swedish": "swedish",
	"no": "norwegian", "nb": "norwegian", "norwegian": "norwegian",
	"da": "danish", "danish": "danish",
	"fi": "finnish", "finnish": "finnish",
	"hu": "hungarian", "hungarian": "hungarian",
	"ro": "romanian", "romanian": "romanian",
	"tr": "turkish", "turkish": "turkish",
}

// NormalizeLanguage returns the text-search language for a page language tag,
// collapsing anything unsupported (including empty) to DefaultLanguage.
func NormalizeLanguage(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	if lang, ok := languages[tag]; ok {
		return lang
	}
	return DefaultLanguage
}

// DocumentPoint builds the vector-store point for a document.
func DocumentPoint(doc models.Document, vector []float32) models.Point {
	return models.Point{ID: doc.ID, Vector: vector, Payload: DocumentPayload(doc)}
}

// DocumentPayload is the bounded subset of a document stored next to its vector.
func DocumentPayload(doc models.Document) map[string]any {
	headings := make([]any, 0, maxPayloadHeadings)
	for _, h := range doc.Headings {
		if len(headings) == maxPayloadHeadings {
			break
		}
		headings = append(headings, map[string]any{"level": h.Level, "text": h.Text})
	}

	images := make([]any, 0, maxPayloadImages)
	for _, img := range doc.Images {
		if len(images) == maxPayloadImages {
			break
		}
		if !validate.IsRealImage(strings.TrimSpace(img.Src)) {
			continue
		}
		images = append(images, map[string]any{"src": img.Src, "alt": img.Alt, "title": img.Title})
	}

	return map[string]any{
		"url":          doc.URL,
		"title":        doc.Title,
		"description":  doc.Description,
		"headings":     headings,
		"images":       images,
		"language":     doc.Language,
		"timestamp":    formatTime(doc.Timestamp),
		"content_type": doc.ContentType,
		"text_snippet": snippet(doc.CleanedText),
		"word_count":   doc.WordCount,
		"content_hash": doc.ContentHash,
	}
}

// DocumentRow is the relational projection. Content carries the raw body for
// the row store's own full-text indexing.
func DocumentRow(doc models.Document) models.Row {
	return models.Row{
		ID:      doc.ID,
		URL:     doc.URL,
		Title:   doc.Title,
		Lang:    NormalizeLanguage(doc.Language),
		Content: doc.CleanedText,
	}
}

// ImagePoint builds the vector-store point for an image.
func ImagePoint(img models.ImageRecord, caption string, vector []float32) models.Point {
	return models.Point{ID: img.ID, Vector: vector, Payload: ImagePayload(img, caption)}
}

// ImagePayload carries the image fields plus the owning page's context.
func ImagePayload(img models.ImageRecord, caption string) map[string]any {
	return map[string]any{
		"src":              img.Src,
		"alt":              img.Alt,
		"title":            img.Title,
		"caption":          caption,
		"page_url":         img.PageURL,
		"page_title":       img.PageTitle,
		"page_description": img.PageDescription,
		"timestamp":        formatTime(img.Timestamp),
	}
}

func snippet(body string) string {
	if utf8.RuneCountInString(body) <= snippetLength {
		return body
	}
	return string([]rune(body)[:snippetLength])
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339)
}
