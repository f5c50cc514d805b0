package validate

import (
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/DeafMist/sneakdex-indexer/internal/dedupe"
	"github.com/DeafMist/sneakdex-indexer/internal/models"
	"github.com/DeafMist/sneakdex-indexer/internal/processing"
)

// placeholderSrc lists image sources that never point at a real image.
var placeholderSrc = map[string]struct{}{
	"about:blank": {},
}

// Result is what survives validation for one batch.
type Result struct {
	Documents []models.Document
	Images    []models.ImageRecord

	Total     int
	Failed    int
	Duplicate int
}

// Validator rejects malformed pages and filters repeats against a
// process-lifetime dedup cache.
type Validator struct {
	cache            *dedupe.Cache
	minContentLength int
	log              *slog.Logger
}

// New creates a Validator. cache is shared across batches.
func New(cache *dedupe.Cache, minContentLength int, log *slog.Logger) *Validator {
	if log == nil {
		log = slog.Default()
	}
	return &Validator{cache: cache, minContentLength: minContentLength, log: log}
}

// Validate processes pages in order. Accepted pages get their id and content
// hash assigned and their URL and hash remembered.
func (v *Validator) Validate(pages []models.ParsedPage) Result {
	res := Result{Total: len(pages)}
	imageIndex := make(map[string]int)

	for _, page := range pages {
		key := page.Key()
		title := strings.TrimSpace(page.Title)
		body := strings.TrimSpace(page.CleanedText)

		if reason := v.reject(key, title, body); reason != "" {
			res.Failed++
			v.log.Debug("page rejected", slog.String("url", page.URL), slog.String("reason", reason))
			continue
		}

		hash := processing.ContentHash(title, body)
		if verdict := v.cache.Admit(key, hash); verdict != dedupe.Admitted {
			res.Duplicate++
			v.log.Debug("duplicate page", slog.String("url", page.URL), slog.String("verdict", verdict.String()))
			continue
		}

		doc := models.Document{
			ParsedPage:  page,
			ID:          processing.DocumentID(key),
			ContentHash: hash,
		}
		res.Documents = append(res.Documents, doc)

		for _, img := range ExtractImages(doc) {
			// Same image on several pages in one batch: last page wins.
			if i, ok := imageIndex[img.ID]; ok {
				res.Images[i] = img
				continue
			}
			imageIndex[img.ID] = len(res.Images)
			res.Images = append(res.Images, img)
		}
	}

	return res
}

func (v *Validator) reject(key, title, body string) string {
	switch {
	case key == "":
		return "empty url"
	case title == "" && body == "":
		return "empty title and body"
	case utf8.RuneCountInString(body) < v.minContentLength:
		return "body too short"
	default:
		return ""
	}
}

// ExtractImages returns the indexable images of a document, each carrying
// the page context used for ranking.
func ExtractImages(doc models.Document) []models.ImageRecord {
	out := make([]models.ImageRecord, 0, len(doc.Images))
	for _, img := range doc.Images {
		src := strings.TrimSpace(img.Src)
		if !IsRealImage(src) {
			continue
		}
		out = append(out, models.ImageRecord{
			ID:              processing.DocumentID(src),
			Src:             src,
			Alt:             strings.TrimSpace(img.Alt),
			Title:           strings.TrimSpace(img.Title),
			PageURL:         doc.URL,
			PageTitle:       doc.Title,
			PageDescription: doc.Description,
			Timestamp:       doc.Timestamp,
		})
	}
	return out
}

// IsRealImage reports whether src is non-empty and not a placeholder.
func IsRealImage(src string) bool {
	if src == "" {
		return false
	}
	_, placeholder := placeholderSrc[strings.ToLower(src)]
	return !placeholder
}
