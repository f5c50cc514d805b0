package processing

import (
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/DeafMist/sneakdex-indexer/internal/models"
)

// Defaults applied when TextOptions fields are zero.
const (
	DefaultMaxLength  = 8192
	DefaultHeadingLen = 200
)

const (
	maxHeadings     = 5
	maxPathKeywords = 6
	maxURLKeywords  = 8
	longBodyLen     = 4000
	bodyHeadLen     = 2000
	bodyTailLen     = 1000
	bodySeparator   = " ... "
	hierarchySep    = " → "
)

var (
	fileExtension = regexp.MustCompile(`\.(html|htm|php|asp|jsp)$`)
	hexID         = regexp.MustCompile(`^[a-f0-9]{8,}$`)
	separators    = regexp.MustCompile(`[-_]+`)
)

var meaningfulParams = map[string]struct{}{
	"q": {}, "query": {}, "search": {}, "category": {}, "type": {}, "tag": {},
	"topic": {}, "subject": {}, "keyword": {}, "term": {}, "filter": {}, "section": {},
}

var genericDomains = map[string]struct{}{
	"www": {}, "blog": {}, "news": {}, "docs": {}, "wiki": {},
}

// TextOptions bounds the embedding text.
type TextOptions struct {
	MaxLength        int
	MaxHeadingLength int
}

func (o TextOptions) withDefaults() TextOptions {
	if o.MaxLength <= 0 {
		o.MaxLength = DefaultMaxLength
	}
	if o.MaxHeadingLength <= 0 {
		o.MaxHeadingLength = DefaultHeadingLen
	}
	return o
}

// BuildEmbeddingText renders a page into the string that gets embedded.
// The output is deterministic for a given page and never longer than
// opts.MaxLength characters.
func BuildEmbeddingText(page models.ParsedPage, opts TextOptions) string {
	opts = opts.withDefaults()
	pieces := make([]string, 0, 16)

	title := strings.TrimSpace(page.Title)
	if title != "" {
		pieces = append(pieces, title, title)
	}

	rawURL := strings.TrimSpace(page.URL)
	if rawURL != "" {
		pieces = append(pieces, URLKeywords(rawURL), DomainContext(rawURL))
	}

	description := strings.TrimSpace(page.Description)
	if description != "" && description != title {
		pieces = append(pieces, description)
	}

	pieces = append(pieces, headingPieces(page.Headings, opts.MaxHeadingLength)...)

	if body := strings.TrimSpace(page.CleanedText); body != "" {
		pieces = append(pieces, ClipBody(body))
	}

	pieces = append(pieces, metadataTokens(page)...)

	text := strings.TrimSpace(joinNonEmpty(pieces))
	if utf8.RuneCountInString(text) > opts.MaxLength {
		text = SmartTruncate(text, opts.MaxLength)
	}
	return text
}

// ClipBody keeps the lead and the conclusion of a long body and drops the middle.
func ClipBody(body string) string {
	runes := []rune(body)
	if len(runes) <= longBodyLen {
		return body
	}
	return string(runes[:bodyHeadLen]) + bodySeparator + string(runes[len(runes)-bodyTailLen:])
}

func headingPieces(headings []models.Heading, maxLen int) []string {
	var (
		out []string
		h1  []string
	)
	for _, h := range headings {
		if len(out) == maxHeadings {
			break
		}
		text := strings.TrimSpace(h.Text)
		if text == "" {
			continue
		}
		text = truncateRunes(text, maxLen)
		out = append(out, text)
		if h.Level == 1 {
			h1 = append(h1, text)
		}
	}
	if len(h1) > 1 {
		out = append(out, strings.Join(h1, hierarchySep))
	}
	return out
}

// URLKeywords pulls readable words out of the URL path and a fixed set of
// query parameters.
func URLKeywords(raw string) string {
	parsed, err := url.Parse(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil {
		return ""
	}

	var keywords []string
	for _, part := range strings.Split(parsed.Path, "/") {
		if len(keywords) == maxPathKeywords {
			break
		}
		part = strings.TrimSpace(part)
		if utf8.RuneCountInString(part) <= 1 || isDigits(part) {
			continue
		}
		part = fileExtension.ReplaceAllString(part, "")
		if hexID.MatchString(part) {
			continue
		}
		keywords = append(keywords, part)
	}

	for _, param := range strings.Split(parsed.RawQuery, "&") {
		key, value, ok := strings.Cut(param, "=")
		if !ok {
			continue
		}
		if _, meaningful := meaningfulParams[key]; !meaningful || len(value) <= 1 {
			continue
		}
		clean, err := url.QueryUnescape(value)
		if err != nil {
			continue
		}
		if utf8.RuneCountInString(clean) > 1 && !isDigits(clean) {
			keywords = append(keywords, clean)
		}
	}

	cleaned := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = separators.ReplaceAllString(kw, " ")
		kw = strings.TrimSpace(whitespace.ReplaceAllString(kw, " "))
		if utf8.RuneCountInString(kw) > 1 && !isDigits(kw) {
			cleaned = append(cleaned, kw)
		}
		if len(cleaned) == maxURLKeywords {
			break
		}
	}
	return strings.Join(cleaned, " ")
}

// DomainContext returns "site:<label>" for the second-level domain label,
// or "" for generic labels and bare hosts.
func DomainContext(raw string) string {
	host := hostname(raw)
	host = strings.TrimPrefix(host, "www.")
	parts := strings.Split(host, ".")
	if len(parts) < 2 {
		return ""
	}
	label := parts[len(parts)-2]
	if label == "" {
		return ""
	}
	if _, generic := genericDomains[label]; generic {
		return ""
	}
	return "site:" + label
}

func metadataTokens(page models.ParsedPage) []string {
	var out []string

	contentType := strings.ToLower(strings.TrimSpace(page.ContentType))
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	if contentType != "" && contentType != "text/html" && contentType != "text/plain" {
		out = append(out, "type:"+contentType)
	}

	lang := strings.TrimSpace(page.Language)
	switch strings.ToLower(lang) {
	case "", "en", "english":
	default:
		out = append(out, "lang:"+lang)
	}

	host := hostname(page.URL)
	for _, tld := range []string{".edu", ".gov", ".org"} {
		if strings.HasSuffix(host, tld) {
			out = append(out, "authoritative_source")
			break
		}
	}
	return out
}

// BuildImageCaption renders the embedding text for an image. Images without
// alt or title text produce "" and are never embedded.
func BuildImageCaption(img models.ImageRecord) string {
	alt := strings.TrimSpace(img.Alt)
	title := strings.TrimSpace(img.Title)

	parts := make([]string, 0, 2)
	if alt != "" {
		parts = append(parts, alt)
	}
	if title != "" && title != alt {
		parts = append(parts, title)
	}
	if len(parts) == 0 {
		return ""
	}

	caption := strings.Join(parts, " ")
	if pageTitle := strings.TrimSpace(img.PageTitle); pageTitle != "" {
		caption += " from: " + pageTitle
	}
	return caption
}

func hostname(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}

func joinNonEmpty(pieces []string) string {
	var b strings.Builder
	for _, p := range pieces {
		if p == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(p)
	}
	return b.String()
}
