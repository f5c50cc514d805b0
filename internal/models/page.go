package models

import (
	"strings"
	"time"
)

// Heading is a single <h1>..<h6> extracted by the parser.
type Heading struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
}

// Image is an <img> descriptor as emitted by the parser.
type Image struct {
	Src   string `json:"src"`
	Alt   string `json:"alt"`
	Title string `json:"title"`
}

// ParsedPage mirrors the JSON records published on the parsed-pages topic.
type ParsedPage struct {
	URL          string    `json:"url"`
	CanonicalURL string    `json:"canonical_url,omitempty"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Headings     []Heading `json:"headings"`
	Images       []Image   `json:"images"`
	CleanedText  string    `json:"cleaned_text"`
	ContentType  string    `json:"content_type"`
	Language     string    `json:"language"`
	Timestamp    time.Time `json:"timestamp"`
	WordCount    int       `json:"word_count"`
}

// Key returns the URL used for identity: the canonical URL when the parser
// found one, otherwise the fetched URL.
func (p ParsedPage) Key() string {
	if c := strings.TrimSpace(p.CanonicalURL); c != "" {
		return c
	}
	return strings.TrimSpace(p.URL)
}

// Document is a page accepted for indexing within one batch.
type Document struct {
	ParsedPage
	ID          string
	ContentHash string
}

// ImageRecord is an indexable image carrying context from the page it was found on.
// The page fields are copies, not a reference to the owning Document.
type ImageRecord struct {
	ID              string
	Src             string
	Alt             string
	Title           string
	PageURL         string
	PageTitle       string
	PageDescription string
	Timestamp       time.Time
}
