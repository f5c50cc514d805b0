package models

// Point is a vector-store record: id, vector and an opaque payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// Row is the relational/lexical projection of a Document.
type Row struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Title   string `json:"title"`
	Lang    string `json:"lang"`
	Content string `json:"content"`
}
