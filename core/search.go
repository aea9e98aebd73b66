package core

// SearchResult is one ranked snippet returned by a retrieval backend.
// Rank is 1-based in result order; Score is backend specific and only
// comparable within one result list.
type SearchResult struct {
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Content    string         `json:"content"`
	Score      float64        `json:"score"`
	Rank       int            `json:"rank"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Label returns the string metadata value under key, or the ID when the
// value is missing or not a string.
func (r SearchResult) Label(key string) string {
	if v, ok := r.Metadata[key].(string); ok && v != "" {
		return v
	}
	return r.ID
}
