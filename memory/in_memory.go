package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/hupe1980/careflow/core"
)

// Searcher is an opaque ranked-snippet provider. Results are ordered best
// first and carry their 1-based rank.
type Searcher interface {
	Search(ctx context.Context, collection, query string, limit int) ([]core.SearchResult, error)
}

// Snippet is one indexed document.
type Snippet struct {
	ID       string
	Content  string
	Metadata map[string]any
}

type entry struct {
	snippet Snippet
	terms   map[string]float64
	norm    float64
}

// Index is a naive process-local Searcher. Documents are grouped in named
// collections and scored by cosine similarity of term frequency vectors.
//
// Concurrency: protected by RWMutex. Suitable for tests and small catalogs;
// swap for a vector store for production retrieval.
type Index struct {
	mu          sync.RWMutex
	collections map[string]map[string]entry // collection -> id -> entry
}

var _ Searcher = (*Index)(nil)

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{collections: make(map[string]map[string]entry)}
}

// Store adds or replaces snippets in collection. Snippets without id get a
// sequential one.
func (ix *Index) Store(collection string, snippets ...Snippet) error {
	if collection == "" {
		return fmt.Errorf("collection must not be empty")
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	col, exists := ix.collections[collection]
	if !exists {
		col = make(map[string]entry)
		ix.collections[collection] = col
	}

	for _, s := range snippets {
		if strings.TrimSpace(s.Content) == "" {
			return fmt.Errorf("snippet %q has no content", s.ID)
		}
		if s.ID == "" {
			s.ID = fmt.Sprintf("%s_%d", collection, len(col))
		}
		terms := termFrequencies(s.Content)
		col[s.ID] = entry{snippet: s, terms: terms, norm: norm(terms)}
	}

	return nil
}

// Delete removes a snippet.
func (ix *Index) Delete(collection, id string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	col, exists := ix.collections[collection]
	if !exists {
		return fmt.Errorf("collection %q not found", collection)
	}
	if _, exists := col[id]; !exists {
		return fmt.Errorf("snippet %q not found", id)
	}
	delete(col, id)

	return nil
}

// Len returns the number of snippets in collection.
func (ix *Index) Len(collection string) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.collections[collection])
}

// Search ranks the snippets of collection against query. Only positive
// scores are returned, highest first, ties broken by id. An empty query
// returns every snippet with score 1 in id order.
func (ix *Index) Search(ctx context.Context, collection, query string, limit int) ([]core.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	col := ix.collections[collection]
	results := make([]core.SearchResult, 0, len(col))

	q := termFrequencies(query)
	qn := norm(q)

	for _, e := range col {
		score := 1.0
		if qn > 0 {
			score = cosine(q, qn, e.terms, e.norm)
			if score <= 0 {
				continue
			}
		}
		md := make(map[string]any, len(e.snippet.Metadata))
		for k, v := range e.snippet.Metadata {
			md[k] = v
		}
		results = append(results, core.SearchResult{
			Collection: collection,
			ID:         e.snippet.ID,
			Content:    e.snippet.Content,
			Score:      score,
			Metadata:   md,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	for i := range results {
		results[i].Rank = i + 1
	}

	return results, nil
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func termFrequencies(s string) map[string]float64 {
	tf := map[string]float64{}
	for _, t := range tokenize(s) {
		if len(t) < 2 {
			continue
		}
		tf[t]++
	}
	return tf
}

func norm(tf map[string]float64) float64 {
	var sum float64
	for _, v := range tf {
		sum += v * v
	}
	return math.Sqrt(sum)
}

func cosine(q map[string]float64, qn float64, d map[string]float64, dn float64) float64 {
	if qn == 0 || dn == 0 {
		return 0
	}
	var dot float64
	for t, v := range q {
		dot += v * d[t]
	}
	return dot / (qn * dn)
}
