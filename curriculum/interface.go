// Package curriculum attaches teaching parameters and reference excerpts to a
// session, optionally retrieved from a vector store.
package curriculum

import "context"

// VectorStore finds curriculum excerpts close to a query vector.
type VectorStore interface {
	// Search returns at most limit excerpts matching filter, best first.
	Search(ctx context.Context, vector []float32, filter SearchFilter, limit int) ([]SearchResult, error)

	// Close releases the connection.
	Close() error
}

// Embedder turns a query into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SearchFilter defines filtering options for vector search.
type SearchFilter struct {
	// Subject restricts results to excerpts tagged with this subject.
	Subject string

	// Metadata adds exact-match payload conditions.
	Metadata map[string]any

	// MinScore drops excerpts scoring below it.
	MinScore float32
}

// SearchResult represents a single curriculum excerpt returned by a search.
type SearchResult struct {
	ID       string
	Score    float32
	Title    string
	Content  string
	Subject  string
	Metadata map[string]any
}
