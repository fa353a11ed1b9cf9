package curriculum

import (
	"context"
	"strings"

	"github.com/creastat/tutoring"
	"github.com/creastat/tutoring/logging"
)

const (
	defaultLimit    = 3
	defaultMinScore = 0.3
)

// Retriever looks up curriculum references for a subject and query.
type Retriever struct {
	store    VectorStore
	embedder Embedder
	limit    int
	minScore float32
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithLimit sets the maximum number of references per lookup.
func WithLimit(n int) Option {
	return func(r *Retriever) {
		if n > 0 {
			r.limit = n
		}
	}
}

// WithMinScore drops results scoring below s.
func WithMinScore(s float32) Option {
	return func(r *Retriever) {
		r.minScore = s
	}
}

// NewRetriever creates a Retriever.
func NewRetriever(store VectorStore, embedder Embedder, opts ...Option) *Retriever {
	r := &Retriever{
		store:    store,
		embedder: embedder,
		limit:    defaultLimit,
		minScore: defaultMinScore,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lookup returns the references most similar to query within subject.
func (r *Retriever) Lookup(ctx context.Context, subject, query string) ([]tutoring.Reference, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	results, err := r.store.Search(ctx, vector, SearchFilter{Subject: subject, MinScore: r.minScore}, r.limit)
	if err != nil {
		return nil, err
	}

	refs := make([]tutoring.Reference, 0, len(results))
	for _, res := range results {
		if res.Content == "" {
			continue
		}
		refs = append(refs, tutoring.Reference{
			ID:      res.ID,
			Title:   res.Title,
			Content: res.Content,
			Score:   res.Score,
		})
	}
	return refs, nil
}

// Enrich returns base with references for query attached.
// Lookup failures are logged and base is returned unchanged.
func (r *Retriever) Enrich(ctx context.Context, base tutoring.Curriculum, subject, query string) tutoring.Curriculum {
	refs, err := r.Lookup(ctx, subject, query)
	if err != nil {
		logging.Warn().Err(err).Str("subject", subject).Msg("curriculum lookup failed")
		return base
	}
	if len(refs) == 0 {
		return base
	}
	out := base
	out.References = refs
	return out
}

// Close closes the underlying vector store.
func (r *Retriever) Close() error {
	return r.store.Close()
}
