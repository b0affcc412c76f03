// Package bleveindex is an in-process search index built on bleve.
//
// Indexes can follow a document collection so the index stays current with the store
// without a separate indexing pipeline.
package bleveindex

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/add-eus/library/docdb"
	"github.com/add-eus/library/search"
	"github.com/blevesearch/bleve/v2"
)

// MaxHits bounds the number of hits returned by one search.
const MaxHits = 1000

// Index is an in-memory bleve index.
type Index struct {
	idx bleve.Index
}

var _ search.Index = (*Index)(nil)

// New creates an empty in-memory index with the default mapping.
func New() (*Index, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create bleve index: %w", err)
	}
	return &Index{idx: idx}, nil
}

// Put indexes or re-indexes a document.
func (i *Index) Put(id string, data docdb.Data) error {
	if err := i.idx.Index(id, indexable(data)); err != nil {
		return fmt.Errorf("index %s: %w", id, err)
	}
	return nil
}

// Delete removes a document from the index.
func (i *Index) Delete(id string) error {
	if err := i.idx.Delete(id); err != nil {
		return fmt.Errorf("unindex %s: %w", id, err)
	}
	return nil
}

// Search runs a match query over every indexed field.
func (i *Index) Search(ctx context.Context, text string) ([]search.Hit, error) {
	req := bleve.NewSearchRequestOptions(bleve.NewMatchQuery(text), MaxHits, 0, false)
	res, err := i.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", text, err)
	}
	hits := make([]search.Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, search.Hit{ObjectID: h.ID, Score: h.Score})
	}
	return hits, nil
}

func (i *Index) Close() error {
	return i.idx.Close()
}

// indexable drops values bleve cannot map, such as geo points and raw bytes.
func indexable(data docdb.Data) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		switch v := v.(type) {
		case docdb.GeoPoint:
			out[k] = map[string]any{"lat": v.Lat, "lon": v.Lng}
		case []byte:
		case map[string]any:
			out[k] = indexable(v)
		default:
			out[k] = v
		}
	}
	return out
}

// Follow keeps idx in sync with a collection until stop is called. Errors are logged.
func Follow(client docdb.Client, collection string, idx *Index, logger *slog.Logger) (stop func()) {
	if logger == nil {
		logger = slog.Default()
	}
	return client.OnQuerySnapshot(docdb.NewQuery(collection), func(qs docdb.QuerySnapshot) {
		for _, ch := range qs.Changes {
			var err error
			if ch.Kind == docdb.Removed {
				err = idx.Delete(ch.Doc.Ref.ID)
			} else {
				err = idx.Put(ch.Doc.Ref.ID, ch.Doc.Data)
			}
			if err != nil {
				logger.Error("search index sync failed", "collection", collection, "err", err)
			}
		}
	}, func(err error) {
		logger.Error("search index follow failed", "collection", collection, "err", err)
	})
}

// Provider creates one index per name on demand.
type Provider struct {
	mu      sync.Mutex
	indexes map[string]*Index
}

// NewProvider returns an empty provider.
func NewProvider() *Provider {
	return &Provider{indexes: make(map[string]*Index)}
}

// Open returns the named index, creating it if needed.
func (p *Provider) Open(name string) (*Index, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx, ok := p.indexes[name]; ok {
		return idx, nil
	}
	idx, err := New()
	if err != nil {
		return nil, err
	}
	p.indexes[name] = idx
	return idx, nil
}

// Index implements search.Provider. An index that cannot be created yields no hits.
func (p *Provider) Index(name string) search.Index {
	idx, err := p.Open(name)
	if err != nil {
		return failing{err: err}
	}
	return idx
}

// Close closes every index.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var first error
	for name, idx := range p.indexes {
		if err := idx.Close(); err != nil && first == nil {
			first = err
		}
		delete(p.indexes, name)
	}
	return first
}

type failing struct{ err error }

func (f failing) Search(context.Context, string) ([]search.Hit, error) {
	return nil, f.err
}
