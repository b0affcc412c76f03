// Package algolia adapts a hosted Algolia application to search.Provider.
package algolia

import (
	"context"
	"fmt"

	"github.com/add-eus/library/search"
	"github.com/algolia/algoliasearch-client-go/v3/algolia/opt"
	algoliasearch "github.com/algolia/algoliasearch-client-go/v3/algolia/search"
	"github.com/caarlos0/env/v11"
)

// Config holds the Algolia credentials. Prefix is prepended to every index name, which
// lets environments share one application.
type Config struct {
	ApplicationID string `env:"ALGOLIA_APPLICATION_ID,required,notEmpty"`
	APIKey        string `env:"ALGOLIA_API_KEY,required,notEmpty"`
	Prefix        string `env:"ALGOLIA_PREFIX"`
	HitsPerPage   int    `env:"ALGOLIA_HITS_PER_PAGE" envDefault:"1000"`
}

// LoadConfigFromEnv reads Config from the environment.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse algolia env: %w", err)
	}
	return cfg, nil
}

// searcher is the part of *algoliasearch.Index used here.
type searcher interface {
	Search(query string, opts ...interface{}) (algoliasearch.QueryRes, error)
}

// Provider opens Algolia indexes.
type Provider struct {
	cfg  Config
	open func(name string) searcher
}

// New connects to the application described by cfg.
func New(cfg Config) *Provider {
	client := algoliasearch.NewClient(cfg.ApplicationID, cfg.APIKey)
	return &Provider{cfg: cfg, open: func(name string) searcher {
		return client.InitIndex(name)
	}}
}

func (p *Provider) Index(name string) search.Index {
	return &index{name: p.cfg.Prefix + name, hitsPerPage: p.cfg.HitsPerPage, s: p.open(p.cfg.Prefix + name)}
}

type index struct {
	name        string
	hitsPerPage int
	s           searcher
}

func (i *index) Search(ctx context.Context, text string) ([]search.Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var opts []interface{}
	if i.hitsPerPage > 0 {
		opts = append(opts, opt.HitsPerPage(i.hitsPerPage))
	}
	res, err := i.s.Search(text, opts...)
	if err != nil {
		return nil, fmt.Errorf("algolia search %s: %w", i.name, err)
	}
	hits := make([]search.Hit, 0, len(res.Hits))
	for n, h := range res.Hits {
		id, _ := h["objectID"].(string)
		if id == "" {
			continue
		}
		// Algolia does not expose scores; rank position stands in for relevance
		hits = append(hits, search.Hit{ObjectID: id, Score: float64(len(res.Hits) - n)})
	}
	return hits, nil
}
