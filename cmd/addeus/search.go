package main

import (
	"fmt"

	"github.com/add-eus/library/docdb"
	"github.com/add-eus/library/search/bleveindex"
	"github.com/spf13/cobra"
)

func newSearchCommand(rootOpts *rootOptions) *cobra.Command {
	var load bool
	cmd := &cobra.Command{
		Use:   "search <index> <text>",
		Short: "Query a search index",
		Long: `Query the search index named <index>.

With Algolia credentials in the environment the hosted index is queried. Otherwise the
documents of the collection <index> are indexed locally first.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, text := args[0], args[1]
			ctx := cmd.Context()

			provider, err := rootOpts.env.hostedSearch(rootOpts.cfg)
			if err != nil {
				return err
			}

			var client docdb.Client
			if provider == nil || load {
				client, err = rootOpts.open(ctx)
				if err != nil {
					return err
				}
				defer client.Close()
			}
			if provider == nil {
				local := bleveindex.NewProvider()
				defer local.Close()
				if err := indexCollection(cmd, client, local, name); err != nil {
					return err
				}
				provider = local
			}

			hits, err := provider.Index(name).Search(ctx, text)
			if err != nil {
				return err
			}
			p := rootOpts.printer(cmd)
			if !load {
				return p.hits(hits)
			}
			docs := make([]docdb.Snapshot, 0, len(hits))
			for _, h := range hits {
				snap, err := client.Get(ctx, docdb.Collection(name).Doc(h.ObjectID))
				if err != nil {
					return err
				}
				docs = append(docs, snap)
			}
			return p.docs(docs)
		},
	}
	cmd.Flags().BoolVar(&load, "load", false, "print the matching documents instead of hits")
	return cmd
}

func indexCollection(cmd *cobra.Command, client docdb.Client, p *bleveindex.Provider, collection string) error {
	idx, err := p.Open(collection)
	if err != nil {
		return err
	}
	docs, err := client.GetAll(cmd.Context(), docdb.NewQuery(collection))
	if err != nil {
		return err
	}
	for _, d := range docs {
		if err := idx.Put(d.Ref.ID, d.Data); err != nil {
			return fmt.Errorf("index %s: %w", d.Ref.Path(), err)
		}
	}
	return nil
}
