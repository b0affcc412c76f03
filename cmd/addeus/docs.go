package main

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/add-eus/library/docdb"
	"github.com/spf13/cobra"
)

func newGetCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <path>",
		Short: "Print one document",
		Long:  "Print the document at a slash separated path such as users/u1/posts/p1.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := docdb.ParseDocPath(args[0])
			if err != nil {
				return err
			}
			client, err := rootOpts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			snap, err := client.Get(cmd.Context(), ref)
			if err != nil {
				return err
			}
			if !snap.Exists {
				return docdb.Errorf(docdb.CodeNotFound, ref.Path(), "no such document")
			}
			return rootOpts.printer(cmd).doc(snap)
		},
	}
}

// queryFlags are the filters shared by list and watch.
type queryFlags struct {
	wheres []string
	orders []string
	limit  int
	group  bool
}

func (f *queryFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringArrayVarP(&f.wheres, "where", "w", nil, `filter such as "age>=18" or "tags array-contains go" (repeatable)`)
	cmd.Flags().StringArrayVarP(&f.orders, "order", "o", nil, `order such as "age" or "age:desc" (repeatable)`)
	cmd.Flags().IntVarP(&f.limit, "limit", "n", 0, "maximum number of documents, 0 for all")
	cmd.Flags().BoolVar(&f.group, "group", false, "query every collection with this id, whatever its parent")
}

func (f *queryFlags) query(collection string) (docdb.Query, error) {
	var constraints []docdb.Constraint
	for _, w := range f.wheres {
		filter, err := parseWhere(w)
		if err != nil {
			return docdb.Query{}, err
		}
		constraints = append(constraints, filter)
	}
	for _, o := range f.orders {
		field, dir, _ := strings.Cut(o, ":")
		direction := docdb.Asc
		switch strings.ToLower(dir) {
		case "", "asc":
		case "desc":
			direction = docdb.Desc
		default:
			return docdb.Query{}, fmt.Errorf("invalid order %q: direction must be asc or desc", o)
		}
		constraints = append(constraints, docdb.OrderBy(fieldName(field), direction))
	}
	if f.limit > 0 {
		constraints = append(constraints, docdb.Limit(f.limit))
	}

	var q docdb.Query
	if f.group {
		q = docdb.NewGroupQuery(collection, constraints...)
	} else {
		q = docdb.NewQuery(collection, constraints...)
	}
	return q, q.Validate()
}

var wordOps = []docdb.Op{docdb.OpIn, docdb.OpNotIn, docdb.OpArrayContains, docdb.OpArrayContainsAny}

// symbolOps are tried in order, so two character operators come first.
var symbolOps = []docdb.Op{docdb.OpEqual, docdb.OpNotEqual, docdb.OpLessOrEqual, docdb.OpGreaterOrEqual, docdb.OpLess, docdb.OpGreater}

// parseWhere parses "field<op>value" or "field <word-op> value".
func parseWhere(expr string) (docdb.Filter, error) {
	if parts := strings.Fields(expr); len(parts) >= 3 {
		for _, op := range wordOps {
			if parts[1] == string(op) {
				return docdb.Where(fieldName(parts[0]), op, parseValue(strings.Join(parts[2:], " "))), nil
			}
		}
	}
	for _, op := range symbolOps {
		if i := strings.Index(expr, string(op)); i > 0 {
			field := strings.TrimSpace(expr[:i])
			value := strings.TrimSpace(expr[i+len(op):])
			return docdb.Where(fieldName(field), op, parseValue(value)), nil
		}
	}
	return nil, fmt.Errorf("cannot parse filter %q: want <field><op><value>", expr)
}

// fieldName maps "id" to the document id pseudo field.
func fieldName(field string) string {
	if field == "id" {
		return docdb.DocumentID
	}
	return field
}

// parseValue reads JSON literals and falls back to a bare string. Integral numbers
// become int64 so they compare like stored integers.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return normalizeNumbers(v)
}

func normalizeNumbers(v any) any {
	switch v := v.(type) {
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
			return int64(v)
		}
	case []any:
		for i := range v {
			v[i] = normalizeNumbers(v[i])
		}
	case map[string]any:
		for k := range v {
			v[k] = normalizeNumbers(v[k])
		}
	}
	return v
}

func newListCommand(rootOpts *rootOptions) *cobra.Command {
	var flags queryFlags
	cmd := &cobra.Command{
		Use:   "list <collection>",
		Short: "Print the documents of a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := flags.query(args[0])
			if err != nil {
				return err
			}
			client, err := rootOpts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			docs, err := client.GetAll(cmd.Context(), q)
			if err != nil {
				return err
			}
			return rootOpts.printer(cmd).docs(docs)
		},
	}
	flags.register(cmd)
	return cmd
}

func newWatchCommand(rootOpts *rootOptions) *cobra.Command {
	var flags queryFlags
	var count int
	cmd := &cobra.Command{
		Use:   "watch <collection>",
		Short: "Stream changes to a collection",
		Long: `Print every change to the documents matching the query until interrupted.

The current documents are printed first as added.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := flags.query(args[0])
			if err != nil {
				return err
			}
			client, err := rootOpts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()
			return watch(cmd, rootOpts.printer(cmd), client, q, count)
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many changes, 0 to run until interrupted")
	return cmd
}

func watch(cmd *cobra.Command, p printer, client docdb.Client, q docdb.Query, count int) error {
	ctx := cmd.Context()
	snaps := make(chan docdb.QuerySnapshot)
	errs := make(chan error, 1)
	quit := make(chan struct{})
	stop := client.OnQuerySnapshot(q, func(qs docdb.QuerySnapshot) {
		select {
		case snaps <- qs:
		case <-quit:
		}
	}, func(err error) {
		select {
		case errs <- err:
		default:
		}
	})
	defer stop()
	defer close(quit)

	seen := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errs:
			return err
		case qs := <-snaps:
			for _, c := range qs.Changes {
				if err := p.change(c); err != nil {
					return err
				}
				seen++
				if count > 0 && seen >= count {
					return nil
				}
			}
		}
	}
}
