package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/add-eus/library/docdb"
	"github.com/add-eus/library/search"
)

// printer writes command results as text lines or JSON.
type printer struct {
	format string
	w      io.Writer
}

type docJSON struct {
	Path   string     `json:"path"`
	Exists bool       `json:"exists"`
	Data   docdb.Data `json:"data,omitempty"`
}

type changeJSON struct {
	Kind string `json:"kind"`
	docJSON
}

func toJSON(snap docdb.Snapshot) docJSON {
	return docJSON{Path: snap.Ref.Path(), Exists: snap.Exists, Data: snap.Data}
}

func (p printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p printer) line(prefix string, snap docdb.Snapshot) error {
	if !snap.Exists {
		_, err := fmt.Fprintf(p.w, "%s%s (missing)\n", prefix, snap.Ref.Path())
		return err
	}
	data, err := json.Marshal(snap.Data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", snap.Ref.Path(), err)
	}
	_, err = fmt.Fprintf(p.w, "%s%s %s\n", prefix, snap.Ref.Path(), data)
	return err
}

func (p printer) doc(snap docdb.Snapshot) error {
	if p.format == "json" {
		return p.json(toJSON(snap))
	}
	return p.line("", snap)
}

func (p printer) docs(snaps []docdb.Snapshot) error {
	if p.format == "json" {
		out := make([]docJSON, len(snaps))
		for i, s := range snaps {
			out[i] = toJSON(s)
		}
		return p.json(out)
	}
	for _, s := range snaps {
		if err := p.line("", s); err != nil {
			return err
		}
	}
	return nil
}

// change prints one change per line in both formats so watch output can be streamed.
func (p printer) change(c docdb.DocumentChange) error {
	if p.format == "json" {
		data, err := json.Marshal(changeJSON{Kind: c.Kind.String(), docJSON: toJSON(c.Doc)})
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(p.w, "%s\n", data)
		return err
	}
	return p.line(c.Kind.String()+" ", c.Doc)
}

func (p printer) hits(hits []search.Hit) error {
	if p.format == "json" {
		if hits == nil {
			hits = []search.Hit{}
		}
		return p.json(hits)
	}
	for _, h := range hits {
		if _, err := fmt.Fprintf(p.w, "%s\t%.3f\n", h.ObjectID, h.Score); err != nil {
			return err
		}
	}
	return nil
}
