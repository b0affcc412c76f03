// Package docdb defines the document database contract the ORM is written against.
//
// It mirrors the surface of a hierarchical document store: collections hold documents,
// documents hold fields and sub-collections, and every read can be turned into a live
// subscription. Implementations live in sub-packages ([badgerdb] for local and test use,
// [ddbdocs] for DynamoDB).
package docdb

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Data is the raw field representation of a document.
type Data = map[string]any

// GeoPoint is a geographic coordinate pair.
type GeoPoint struct {
	Lat float64
	Lng float64
}

type deleteField struct{}

// DeleteField can be used as a value in Update and merging Set calls to remove the field.
var DeleteField any = deleteField{}

// IsDeleteField reports whether v is the [DeleteField] sentinel.
func IsDeleteField(v any) bool {
	_, ok := v.(deleteField)
	return ok
}

// DocumentRef addresses a single document.
type DocumentRef struct {
	// Collection is the full path of the parent collection, e.g. "users/u1/workspaces".
	Collection string
	ID         string
}

// Path returns the full slash separated path of the document.
func (r DocumentRef) Path() string {
	return r.Collection + "/" + r.ID
}

// IsZero reports whether the reference is unset.
func (r DocumentRef) IsZero() bool {
	return r.Collection == "" && r.ID == ""
}

// Parent returns the collection containing the document.
func (r DocumentRef) Parent() CollectionRef {
	return CollectionRef{Path: r.Collection}
}

// Sub returns a sub-collection of the document.
func (r DocumentRef) Sub(name string) CollectionRef {
	return CollectionRef{Path: r.Path() + "/" + name}
}

func (r DocumentRef) String() string {
	return r.Path()
}

// CollectionRef addresses a collection, root level or nested under a document.
type CollectionRef struct {
	Path string
}

// Collection returns a reference to a root collection.
func Collection(path string) CollectionRef {
	return CollectionRef{Path: strings.Trim(path, "/")}
}

// Doc returns a reference to the document id in the collection.
func (c CollectionRef) Doc(id string) DocumentRef {
	return DocumentRef{Collection: c.Path, ID: id}
}

// NewDoc returns a reference to a document with a freshly generated id.
func (c CollectionRef) NewDoc() DocumentRef {
	return c.Doc(NewID())
}

// ID returns the last segment of the collection path.
func (c CollectionRef) ID() string {
	if i := strings.LastIndexByte(c.Path, '/'); i >= 0 {
		return c.Path[i+1:]
	}
	return c.Path
}

// Parent returns the document owning a nested collection.
// The second return value is false for root collections.
func (c CollectionRef) Parent() (DocumentRef, bool) {
	i := strings.LastIndexByte(c.Path, '/')
	if i < 0 {
		return DocumentRef{}, false
	}
	ref, err := ParseDocPath(c.Path[:i])
	if err != nil {
		return DocumentRef{}, false
	}
	return ref, true
}

// ParseDocPath parses a document path such as "users/u1" or "users/u1/workspaces/w1".
func ParseDocPath(path string) (DocumentRef, error) {
	path = strings.Trim(path, "/")
	segments := strings.Split(path, "/")
	if path == "" || len(segments)%2 != 0 {
		return DocumentRef{}, fmt.Errorf("invalid document path %q: must have an even number of segments", path)
	}
	for _, s := range segments {
		if s == "" {
			return DocumentRef{}, fmt.Errorf("invalid document path %q: empty segment", path)
		}
	}
	i := strings.LastIndexByte(path, '/')
	return DocumentRef{Collection: path[:i], ID: path[i+1:]}, nil
}

// NewID generates a 20 character document id.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}
