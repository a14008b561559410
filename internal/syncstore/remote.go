package syncstore

import (
	"context"
	"fmt"
	"strings"
)

// DocumentPath addresses a single remote document.
type DocumentPath struct {
	OwnerID    string
	Collection string
	Key        string
}

func (p DocumentPath) String() string {
	return fmt.Sprintf("users/%s/%s/%s", p.OwnerID, p.Collection, p.Key)
}

func (p DocumentPath) Valid() bool {
	return strings.TrimSpace(p.OwnerID) != "" &&
		strings.TrimSpace(p.Collection) != "" &&
		strings.TrimSpace(p.Key) != ""
}

// RemoteDocument is one document returned by a collection query.
type RemoteDocument struct {
	Key    string         `json:"key"`
	Fields map[string]any `json:"doc"`
}

// RemoteService is the network document store. SetMerge merges onto any
// existing remote document rather than overwriting it, and is idempotent
// for a given document. Get returns ErrNotFound for absent documents.
// Subscribe delivers server-pushed document states to onChange until the
// returned cancel function is called.
type RemoteService interface {
	SetMerge(ctx context.Context, path DocumentPath, doc map[string]any) error
	Get(ctx context.Context, path DocumentPath) (map[string]any, error)
	QueryCollection(ctx context.Context, ownerID, collection string) ([]RemoteDocument, error)
	Subscribe(ctx context.Context, path DocumentPath, onChange func(doc map[string]any)) (func(), error)
}
