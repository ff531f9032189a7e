package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Decoder hydrates T from a snapshot.
type Decoder[T any] func(snap *firestore.DocumentSnapshot) (T, error)

// QueryBuilder narrows a collection query.
type QueryBuilder func(q firestore.Query) firestore.Query

// StructDecoder decodes with DataTo and the firestore struct tags on T.
func StructDecoder[T any]() Decoder[T] {
	return func(snap *firestore.DocumentSnapshot) (T, error) {
		var out T
		err := snap.DataTo(&out)
		return out, err
	}
}

// BaseRepository gives typed access to one collection path. The path may contain %s verbs filled
// per call, e.g. "users/%s/flags".
type BaseRepository[T any] struct {
	provider *Provider
	path     string
	decode   Decoder[T]
}

func NewBaseRepository[T any](provider *Provider, path string, decode Decoder[T]) (*BaseRepository[T], error) {
	if provider == nil {
		return nil, errors.New("firestore: provider is required")
	}
	path = strings.Trim(strings.TrimSpace(path), "/")
	if path == "" {
		return nil, errors.New("firestore: collection path is required")
	}
	if decode == nil {
		decode = StructDecoder[T]()
	}
	return &BaseRepository[T]{provider: provider, path: path, decode: decode}, nil
}

// Get loads and decodes one document.
func (r *BaseRepository[T]) Get(ctx context.Context, id string, pathArgs ...any) (T, error) {
	var zero T
	coll, err := r.collection(ctx, pathArgs)
	if err != nil {
		return zero, err
	}
	snap, err := coll.Doc(id).Get(ctx)
	if err != nil {
		return zero, WrapError(r.op("get"), err)
	}
	out, err := r.decode(snap)
	if err != nil {
		return zero, fmt.Errorf("firestore: decode %s/%s: %w", coll.Path, id, err)
	}
	return out, nil
}

// Query runs build against the collection and decodes every match.
func (r *BaseRepository[T]) Query(ctx context.Context, build QueryBuilder, pathArgs ...any) ([]T, error) {
	coll, err := r.collection(ctx, pathArgs)
	if err != nil {
		return nil, err
	}
	q := coll.Query
	if build != nil {
		q = build(q)
	}
	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []T
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, WrapError(r.op("query"), err)
		}
		item, err := r.decode(snap)
		if err != nil {
			return nil, fmt.Errorf("firestore: decode %s: %w", snap.Ref.Path, err)
		}
		out = append(out, item)
	}
}

// Set writes data to the document, merging when opts say so.
func (r *BaseRepository[T]) Set(ctx context.Context, id string, data any, opts []firestore.SetOption, pathArgs ...any) error {
	coll, err := r.collection(ctx, pathArgs)
	if err != nil {
		return err
	}
	if _, err := coll.Doc(id).Set(ctx, data, opts...); err != nil {
		return WrapError(r.op("set"), err)
	}
	return nil
}

func (r *BaseRepository[T]) collection(ctx context.Context, pathArgs []any) (*firestore.CollectionRef, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	path := r.path
	if len(pathArgs) > 0 {
		path = fmt.Sprintf(r.path, pathArgs...)
	}
	coll := client.Collection(path)
	if coll == nil {
		return nil, fmt.Errorf("firestore: invalid collection path %q", path)
	}
	return coll, nil
}

func (r *BaseRepository[T]) op(action string) string {
	return "firestore." + strings.ReplaceAll(r.path, "/%s/", ".") + "." + action
}
