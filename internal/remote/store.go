// Package remote abstracts the shared document database: a path-addressed
// pub/sub + query service with last-write-wins per document and no
// cross-document transactions. Components treat it as a black box; the Redis
// implementation backs production and the in-memory one backs tests and
// local-only mode.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrPermissionDenied = errors.New("permission denied")
)

// Document is one stored document. Data values are JSON-compatible; times
// are RFC3339Nano strings.
type Document struct {
	Path string
	Data map[string]any
}

type SetOptions struct {
	// Merge folds the given fields into the existing document instead of
	// replacing it.
	Merge bool
}

// Listener delivers full collection snapshots in commit order. A permission
// failure on the subscription surfaces on Errors and terminates delivery.
type Listener interface {
	Updates() <-chan []Document
	Errors() <-chan error
	Stop()
}

type DocumentStore interface {
	Get(ctx context.Context, path string) (Document, error)
	Set(ctx context.Context, path string, data map[string]any, opts SetOptions) error
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, collection string) ([]Document, error)
	QueryEq(ctx context.Context, collection, field string, value any) ([]Document, error)
	QueryArrayContains(ctx context.Context, collection, field string, value any) ([]Document, error)
	Listen(ctx context.Context, collection string) (Listener, error)
}

// Field sentinels, interpreted at write time by the implementations.

type arrayUnion struct{ values []any }
type arrayRemove struct{ values []any }
type serverTimestamp struct{}

// ArrayUnion adds the values to an array field, skipping ones already
// present.
func ArrayUnion(values ...any) any { return arrayUnion{values: values} }

// ArrayRemove removes all occurrences of the values from an array field.
func ArrayRemove(values ...any) any { return arrayRemove{values: values} }

// ServerTimestamp resolves to the store's commit time.
func ServerTimestamp() any { return serverTimestamp{} }

// applyUpdates resolves sentinels and merges updates over existing. The
// existing map is not mutated.
func applyUpdates(existing, updates map[string]any, now time.Time) map[string]any {
	out := make(map[string]any, len(existing)+len(updates))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range updates {
		switch sv := v.(type) {
		case arrayUnion:
			arr := toAnySlice(out[k])
			for _, val := range sv.values {
				if !containsValue(arr, val) {
					arr = append(arr, val)
				}
			}
			out[k] = arr
		case arrayRemove:
			arr := toAnySlice(out[k])
			kept := make([]any, 0, len(arr))
			for _, e := range arr {
				if !containsValue(sv.values, e) {
					kept = append(kept, e)
				}
			}
			out[k] = kept
		case serverTimestamp:
			out[k] = now.UTC().Format(time.RFC3339Nano)
		case time.Time:
			out[k] = sv.UTC().Format(time.RFC3339Nano)
		case *time.Time:
			if sv == nil {
				out[k] = nil
			} else {
				out[k] = sv.UTC().Format(time.RFC3339Nano)
			}
		default:
			out[k] = v
		}
	}
	return out
}

func toAnySlice(v any) []any {
	switch s := v.(type) {
	case []any:
		return append([]any(nil), s...)
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out
	}
	return nil
}

func containsValue(arr []any, v any) bool {
	for _, e := range arr {
		if fmt.Sprint(e) == fmt.Sprint(v) {
			return true
		}
	}
	return false
}

// fieldEquals compares a document field against a query value. Values may
// have been JSON round-tripped, so comparison is by printed representation.
func fieldEquals(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// inCollection reports whether path is a direct child of collection.
func inCollection(path, collection string) bool {
	rest, ok := strings.CutPrefix(path, collection+"/")
	if !ok {
		return false
	}
	return rest != "" && !strings.Contains(rest, "/")
}

// CollectionOf returns the collection a document path belongs to.
func CollectionOf(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return ""
	}
	return path[:idx]
}
