package cache

import (
	"context"
	"errors"

	"github.com/2beens/offlinecache/internal/resource"
)

var (
	ErrQuotaExceeded  = errors.New("cache quota exceeded")
	ErrEntryTooLarge  = errors.New("cache entry too large")
	ErrCorruptEntry   = errors.New("corrupt cache entry")
	ErrNotCacheable   = errors.New("request not cacheable")
	ErrManifestFetch  = errors.New("manifest fetch failed")
	ErrDuplicateEntry = errors.New("duplicate manifest entry")
)

type Entry struct {
	Key      string
	Response *resource.Response
}

// Storage is a namespaced request->response store, scoped to one app origin.
// Namespaces are reported in creation order.
type Storage interface {
	// Open creates the namespace if absent and reports whether it was created.
	Open(ctx context.Context, namespace string) (bool, error)
	Put(ctx context.Context, namespace, key string, resp *resource.Response) error
	// PutAll writes all entries or none of them.
	PutAll(ctx context.Context, namespace string, entries []Entry) error
	Match(ctx context.Context, namespace, key string) (*resource.Response, bool, error)
	Keys(ctx context.Context, namespace string) ([]string, error)
	Namespaces(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, namespace string) (bool, error)
}
