package storage

import (
	"context"
)

// NewNamespaced wraps store so every collection name the module sees is
// automatically prefixed with "<moduleID>::", guaranteeing no two modules
// can collide on or reach into each other's keys (spec §4.2, "Context
// passed to modules").
func NewNamespaced(store Store, moduleID string) Store {
	return &namespacedStore{inner: store, prefix: moduleID + "::"}
}

type namespacedStore struct {
	inner  Store
	prefix string
}

func (n *namespacedStore) collection(name string) string {
	return n.prefix + name
}

func (n *namespacedStore) Get(ctx context.Context, collection, key string) ([]byte, bool, error) {
	return n.inner.Get(ctx, n.collection(collection), key)
}

func (n *namespacedStore) Set(ctx context.Context, collection, key string, value []byte) error {
	return n.inner.Set(ctx, n.collection(collection), key, value)
}

func (n *namespacedStore) Delete(ctx context.Context, collection, key string) error {
	return n.inner.Delete(ctx, n.collection(collection), key)
}

func (n *namespacedStore) List(ctx context.Context, collection string) ([]string, error) {
	return n.inner.List(ctx, n.collection(collection))
}

func (n *namespacedStore) Has(ctx context.Context, collection, key string) (bool, error) {
	return n.inner.Has(ctx, n.collection(collection), key)
}

func (n *namespacedStore) Count(ctx context.Context, collection string) (int, error) {
	return n.inner.Count(ctx, n.collection(collection))
}

func (n *namespacedStore) Clear(ctx context.Context, collection string) error {
	return n.inner.Clear(ctx, n.collection(collection))
}
