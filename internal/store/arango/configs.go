package arango

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/skeinhq/skein/internal/model"
	"github.com/skeinhq/skein/internal/store"
)

// configStore persists node configuration documents. Configurations are
// read on every node drag in the editor, so reads go through a small
// LRU that writes keep coherent.
type configStore struct {
	s     *Store
	cache *lru.Cache[string, model.Element]
}

func (c *configStore) Get(ctx context.Context, key string) (model.Element, error) {
	if c.cache != nil {
		if cfg, ok := c.cache.Get(key); ok {
			return cfg.Clone(), nil
		}
	}

	col, err := c.s.collection(ctx, colNodeConfigs)
	if err != nil {
		return nil, mapErr(err)
	}
	var doc map[string]interface{}
	if _, err := col.ReadDocument(ctx, key, &doc); err != nil {
		return nil, mapErr(err)
	}
	cfg := stripMeta(doc)
	if c.cache != nil {
		c.cache.Add(key, cfg.Clone())
	}
	return cfg, nil
}

func (c *configStore) Put(ctx context.Context, key string, cfg model.Element) error {
	if key == "" {
		return fmt.Errorf("node config has no key")
	}
	doc := cfg.Clone()
	doc["_key"] = key

	col, err := c.s.collection(ctx, colNodeConfigs)
	if err != nil {
		return mapErr(err)
	}
	if _, err := col.ReplaceDocument(ctx, key, doc); err != nil {
		if mapErr(err) != store.ErrNotFound {
			return mapErr(err)
		}
		if _, err := col.CreateDocument(ctx, doc); err != nil {
			return mapErr(err)
		}
	}
	if c.cache != nil {
		c.cache.Add(key, cfg.Clone())
	}
	return nil
}

func (c *configStore) Remove(ctx context.Context, key string) error {
	col, err := c.s.collection(ctx, colNodeConfigs)
	if err != nil {
		return mapErr(err)
	}
	if c.cache != nil {
		c.cache.Remove(key)
	}
	if _, err := col.DeleteDocument(ctx, key); err != nil {
		return mapErr(err)
	}
	return nil
}
