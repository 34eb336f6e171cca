package arango

import (
	"context"
	"fmt"

	"github.com/skeinhq/skein/internal/model"
	"github.com/skeinhq/skein/internal/store"
)

// graphDoc wraps a graph with the ArangoDB document key. The graph's
// own key field stays in the body so reads work without the meta.
type graphDoc struct {
	DocKey string `json:"_key"`
	model.Graph
}

type graphStore struct {
	s *Store
}

func (g *graphStore) Get(ctx context.Context, key string) (*model.Graph, error) {
	col, err := g.s.collection(ctx, colGraphs)
	if err != nil {
		return nil, mapErr(err)
	}
	var doc graphDoc
	if _, err := col.ReadDocument(ctx, key, &doc); err != nil {
		return nil, mapErr(err)
	}
	doc.Graph.Key = doc.DocKey
	return &doc.Graph, nil
}

func (g *graphStore) Put(ctx context.Context, graph *model.Graph) error {
	col, err := g.s.collection(ctx, colGraphs)
	if err != nil {
		return mapErr(err)
	}
	doc := graphDoc{DocKey: graph.Key, Graph: *graph}
	if _, err := col.ReplaceDocument(ctx, graph.Key, doc); err != nil {
		if mapErr(err) != store.ErrNotFound {
			return mapErr(err)
		}
		if _, err := col.CreateDocument(ctx, doc); err != nil {
			return mapErr(err)
		}
	}
	return nil
}

func (g *graphStore) Remove(ctx context.Context, key string) error {
	col, err := g.s.collection(ctx, colGraphs)
	if err != nil {
		return mapErr(err)
	}
	if _, err := col.DeleteDocument(ctx, key); err != nil {
		return mapErr(err)
	}
	return nil
}

func (g *graphStore) RemoveTree(ctx context.Context, key string) error {
	if err := g.Remove(ctx, key); err != nil && err != store.ErrNotFound {
		return err
	}

	bind := map[string]interface{}{"graphKey": key}
	for _, col := range []string{colNodes, colEdges} {
		aql := fmt.Sprintf("FOR d IN %s FILTER d.graphKey == @graphKey REMOVE d IN %s", col, col)
		if err := g.s.exec(ctx, aql, bind); err != nil {
			return err
		}
	}

	aql := fmt.Sprintf("FOR d IN %s FILTER d.instanceKey == @instanceKey REMOVE d IN %s", colHistory, colHistory)
	return g.s.exec(ctx, aql, map[string]interface{}{
		"instanceKey": model.InstanceKey(model.KindGraph, key),
	})
}

func (g *graphStore) UpdateSheets(ctx context.Context, key string, sheets map[string]string, ts int64) error {
	aql := fmt.Sprintf("UPDATE { _key: @key } WITH { sheetList: @sheets, updatedAt: @ts } IN %s", colGraphs)
	return g.s.exec(ctx, aql, map[string]interface{}{
		"key":    key,
		"sheets": sheets,
		"ts":     ts,
	})
}

func (g *graphStore) Touch(ctx context.Context, key string, ts int64) error {
	aql := fmt.Sprintf("UPDATE { _key: @key } WITH { updatedAt: @ts } IN %s", colGraphs)
	return g.s.exec(ctx, aql, map[string]interface{}{
		"key": key,
		"ts":  ts,
	})
}
