package arango

import (
	"context"
	"fmt"

	"github.com/skeinhq/skein/internal/model"
)

// elementStore serves both the nodes and the edges collection. The
// session layer works with local keys; documents here are stored under
// the composite "{graphKey}-{localKey}". Edge documents additionally
// get _from and _to so the collection works as a real ArangoDB edge
// collection.
type elementStore struct {
	s    *Store
	col  string
	edge bool
}

// elementDoc prepares an element for storage under its composite key.
func (e *elementStore) elementDoc(graphKey string, el model.Element) (model.Element, error) {
	key := el.Key()
	if key == "" {
		return nil, fmt.Errorf("element has no key")
	}
	doc := el.Clone()
	doc["_key"] = model.CompositeKey(graphKey, key)
	doc["graphKey"] = graphKey
	if e.edge {
		source, target := el.Source(), el.Target()
		if source == "" || target == "" {
			return nil, fmt.Errorf("edge %s is missing source or target", key)
		}
		doc["_from"] = colNodes + "/" + model.CompositeKey(graphKey, source)
		doc["_to"] = colNodes + "/" + model.CompositeKey(graphKey, target)
	}
	return doc, nil
}

// stripMeta removes storage metadata so elements round-trip back to
// their wire shape. The graphKey attribute stays: it is an application
// field, not adapter bookkeeping.
func stripMeta(doc map[string]interface{}) model.Element {
	for _, k := range []string{"_id", "_key", "_rev", "_from", "_to"} {
		delete(doc, k)
	}
	return model.Element(doc)
}

func (e *elementStore) Get(ctx context.Context, graphKey, key string) (model.Element, error) {
	col, err := e.s.collection(ctx, e.col)
	if err != nil {
		return nil, mapErr(err)
	}
	var doc map[string]interface{}
	if _, err := col.ReadDocument(ctx, model.CompositeKey(graphKey, key), &doc); err != nil {
		return nil, mapErr(err)
	}
	return stripMeta(doc), nil
}

func (e *elementStore) Create(ctx context.Context, graphKey string, el model.Element) error {
	doc, err := e.elementDoc(graphKey, el)
	if err != nil {
		return err
	}
	col, err := e.s.collection(ctx, e.col)
	if err != nil {
		return mapErr(err)
	}
	if _, err := col.CreateDocument(ctx, doc); err != nil {
		return mapErr(err)
	}
	return nil
}

func (e *elementStore) Replace(ctx context.Context, graphKey string, el model.Element) error {
	doc, err := e.elementDoc(graphKey, el)
	if err != nil {
		return err
	}
	col, err := e.s.collection(ctx, e.col)
	if err != nil {
		return mapErr(err)
	}
	if _, err := col.ReplaceDocument(ctx, model.CompositeKey(graphKey, el.Key()), doc); err != nil {
		return mapErr(err)
	}
	return nil
}

func (e *elementStore) Remove(ctx context.Context, graphKey, key string) error {
	col, err := e.s.collection(ctx, e.col)
	if err != nil {
		return mapErr(err)
	}
	if _, err := col.DeleteDocument(ctx, model.CompositeKey(graphKey, key)); err != nil {
		return mapErr(err)
	}
	return nil
}

func (e *elementStore) ListByGraph(ctx context.Context, graphKey string) ([]model.Element, error) {
	aql := fmt.Sprintf("FOR d IN %s FILTER d.graphKey == @graphKey SORT d._key ASC RETURN d", e.col)
	docs, err := e.s.query(ctx, aql, map[string]interface{}{"graphKey": graphKey})
	if err != nil {
		return nil, err
	}
	out := make([]model.Element, 0, len(docs))
	for _, doc := range docs {
		out = append(out, stripMeta(doc))
	}
	return out, nil
}

func (e *elementStore) RemoveByGraph(ctx context.Context, graphKey string) error {
	aql := fmt.Sprintf("FOR d IN %s FILTER d.graphKey == @graphKey REMOVE d IN %s", e.col, e.col)
	return e.s.exec(ctx, aql, map[string]interface{}{"graphKey": graphKey})
}

func (e *elementStore) RemoveBySheet(ctx context.Context, graphKey, sheetID string) error {
	aql := fmt.Sprintf("FOR d IN %s FILTER d.graphKey == @graphKey AND d.sheetId == @sheetId REMOVE d IN %s", e.col, e.col)
	return e.s.exec(ctx, aql, map[string]interface{}{
		"graphKey": graphKey,
		"sheetId":  sheetID,
	})
}
