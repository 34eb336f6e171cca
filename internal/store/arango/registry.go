package arango

import (
	"context"
	"fmt"

	"github.com/arangodb/go-driver/v2/arangodb"

	"github.com/skeinhq/skein/internal/model"
	"github.com/skeinhq/skein/internal/store"
)

type registrationDoc struct {
	DocKey string `json:"_key"`
	model.Registration
}

type registryStore struct {
	s *Store
}

func (r *registryStore) Upsert(ctx context.Context, reg *model.Registration) error {
	col, err := r.s.collection(ctx, colRegistry)
	if err != nil {
		return mapErr(err)
	}
	doc := registrationDoc{DocKey: reg.PeerID, Registration: *reg}
	if _, err := col.ReplaceDocument(ctx, reg.PeerID, doc); err != nil {
		if mapErr(err) != store.ErrNotFound {
			return mapErr(err)
		}
		if _, err := col.CreateDocument(ctx, doc); err != nil {
			return mapErr(err)
		}
	}
	return nil
}

func (r *registryStore) Refresh(ctx context.Context, peerID string, ts int64) error {
	aql := fmt.Sprintf("UPDATE { _key: @key } WITH { lastRefresh: @ts } IN %s", colRegistry)
	return r.s.exec(ctx, aql, map[string]interface{}{
		"key": peerID,
		"ts":  ts,
	})
}

func (r *registryStore) ListLive(ctx context.Context, since int64) ([]model.Registration, error) {
	aql := fmt.Sprintf(
		"FOR d IN %s FILTER d.status == @status AND d.lastRefresh >= @since SORT d._key ASC RETURN d",
		colRegistry,
	)
	cursor, err := r.s.db.Query(ctx, aql, &arangodb.QueryOptions{BindVars: map[string]interface{}{
		"status": model.PeerOnline,
		"since":  since,
	}})
	if err != nil {
		return nil, mapErr(err)
	}
	defer cursor.Close()

	var out []model.Registration
	for cursor.HasMore() {
		var reg model.Registration
		if _, err := cursor.ReadDocument(ctx, &reg); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, reg)
	}
	return out, nil
}

func (r *registryStore) SetStatus(ctx context.Context, peerID, status string, ts int64) error {
	aql := fmt.Sprintf("UPDATE { _key: @key } WITH { status: @status, lastRefresh: @ts } IN %s", colRegistry)
	return r.s.exec(ctx, aql, map[string]interface{}{
		"key":    peerID,
		"status": status,
		"ts":     ts,
	})
}

// Remove is idempotent so peers can clean up rows that another peer
// already pruned.
func (r *registryStore) Remove(ctx context.Context, peerID string) error {
	col, err := r.s.collection(ctx, colRegistry)
	if err != nil {
		return mapErr(err)
	}
	if _, err := col.DeleteDocument(ctx, peerID); err != nil {
		if mapErr(err) == store.ErrNotFound {
			return nil
		}
		return mapErr(err)
	}
	return nil
}
