package arango

import (
	"context"
	"fmt"

	"github.com/arangodb/go-driver/v2/arangodb"

	"github.com/skeinhq/skein/internal/model"
)

type historyDoc struct {
	DocKey string `json:"_key"`
	model.HistoryRecord
}

type historyStore struct {
	s *Store
}

func (h *historyStore) Append(ctx context.Context, rec *model.HistoryRecord) error {
	col, err := h.s.collection(ctx, colHistory)
	if err != nil {
		return mapErr(err)
	}
	doc := historyDoc{DocKey: rec.Key, HistoryRecord: *rec}
	if _, err := col.CreateDocument(ctx, doc); err != nil {
		return mapErr(err)
	}
	return nil
}

// ListByInstance returns records ordered oldest first. A positive limit
// keeps only the newest records; the tail is what catch-up needs.
func (h *historyStore) ListByInstance(ctx context.Context, instanceKey string, limit int) ([]model.HistoryRecord, error) {
	bind := map[string]interface{}{"instanceKey": instanceKey}
	aql := fmt.Sprintf("FOR d IN %s FILTER d.instanceKey == @instanceKey SORT d.createdAt ASC RETURN d", colHistory)
	if limit > 0 {
		aql = fmt.Sprintf("FOR d IN %s FILTER d.instanceKey == @instanceKey SORT d.createdAt DESC LIMIT @limit RETURN d", colHistory)
		bind["limit"] = limit
	}

	cursor, err := h.s.db.Query(ctx, aql, &arangodb.QueryOptions{BindVars: bind})
	if err != nil {
		return nil, mapErr(err)
	}
	defer cursor.Close()

	var out []model.HistoryRecord
	for cursor.HasMore() {
		var rec model.HistoryRecord
		if _, err := cursor.ReadDocument(ctx, &rec); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, rec)
	}

	if limit > 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (h *historyStore) RemoveByInstance(ctx context.Context, instanceKey string) error {
	aql := fmt.Sprintf("FOR d IN %s FILTER d.instanceKey == @instanceKey REMOVE d IN %s", colHistory, colHistory)
	return h.s.exec(ctx, aql, map[string]interface{}{"instanceKey": instanceKey})
}
