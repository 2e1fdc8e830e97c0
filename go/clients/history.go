package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/mcdev12/arena/go/internal/models"
)

// HistoryClient fetches the round results already recorded for a table.
type HistoryClient struct {
	*BaseClient
	path string
}

func NewHistoryClient(baseURL, path string) *HistoryClient {
	if path == "" {
		path = "/api/tables/history"
	}
	return &HistoryClient{BaseClient: NewBaseClient(baseURL), path: path}
}

// historyResponse accepts a bare array or the list under results, history or
// data, with data itself possibly wrapping either key.
type historyResponse struct {
	Results []json.RawMessage `json:"results"`
	History []json.RawMessage `json:"history"`
	Data    json.RawMessage   `json:"data"`
}

// ResultCount returns how many results the table's history holds.
func (c *HistoryClient) ResultCount(ctx context.Context, session models.TableSession) (int, error) {
	endpoint := c.path + "?table_id=" + url.QueryEscape(session.TableID)
	body, err := c.Get(ctx, endpoint, bearer(session.SessionToken))
	if err != nil {
		return 0, fmt.Errorf("failed to get table history: %w", err)
	}
	count, ok := countResults(body, 2)
	if !ok {
		return 0, fmt.Errorf("history missing from response: %s", string(body))
	}
	return count, nil
}

func countResults(body []byte, depth int) (int, bool) {
	var list []json.RawMessage
	if json.Unmarshal(body, &list) == nil {
		return len(list), true
	}
	var response historyResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return 0, false
	}
	switch {
	case response.Results != nil:
		return len(response.Results), true
	case response.History != nil:
		return len(response.History), true
	case len(response.Data) > 0 && depth > 0:
		return countResults(response.Data, depth-1)
	}
	return 0, false
}
