package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/mcdev12/arena/go/internal/models"
)

// LobbyClient fetches the lobby snapshot that carries per-table stream
// locators. The response shape varies between deployments, so it is returned
// undecoded for the candidate extractor.
type LobbyClient struct {
	*BaseClient
	path string
}

func NewLobbyClient(baseURL, path string) *LobbyClient {
	if path == "" {
		path = "/api/lobby/tables"
	}
	return &LobbyClient{BaseClient: NewBaseClient(baseURL), path: path}
}

func (c *LobbyClient) TableSnapshot(ctx context.Context, session models.TableSession) (any, error) {
	endpoint := c.path + "?table_id=" + url.QueryEscape(session.TableID)
	body, err := c.Get(ctx, endpoint, bearer(session.SessionToken))
	if err != nil {
		return nil, fmt.Errorf("failed to get lobby snapshot: %w", err)
	}

	var response any
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lobby response: %w", err)
	}
	return response, nil
}
