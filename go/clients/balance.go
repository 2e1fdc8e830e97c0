package clients

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mcdev12/arena/go/internal/models"
)

type BalanceClient struct {
	*BaseClient
	path string
}

func NewBalanceClient(baseURL, path string) *BalanceClient {
	if path == "" {
		path = "/api/wallet/balance"
	}
	return &BalanceClient{BaseClient: NewBaseClient(baseURL), path: path}
}

type balanceResponse struct {
	Balance *models.Money `json:"balance"`
	Data    *struct {
		Balance *models.Money `json:"balance"`
	} `json:"data"`
}

// Balance returns the wallet balance for the session token.
func (c *BalanceClient) Balance(ctx context.Context, token string) (models.Money, error) {
	body, err := c.Get(ctx, c.path, bearer(token))
	if err != nil {
		return models.Money{}, fmt.Errorf("failed to get balance: %w", err)
	}

	var response balanceResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return models.Money{}, fmt.Errorf("failed to unmarshal balance response: %w", err)
	}
	switch {
	case response.Balance != nil:
		return *response.Balance, nil
	case response.Data != nil && response.Data.Balance != nil:
		return *response.Data.Balance, nil
	}
	return models.Money{}, fmt.Errorf("balance missing from response: %s", string(body))
}
