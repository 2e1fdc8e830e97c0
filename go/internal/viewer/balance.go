package viewer

import (
	"context"
	"errors"

	"github.com/mcdev12/arena/go/internal/models"
)

var errNoToken = errors.New("viewer: no session token for balance lookup")

// Wallet reads the balance behind a session token.
type Wallet interface {
	Balance(ctx context.Context, token string) (models.Money, error)
}

// TokenSource yields the current session token.
type TokenSource interface {
	Token() string
}

// TokenBalance reads the balance for whichever token is current. Tokens is
// usually the Session, set after both are built.
type TokenBalance struct {
	Wallet Wallet
	Tokens TokenSource
}

func (b *TokenBalance) CurrentBalance(ctx context.Context) (models.Money, error) {
	if b.Tokens == nil {
		return models.Money{}, errNoToken
	}
	token := b.Tokens.Token()
	if token == "" {
		return models.Money{}, errNoToken
	}
	return b.Wallet.Balance(ctx, token)
}
