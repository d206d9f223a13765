package ws

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"rentsync/internal/errs"
	myMiddleware "rentsync/internal/middleware"
	"rentsync/internal/user"
)

// Identity is the resolved owner of a connection.
type Identity struct {
	UserID   string
	Username string
	Role     string
}

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

type UserFinder interface {
	FindByID(ctx context.Context, id int) (*user.User, error)
}

// TokenAuthenticator verifies a JWT and then resolves its subject in the
// user store. A valid token for a deleted user is rejected.
type TokenAuthenticator struct {
	tokens myMiddleware.TokenValidator
	users  UserFinder
}

func NewTokenAuthenticator(tokens myMiddleware.TokenValidator, users UserFinder) *TokenAuthenticator {
	return &TokenAuthenticator{tokens: tokens, users: users}
}

func (a *TokenAuthenticator) Authenticate(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, errs.ErrMissingToken
	}
	userID, _, err := a.tokens.ValidateToken(token)
	if err != nil {
		return Identity{}, err
	}
	u, err := a.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, errs.ErrUserNotFound) {
			return Identity{}, err
		}
		return Identity{}, fmt.Errorf("resolve user %d: %w", userID, err)
	}
	return Identity{UserID: strconv.Itoa(u.ID), Username: u.Username, Role: u.Role}, nil
}
