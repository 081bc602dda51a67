// Package users resolves a requester identity to its accounts and keys.
package users

import (
	"context"
	"errors"
	"fmt"

	"skald/model"
)

var (
	ErrUnknownUser    = errors.New("unknown user")
	ErrUnknownAccount = errors.New("unknown account")
)

// Provider is the UserContextProvider. Implementations must be safe for
// concurrent use; returned users are not shared between calls.
type Provider interface {
	Lookup(ctx context.Context, identity string) (*model.User, error)
}

// Account is a convenience that maps a missing account to ErrUnknownAccount.
func Account(u *model.User, id string) (model.Account, error) {
	a, ok := u.Account(id)
	if !ok {
		return model.Account{}, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	return a, nil
}
