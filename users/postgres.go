package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"skald/model"
)

// Postgres serves users from the database, one row set per tenant.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Lookup(ctx context.Context, identity string) (*model.User, error) {
	var email string
	err := p.pool.QueryRow(ctx, `SELECT email FROM users WHERE lower(email) = lower($1)`, identity).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, identity)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	u := &model.User{Email: email, Accounts: map[string]model.Account{}}

	rows, err := p.pool.Query(ctx,
		`SELECT id, title, provider, endpoint, token, region, ca_cert FROM accounts WHERE owner_email = $1`, email)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	for rows.Next() {
		var a model.Account
		if err := rows.Scan(&a.ID, &a.Title, &a.Provider, &a.Endpoint, &a.Token, &a.Region, &a.CACert); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan account: %w", err)
		}
		u.Accounts[a.ID] = a
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	rows, err = p.pool.Query(ctx,
		`SELECT k.id, k.private_key, k.is_default, a.account_id, a.node_id, a.username
		 FROM ssh_keys k LEFT JOIN key_associations a ON a.key_id = k.id
		 WHERE k.owner_email = $1 ORDER BY k.id`, email)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	index := map[string]int{}
	for rows.Next() {
		var k model.Key
		var accountID, nodeID, username *string
		if err := rows.Scan(&k.ID, &k.PrivateKey, &k.Default, &accountID, &nodeID, &username); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		i, ok := index[k.ID]
		if !ok {
			i = len(u.Keys)
			index[k.ID] = i
			u.Keys = append(u.Keys, k)
		}
		if accountID != nil && nodeID != nil {
			assoc := model.KeyAssociation{AccountID: *accountID, NodeID: *nodeID}
			if username != nil {
				assoc.User = *username
			}
			u.Keys[i].Associations = append(u.Keys[i].Associations, assoc)
		}
	}
	return u, rows.Err()
}
