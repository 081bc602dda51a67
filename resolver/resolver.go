// Package resolver maps a logical node identifier to a reachable address
// through the account's cloud provider.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"skald/consul"
	"skald/model"
	"skald/nomad"
)

var (
	// ErrNotFound means the node is not listed yet or has no public address.
	ErrNotFound = errors.New("node not found")
	// ErrServiceUnavailable means the provider could not be queried.
	ErrServiceUnavailable = errors.New("provider service unavailable")
)

// NodeLister is the provider-side contract. An empty result is not an error.
type NodeLister interface {
	ListNodes(ctx context.Context) ([]model.Node, error)
}

// ListerFactory builds a NodeLister for one provider account.
type ListerFactory interface {
	Lister(account model.Account) (NodeLister, error)
}

// Connector builds provider clients from account settings. CACertFile is
// the fallback bundle for accounts that do not name their own.
type Connector struct {
	CACertFile string
}

func (c Connector) Lister(account model.Account) (NodeLister, error) {
	caCert := account.CACert
	if caCert == "" {
		caCert = c.CACertFile
	}
	switch account.Provider {
	case model.ProviderNomad:
		return nomad.NewClient(nomad.Options{
			Address: account.Endpoint,
			Token:   account.Token,
			Region:  account.Region,
			CACert:  caCert,
		})
	case model.ProviderConsul:
		return consul.NewClient(consul.Options{
			Address:    account.Endpoint,
			Token:      account.Token,
			Datacenter: account.Region,
			CACert:     caCert,
		})
	default:
		return nil, fmt.Errorf("unsupported provider %q", account.Provider)
	}
}

type Resolver struct {
	Factory ListerFactory
	Log     *zap.Logger
}

func New(factory ListerFactory, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{Factory: factory, Log: log}
}

// Resolve looks the node up by exact ID. A node without public addresses is
// reported as ErrNotFound, since it is usually still booting.
func (r *Resolver) Resolve(ctx context.Context, account model.Account, nodeID string) (model.Node, error) {
	lister, err := r.Factory.Lister(account)
	if err != nil {
		return model.Node{}, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	nodes, err := lister.ListNodes(ctx)
	if err != nil {
		return model.Node{}, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	for _, n := range nodes {
		if n.ID != nodeID {
			continue
		}
		if len(n.PublicAddresses) == 0 {
			r.Log.Debug("node has no public address yet", zap.String("node", nodeID), zap.String("status", n.Status))
			return model.Node{}, fmt.Errorf("%w: %s has no public address", ErrNotFound, nodeID)
		}
		return n, nil
	}
	return model.Node{}, fmt.Errorf("%w: %s", ErrNotFound, nodeID)
}
