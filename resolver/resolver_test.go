package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"skald/model"
)

type staticLister struct {
	nodes []model.Node
	err   error
}

func (s staticLister) ListNodes(context.Context) ([]model.Node, error) { return s.nodes, s.err }

type staticFactory struct {
	lister NodeLister
	err    error
}

func (f staticFactory) Lister(model.Account) (NodeLister, error) { return f.lister, f.err }

func newResolver(t *testing.T, l NodeLister) *Resolver {
	return New(staticFactory{lister: l}, zaptest.NewLogger(t))
}

func TestResolveFound(t *testing.T) {
	r := newResolver(t, staticLister{nodes: []model.Node{
		{ID: "n1", Name: "web-1", PublicAddresses: []string{"1.2.3.4"}},
		{ID: "n10", Name: "web-10", PublicAddresses: []string{"5.6.7.8"}},
	}})

	n, err := r.Resolve(context.Background(), model.Account{ID: "acc"}, "n1")
	require.NoError(t, err)
	assert.Equal(t, "web-1", n.Name)
	assert.Equal(t, "1.2.3.4", n.Address())
}

func TestResolveNotFound(t *testing.T) {
	r := newResolver(t, staticLister{nodes: []model.Node{{ID: "n1", PublicAddresses: []string{"1.2.3.4"}}}})

	_, err := r.Resolve(context.Background(), model.Account{}, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveEmptyListIsNotFound(t *testing.T) {
	r := newResolver(t, staticLister{})

	_, err := r.Resolve(context.Background(), model.Account{}, "n1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveNoPublicAddress(t *testing.T) {
	r := newResolver(t, staticLister{nodes: []model.Node{{ID: "n1", Status: "initializing"}}})

	_, err := r.Resolve(context.Background(), model.Account{}, "n1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveProviderError(t *testing.T) {
	r := newResolver(t, staticLister{err: errors.New("503 from api")})

	_, err := r.Resolve(context.Background(), model.Account{}, "n1")
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "503 from api")
}

func TestResolveFactoryError(t *testing.T) {
	r := New(staticFactory{err: errors.New("bad endpoint")}, nil)

	_, err := r.Resolve(context.Background(), model.Account{}, "n1")
	assert.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestConnectorProviders(t *testing.T) {
	c := Connector{CACertFile: ""}

	l, err := c.Lister(model.Account{Provider: model.ProviderNomad, Endpoint: "http://127.0.0.1:4646"})
	require.NoError(t, err)
	assert.NotNil(t, l)

	l, err = c.Lister(model.Account{Provider: model.ProviderConsul, Endpoint: "127.0.0.1:8500"})
	require.NoError(t, err)
	assert.NotNil(t, l)

	_, err = c.Lister(model.Account{Provider: "openstack"})
	assert.Error(t, err)
}
