package users

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const accountsYAML = `
users:
  - email: ops@example.com
    accounts:
      - id: prod
        title: Production
        provider: nomad
        endpoint: https://nomad.example.com:4646
        token: s3cret
      - id: edge
        provider: consul
        endpoint: consul.example.com:8500
    keys:
      - id: deploy
        default: true
        private_key: "dummy"
        associations:
          - account: prod
            node: n1
            user: ubuntu
`

func TestStaticLookup(t *testing.T) {
	s, err := Parse([]byte(accountsYAML))
	require.NoError(t, err)

	u, err := s.Lookup(context.Background(), "OPS@example.com")
	require.NoError(t, err)
	assert.Equal(t, "OPS@example.com", u.Email)
	require.Len(t, u.Accounts, 2)
	assert.Equal(t, "s3cret", u.Accounts["prod"].Token)
	require.Len(t, u.Keys, 1)
	assert.True(t, u.Keys[0].Default)
	assoc, ok := u.Keys[0].AssociatedWith("prod", "n1")
	require.True(t, ok)
	assert.Equal(t, "ubuntu", assoc.User)

	a, err := Account(u, "edge")
	require.NoError(t, err)
	assert.Equal(t, "consul", a.Provider)

	_, err = Account(u, "staging")
	assert.ErrorIs(t, err, ErrUnknownAccount)

	_, err = s.Lookup(context.Background(), "stranger@example.com")
	assert.ErrorIs(t, err, ErrUnknownUser)
}

func TestStaticSingleUserMatchesAnyone(t *testing.T) {
	s, err := Parse([]byte("users:\n  - accounts:\n      - {id: a, provider: nomad, endpoint: http://x}\n"))
	require.NoError(t, err)
	u, err := s.Lookup(context.Background(), "anyone@example.com")
	require.NoError(t, err)
	assert.Equal(t, "anyone@example.com", u.Email)
	assert.Contains(t, u.Accounts, "a")
}

func TestStaticLookupReturnsCopies(t *testing.T) {
	s, err := Parse([]byte(accountsYAML))
	require.NoError(t, err)
	u1, _ := s.Lookup(context.Background(), "ops@example.com")
	u1.Keys[0].ID = "mutated"
	delete(u1.Accounts, "prod")

	u2, _ := s.Lookup(context.Background(), "ops@example.com")
	assert.Equal(t, "deploy", u2.Keys[0].ID)
	assert.Contains(t, u2.Accounts, "prod")
}

func TestParseRejectsBadFiles(t *testing.T) {
	_, err := Parse([]byte("users: [\n"))
	assert.Error(t, err)
	_, err = Parse([]byte("users:\n  - accounts:\n      - {id: a, provider: ec2}\n"))
	assert.ErrorContains(t, err, "unsupported provider")
	_, err = Parse([]byte("users:\n  - accounts:\n      - {id: a, provider: nomad}\n      - {id: a, provider: nomad}\n"))
	assert.ErrorContains(t, err, "duplicate account")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(accountsYAML), 0o600))
	s, err := LoadFile(path)
	require.NoError(t, err)
	_, err = s.Lookup(context.Background(), "ops@example.com")
	require.NoError(t, err)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
