package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/require"
	gssh "golang.org/x/crypto/ssh"
)

// newKeyPEM returns a fresh OpenSSH private key and its public half.
func newKeyPEM(t *testing.T) (string, gssh.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := gssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	sshPub, err := gssh.NewPublicKey(pub)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(block)), sshPub
}
