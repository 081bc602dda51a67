package model

// Provider types an account can point at.
const (
	ProviderNomad  = "nomad"
	ProviderConsul = "consul"
)

// Account is a provider-account context: where to list nodes and with which token.
// It is read-only once loaded and may be shared across attempts.
type Account struct {
	ID       string `json:"id" yaml:"id"`
	Title    string `json:"title" yaml:"title"`
	Provider string `json:"provider" yaml:"provider"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	Token    string `json:"-" yaml:"token"`
	Region   string `json:"region,omitempty" yaml:"region"`
	CACert   string `json:"caCert,omitempty" yaml:"ca_cert"`
}

// Key is a registered SSH private key.
type Key struct {
	ID           string           `json:"id" yaml:"id"`
	PrivateKey   string           `json:"-" yaml:"private_key"`
	Default      bool             `json:"default" yaml:"default"`
	Associations []KeyAssociation `json:"associations,omitempty" yaml:"associations"`
}

// KeyAssociation records that a key worked for a node, and as which user.
type KeyAssociation struct {
	AccountID string `json:"accountId" yaml:"account"`
	NodeID    string `json:"nodeId" yaml:"node"`
	User      string `json:"user,omitempty" yaml:"user"`
}

// AssociatedWith reports the association of k with the account/node pair, if any.
func (k Key) AssociatedWith(accountID, nodeID string) (KeyAssociation, bool) {
	for _, a := range k.Associations {
		if a.AccountID == accountID && a.NodeID == nodeID {
			return a, true
		}
	}
	return KeyAssociation{}, false
}

// User is the requester context resolved from an identity.
type User struct {
	Email    string             `json:"email" yaml:"email"`
	Accounts map[string]Account `json:"accounts" yaml:"-"`
	Keys     []Key              `json:"keys" yaml:"keys"`
}

// Account returns the named account.
func (u *User) Account(id string) (Account, bool) {
	a, ok := u.Accounts[id]
	return a, ok
}
