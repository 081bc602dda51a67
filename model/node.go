package model

// Node is a provider node as seen by the resolver.
type Node struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Status          string   `json:"status,omitempty"`
	PublicAddresses []string `json:"publicAddresses"`
}

// Address returns the first public address, or "" if the node has none yet.
func (n Node) Address() string {
	if len(n.PublicAddresses) == 0 {
		return ""
	}
	return n.PublicAddresses[0]
}
