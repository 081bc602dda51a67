package consul

import (
	"context"
	"fmt"

	consulapi "github.com/hashicorp/consul/api"

	"skald/model"
)

// Tagged addresses that hold a node's externally reachable address.
var wanTags = []string{"wan", "wan_ipv4"}

// ListNodes returns the catalog nodes. WAN tagged addresses come first,
// followed by the node address.
func (c *Client) ListNodes(ctx context.Context) ([]model.Node, error) {
	q := (&consulapi.QueryOptions{}).WithContext(ctx)
	entries, _, err := c.api.Catalog().Nodes(q)
	if err != nil {
		return nil, fmt.Errorf("catalog nodes: %w", err)
	}

	nodes := make([]model.Node, 0, len(entries))
	for _, e := range entries {
		id := e.ID
		if id == "" {
			id = e.Node
		}
		nodes = append(nodes, model.Node{
			ID:              id,
			Name:            e.Node,
			Status:          "ready",
			PublicAddresses: addresses(e),
		})
	}
	return nodes, nil
}

func addresses(n *consulapi.Node) []string {
	var out []string
	seen := map[string]bool{}
	add := func(a string) {
		if a == "" || seen[a] {
			return
		}
		seen[a] = true
		out = append(out, a)
	}
	for _, tag := range wanTags {
		add(n.TaggedAddresses[tag])
	}
	add(n.Address)
	return out
}
