package nomad

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	nomadapi "github.com/hashicorp/nomad/api"

	"skald/model"
)

// Attributes consulted for a node's public address, in order.
var publicAddrAttrs = []string{
	"unique.platform.aws.public-ipv4",
	"unique.platform.gce.network.default.external-ip.0",
	"unique.platform.azure.network.public-ipv4",
	"unique.platform.digitalocean.public-ipv4",
	"unique.platform.hetzner.public-ipv4",
	"unique.network.ip-address",
}

// ListNodes returns every node known to the cluster. Nodes that are not
// ready report no public addresses. A node collected between the list and
// its lookup is left out.
func (c *Client) ListNodes(ctx context.Context) ([]model.Node, error) {
	q := (&nomadapi.QueryOptions{}).WithContext(ctx)
	stubs, _, err := c.api.Nodes().List(q)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}

	nodes := make([]model.Node, 0, len(stubs))
	for _, stub := range stubs {
		n := model.Node{ID: stub.ID, Name: stub.Name, Status: stub.Status}
		if stub.Status == nomadapi.NodeStatusReady {
			info, _, err := c.api.Nodes().Info(stub.ID, q)
			if isNotFound(err) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("node %s: %w", stub.ID, err)
			}
			n.PublicAddresses = publicAddresses(info)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func isNotFound(err error) bool {
	var resp nomadapi.UnexpectedResponseError
	return errors.As(err, &resp) && resp.StatusCode() == http.StatusNotFound
}

func publicAddresses(node *nomadapi.Node) []string {
	var addrs []string
	seen := map[string]bool{}
	for _, attr := range publicAddrAttrs {
		ip := node.Attributes[attr]
		if ip == "" || seen[ip] {
			continue
		}
		seen[ip] = true
		addrs = append(addrs, ip)
	}
	return addrs
}
