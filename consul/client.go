package consul

import (
	"fmt"

	consulapi "github.com/hashicorp/consul/api"
)

// Options carries per-account connection settings.
type Options struct {
	Address    string
	Token      string
	Datacenter string
	CACert     string
}

type Client struct {
	api *consulapi.Client
}

func NewClient(opts Options) (*Client, error) {
	cfg := consulapi.DefaultConfig()
	cfg.Address = opts.Address
	cfg.Token = opts.Token
	cfg.Datacenter = opts.Datacenter
	if opts.CACert != "" {
		cfg.TLSConfig.CAFile = opts.CACert
	}

	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &Client{api: client}, nil
}

// Healthy checks connectivity to Consul.
func (c *Client) Healthy() error {
	_, err := c.api.Status().Leader()
	return err
}
