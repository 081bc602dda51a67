package nomad

import (
	"fmt"

	nomadapi "github.com/hashicorp/nomad/api"
)

// Options carries per-account connection settings. Nothing here is read
// from or written to process-wide state.
type Options struct {
	Address string
	Token   string
	Region  string
	CACert  string // path to a PEM bundle
}

type Client struct {
	api *nomadapi.Client
}

func NewClient(opts Options) (*Client, error) {
	cfg := nomadapi.DefaultConfig()
	cfg.Address = opts.Address
	cfg.SecretID = opts.Token
	if opts.Region != "" {
		cfg.Region = opts.Region
	}
	if opts.CACert != "" {
		cfg.TLSConfig.CACert = opts.CACert
	}

	client, err := nomadapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("nomad client: %w", err)
	}
	return &Client{api: client}, nil
}

// Healthy checks connectivity to Nomad.
func (c *Client) Healthy() error {
	_, err := c.api.Agent().NodeName()
	return err
}
