package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/easynet-cn/batata-sub004/pkg/cluster"
	"github.com/easynet-cn/batata-sub004/pkg/healthcheck"
	"github.com/easynet-cn/batata-sub004/pkg/server"
)

// Client is a typed SDK for the peer endpoint of a batata node.
type Client struct {
	conn   cluster.Conn
	sender string
}

// Options control Client behavior.
type Options struct {
	// DialTimeout is the timeout for establishing the initial connection.
	DialTimeout time.Duration
	// Sender identifies this client on outgoing requests.
	Sender string
}

// New dials the node's RPC endpoint (host:port) and returns a Client.
func New(ctx context.Context, address string, opts *Options) (*Client, error) {
	if opts == nil {
		opts = &Options{DialTimeout: 5 * time.Second}
	}
	if opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.DialTimeout)
		defer cancel()
	}
	sender := opts.Sender
	if sender == "" {
		sender = "sdk"
	}
	conn, err := cluster.NewGRPCTransport().Dial(ctx, address)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, sender: sender}, nil
}

func (c *Client) call(ctx context.Context, t cluster.RequestType, body any) (*cluster.Response, error) {
	req, err := cluster.NewRequest(t, c.sender, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.conn.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return resp, fmt.Errorf("%s rejected: %s", t, resp.Message)
	}
	return resp, nil
}

// Ping checks the node is answering peer requests.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, cluster.RequestPing, nil)
	return err
}

// Status fetches the node's topology and registry summary.
func (c *Client) Status(ctx context.Context) (*server.StatusBody, error) {
	resp, err := c.call(ctx, cluster.RequestStatus, nil)
	if err != nil {
		return nil, err
	}
	var body server.StatusBody
	if err := json.Unmarshal(resp.Payload, &body); err != nil {
		return nil, err
	}
	return &body, nil
}

// SyncInstance pushes one instance registration to the node.
func (c *Client) SyncInstance(ctx context.Context, inst healthcheck.Instance) error {
	_, err := c.call(ctx, cluster.RequestInstanceSync, inst)
	return err
}

// ReportHealth pushes a health verdict for one instance to the node.
func (c *Client) ReportHealth(ctx context.Context, report server.HealthReportBody) error {
	_, err := c.call(ctx, cluster.RequestHealthReport, report)
	return err
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }
