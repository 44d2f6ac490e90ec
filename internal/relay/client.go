// Package relay talks to the relay allocation service and turns the
// allocations it hands out into the session parameters a transport needs to
// bind to the relay server.
package relay

import (
	"context"
	"fmt"
	"net/http"

	"github.com/philsphicas/lobbyrelay/internal/op"
	"github.com/philsphicas/lobbyrelay/internal/protocol"
	"github.com/philsphicas/lobbyrelay/internal/rest"
)

// Client is the asynchronous relay service wrapper. Every method issues
// exactly one remote call and returns its pending handle immediately.
type Client struct {
	rest *rest.Client
}

// NewClient creates a relay client for the service at baseURL.
func NewClient(baseURL string, opts *rest.Options) (*Client, error) {
	c, err := rest.NewClient("relay", baseURL, opts)
	if err != nil {
		return nil, err
	}
	return &Client{rest: c}, nil
}

// ListRegions requests the available relay regions.
func (c *Client) ListRegions(ctx context.Context) *op.Pending[[]protocol.Region] {
	return op.Go(ctx, func(ctx context.Context) ([]protocol.Region, error) {
		var resp protocol.RegionsResponse
		if err := c.rest.Do(ctx, http.MethodGet, "list-regions", "/v1/regions", nil, &resp); err != nil {
			return nil, err
		}
		return resp.Regions, nil
	})
}

// CreateAllocation reserves a host allocation for up to maxConnections
// peers in region.
func (c *Client) CreateAllocation(ctx context.Context, maxConnections int, region string) *op.Pending[*protocol.Allocation] {
	return op.Go(ctx, func(ctx context.Context) (*protocol.Allocation, error) {
		req := protocol.AllocateRequest{MaxConnections: maxConnections, Region: region}
		var alloc protocol.Allocation
		if err := c.rest.Do(ctx, http.MethodPost, "allocate", "/v1/allocate", req, &alloc); err != nil {
			return nil, err
		}
		if alloc.AllocationID == "" {
			return nil, fmt.Errorf("relay allocate: response has no allocation id")
		}
		return &alloc, nil
	})
}

// GetJoinCode requests the join code for a host allocation.
func (c *Client) GetJoinCode(ctx context.Context, allocationID string) *op.Pending[string] {
	return op.Go(ctx, func(ctx context.Context) (string, error) {
		req := protocol.JoinCodeRequest{AllocationID: allocationID}
		var resp protocol.JoinCodeResponse
		if err := c.rest.Do(ctx, http.MethodPost, "join-code", "/v1/joincode", req, &resp); err != nil {
			return "", err
		}
		if resp.JoinCode == "" {
			return "", fmt.Errorf("relay join-code: empty join code")
		}
		return resp.JoinCode, nil
	})
}

// JoinAllocation exchanges a join code for a joiner allocation.
func (c *Client) JoinAllocation(ctx context.Context, joinCode string) *op.Pending[*protocol.JoinAllocation] {
	return op.Go(ctx, func(ctx context.Context) (*protocol.JoinAllocation, error) {
		req := protocol.JoinRequest{JoinCode: joinCode}
		var alloc protocol.JoinAllocation
		if err := c.rest.Do(ctx, http.MethodPost, "join", "/v1/join", req, &alloc); err != nil {
			return nil, err
		}
		return &alloc, nil
	})
}
