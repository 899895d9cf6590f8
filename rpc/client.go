package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-uuid"
)

// DefaultCallTimeout bounds every RPC call's round trip, per the
// specification's requirement that a dead peer cannot block progress:
// "the socket timeout for RPC calls is bounded (default 1s)".
const DefaultCallTimeout = 1 * time.Second

// Client calls JSON-RPC methods against one remote address.
type Client struct {
	Addr string
	HTTP *http.Client
}

// NewClient returns a Client bound to addr (host:port), with a
// transport-level timeout of DefaultCallTimeout unless overridden by
// the caller via Client.HTTP after construction.
func NewClient(addr string) *Client {
	return &Client{
		Addr: addr,
		HTTP: &http.Client{Timeout: DefaultCallTimeout},
	}
}

// Call invokes method on the remote side with args, decoding the result
// into reply. reply must be a pointer.
func (c *Client) Call(ctx context.Context, method string, args, reply any) error {
	params, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("rpc: marshal args: %w", err)
	}
	id, err := uuid.GenerateUUID()
	if err != nil {
		id = method
	}
	req := Request{JSONRPC: "2.0", Method: method, Params: params, ID: id}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("rpc: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+c.Addr+"/rpc", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("rpc: %s: %w", method, err)
	}
	defer resp.Body.Close()

	var rpcResp Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("rpc: %s: decode response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if reply == nil {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, reply)
}
