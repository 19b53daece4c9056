package daemon

import (
	"context"
	"encoding/json"
)

func (c *Client) MutableSet(ctx context.Context, key, value json.RawMessage) error {
	var out Reply
	return c.post(ctx, "mutable/set", MutableRequest{Key: key, Value: value}, &out, 0)
}

// MutableGet returns (nil, false, nil) when the key is unset.
func (c *Client) MutableGet(ctx context.Context, key json.RawMessage) (json.RawMessage, bool, error) {
	var out MutableGetResponse
	if err := c.post(ctx, "mutable/get", MutableRequest{Key: key}, &out, 0); err != nil {
		return nil, false, err
	}
	if !out.Found {
		return nil, false, nil
	}
	return out.Value, true, nil
}

func (c *Client) MutableDelete(ctx context.Context, key json.RawMessage) error {
	var out Reply
	return c.post(ctx, "mutable/delete", MutableRequest{Key: key}, &out, 0)
}
