package daemon

import (
	"context"
	"encoding/json"
	"time"
)

func (c *Client) CreateFeed(ctx context.Context, name string) (string, error) {
	req := CreateFeedRequest{}
	if name != "" {
		req.FeedName = &name
	}
	var out CreateFeedResponse
	if err := c.post(ctx, "feed/createFeed", req, &out, 0); err != nil {
		return "", err
	}
	return out.FeedID, nil
}

func (c *Client) GetFeedInfo(ctx context.Context, feedID string, timeout time.Duration) (*GetFeedInfoResponse, error) {
	var out GetFeedInfoResponse
	req := GetFeedInfoRequest{FeedID: feedID, TimeoutMsec: msec(timeout)}
	if err := c.post(ctx, "feed/getFeedInfo", req, &out, timeout); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetFeedID(ctx context.Context, name string) (string, error) {
	var out GetFeedIDResponse
	if err := c.post(ctx, "feed/getFeedId", GetFeedIDRequest{FeedName: name}, &out, 0); err != nil {
		return "", err
	}
	return out.FeedID, nil
}

func (c *Client) DeleteFeed(ctx context.Context, feedID string) error {
	var out Reply
	return c.post(ctx, "feed/deleteFeed", DeleteFeedRequest{FeedID: feedID}, &out, 0)
}

func (c *Client) GetNumMessages(ctx context.Context, feedID, subfeedHash string) (int64, error) {
	var out GetNumMessagesResponse
	req := SubfeedRequest{FeedID: feedID, SubfeedHash: subfeedHash}
	if err := c.post(ctx, "feed/getNumMessages", req, &out, 0); err != nil {
		return 0, err
	}
	return out.NumMessages, nil
}

// GetMessages long-polls for up to wait for messages at or after req.Position.
func (c *Client) GetMessages(ctx context.Context, req GetMessagesRequest) ([]json.RawMessage, error) {
	var out GetMessagesResponse
	if err := c.post(ctx, "feed/getMessages", req, &out, time.Duration(req.WaitMsec)*time.Millisecond); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) GetSignedMessages(ctx context.Context, req GetMessagesRequest) ([]json.RawMessage, error) {
	var out GetSignedMessagesResponse
	if err := c.post(ctx, "feed/getSignedMessages", req, &out, time.Duration(req.WaitMsec)*time.Millisecond); err != nil {
		return nil, err
	}
	return out.SignedMessages, nil
}

func (c *Client) AppendMessages(ctx context.Context, feedID, subfeedHash string, msgs []json.RawMessage) error {
	var out Reply
	req := AppendMessagesRequest{FeedID: feedID, SubfeedHash: subfeedHash, Messages: msgs}
	return c.post(ctx, "feed/appendMessages", req, &out, 0)
}

func (c *Client) SubmitMessage(ctx context.Context, feedID, subfeedHash string, msg json.RawMessage, timeout time.Duration) error {
	var out Reply
	req := SubmitMessageRequest{FeedID: feedID, SubfeedHash: subfeedHash, Message: msg, TimeoutMsec: msec(timeout)}
	return c.post(ctx, "feed/submitMessage", req, &out, timeout)
}

func (c *Client) GetAccessRules(ctx context.Context, feedID, subfeedHash string) (*AccessRules, error) {
	var out GetAccessRulesResponse
	req := SubfeedRequest{FeedID: feedID, SubfeedHash: subfeedHash}
	if err := c.post(ctx, "feed/getAccessRules", req, &out, 0); err != nil {
		return nil, err
	}
	return &out.AccessRules, nil
}

func (c *Client) SetAccessRules(ctx context.Context, feedID, subfeedHash string, rules AccessRules) error {
	var out Reply
	req := SetAccessRulesRequest{FeedID: feedID, SubfeedHash: subfeedHash, AccessRules: rules}
	return c.post(ctx, "feed/setAccessRules", req, &out, 0)
}

// WatchForNewMessages blocks up to wait for new messages on any of the
// watched subfeeds. The result is keyed like the request.
func (c *Client) WatchForNewMessages(ctx context.Context, watches map[string]SubfeedWatch, wait time.Duration) (map[string][]json.RawMessage, error) {
	var out WatchForNewMessagesResponse
	req := WatchForNewMessagesRequest{SubfeedWatches: watches, WaitMsec: msec(wait)}
	if err := c.post(ctx, "feed/watchForNewMessages", req, &out, wait); err != nil {
		return nil, err
	}
	return out.Messages, nil
}
