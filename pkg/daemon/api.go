package daemon

import (
	"encoding/json"

	"kachery/pkg/types"
	"kachery/pkg/uri"
)

// Reply is embedded in every JSON response body.
type Reply struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (r *Reply) reply() *Reply { return r }

// replier lets post() check success on any response struct embedding Reply.
type replier interface{ reply() *Reply }

type ProbeResponse struct {
	Reply
	NodeID            string            `json:"nodeId"`
	KacheryStorageDir string            `json:"kacheryStorageDir"`
	JoinedChannels    []json.RawMessage `json:"joinedChannels"`
}

// --- files -------------------------------------------------------------------

type StoreFileRequest struct {
	LocalFilePath string `json:"localFilePath"`
}

type StoreFileResponse struct {
	Reply
	Sha1         types.Hash `json:"sha1"`
	ManifestSha1 types.Hash `json:"manifestSha1"`
}

type LoadFileRequest struct {
	FileKey     uri.FileKey `json:"fileKey"`
	FromNode    *string     `json:"fromNode"`
	FromChannel *string     `json:"fromChannel"`
}

// Load file event types.
const (
	EventProgress = "progress"
	EventFinished = "finished"
	EventError    = "error"
)

// LoadFileEvent is one record of the loadFile stream.
type LoadFileEvent struct {
	Type          string `json:"type"`
	BytesLoaded   int64  `json:"bytesLoaded,omitempty"`
	BytesTotal    int64  `json:"bytesTotal,omitempty"`
	NodeID        string `json:"nodeId,omitempty"`
	LocalFilePath string `json:"localFilePath,omitempty"`
	Error         string `json:"error,omitempty"`
}

type FindFileRequest struct {
	FileKey     uri.FileKey `json:"fileKey"`
	TimeoutMsec int64       `json:"timeoutMsec"`
	FromChannel *string     `json:"fromChannel"`
}

// FindFileResult is one record of the findFile stream: a node holding the file.
type FindFileResult struct {
	NodeID   string      `json:"nodeId"`
	Channel  string      `json:"channel,omitempty"`
	FileKey  uri.FileKey `json:"fileKey"`
	FileSize int64       `json:"fileSize"`
}

// --- feeds -------------------------------------------------------------------

type CreateFeedRequest struct {
	FeedName *string `json:"feedName,omitempty"`
}

type CreateFeedResponse struct {
	Reply
	FeedID string `json:"feedId"`
}

type GetFeedInfoRequest struct {
	FeedID      string `json:"feedId"`
	TimeoutMsec int64  `json:"timeoutMsec"`
}

type GetFeedInfoResponse struct {
	Reply
	IsWriteable bool   `json:"isWriteable"`
	NodeID      string `json:"nodeId"`
}

type SubfeedRequest struct {
	FeedID      string `json:"feedId"`
	SubfeedHash string `json:"subfeedHash"`
}

type GetNumMessagesResponse struct {
	Reply
	NumMessages int64 `json:"numMessages"`
}

type GetMessagesRequest struct {
	FeedID         string `json:"feedId"`
	SubfeedHash    string `json:"subfeedHash"`
	Position       int64  `json:"position"`
	MaxNumMessages int    `json:"maxNumMessages"`
	WaitMsec       int64  `json:"waitMsec"`
}

type GetMessagesResponse struct {
	Reply
	Messages []json.RawMessage `json:"messages"`
}

type GetSignedMessagesResponse struct {
	Reply
	SignedMessages []json.RawMessage `json:"signedMessages"`
}

type AppendMessagesRequest struct {
	FeedID      string            `json:"feedId"`
	SubfeedHash string            `json:"subfeedHash"`
	Messages    []json.RawMessage `json:"messages"`
}

type SubmitMessageRequest struct {
	FeedID      string          `json:"feedId"`
	SubfeedHash string          `json:"subfeedHash"`
	Message     json.RawMessage `json:"message"`
	TimeoutMsec int64           `json:"timeoutMsec"`
}

// AccessRule grants (or explicitly withholds) write access to one node.
type AccessRule struct {
	NodeID string `json:"nodeId"`
	Write  bool   `json:"write"`
}

type AccessRules struct {
	Rules []AccessRule `json:"rules"`
}

type SetAccessRulesRequest struct {
	FeedID      string      `json:"feedId"`
	SubfeedHash string      `json:"subfeedHash"`
	AccessRules AccessRules `json:"accessRules"`
}

type GetAccessRulesResponse struct {
	Reply
	AccessRules AccessRules `json:"accessRules"`
}

type DeleteFeedRequest struct {
	FeedID string `json:"feedId"`
}

type GetFeedIDRequest struct {
	FeedName string `json:"feedName"`
}

type GetFeedIDResponse struct {
	Reply
	FeedID string `json:"feedId"`
}

// SubfeedWatch is one entry of a watchForNewMessages request.
type SubfeedWatch struct {
	FeedID      string `json:"feedId"`
	SubfeedHash string `json:"subfeedHash"`
	Position    int64  `json:"position"`
}

type WatchForNewMessagesRequest struct {
	SubfeedWatches map[string]SubfeedWatch `json:"subfeedWatches"`
	WaitMsec       int64                   `json:"waitMsec"`
}

type WatchForNewMessagesResponse struct {
	Reply
	Messages map[string][]json.RawMessage `json:"messages"`
}

// --- mutables ----------------------------------------------------------------

type MutableRequest struct {
	Key   json.RawMessage `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

type MutableGetResponse struct {
	Reply
	Found bool            `json:"found"`
	Value json.RawMessage `json:"value"`
}
