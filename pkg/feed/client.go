// Package feed reads and writes append-only feeds through the daemon.
//
// A feed is a set of subfeeds, each an ordered message log. Live feeds are
// served by the daemon; snapshots are immutable JSON blobs holding a copy of
// selected subfeeds. Every Subfeed handle keeps its own read position.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"kachery/pkg/clock"
	"kachery/pkg/daemon"
	"kachery/pkg/uri"

	"go.uber.org/zap"
)

var (
	ErrAccessDenied = errors.New("access denied")

	// ErrNotWriteable matches ErrAccessDenied.
	ErrNotWriteable = fmt.Errorf("%w: feed is not writeable", ErrAccessDenied)

	ErrFeedNotFound = errors.New("feed not found")
)

// Message is one opaque feed message.
type Message = json.RawMessage

// Gateway is the daemon surface the feed client needs. *daemon.Client
// implements it.
type Gateway interface {
	CreateFeed(ctx context.Context, name string) (string, error)
	GetFeedInfo(ctx context.Context, feedID string, timeout time.Duration) (*daemon.GetFeedInfoResponse, error)
	GetFeedID(ctx context.Context, name string) (string, error)
	DeleteFeed(ctx context.Context, feedID string) error
	GetNumMessages(ctx context.Context, feedID, subfeedHash string) (int64, error)
	GetMessages(ctx context.Context, req daemon.GetMessagesRequest) ([]json.RawMessage, error)
	GetSignedMessages(ctx context.Context, req daemon.GetMessagesRequest) ([]json.RawMessage, error)
	AppendMessages(ctx context.Context, feedID, subfeedHash string, msgs []json.RawMessage) error
	SubmitMessage(ctx context.Context, feedID, subfeedHash string, msg json.RawMessage, timeout time.Duration) error
	GetAccessRules(ctx context.Context, feedID, subfeedHash string) (*daemon.AccessRules, error)
	SetAccessRules(ctx context.Context, feedID, subfeedHash string, rules daemon.AccessRules) error
	WatchForNewMessages(ctx context.Context, watches map[string]daemon.SubfeedWatch, wait time.Duration) (map[string][]json.RawMessage, error)
}

// ObjectStore persists snapshots as JSON blobs.
type ObjectStore interface {
	StoreJSON(ctx context.Context, v any, basename string) (string, error)
	LoadJSON(ctx context.Context, blobURI string, v any) error
}

const (
	defaultInfoTimeout = time.Second
	submitTimeout      = 4 * time.Second
	streamWait         = 5 * time.Second
	streamPause        = 50 * time.Millisecond
)

type Client struct {
	gw          Gateway
	objects     ObjectStore
	clock       clock.Clock
	infoTimeout time.Duration
	log         *zap.Logger
}

type Option func(*Client)

func WithClock(c clock.Clock) Option { return func(cl *Client) { cl.clock = c } }

func WithLogger(log *zap.Logger) Option { return func(cl *Client) { cl.log = log.Named("feed") } }

// WithInfoTimeout bounds how long loading a live feed waits for its info.
func WithInfoTimeout(d time.Duration) Option { return func(cl *Client) { cl.infoTimeout = d } }

func NewClient(gw Gateway, objects ObjectStore, opts ...Option) *Client {
	c := &Client{
		gw:          gw,
		objects:     objects,
		clock:       clock.Real(),
		infoTimeout: defaultInfoTimeout,
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateFeed creates a new writeable feed, optionally registered under name.
func (c *Client) CreateFeed(ctx context.Context, name string) (*Feed, error) {
	id, err := c.gw.CreateFeed(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("unable to create feed %q: %w", name, err)
	}
	return c.openLive(ctx, id)
}

// GetFeedID resolves a feed name. With create, a missing name is created.
func (c *Client) GetFeedID(ctx context.Context, name string, create bool) (string, error) {
	id, err := c.gw.GetFeedID(ctx, name)
	if err == nil {
		return id, nil
	}
	if !daemon.IsAPIError(err) {
		return "", err
	}
	if !create {
		return "", fmt.Errorf("%w: unable to load feed with name %q: %w", ErrFeedNotFound, name, err)
	}
	f, err := c.CreateFeed(ctx, name)
	if err != nil {
		return "", err
	}
	return f.ID(), nil
}

// LoadFeed opens feed://<id>, a sha1:// snapshot, or a feed name.
// create applies to names only.
func (c *Client) LoadFeed(ctx context.Context, nameOrURI string, create bool) (*Feed, error) {
	switch {
	case strings.HasPrefix(nameOrURI, uri.SchemeFeed+"://"):
		if create {
			return nil, errors.New("cannot use create when a feed id is given")
		}
		u, err := uri.Parse(nameOrURI)
		if err != nil {
			return nil, err
		}
		if u.Path != "" {
			return nil, fmt.Errorf("not a feed uri (has subfeed): %s", nameOrURI)
		}
		return c.openLive(ctx, u.Hash)

	case strings.HasPrefix(nameOrURI, uri.SchemeSha1+"://"):
		if create {
			return nil, errors.New("cannot use create when the feed is a snapshot")
		}
		return c.openSnapshot(ctx, nameOrURI)

	default:
		id, err := c.GetFeedID(ctx, nameOrURI, create)
		if err != nil {
			return nil, err
		}
		return c.openLive(ctx, id)
	}
}

// DeleteFeed deletes a live feed given by URI or name.
func (c *Client) DeleteFeed(ctx context.Context, nameOrURI string) error {
	var id string
	if strings.HasPrefix(nameOrURI, uri.SchemeFeed+"://") {
		u, err := uri.Parse(nameOrURI)
		if err != nil {
			return err
		}
		if u.Path != "" {
			return fmt.Errorf("cannot specify subfeed name when deleting feed: %s", nameOrURI)
		}
		id = u.Hash
	} else {
		var err error
		if id, err = c.GetFeedID(ctx, nameOrURI, false); err != nil {
			return err
		}
	}
	if err := c.gw.DeleteFeed(ctx, id); err != nil {
		return fmt.Errorf("unable to delete feed %s: %w", id, err)
	}
	return nil
}

// LoadSubfeed opens feed://<id>/<name> or sha1://<snapshot>?subfeedName=<name>
// at position 0.
func (c *Client) LoadSubfeed(ctx context.Context, subfeedURI string) (*Subfeed, error) {
	u, err := uri.Parse(subfeedURI)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case uri.SchemeFeed:
		if u.Path == "" {
			return nil, fmt.Errorf("no subfeed name found in %s", subfeedURI)
		}
		f, err := c.openLive(ctx, u.Hash)
		if err != nil {
			return nil, err
		}
		return f.Subfeed(u.Path)
	case uri.SchemeSha1:
		name, ok := u.SubfeedName()
		if !ok {
			return nil, fmt.Errorf("no subfeed name found in %s", subfeedURI)
		}
		base, _, _ := strings.Cut(subfeedURI, "?")
		f, err := c.openSnapshot(ctx, base)
		if err != nil {
			return nil, err
		}
		return f.Subfeed(name)
	default:
		return nil, fmt.Errorf("unexpected subfeed uri: %s", subfeedURI)
	}
}

// Watch names one subfeed position to watch. Either SubfeedHash or
// SubfeedName must be set.
type Watch struct {
	FeedID      string
	SubfeedHash string
	SubfeedName any
	Position    int64
}

// WatchForNewMessages blocks up to wait until any watched subfeed has
// messages at or after its position. Results are keyed like watches; keys
// with nothing new may be absent.
func (c *Client) WatchForNewMessages(ctx context.Context, watches map[string]Watch, wait time.Duration) (map[string][]Message, error) {
	req := make(map[string]daemon.SubfeedWatch, len(watches))
	for key, w := range watches {
		h := w.SubfeedHash
		if h == "" {
			var err error
			if h, err = SubfeedHash(w.SubfeedName); err != nil {
				return nil, fmt.Errorf("watch %q: %w", key, err)
			}
		}
		req[key] = daemon.SubfeedWatch{FeedID: w.FeedID, SubfeedHash: h, Position: w.Position}
	}
	out, err := c.gw.WatchForNewMessages(ctx, req, wait)
	if err != nil {
		return nil, fmt.Errorf("unable to watch for new messages: %w", err)
	}
	return out, nil
}

func (c *Client) openLive(ctx context.Context, feedID string) (*Feed, error) {
	info, err := c.gw.GetFeedInfo(ctx, feedID, c.infoTimeout)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize feed %s: %w", feedID, err)
	}
	return &Feed{
		client:    c,
		uri:       uri.FeedURI(feedID, ""),
		id:        feedID,
		nodeID:    info.NodeID,
		writeable: info.IsWriteable,
	}, nil
}

func (c *Client) openSnapshot(ctx context.Context, snapshotURI string) (*Feed, error) {
	var snap snapshotObject
	if err := c.objects.LoadJSON(ctx, snapshotURI, &snap); err != nil {
		return nil, fmt.Errorf("unable to load snapshot %s: %w", snapshotURI, err)
	}
	return &Feed{client: c, uri: snapshotURI, snapshot: &snap}, nil
}
