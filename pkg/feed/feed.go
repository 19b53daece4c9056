package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"kachery/pkg/core"
	"kachery/pkg/uri"

	"go.uber.org/zap"
)

// snapshotObject is the JSON body of a stored snapshot.
type snapshotObject struct {
	Subfeeds map[string]snapshotSubfeed `json:"subfeeds"`
}

type snapshotSubfeed struct {
	SubfeedHash string            `json:"subfeedHash"`
	Messages    []json.RawMessage `json:"messages"`
}

// Feed is a handle on a live feed or an immutable snapshot.
type Feed struct {
	client    *Client
	uri       string
	id        string
	nodeID    string
	writeable bool
	snapshot  *snapshotObject
}

// ID is empty for snapshots.
func (f *Feed) ID() string { return f.id }

func (f *Feed) NodeID() string { return f.nodeID }

func (f *Feed) URI() string { return f.uri }

func (f *Feed) IsWriteable() bool { return f.writeable && f.snapshot == nil }

func (f *Feed) IsSnapshot() bool { return f.snapshot != nil }

// SubfeedHash maps a subfeed name to its hash. String names hash their
// UTF-8 bytes, except "~<hash>" which names the hash directly. Any other
// JSON value hashes its compact, key-sorted encoding.
func SubfeedHash(name any) (string, error) {
	if s, ok := name.(string); ok {
		if h, found := strings.CutPrefix(s, "~"); found {
			return h, nil
		}
		return core.SumString(s).String(), nil
	}
	h, err := core.SumObject(name)
	if err != nil {
		return "", fmt.Errorf("unable to hash subfeed name: %w", err)
	}
	return h.String(), nil
}

// Subfeed returns a new handle at position 0.
func (f *Feed) Subfeed(name any) (*Subfeed, error) {
	h, err := SubfeedHash(name)
	if err != nil {
		return nil, err
	}
	nameStr, ok := name.(string)
	if !ok {
		nameStr = "~" + h
	}
	return &Subfeed{feed: f, name: name, nameStr: nameStr, hash: h}, nil
}

// Delete removes a live feed.
func (f *Feed) Delete(ctx context.Context) error {
	if f.IsSnapshot() {
		return fmt.Errorf("cannot delete a snapshot: %s", f.uri)
	}
	return f.client.DeleteFeed(ctx, f.uri)
}

// CreateSnapshot copies the full content of the named subfeeds into one
// stored JSON blob and opens it.
func (f *Feed) CreateSnapshot(ctx context.Context, names []any) (*Feed, error) {
	snap := snapshotObject{Subfeeds: make(map[string]snapshotSubfeed, len(names))}
	for _, name := range names {
		sf, err := f.Subfeed(name)
		if err != nil {
			return nil, err
		}
		msgs, err := sf.GetNextMessages(ctx, 0, 0, true)
		if err != nil {
			return nil, fmt.Errorf("unable to read subfeed %s: %w", sf.nameStr, err)
		}
		if msgs == nil {
			msgs = []Message{}
		}
		snap.Subfeeds[sf.hash] = snapshotSubfeed{SubfeedHash: sf.hash, Messages: msgs}
	}
	snapURI, err := f.client.objects.StoreJSON(ctx, snap, "feed.json")
	if err != nil {
		return nil, fmt.Errorf("unable to store snapshot: %w", err)
	}
	f.client.log.Debug("created snapshot", zap.String("feed", f.uri), zap.String("snapshot", snapURI))
	return f.client.LoadFeed(ctx, snapURI, false)
}

func (f *Feed) subfeedURI(nameStr string) string {
	if f.snapshot == nil {
		return uri.FeedURI(f.id, nameStr)
	}
	u, err := uri.Parse(f.uri)
	if err != nil {
		return f.uri + "?subfeedName=" + nameStr
	}
	return uri.SnapshotSubfeedURI(u.Digest(), nameStr)
}
