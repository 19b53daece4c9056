package feed

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"

	"kachery/pkg/core"
	"kachery/pkg/daemon"
	"kachery/pkg/devd/devdtest"
	"kachery/pkg/storage/disk"
	"kachery/pkg/uri"

	"github.com/stretchr/testify/require"
)

// blobObjects keeps snapshot JSON in the local store.
type blobObjects struct {
	store *disk.Adapter
}

func (o blobObjects) StoreJSON(ctx context.Context, v any, basename string) (string, error) {
	data, err := core.CompactJSON(v)
	if err != nil {
		return "", err
	}
	h, err := o.store.StoreBytes(ctx, data)
	if err != nil {
		return "", err
	}
	return uri.BlobURI(h, basename, ""), nil
}

func (o blobObjects) LoadJSON(ctx context.Context, blobURI string, v any) error {
	u, err := uri.Parse(blobURI)
	if err != nil {
		return err
	}
	data, err := o.store.ReadAll(ctx, u.Digest())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// countingGateway counts access rule writes.
type countingGateway struct {
	*daemon.Client
	ruleWrites atomic.Int32
}

func (g *countingGateway) SetAccessRules(ctx context.Context, feedID, subfeedHash string, rules daemon.AccessRules) error {
	g.ruleWrites.Add(1)
	return g.Client.SetAccessRules(ctx, feedID, subfeedHash, rules)
}

func setupClient(t *testing.T, opts ...Option) (*Client, *countingGateway) {
	t.Helper()
	inst := devdtest.Start(t, core.DefaultChunking())
	gw := &countingGateway{Client: inst.Client()}
	return NewClient(gw, blobObjects{store: inst.Store}, opts...), gw
}

func msgs(raw ...string) []Message {
	out := make([]Message, len(raw))
	for i, r := range raw {
		out[i] = Message(r)
	}
	return out
}

func mustSubfeed(t *testing.T, f *Feed, name any) *Subfeed {
	t.Helper()
	sf, err := f.Subfeed(name)
	require.NoError(t, err)
	return sf
}

func asStrings(ms []Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = string(m)
	}
	return out
}

func daemonRules() daemon.AccessRules {
	return daemon.AccessRules{Rules: []daemon.AccessRule{{NodeID: "n", Write: true}}}
}
